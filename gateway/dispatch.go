package gateway

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var DefaultInheritEnv = []string{"PATH"}

// Config is the read-only configuration of one dispatcher.
type Config struct {
	DocumentRoot string
	Extensions   []string
	Timeout      time.Duration
	// names of server environment variables passed to every child
	InheritEnv []string
	// fixed variables added to every child, e.g. UPLOAD_DIR
	Env            map[string]string
	Identity       ServerIdentity
	MaxBodyBytes   int64
	SpoolMemory    int
	RedirectStatus int
}

// Dispatcher runs one CGI request from eligibility checks to a translated
// response. It is safe for concurrent use; every request gets its own
// environment, body and child.
type Dispatcher struct {
	cfg        Config
	root       string
	inherited  []string
	supervisor *Supervisor
	translator *Translator
	metrics    *Metrics
}

func NewDispatcher(cfg Config, supervisor *Supervisor, metrics *Metrics) (*Dispatcher, error) {
	root, err := filepath.Abs(cfg.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("document root %q: %w", cfg.DocumentRoot, err)
	}
	if supervisor == nil {
		supervisor = NewSupervisor(0, 0)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	names := cfg.InheritEnv
	if names == nil {
		names = DefaultInheritEnv
	}

	d := &Dispatcher{
		cfg:        cfg,
		root:       root,
		supervisor: supervisor,
		translator: &Translator{RedirectStatus: cfg.RedirectStatus},
		metrics:    metrics,
	}
	for _, name := range names {
		if v, found := os.LookupEnv(name); found {
			d.inherited = append(d.inherited, name+"="+v)
		}
	}
	return d, nil
}

// Dispatch produces the outcome for one request. The child, if one was
// started, has been reaped when Dispatch returns.
func (me *Dispatcher) Dispatch(ctx context.Context, route *RouteMatch, req *Request) *Outcome {
	id := uuid.NewString()
	o := me.dispatch(ctx, id, route, req)
	o.ID = id
	me.metrics.observe(o)

	if o.Kind == Translated {
		log.Debugf("[%s] %s %s -> %d", id, req.Method, route.ScriptName, o.StatusCode())
	} else {
		log.Infof("[%s] %s %s -> %d %s: %s", id, req.Method, route.ScriptName, o.Status, o.Kind, o.Reason)
	}
	return o
}

func (me *Dispatcher) dispatch(ctx context.Context, id string, route *RouteMatch, req *Request) *Outcome {
	if o := me.eligible(route); o != nil {
		return o
	}

	body, err := PrepareBody(req, me.cfg.MaxBodyBytes, me.cfg.SpoolMemory)
	switch {
	case errors.Is(err, ErrBodyFraming):
		return rejected(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrBodyTooLarge):
		return rejected(http.StatusRequestEntityTooLarge, err.Error())
	case err != nil:
		return failed(ExecFailed, fmt.Sprintf("reading request body: %s", err))
	}
	defer body.Close()
	me.metrics.bodyBytes.Add(float64(body.Len()))

	env := BuildEnv(route, req, body.Len(), me.cfg.Identity, me.cfg.Env)
	environ := env.Environ()
	for _, kv := range me.inherited {
		if name, _, _ := strings.Cut(kv, "="); !hasName(env, name) {
			environ = append(environ, kv)
		}
	}

	script, err := filepath.Abs(route.ScriptPath)
	if err != nil {
		return failed(ExecFailed, err.Error())
	}
	inv := &Invocation{
		Path:    script,
		Dir:     me.root,
		Env:     environ,
		Stdin:     body.Reader(),
		StopStdin: req.StopBody,
		Timeout:   me.cfg.Timeout,
		Tag:       id,
	}

	me.metrics.inFlight.Inc()
	res, err := me.supervisor.Run(ctx, inv)
	me.metrics.inFlight.Dec()
	if err != nil {
		return failed(ExecFailed, err.Error())
	}

	o := me.classify(ctx, res)
	o.Pid = res.Pid
	o.ExitCode = res.ExitCode
	o.Duration = res.Duration
	return o
}

// Check runs the eligibility checks alone. It returns nil when the script
// would be started.
func (me *Dispatcher) Check(route *RouteMatch) *Outcome {
	return me.eligible(route)
}

// eligible checks extension, existence and execute permission, in that
// order. It returns nil when the script may run.
func (me *Dispatcher) eligible(route *RouteMatch) *Outcome {
	if !AllowedExtension(route.ScriptPath, me.cfg.Extensions) {
		return rejected(http.StatusForbidden, "extension not allowed: "+route.ScriptPath)
	}
	info, err := os.Stat(route.ScriptPath)
	switch {
	case errors.Is(err, fs.ErrPermission):
		return rejected(http.StatusForbidden, err.Error())
	case err != nil:
		return rejected(http.StatusNotFound, err.Error())
	case !info.Mode().IsRegular():
		return rejected(http.StatusNotFound, "not a regular file: "+route.ScriptPath)
	case !executable(route.ScriptPath, info.Mode()):
		return rejected(http.StatusForbidden, "not executable: "+route.ScriptPath)
	}
	return nil
}

// classify maps what the supervisor saw onto an outcome. A non-zero exit
// status does not matter as long as the output parses.
func (me *Dispatcher) classify(ctx context.Context, res *RunResult) *Outcome {
	switch {
	case res.TimedOut:
		return failed(TimedOut, fmt.Sprintf("pid %d exceeded %s", res.Pid, me.cfg.Timeout))
	case res.Canceled && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return failed(TimedOut, fmt.Sprintf("pid %d outlived the request deadline", res.Pid))
	case res.Canceled:
		return failed(ExecFailed, fmt.Sprintf("pid %d canceled: %s", res.Pid, ctx.Err()))
	case res.Overflow:
		return failed(MalformedOutput, fmt.Sprintf("pid %d output exceeds %d bytes", res.Pid, me.supervisor.MaxOutput))
	}

	resp, err := me.translator.Translate(res.Stdout)
	if err != nil {
		if res.ExitCode != 0 && len(res.Stdout) == 0 {
			return failed(ExecFailed, fmt.Sprintf("pid %d exited %d without output", res.Pid, res.ExitCode))
		}
		return failed(MalformedOutput, fmt.Sprintf("pid %d exit %d: %s", res.Pid, res.ExitCode, err))
	}
	if res.ExitCode != 0 {
		log.Infof("pid %d exited %d but produced a valid response", res.Pid, res.ExitCode)
	}
	return &Outcome{Kind: Translated, Status: resp.Status, Response: resp}
}

func hasName(env *Env, name string) bool {
	_, found := env.Get(name)
	return found
}
