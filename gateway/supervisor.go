package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
)

const (
	DefaultTimeout   = 10 * time.Second
	DefaultKillGrace = 500 * time.Millisecond

	maxStderrLineLength = 4096
)

// Invocation describes one child process to run.
type Invocation struct {
	Path string
	Args []string
	Dir  string
	// complete environment of the child; nothing is inherited
	Env []string
	// nil means the child reads an empty stdin
	Stdin io.Reader
	// unblocks a pending read on Stdin; called when the child is gone but
	// the body has not arrived
	StopStdin func()
	Timeout   time.Duration
	// prefix for log lines, usually the request id
	Tag string
}

// RunResult is what the supervisor observed about a reaped child.
type RunResult struct {
	Pid      int
	ExitCode int
	Stdout   []byte
	// stdout exceeded the supervisor's MaxOutput; Stdout is truncated
	Overflow bool
	TimedOut bool
	// the caller's context ended before the child exited
	Canceled bool
	Started  time.Time
	Duration time.Duration
}

// Supervisor runs CGI children. A Supervisor holds only configuration and
// may be shared by concurrent invocations.
type Supervisor struct {
	// time between SIGTERM and SIGKILL
	KillGrace time.Duration
	// cap on captured stdout, zero means unlimited
	MaxOutput int64
}

func NewSupervisor(killGrace time.Duration, maxOutput int64) *Supervisor {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &Supervisor{KillGrace: killGrace, MaxOutput: maxOutput}
}

// Run starts the child, feeds its stdin while capturing stdout, and waits for
// it to exit, terminating it when the deadline passes or ctx ends. The child
// is reaped on every path that returns. An error is returned only when the
// child could not be started.
func (me *Supervisor) Run(ctx context.Context, inv *Invocation) (*RunResult, error) {
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	grace := me.KillGrace
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.Env = inv.Env
	if cmd.Env == nil {
		// a nil Env would inherit ours
		cmd.Env = []string{}
	}
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	stdout := &cappedBuffer{max: me.MaxOutput}
	cmd.Stdout = stdout
	stderr := &stderrLogger{tag: inv.Tag, script: inv.Path}
	cmd.Stderr = stderr

	var stdin io.WriteCloser
	if inv.Stdin != nil {
		var err error
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	argv := append([]string{inv.Path}, inv.Args...)
	if err := cmd.Start(); err != nil {
		if stdin != nil {
			stdin.Close()
		}
		return nil, fmt.Errorf("start %s: %w", shellescape.QuoteCommand(argv), err)
	}

	h := &childHandle{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		started:  time.Now(),
		deadline: time.Now().Add(timeout),
		waitCh:   make(chan error, 1),
	}
	log.Debugf("[%s] spawned pid=%d dir=%s %s", inv.Tag, h.pid, cmd.Dir, shellescape.QuoteCommand(argv))

	writeDone := make(chan struct{})
	if stdin != nil {
		go func() {
			defer close(writeDone)
			feedStdin(stdin, inv.Stdin, inv.Tag, h.pid)
		}()
	} else {
		close(writeDone)
	}

	go func() {
		h.waitCh <- cmd.Wait()
	}()

	res := &RunResult{Pid: h.pid, Started: h.started}

	timer := time.NewTimer(time.Until(h.deadline))
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-h.waitCh:
	case <-timer.C:
		select {
		case waitErr = <-h.waitCh:
			// exited right at the deadline
		default:
			res.TimedOut = true
			log.Warnf("[%s] pid=%d exceeded %s, terminating", inv.Tag, h.pid, timeout)
			waitErr = h.terminate(grace)
		}
	case <-ctx.Done():
		res.Canceled = true
		log.Infof("[%s] pid=%d canceled: %s", inv.Tag, h.pid, ctx.Err())
		waitErr = h.terminate(grace)
	}

	if !waitClosed(writeDone, grace) {
		log.Warnf("[%s] pid=%d is gone but the request body is still pending, abandoning it", inv.Tag, h.pid)
		if inv.StopStdin != nil {
			inv.StopStdin()
		}
		stdin.Close()
		if !waitClosed(writeDone, grace) {
			log.Warnf("[%s] pid=%d stdin feeder still blocked, leaving it behind", inv.Tag, h.pid)
		}
	}
	stderr.Flush()

	res.Duration = time.Since(h.started)
	res.ExitCode = -1
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	res.Stdout = stdout.Bytes()
	res.Overflow = stdout.overflow

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		log.Warnf("[%s] pid=%d left its output pipes open after exit", inv.Tag, h.pid)
	default:
		log.Warnf("[%s] pid=%d wait: %s", inv.Tag, h.pid, waitErr)
	}
	log.Debugf("[%s] reaped pid=%d exit=%d stdout=%d bytes in %s", inv.Tag, h.pid, res.ExitCode, len(res.Stdout), res.Duration)

	return res, nil
}

// childHandle is valid from a successful Start until the child is reaped.
type childHandle struct {
	cmd      *exec.Cmd
	pid      int
	started  time.Time
	deadline time.Time
	waitCh   chan error

	termOnce sync.Once
	killOnce sync.Once
}

// terminate sends SIGTERM to the child's process group, escalates to SIGKILL
// after grace, and returns the result of reaping it.
func (me *childHandle) terminate(grace time.Duration) error {
	me.termOnce.Do(func() {
		if err := signalGroup(me.cmd, syscall.SIGTERM); err != nil {
			log.Debugf("pid=%d SIGTERM: %s", me.pid, err)
		}
	})

	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case err := <-me.waitCh:
		return err
	case <-t.C:
	}

	me.killOnce.Do(func() {
		log.Warnf("pid=%d ignored SIGTERM for %s, killing", me.pid, grace)
		if err := signalGroup(me.cmd, syscall.SIGKILL); err != nil {
			log.Debugf("pid=%d SIGKILL: %s", me.pid, err)
		}
	})
	return <-me.waitCh
}

// waitClosed waits up to d for ch to be closed.
func waitClosed(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// feedStdin copies the body into the child. A child that exits or closes
// its stdin early is not an error.
func feedStdin(w io.WriteCloser, r io.Reader, tag string, pid int) {
	n, err := io.Copy(w, r)
	switch {
	case err == nil:
	case isBrokenPipe(err):
		log.Debugf("[%s] pid=%d stopped reading stdin after %d bytes", tag, pid, n)
	default:
		log.Warnf("[%s] pid=%d writing stdin: %s", tag, pid, err)
	}
	if err := w.Close(); err != nil && !isBrokenPipe(err) {
		log.Debugf("[%s] pid=%d closing stdin: %s", tag, pid, err)
	}
}

func isBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) || errors.Is(err, fs.ErrClosed)
}

// cappedBuffer keeps at most max bytes and silently drains the rest so the
// child never blocks on a full pipe.
type cappedBuffer struct {
	buf      bytes.Buffer
	max      int64
	overflow bool
}

func (me *cappedBuffer) Write(p []byte) (int, error) {
	if me.max > 0 {
		room := me.max - int64(me.buf.Len())
		if int64(len(p)) > room {
			if room > 0 {
				me.buf.Write(p[:room])
			}
			me.overflow = true
			return len(p), nil
		}
	}
	return me.buf.Write(p)
}

func (me *cappedBuffer) Bytes() []byte {
	return me.buf.Bytes()
}

// stderrLogger forwards the child's stderr to the log one line at a time.
type stderrLogger struct {
	tag    string
	script string
	line   []byte
}

func (me *stderrLogger) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			me.emit()
			continue
		}
		if len(me.line) < maxStderrLineLength {
			me.line = append(me.line, b)
		}
	}
	return len(p), nil
}

func (me *stderrLogger) Flush() {
	if len(me.line) > 0 {
		me.emit()
	}
}

func (me *stderrLogger) emit() {
	log.Warnf("[%s] %s stderr: %s", me.tag, me.script, bytes.TrimRight(me.line, "\r"))
	me.line = me.line[:0]
}
