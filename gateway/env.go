package gateway

import (
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

const GatewayInterface = "CGI/1.1"

// Env is an ordered set of environment assignments. Setting a name that
// already exists replaces its value and keeps its position.
type Env struct {
	names  []string
	values map[string]string
}

func NewEnv() *Env {
	return &Env{values: make(map[string]string, 32)}
}

func (me *Env) Set(name, value string) {
	if _, found := me.values[name]; !found {
		me.names = append(me.names, name)
	}
	me.values[name] = value
}

// Get returns the value and whether the name is present at all.
func (me *Env) Get(name string) (string, bool) {
	v, found := me.values[name]
	return v, found
}

func (me *Env) Names() []string {
	ret := make([]string, len(me.names))
	copy(ret, me.names)
	return ret
}

func (me *Env) Len() int {
	return len(me.names)
}

// Environ renders the set as NAME=value strings for exec.Cmd.Env.
func (me *Env) Environ() []string {
	ret := make([]string, 0, len(me.names))
	for _, name := range me.names {
		ret = append(ret, name+"="+me.values[name])
	}
	return ret
}

// ServerIdentity is the read-only part of the environment shared by every
// invocation of a dispatcher.
type ServerIdentity struct {
	Software string
	Name     string
	Port     string
}

// headers never exported as HTTP_* variables
var skipHeaders = map[string]bool{
	"Content-Type":      true,
	"Content-Length":    true,
	"Transfer-Encoding": true,
	"Authorization":     true,
	"Connection":        true,
	"Proxy":             true,
}

// BuildEnv computes the CGI meta-variables for one request. contentLength is
// the decoded body length, negative when the request carries no body. extra
// holds alias-defined variables such as UPLOAD_DIR; it never overrides a
// meta-variable.
func BuildEnv(route *RouteMatch, req *Request, contentLength int64, id ServerIdentity, extra map[string]string) *Env {
	env := NewEnv()

	env.Set("CONTENT_TYPE", req.Header.Get("Content-Type"))
	if contentLength > 0 {
		env.Set("CONTENT_LENGTH", strconv.FormatInt(contentLength, 10))
	} else {
		env.Set("CONTENT_LENGTH", "")
	}
	env.Set("PATH_INFO", route.PathInfo)
	env.Set("PATH_TRANSLATED", route.PathTranslated)
	env.Set("SCRIPT_NAME", route.ScriptName)
	env.Set("SERVER_PROTOCOL", req.Proto)
	env.Set("REQUEST_METHOD", req.Method)
	env.Set("QUERY_STRING", req.RawQuery)
	env.Set("SERVER_SOFTWARE", id.Software)

	serverName := req.Host
	if serverName == "" {
		serverName = id.Name
	}
	env.Set("SERVER_NAME", serverName)

	serverPort := req.ServerPort
	if serverPort == "" {
		serverPort = id.Port
	}
	env.Set("SERVER_PORT", serverPort)

	env.Set("REMOTE_ADDR", req.RemoteAddr)
	remoteHost := req.RemoteHost
	if remoteHost == "" {
		remoteHost = req.RemoteAddr
	}
	env.Set("REMOTE_HOST", remoteHost)
	env.Set("REMOTE_USER", req.RemoteUser)
	env.Set("GATEWAY_INTERFACE", GatewayInterface)
	env.Set("AUTH_TYPE", req.AuthType)

	if len(extra) > 0 {
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, taken := env.Get(k); taken {
				log.Warnf("alias env %s shadows a meta-variable, ignored", k)
				continue
			}
			env.Set(k, extra[k])
		}
	}

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if skipHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			continue
		}
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		if _, taken := env.Get(name); taken {
			continue
		}
		env.Set(name, strings.Join(req.Header[k], ", "))
	}

	return env
}
