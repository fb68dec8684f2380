package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sigmonsays/cgigate/gateway"
)

const reverseLookupTimeout = 2 * time.Second

// CGIHandler serves one script alias.
type CGIHandler struct {
	Route      *CGIRoute
	Alias      *gateway.Alias
	Dispatcher *gateway.Dispatcher
	// nil unless the route requires authentication
	Auth          *Auth
	ErrorPages    *ErrorPages
	ReverseLookup bool
}

func (me *CGIHandler) sendError(w http.ResponseWriter, r *http.Request, rc *ReqContext, status int, msg string, args ...interface{}) {
	reason := fmt.Sprintf(msg, args...)
	rc.Printf("error=%q", reason)
	rc.SetStatus(status)
	me.ErrorPages.Write(w, r, status)
}

func (me *CGIHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := NewReqContext(r)
	defer func() {
		rc.Stop()
		log.Infof("%s", rc)
	}()

	if !me.Route.AllowsMethod(r.Method) {
		w.Header().Set("Allow", strings.Join(me.Route.Methods, ", "))
		me.sendError(w, r, rc, http.StatusMethodNotAllowed, "method %s not allowed on %s", r.Method, me.Route.Prefix)
		return
	}

	req := me.snapshot(w, r)

	if me.Route.Auth {
		authType, user, err := me.Auth.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", AuthTypeBearer)
			me.sendError(w, r, rc, http.StatusUnauthorized, "auth: %s", err)
			return
		}
		req.AuthType = authType
		req.RemoteUser = user
		rc.AppendKV("user", user)
	}

	route, err := me.Alias.Match(r.URL.Path)
	if err != nil {
		me.sendError(w, r, rc, http.StatusForbidden, "%s: %s", r.URL.Path, err)
		return
	}
	rc.AppendKV("script", route.ScriptName)

	o := me.Dispatcher.Dispatch(r.Context(), route, req)
	rc.AppendKV("id", o.ID)
	rc.AppendKV("outcome", o.Kind.String())
	if o.Pid != 0 {
		rc.Printf("pid=%d exit=%d", o.Pid, o.ExitCode)
	}
	w.Header().Set("X-Request-Id", o.ID)

	if o.Kind != gateway.Translated {
		me.sendError(w, r, rc, o.Status, "%s", o.Reason)
		return
	}
	me.writeResponse(w, r, rc, o.Response)
}

func (me *CGIHandler) writeResponse(w http.ResponseWriter, r *http.Request, rc *ReqContext, resp *gateway.Response) {
	if resp.Status < 200 {
		me.sendError(w, r, rc, http.StatusBadGateway, "informational status %d from script", resp.Status)
		return
	}

	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append([]string(nil), vv...)
	}

	body := resp.Body
	if !bodyAllowed(resp.Status) {
		h.Del("Content-Length")
		body = nil
	} else if h.Get("Content-Length") == "" {
		h.Set("Content-Length", strconv.Itoa(len(body)))
	}

	rc.SetStatus(resp.Status)
	w.WriteHeader(resp.Status)
	if r.Method == http.MethodHead || len(body) == 0 {
		return
	}
	if _, err := w.Write(body); err != nil {
		log.Debugf("writing response: %s", err)
	}
}

// snapshot copies what the gateway needs out of r.
func (me *CGIHandler) snapshot(w http.ResponseWriter, r *http.Request) *gateway.Request {
	req := &gateway.Request{
		Method:   r.Method,
		RawQuery: r.URL.RawQuery,
		Proto:    r.Proto,
		Header:   r.Header.Clone(),
		Body:     r.Body,
	}
	if r.Host != "" {
		req.Header.Set("Host", r.Host)
	}
	req.StopBody = func() {
		if err := http.NewResponseController(w).SetReadDeadline(time.Now()); err != nil {
			log.Debugf("stopping request body: %s", err)
		}
	}

	switch {
	case isChunked(r):
		// net/http has already removed the chunked framing
		req.Framing = gateway.FramingDecoded
	case r.ContentLength > 0:
		req.Framing = gateway.FramingLength
		req.ContentLength = r.ContentLength
	default:
		req.Framing = gateway.FramingNone
	}

	req.RemoteAddr = r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		req.RemoteAddr = host
	}
	if me.ReverseLookup {
		req.RemoteHost = lookupHost(r.Context(), req.RemoteAddr)
	}

	req.Host = r.Host
	if host, port, err := net.SplitHostPort(r.Host); err == nil {
		req.Host = host
		req.ServerPort = port
	}
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			req.ServerPort = port
		}
	}
	return req
}

func isChunked(r *http.Request) bool {
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

func bodyAllowed(status int) bool {
	return status != http.StatusNoContent && status != http.StatusNotModified
}

func lookupHost(ctx context.Context, addr string) string {
	ctx, cancel := context.WithTimeout(ctx, reverseLookupTimeout)
	defer cancel()
	names, err := net.DefaultResolver.LookupAddr(ctx, addr)
	if err != nil || len(names) == 0 {
		log.Tracef("reverse lookup %s: %v", addr, err)
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}
