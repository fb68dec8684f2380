package main

import (
	"bytes"
	"fmt"
	"net/http"
	"time"
)

// ReqContext collects the fields of one access log line.
type ReqContext struct {
	logbuf  bytes.Buffer
	started time.Time
	dur     time.Duration
	status  int
}

func NewReqContext(r *http.Request) *ReqContext {
	me := &ReqContext{}
	me.Start()
	fmt.Fprintf(&me.logbuf, "%s %s", r.Method, r.URL.RequestURI())
	me.AppendKV("remote", r.RemoteAddr)
	return me
}

func (me *ReqContext) Start() {
	me.started = time.Now()
}

func (me *ReqContext) Stop() {
	me.dur = time.Since(me.started)
}

func (me *ReqContext) DurationMs() int64 {
	return me.dur.Milliseconds()
}

func (me *ReqContext) SetStatus(code int) {
	me.status = code
}

func (me *ReqContext) Status() int {
	return me.status
}

func (me *ReqContext) AppendKV(key string, value string) {
	if value == "" {
		value = "-"
	}
	fmt.Fprintf(&me.logbuf, " %s=%s", key, value)
}

func (me *ReqContext) Printf(f string, args ...interface{}) {
	fmt.Fprintf(&me.logbuf, " "+f, args...)
}

func (me *ReqContext) String() string {
	return fmt.Sprintf("%s status=%d dur_ms=%d", me.logbuf.String(), me.status, me.DurationMs())
}
