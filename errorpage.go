package main

import (
	"fmt"
	"html"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
)

// ErrorPages renders the bodies of gateway-generated error responses.
type ErrorPages struct {
	root  string
	pages map[int]string
}

func NewErrorPages(root string, pages map[int]string) *ErrorPages {
	return &ErrorPages{root: root, pages: pages}
}

// Render returns the configured page for status, or a generated one when no
// page is configured or it cannot be read.
func (me *ErrorPages) Render(status int) (body []byte, contentType string) {
	if p, found := me.pages[status]; found {
		name := filepath.Join(me.root, filepath.FromSlash(path.Clean("/"+p)))
		buf, err := os.ReadFile(name)
		if err == nil {
			return buf, contentTypeOf(name)
		}
		log.Warnf("error page for %d: %s", status, err)
	}
	title := html.EscapeString(fmt.Sprintf("%d %s", status, http.StatusText(status)))
	body = []byte("<!DOCTYPE html>\n<html><head><title>" + title + "</title></head>\n" +
		"<body><h1>" + title + "</h1></body></html>\n")
	return body, "text/html; charset=utf-8"
}

// Write sends the error page for status.
func (me *ErrorPages) Write(w http.ResponseWriter, r *http.Request, status int) {
	body, contentType := me.Render(status)
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(body)
	}
}

func contentTypeOf(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
