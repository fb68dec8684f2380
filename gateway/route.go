package gateway

import (
	"errors"
	"path"
	"path/filepath"
	"strings"
)

var ErrNoScript = errors.New("no script in request path")

// RouteMatch locates the script for one request.
type RouteMatch struct {
	// filesystem path of the executable
	ScriptPath string
	// script path as the client addressed it, SCRIPT_NAME
	ScriptName string
	// path segments after the script, PATH_INFO
	PathInfo string
	// PATH_INFO resolved against the document root
	PathTranslated string
}

// Alias maps a URL prefix onto a script directory below the document root.
type Alias struct {
	Prefix       string
	Dir          string
	DocumentRoot string
	Extensions   []string
}

// Owns reports whether urlPath falls under the alias prefix.
func (me *Alias) Owns(urlPath string) bool {
	prefix := strings.TrimRight(me.Prefix, "/")
	if prefix == "" {
		return strings.HasPrefix(urlPath, "/")
	}
	return urlPath == prefix || strings.HasPrefix(urlPath, prefix+"/")
}

// Match splits urlPath into the script and its PATH_INFO. The script segment
// is the first one with an allow-listed extension; failing that the first one
// with any extension, which the dispatcher will refuse.
func (me *Alias) Match(urlPath string) (*RouteMatch, error) {
	if !me.Owns(urlPath) {
		return nil, ErrNoScript
	}
	rel := strings.TrimPrefix(urlPath, strings.TrimRight(me.Prefix, "/"))
	segments := strings.Split(strings.TrimPrefix(rel, "/"), "/")
	for _, seg := range segments {
		if seg == "." || seg == ".." {
			return nil, ErrNoScript
		}
	}

	idx := -1
	for i, seg := range segments {
		if AllowedExtension(seg, me.Extensions) {
			idx = i
			break
		}
	}
	if idx < 0 {
		for i, seg := range segments {
			if path.Ext(seg) != "" {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return nil, ErrNoScript
	}

	dir := "/" + strings.Trim(me.Dir, "/")
	scriptRel := strings.Join(segments[:idx+1], "/")

	ret := &RouteMatch{
		ScriptName: path.Join(dir, scriptRel),
		ScriptPath: filepath.Join(me.DocumentRoot, filepath.FromSlash(dir), filepath.FromSlash(scriptRel)),
	}
	if idx+1 < len(segments) {
		ret.PathInfo = "/" + strings.Join(segments[idx+1:], "/")
	}
	ret.PathTranslated = TranslatePath(me.DocumentRoot, ret.PathInfo)
	return ret, nil
}

// TranslatePath joins the document root and PATH_INFO the way a client-side
// relative root expects: "htdocs/www" + "/a/b" is "htdocs/www/a/b".
func TranslatePath(root, pathInfo string) string {
	if pathInfo == "" {
		return ""
	}
	if root == "" {
		return pathInfo
	}
	return strings.TrimRight(root, "/") + "/" + strings.TrimLeft(pathInfo, "/")
}

// AllowedExtension reports whether name ends in one of the extensions.
// Extensions may be given with or without the leading dot.
func AllowedExtension(name string, extensions []string) bool {
	ext := path.Ext(name)
	if ext == "" {
		return false
	}
	for _, e := range extensions {
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if e == ext {
			return true
		}
	}
	return false
}
