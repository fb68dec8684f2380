package main

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sigmonsays/cgigate/gateway"
)

// CGIRoute is one script alias from the config: requests below Prefix run
// scripts from Dir, a directory below the document root.
type CGIRoute struct {
	Prefix     string            `yaml:"prefix"`
	Dir        string            `yaml:"dir"`
	Methods    []string          `yaml:"methods,omitempty"`
	Extensions []string          `yaml:"extensions,omitempty"`
	Timeout    time.Duration     `yaml:"timeout,omitempty"`
	UploadDir  string            `yaml:"upload_dir,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Auth       bool              `yaml:"auth,omitempty"`
}

func (me *CGIRoute) Duplicate() *CGIRoute {
	rt := *me

	rt.Methods = append([]string(nil), me.Methods...)
	rt.Extensions = append([]string(nil), me.Extensions...)

	// copy env
	rt.Env = make(map[string]string, len(me.Env))
	for k, v := range me.Env {
		rt.Env[k] = v
	}

	log.Tracef("Duplicate return %#v", rt)
	return &rt
}

// Fixup normalizes the prefix and methods.
func (me *CGIRoute) Fixup() error {
	if !strings.HasPrefix(me.Prefix, "/") {
		return fmt.Errorf("prefix %q must start with /", me.Prefix)
	}
	me.Prefix = path.Clean(me.Prefix)
	if me.Dir == "" {
		me.Dir = me.Prefix
	}
	if strings.Contains("/"+me.Dir+"/", "/../") {
		return fmt.Errorf("dir %q leaves the document root", me.Dir)
	}
	if len(me.Methods) == 0 {
		me.Methods = DefaultMethods
	}
	methods := make([]string, 0, len(me.Methods))
	for _, m := range me.Methods {
		methods = append(methods, strings.ToUpper(m))
	}
	sort.Strings(methods)
	me.Methods = methods
	for k := range me.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return fmt.Errorf("env: invalid variable name %q", k)
		}
	}
	return nil
}

// AllowsMethod reports whether the alias accepts method.
func (me *CGIRoute) AllowsMethod(method string) bool {
	for _, m := range me.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// Alias is the gateway view of the route.
func (me *CGIRoute) Alias(cfg *Config) *gateway.Alias {
	return &gateway.Alias{
		Prefix:       me.Prefix,
		Dir:          me.Dir,
		DocumentRoot: cfg.DocumentRoot,
		Extensions:   me.extensions(cfg),
	}
}

// DispatcherConfig merges the route's overrides into the global settings.
func (me *CGIRoute) DispatcherConfig(cfg *Config) gateway.Config {
	rt := me.Duplicate()
	if rt.UploadDir != "" {
		rt.Env["UPLOAD_DIR"] = rt.UploadDir
	}
	timeout := rt.Timeout
	if timeout <= 0 {
		timeout = cfg.CGITimeout
	}
	return gateway.Config{
		DocumentRoot: cfg.DocumentRoot,
		Extensions:   rt.extensions(cfg),
		Timeout:      timeout,
		InheritEnv:   cfg.InheritEnv,
		Env:          rt.Env,
		Identity: gateway.ServerIdentity{
			Software: cfg.ServerSoftware,
			Name:     cfg.ServerName,
			Port:     portOf(cfg.HTTPAddr),
		},
		MaxBodyBytes:   cfg.MaxBodyBytes,
		RedirectStatus: cfg.RedirectStatus,
	}
}

func (me *CGIRoute) extensions(cfg *Config) []string {
	if len(me.Extensions) > 0 {
		return me.Extensions
	}
	return cfg.CGIExtensions
}
