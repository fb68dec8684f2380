package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/sigmonsays/cgigate/gateway"
)

var defaultConf = `
http_addr: 127.0.0.1:8944
document_root: ./htdocs
server_software: cgigate/1.0
cgi_extensions: [.py, .sh, .cgi, .pl]
cgi_timeout: 10s
kill_grace: 500ms
inherit_env: [PATH]
max_body_bytes: 10485760
max_output_bytes: 67108864
redirect_status: 302
metrics_path: /metrics
cgi:
  - prefix: /cgi
    dir: /cgi-bin
# EOF
`

var DefaultMethods = []string{"GET", "POST", "DELETE", "PUT"}

type Config struct {
	HTTPAddr       string                    `yaml:"http_addr"`
	Verbose        bool                      `yaml:"verbose"`
	DocumentRoot   string                    `yaml:"document_root"`
	ServerName     string                    `yaml:"server_name"`
	ServerSoftware string                    `yaml:"server_software"`
	CGIExtensions  []string                  `yaml:"cgi_extensions"`
	CGITimeout     time.Duration             `yaml:"cgi_timeout"`
	KillGrace      time.Duration             `yaml:"kill_grace"`
	InheritEnv     []string                  `yaml:"inherit_env"`
	ReverseLookup  bool                      `yaml:"reverse_lookup"`
	MaxBodyBytes   int64                     `yaml:"max_body_bytes"`
	MaxOutputBytes int64                     `yaml:"max_output_bytes"`
	RedirectStatus int                       `yaml:"redirect_status"`
	MetricsPath    string                    `yaml:"metrics_path"`
	ErrorPages     map[int]string            `yaml:"error_pages"`
	Auth           map[string]*JwtCredential `yaml:"auth"`
	CGI            []*CGIRoute               `yaml:"cgi"`
}

// DefaultConfig returns the built-in configuration. Files loaded on top of it
// only replace the keys they set.
func DefaultConfig() *Config {
	c := &Config{}
	if err := c.LoadYamlBuffer([]byte(defaultConf)); err != nil {
		panic(err)
	}
	return c
}

func (c *Config) LoadYaml(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	b := bytes.NewBuffer(nil)
	_, err = b.ReadFrom(f)
	if err != nil {
		return err
	}

	if err := c.LoadYamlBuffer(b.Bytes()); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return nil
}

func (c *Config) LoadYamlBuffer(buf []byte) error {
	err := yaml.Unmarshal(buf, c)
	if err != nil {
		return err
	}
	return nil
}

// FixupConfig fills unset values and validates the result. It must run
// before the config is used.
func (c *Config) FixupConfig() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr is required")
	}
	if c.DocumentRoot == "" {
		c.DocumentRoot = "."
	}
	if c.ServerName == "" {
		c.ServerName = hostOf(c.HTTPAddr)
	}
	if c.CGITimeout <= 0 {
		c.CGITimeout = gateway.DefaultTimeout
	}
	if c.KillGrace <= 0 {
		c.KillGrace = gateway.DefaultKillGrace
	}
	if c.MaxBodyBytes < 0 || c.MaxOutputBytes < 0 {
		return fmt.Errorf("max_body_bytes and max_output_bytes must not be negative")
	}
	if c.RedirectStatus == 0 {
		c.RedirectStatus = http.StatusFound
	}
	if c.RedirectStatus < 300 || c.RedirectStatus > 399 {
		return fmt.Errorf("redirect_status %d is not a 3xx status", c.RedirectStatus)
	}
	for code := range c.ErrorPages {
		if code < 400 || code > 599 {
			return fmt.Errorf("error_pages: %d is not an error status", code)
		}
	}
	for name, cred := range c.Auth {
		if cred == nil || cred.SecretKey == "" {
			return fmt.Errorf("auth: access key %q has no secret_key", name)
		}
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("metrics_path %q must start with /", c.MetricsPath)
	}

	if len(c.CGI) == 0 {
		return fmt.Errorf("no cgi aliases configured")
	}
	seen := make(map[string]bool, len(c.CGI))
	for i, rt := range c.CGI {
		if rt == nil {
			return fmt.Errorf("cgi[%d] is empty", i)
		}
		if err := rt.Fixup(); err != nil {
			return fmt.Errorf("cgi[%d]: %w", i, err)
		}
		if seen[rt.Prefix] {
			return fmt.Errorf("cgi[%d]: duplicate prefix %s", i, rt.Prefix)
		}
		seen[rt.Prefix] = true
		if rt.Auth && len(c.Auth) == 0 {
			return fmt.Errorf("cgi[%d]: %s requires auth but no access keys are configured", i, rt.Prefix)
		}
		if c.MetricsPath != "" && rt.Prefix != "/" && (c.MetricsPath == rt.Prefix || strings.HasPrefix(c.MetricsPath, rt.Prefix+"/")) {
			return fmt.Errorf("metrics_path %s is shadowed by cgi prefix %s", c.MetricsPath, rt.Prefix)
		}
	}

	return nil
}

// MaxTimeout is the longest script deadline of any alias.
func (c *Config) MaxTimeout() time.Duration {
	longest := c.CGITimeout
	for _, rt := range c.CGI {
		if rt.Timeout > longest {
			longest = rt.Timeout
		}
	}
	return longest
}

func (c *Config) PrintConfig() error {
	buf, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", buf)
	return nil
}
