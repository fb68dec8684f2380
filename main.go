package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alessio/shellescape"
	"github.com/fatih/color"
	gologging "github.com/sigmonsays/go-logging"
	"github.com/spf13/cobra"
)

type options struct {
	configFile string
	logLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:          "cgigate",
		Short:        "Run CGI/1.1 scripts behind an HTTP server",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: trace, debug, info, warn, error")

	root.AddCommand(
		newServeCommand(opts),
		newCheckCommand(opts),
		newConfigCommand(opts),
	)
	return root
}

// load reads the built-in config, overlays the config file if one was given
// and applies the log level.
func (o *options) load() (*Config, error) {
	cfg := DefaultConfig()
	if o.configFile != "" {
		if err := cfg.LoadYaml(o.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.FixupConfig(); err != nil {
		return nil, err
	}

	level := o.logLevel
	if cfg.Verbose && level == "info" {
		level = "debug"
	}
	gologging.SetLogLevel(level)
	return cfg, nil
}

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured script aliases",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := opts.load()
			if err != nil {
				ExitError("config: %s", err)
			}
			srv, err := NewServer(cfg)
			if err != nil {
				ExitError("NewServer: %s", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := srv.ListenAndServe(ctx); err != nil {
				ExitError("ListenAndServe %s: %s", cfg.HTTPAddr, err)
			}
		},
	}
}

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check PATH...",
		Short: "Show which script a URL path resolves to and whether it may run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			srv, err := NewServer(cfg)
			if err != nil {
				return err
			}
			failed := 0
			for _, p := range args {
				if !checkPath(cmd.OutOrStdout(), srv, p) {
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d paths cannot run", failed, len(args))
			}
			return nil
		},
	}
}

// checkPath prints the verdict for one URL path and reports whether the
// script would be started.
func checkPath(w io.Writer, srv *Server, urlPath string) bool {
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	h := srv.Lookup(urlPath)
	if h == nil {
		fmt.Fprintf(w, "%s %s: no cgi alias\n", bad(http.StatusNotFound), urlPath)
		return false
	}
	route, err := h.Alias.Match(urlPath)
	if err != nil {
		fmt.Fprintf(w, "%s %s: %s\n", bad(http.StatusForbidden), urlPath, err)
		return false
	}
	if o := h.Dispatcher.Check(route); o != nil {
		fmt.Fprintf(w, "%s %s -> %s: %s\n", bad(o.Status), urlPath, shellescape.Quote(route.ScriptPath), o.Reason)
		return false
	}
	fmt.Fprintf(w, "%s %s -> %s SCRIPT_NAME=%s PATH_INFO=%s\n", ok("ok"), urlPath,
		shellescape.Quote(route.ScriptPath), route.ScriptName, shellescape.Quote(route.PathInfo))
	return true
}

func newConfigCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return cfg.PrintConfig()
		},
	}
}
