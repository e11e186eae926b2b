// Package cli implements the allocator-admin commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/inbox-allocator/internal/allocation"
	"github.com/2389/inbox-allocator/internal/config"
	"github.com/2389/inbox-allocator/internal/server"
	"github.com/2389/inbox-allocator/internal/store"
)

// app holds the flags shared by every command.
type app struct {
	configPath string
	format     string
}

// env is an opened store with an engine over it.
type env struct {
	cfg    *config.Config
	store  store.Store
	engine *allocation.Engine
	logger *slog.Logger
}

// NewRootCmd builds the allocator-admin command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "allocator-admin",
		Short:         "Administer operators, inboxes and tenants of an inbox-allocator store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config path (default: $INBOX_ALLOCATOR_CONFIG or ~/.config/inbox-allocator/allocator.yaml)")
	root.PersistentFlags().StringVarP(&a.format, "format", "f", "text", "Output format: json or text")

	root.AddCommand(
		a.operatorCmd(),
		a.inboxCmd(),
		a.tenantCmd(),
		a.messageCmd(),
		a.sweepCmd(),
		a.tokenCmd(),
		a.auditCmd(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	path := a.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// open loads config and opens the store. Callers must close env.store.
func (a *app) open(cmd *cobra.Command) (*env, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	s, err := server.OpenStore(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	return &env{
		cfg:    cfg,
		store:  s,
		engine: allocation.New(s, server.EngineConfig(cfg.Allocation), logger),
		logger: logger,
	}, nil
}

// withEnv runs fn against an opened store and closes it afterwards.
func (a *app) withEnv(fn func(ctx context.Context, cmd *cobra.Command, e *env, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := a.open(cmd)
		if err != nil {
			return err
		}
		defer e.store.Close()
		return fn(cmd.Context(), cmd, e, args)
	}
}

func (a *app) jsonOutput() bool {
	return a.format == "json"
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	cyan := color.New(color.FgCyan)
	for i, h := range headers {
		if i > 0 {
			fmt.Fprint(tw, "\t")
		}
		cyan.Fprint(tw, h)
	}
	fmt.Fprintln(tw)
	return tw
}

func success(w io.Writer, format string, args ...any) {
	color.New(color.FgGreen).Fprint(w, "✓ ")
	fmt.Fprintf(w, format+"\n", args...)
}
