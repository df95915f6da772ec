package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// exitError carries a specific exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

type rootOptions struct {
	home     string
	logLevel string
	envFile  string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "agentcore",
		Short:         "Agent session runtime with subagent orchestration",
		Long:          color.CyanString("agentcore") + " runs ReAct sessions that call tools and delegate work to subagents.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env is normal; variables already set win.
			if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("load %s: %w", opts.envFile, err)
			}
			if opts.home != "" {
				return os.Setenv(config.EnvPrefix+"_HOME", opts.home)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.home, "home", "", "data directory (default $AGENTCORE_HOME or ~/.agentcore)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from config.yaml")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before config")

	root.AddCommand(newRunCmd(opts), newRunsCmd(opts), newConfigCmd(opts))
	return root
}

// loadConfig reads config.yaml from the home dir and applies --log-level.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, nil
}

func main() {
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		stop()
		os.Exit(code)
	}
}
