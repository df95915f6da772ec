package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/doctor"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and verify config.yaml",
	}
	cmd.AddCommand(newConfigCheckCmd(root), newConfigInitCmd())
	return cmd
}

func newConfigCheckCmd(root *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and probe what it points at",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// An invalid config is still diagnosed; the Config check reports it.
			cfg, err := loadConfig(root)
			if err != nil && cfg.HomeDir == "" {
				return err
			}
			diag := doctor.Run(cmd.Context(), &cfg, Version)

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "agentcore config check (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					fmt.Fprintf(out, "%s %-12s %s\n", statusLabel(res.Status), res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", color.HiBlackString(res.Detail))
					}
				}
			}
			if diag.Failed() {
				return &exitError{code: 1, err: errors.New("configuration check failed")}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print the report as JSON")
	return cmd
}

func statusLabel(status string) string {
	switch status {
	case doctor.StatusPass:
		return color.GreenString("[PASS]")
	case doctor.StatusFail:
		return color.RedString("[FAIL]")
	case doctor.StatusWarn:
		return color.YellowString("[WARN]")
	default:
		return color.HiBlackString("[SKIP]")
	}
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.yaml with defaults and the starter subagents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := config.HomeDir()
			path := config.ConfigPath(home)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			cfg := config.Default(home)
			cfg.Agents = config.StarterAgents()
			if err := config.Save(cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s with %d subagents\n", color.GreenString("wrote"), path, len(cfg.Agents))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config.yaml")
	return cmd
}
