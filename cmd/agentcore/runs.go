package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/runs"
	"github.com/basket/agentcore/internal/telemetry"
)

// registryHandle is the store-only runtime used by the runs commands.
type registryHandle struct {
	registry *runs.Registry
	store    *persistence.Handle
}

func openRegistry(ctx context.Context, root *rootOptions) (*registryHandle, error) {
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	logger := telemetry.NewConsoleLogger(os.Stderr, cfg.LogLevel)
	h, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &registryHandle{
		registry: runs.NewRegistry(h.Store, cfg.Limits(), runs.WithLogger(logger)),
		store:    h,
	}, nil
}

func newRunsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage subagent runs in the run store",
	}
	cmd.AddCommand(newRunsListCmd(root), newRunsShowCmd(root), newRunsCancelCmd(root), newRunsSweepCmd(root), newRunsBackupCmd(root))
	return cmd
}

func newRunsListCmd(root *rootOptions) *cobra.Command {
	var (
		conversation string
		subagent     string
		statuses     []string
		active       bool
		limit        int
		jsonOut      bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := runs.Filter{ConversationID: conversation, SubAgent: subagent, Limit: limit}
			if active {
				f.Statuses = runs.ActiveStatuses
			}
			for _, s := range statuses {
				st, err := runs.ParseStatus(s)
				if err != nil {
					return err
				}
				f.Statuses = append(f.Statuses, st)
			}

			rh, err := openRegistry(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer rh.store.Close()
			recs, err := rh.registry.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), recs, jsonOut)
		},
	}
	f := cmd.Flags()
	f.StringVar(&conversation, "conversation", "", "only runs of this conversation")
	f.StringVar(&subagent, "subagent", "", "only runs of this subagent")
	f.StringSliceVar(&statuses, "status", nil, "only runs in these statuses")
	f.BoolVar(&active, "active", false, "only pending and running runs")
	f.IntVar(&limit, "limit", 50, "maximum runs to show (0 for all)")
	f.BoolVar(&jsonOut, "json", false, "print JSON")
	return cmd
}

func printRuns(w io.Writer, recs []*runs.Record, jsonOut bool) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(w, "no runs")
		return nil
	}
	fmt.Fprintln(w, runsTable(recs, time.Now()))
	return nil
}

func newRunsShowCmd(root *rootOptions) *cobra.Command {
	var (
		conversation string
		withEvents   bool
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run as JSON; a unique id prefix is enough",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rh, err := openRegistry(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer rh.store.Close()
			rec, err := resolveRun(cmd.Context(), rh.registry, conversation, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if !withEvents {
				return enc.Encode(rec)
			}
			events, err := rh.store.RunEvents(cmd.Context(), rec.ConversationID, rec.RunID)
			if err != nil {
				return err
			}
			return enc.Encode(struct {
				*runs.Record
				Events []persistence.RunEvent `json:"events"`
			}{rec, events})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation of the run")
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the status trail (sqlite only)")
	return cmd
}

func newRunsCancelCmd(root *rootOptions) *cobra.Command {
	var conversation, reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run and every active descendant",
		Long: "Cancel a run and every active descendant in the store. A process still driving\n" +
			"one of the runs sees the cancellation when it next writes the record.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rh, err := openRegistry(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer rh.store.Close()
			rec, err := resolveRun(cmd.Context(), rh.registry, conversation, args[0])
			if err != nil {
				return err
			}
			ids, err := rh.registry.CancelTree(cmd.Context(), rec.ConversationID, rec.RunID, reason)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ids) == 0 {
				fmt.Fprintf(out, "run %s is already %s\n", rec.RunID, rec.Status)
				return nil
			}
			for _, id := range ids {
				fmt.Fprintf(out, "%s %s\n", color.YellowString("cancelled"), id)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "conversation of the run")
	cmd.Flags().StringVar(&reason, "reason", "cancelled from the command line", "reason recorded on the runs")
	return cmd
}

func newRunsSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished runs older than runs.retention now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rh, err := openRegistry(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer rh.store.Close()
			n, err := rh.registry.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d runs (retention %s)\n", n, rh.registry.Limits().Retention)
			return nil
		},
	}
}

func newRunsBackupCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the sqlite run store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rh, err := openRegistry(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer rh.store.Close()
			if err := rh.store.Backup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("backed up to"), args[0])
			return nil
		},
	}
}

// resolveRun finds a run by id or unique id prefix, optionally within one
// conversation.
func resolveRun(ctx context.Context, reg *runs.Registry, conversation, id string) (*runs.Record, error) {
	if conversation != "" {
		if rec, err := reg.Get(ctx, conversation, id); err == nil {
			return rec, nil
		}
	}
	recs, err := reg.List(ctx, runs.Filter{ConversationID: conversation})
	if err != nil {
		return nil, err
	}
	var matches []*runs.Record
	for _, r := range recs {
		if r.RunID == id {
			return r, nil
		}
		if strings.HasPrefix(r.RunID, id) {
			matches = append(matches, r)
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", id, runs.ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("run prefix %s is ambiguous: %d matches", id, len(matches))
	}
}
