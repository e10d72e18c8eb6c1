package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nadmax/calbulk/internal/state"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var inspectJSON bool

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or clear the saved coordinator state",
}

var stateInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print a summary of the saved snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store state.Store, cfg state.Config) error {
			return inspect(ctx, store, cmd.OutOrStdout(), inspectJSON, cfg.StaleAfter, time.Now())
		})
	},
}

var stateClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store state.Store, _ state.Config) error {
			if err := store.Delete(ctx); err != nil {
				return fmt.Errorf("failed to clear state: %w", err)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "saved state cleared")
			return err
		})
	},
}

func init() {
	stateInspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "print the raw snapshot")

	stateCmd.AddCommand(stateInspectCmd)
	stateCmd.AddCommand(stateClearCmd)
}

func withStore(ctx context.Context, fn func(context.Context, state.Store, state.Config) error) (err error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	store, err := state.Open(ctx, cfg.State)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer func() {
		err = multierr.Append(err, store.Close())
	}()

	return fn(ctx, store, cfg.State)
}

// inspect reads the snapshot without the restore checks so incompatible or
// stale state can still be examined before clearing it.
func inspect(ctx context.Context, store state.Store, w io.Writer, raw bool, staleAfter time.Duration, now time.Time) error {
	data, err := store.Load(ctx)
	if errors.Is(err, state.ErrNoSnapshot) {
		_, err = fmt.Fprintln(w, "no saved state")
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	if raw {
		_, err = w.Write(append(data, '\n'))
		return err
	}

	var s state.Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode state: %w", err)
	}

	restorable := "yes"
	if err := s.Check(now, staleAfter); err != nil {
		restorable = "no (" + err.Error() + ")"
	}

	_, err = fmt.Fprintf(w,
		"version:     %s\nsaved at:    %s (%s ago)\nrestorable:  %s\nsize:        %d bytes\nqueued:      %d\nactive:      %d\nerrors:      %d\nrate limit:  %.2f/s\n",
		s.Version,
		s.Timestamp.Format(time.RFC3339),
		now.Sub(s.Timestamp).Round(time.Second),
		restorable,
		len(data),
		len(s.Queue),
		len(s.Active),
		len(s.ErrorHistory),
		s.RateLimit.Rate,
	)
	if err != nil {
		return err
	}

	for _, op := range append(s.Active, s.Queue...) {
		if _, err := fmt.Fprintf(w, "  %s  %-7s %-11s %-6s %d/%d\n",
			op.ID, op.Type, op.Status, op.Priority, op.Progress.Completed+op.Progress.Failed, op.Progress.Total); err != nil {
			return err
		}
	}

	return nil
}
