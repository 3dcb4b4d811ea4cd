package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/ontograph/ontograph/core/eventstore"
)

func openEvents(ctx context.Context) (*eventstore.Store, error) {
	return eventstore.Open(eventDSN(), namespace(), newLogger())
}

func eventsCmd() *cobra.Command {
	root := &cobra.Command{Use: "events", Short: "Inspect and manage the namespace's durable event queue"}
	root.AddCommand(eventsShowCmd())
	root.AddCommand(eventsInspectCmd())
	root.AddCommand(eventsReplayCmd())
	root.AddCommand(eventsCleanupCmd())
	return root
}

// eventsShowCmd covers the `list_events`/`list_dead_letters`/`list_sessions`
// spec §6 names, plus a namespace listing, selected by --what, since they
// share one listing command.
func eventsShowCmd() *cobra.Command {
	var what, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "show",
		Short: "List events, dead-letters or sessions (--what=events|dead-letters|sessions|namespaces)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			ev, err := openEvents(ctx)
			if err != nil {
				return err
			}
			defer ev.Close()

			switch what {
			case "events":
				events, err := ev.ListEvents(ctx, status, limit)
				if err != nil {
					return err
				}
				table := [][]string{{"ID", "TOPIC", "STATUS", "PRIORITY", "ATTEMPTS", "CREATED_AT"}}
				for _, e := range events {
					table = append(table, []string{e.ID, e.Topic, string(e.Status), fmt.Sprintf("%d", e.Priority), fmt.Sprintf("%d/%d", e.Attempts, e.MaxAttempts), e.CreatedAt.Format(time.RFC3339)})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
			case "dead-letters":
				letters, err := ev.ListDeadLetters(ctx, limit)
				if err != nil {
					return err
				}
				table := [][]string{{"EVENT_ID", "TOPIC", "ATTEMPTS", "LAST_ERROR", "DEAD_AT"}}
				for _, dl := range letters {
					table = append(table, []string{dl.EventID, dl.Topic, fmt.Sprintf("%d", dl.Attempts), dl.LastError, dl.DeadAt.Format(time.RFC3339)})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
			case "sessions":
				sessions, err := ev.ListSessions(ctx)
				if err != nil {
					return err
				}
				table := [][]string{{"ID", "STARTED_AT", "LAST_HEARTBEAT", "EXPIRY"}}
				for _, s := range sessions {
					table = append(table, []string{s.ID, s.StartedAt.Format(time.RFC3339), s.LastHeartbeat.Format(time.RFC3339), s.Expiry.Format(time.RFC3339)})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
			case "namespaces":
				namespaces, err := ev.ListNamespaces(ctx)
				if err != nil {
					return err
				}
				for _, ns := range namespaces {
					fmt.Println(ns)
				}
				return nil
			default:
				return usageErrorf("events show: --what must be one of events, dead-letters, sessions, namespaces")
			}
		},
	}
	cmd.Flags().StringVar(&what, "what", "events", "events, dead-letters, sessions or namespaces")
	cmd.Flags().StringVar(&status, "status", "", "filter events by status (pending, claimed, retrying, acked, dead)")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")
	return cmd
}

func eventsInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <event-id>",
		Short: "Print one event's full detail and active claim, if any",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ev, err := openEvents(ctx)
			if err != nil {
				return err
			}
			defer ev.Close()

			event, claim, err := ev.InspectEvent(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSONL(map[string]any{"event": event, "claim": claim})
		},
	}
	return cmd
}

func eventsReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <event-id>",
		Short: "Re-enqueue a dead-lettered event as a fresh pending event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ev, err := openEvents(ctx)
			if err != nil {
				return err
			}
			defer ev.Close()

			replayed, err := ev.Replay(ctx, args[0])
			if err != nil {
				return err
			}
			pterm.Success.Printfln("replayed as new event %s", replayed.ID)
			return nil
		},
	}
	return cmd
}

func eventsCleanupCmd() *cobra.Command {
	var before string
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete acked/dead event rows created before --before, preserving dead-letter records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if before == "" {
				return usageErrorf("events cleanup: --before is required (RFC3339 timestamp)")
			}
			cutoff, err := time.Parse(time.RFC3339, before)
			if err != nil {
				return usageErrorf("events cleanup: --before must be RFC3339, got %q: %v", before, err)
			}
			ctx := cmd.Context()
			ev, err := openEvents(ctx)
			if err != nil {
				return err
			}
			defer ev.Close()

			n, err := ev.CleanupEvents(ctx, cutoff)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("removed %d event row(s)", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&before, "before", "", "RFC3339 cutoff timestamp")
	return cmd
}
