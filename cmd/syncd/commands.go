package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
	"github.com/dentaldesk/syncd/internal/models"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one forced drain of the queue and report the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				result, err := a.scheduler.SyncNow(cmd.Context())
				if result == nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "applied %d, conflicts %d, poisoned %d, retrying %d, remaining %d (%v)\n",
					result.Applied, result.Conflicts, result.Poisoned, result.Retrying, result.Remaining,
					result.Duration.Round(time.Millisecond))
				if result.Error != "" {
					fmt.Fprintf(out, "stopped: %s\n", result.Error)
				}
				return nil
			})
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				status, err := a.scheduler.GetStatus(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}
}

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued actions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions in replay order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				actions, err := a.queue.ListPending(cmd.Context())
				if err != nil {
					return err
				}
				printActions(cmd.OutOrStdout(), actions)
				return nil
			})
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Irreversibly remove every queued action and conflict",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return apperrors.New(apperrors.ErrConfirmRequired,
					"clearing the queue discards unsynced changes; repeat with --yes")
			}
			return withApp(cmd.Context(), false, func(a *app) error {
				removed, err := a.engine.ClearQueue(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d actions\n", removed)
				return nil
			})
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm the irreversible clear")

	requeueCmd := &cobra.Command{
		Use:   "requeue <action-id>",
		Short: "Return a poisoned action to automatic retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				lock := a.engine.Locker()
				lock.Lock()
				action, err := a.queue.Requeue(cmd.Context(), args[0], nil)
				lock.Unlock()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "requeued %s (%s %s)\n", action.ID, action.Kind, action.EntityKey())
				return nil
			})
		},
	}

	discardCmd := &cobra.Command{
		Use:   "discard <action-id>",
		Short: "Delete one queued action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				lock := a.engine.Locker()
				lock.Lock()
				defer lock.Unlock()
				if err := a.queue.Discard(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "discarded %s\n", args[0])
				return nil
			})
		},
	}

	queueCmd.AddCommand(listCmd, clearCmd, requeueCmd, discardCmd)
	return queueCmd
}

func newConflictsCmd() *cobra.Command {
	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List and resolve version conflicts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				conflicts, err := a.resolver.ListConflicts(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tENTITY\tBASE\tREMOTE\tDETECTED")
				for _, c := range conflicts {
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
						c.ID, c.EntityKey(), c.BaseVersion, c.RemoteVersion, c.DetectedAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}

	var (
		resolution string
		mergedFile string
	)
	resolveCmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict with KeepLocal, KeepRemote or Merged",
		Long: `Resolve a conflict.

  KeepLocal   resubmit the queued action on top of the remote version
  KeepRemote  drop the queued action and keep the remote document
  Merged      replace the queued action's payload with --merged, a JSON
              file of the form {"kind": "...", "payload": {...}}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := models.Resolution(resolution)
			var merged models.Payload
			if decision == models.Merged {
				p, err := readPayloadFile(mergedFile)
				if err != nil {
					return err
				}
				merged = p
			}
			return withApp(cmd.Context(), false, func(a *app) error {
				release, err := a.staging.Stage(merged)
				if err != nil {
					return err
				}
				defer release()
				entry, err := a.resolver.Resolve(cmd.Context(), args[0], decision, merged)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "resolved %s with %s\n", entry.ConflictID, entry.Resolution)
				return nil
			})
		},
	}
	resolveCmd.Flags().StringVar(&resolution, "resolution", "", "KeepLocal, KeepRemote or Merged")
	resolveCmd.Flags().StringVar(&mergedFile, "merged", "", "merged payload file, required for Merged")
	resolveCmd.MarkFlagRequired("resolution")

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show resolved conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(a *app) error {
				logs, err := a.resolver.History(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), logs)
			})
		},
	}

	conflictsCmd.AddCommand(listCmd, resolveCmd, historyCmd)
	return conflictsCmd
}

func printActions(out io.Writer, actions []*models.QueuedAction) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tENTITY\tBASE\tATTEMPTS\tSTATUS\tENQUEUED")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			a.ID, a.Kind, a.EntityKey(), a.BaseVersion, a.Attempts, a.Status, a.EnqueuedAt.Format(time.RFC3339))
	}
	w.Flush()
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readPayloadFile reads a {"kind", "payload"} document.
func readPayloadFile(path string) (models.Payload, error) {
	if path == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "--merged is required for a Merged resolution")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "read merged payload", err)
	}
	var doc struct {
		Kind    models.ActionKind `json:"kind"`
		Payload json.RawMessage   `json:"payload"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "decode merged payload", err)
	}
	return models.DecodePayload(doc.Kind, doc.Payload)
}
