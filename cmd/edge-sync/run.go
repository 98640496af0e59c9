package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/medtranslate/edge-sync/edgesync"
	"github.com/medtranslate/edge-sync/logging"
)

// modelSyncInterval drives the periodic model/terminology reconciliation.
const modelSyncInterval = 6 * time.Hour

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			a.engine.Events().Subscribe(edgesync.EventStorageCritical, func(ev edgesync.Event) {
				a.logger.Warn("storage critical", "payload", ev.Payload)
			})
			a.engine.Events().Subscribe(edgesync.EventOfflinePredicted, func(ev edgesync.Event) {
				a.logger.Info("offline predicted, preparing device", "payload", ev.Payload)
			})
			a.engine.Events().Subscribe(edgesync.EventSyncComplete, logSyncComplete(a.logger))

			go a.tracker.Run(ctx, a.cfg.TrendInterval, a.cfg.AnomalyInterval)
			go a.optimizer.RunPeriodic(ctx, a.cfg.OptimizeInterval)
			go a.runModelSync(ctx)

			a.logger.Info("edge-sync daemon starting",
				"device_id", a.cfg.DeviceID,
				"cloud_url", a.cfg.CloudURL,
				"data_dir", flagDataDir)

			return a.scheduler.Run(ctx)
		},
	}
}

// logSyncComplete reports finished cycles. Cycles that never started (bad
// payload, zero start time) are skipped.
func logSyncComplete(logger *logging.Logger) func(edgesync.Event) {
	return func(ev edgesync.Event) {
		res, ok := ev.Payload.(*edgesync.SyncResult)
		if !ok || res.Started.IsZero() {
			return
		}
		logger.Info("sync cycle finished",
			"synced", res.ItemsSynced,
			"failed", res.ItemsFailed,
			"conflicts", res.ConflictsResolved,
			"duration", res.Duration)
	}
}

// runModelSync reconciles models and terminology on startup and then every
// modelSyncInterval. Failures log and wait for the next tick.
func (a *app) runModelSync(ctx context.Context) {
	ticker := time.NewTicker(modelSyncInterval)
	defer ticker.Stop()

	for {
		if _, err := a.syncer.SyncModels(ctx, 0.5); err != nil {
			a.logger.Warn("model sync failed", "error", err)
		}
		if err := a.syncer.SyncTerminology(ctx); err != nil {
			a.logger.Warn("terminology sync failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.ManualSync(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %d items, %d failed, %d conflicts resolved in %s\n",
				res.ItemsSynced, res.ItemsFailed, res.ConflictsResolved, res.Duration.Round(time.Millisecond))
			if len(res.Errors) > 0 {
				for _, e := range res.Errors {
					fmt.Fprintln(cmd.ErrOrStderr(), "  error:", e)
				}
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and last sync outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			st := a.engine.Status(ctx)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "queue depth:     %d\n", st.QueueDepth)
			fmt.Fprintf(out, "last sync:       %s (%s)\n", formatTime(st.LastSyncTime), st.LastSyncStatus)
			fmt.Fprintf(out, "failed items:    %d\n", st.FailedCount)
			fmt.Fprintf(out, "avg duration:    %s\n", st.AvgDuration.Round(time.Millisecond))
			fmt.Fprintf(out, "sync running:    %v\n", st.InProgress)
			fmt.Fprintf(out, "interval:        %s\n", a.scheduler.Interval())
			fmt.Fprintf(out, "phase:           %s\n", a.scheduler.Phase())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
