package cli

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/infrastructure/recovery"
	"github.com/erp/possync/internal/infrastructure/storage"
)

// NewBackupCommand creates the backup command group. It handles stores
// restored from a backup taken before sync support existed.
func NewBackupCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Detect and repair a restored local store",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "detect",
		Short: "Report whether the local store looks like a stale backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				report, err := newDetector(a).Detect(cmd.Context())
				if err != nil {
					return err
				}
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.result(report, func(w io.Writer) { printDetection(w, report) })
			})
		},
	})

	var noSnapshot bool
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Snapshot the store, then migrate, backfill ids and stamp timestamps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				ctx := cmd.Context()
				snapshot := a.cfg.Backup.SnapshotOnRepair && !noSnapshot

				var store storage.BackupStore
				if snapshot {
					var err error
					if store, err = storage.New(ctx, &a.cfg.Backup, a.log); err != nil {
						return err
					}
					if s3, ok := store.(*storage.S3Store); ok {
						if err := s3.EnsureBucket(ctx); err != nil {
							return err
						}
					}
				}
				report, err := recovery.NewRepairer(a.db, a.migrator, store, recovery.RepairOptions{
					DeviceID: a.cfg.App.DeviceID,
					Snapshot: snapshot,
					Logger:   a.log,
				}).Repair(ctx)
				if err != nil {
					return err
				}
				a.log.Info("Repair finished",
					zap.String("snapshot", report.Snapshot),
					zap.Bool("needs_recovery", report.After.NeedsRecovery),
				)

				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.result(report, func(w io.Writer) {
					if report.Snapshot != "" {
						line(w, "snapshot:           %s", report.Snapshot)
					}
					line(w, "schema changed:     %t", report.Migration.Changed())
					for _, table := range sortedKeys(report.BackfilledIDs) {
						line(w, "backfilled ids:     %s %d", table, report.BackfilledIDs[table])
					}
					for _, table := range sortedKeys(report.StampedTimestamps) {
						line(w, "stamped timestamps: %s %d", table, report.StampedTimestamps[table])
					}
					line(w, "")
					printDetection(w, report.After)
				})
			})
		},
	}
	repair.Flags().BoolVar(&noSnapshot, "no-snapshot", false, "skip the pre-repair snapshot")
	cmd.AddCommand(repair)
	return cmd
}

func newDetector(a *app) *recovery.Detector {
	return recovery.NewDetector(a.db, a.log)
}

func printDetection(w io.Writer, r *recovery.Report) {
	line(w, "needs recovery:     %t", r.NeedsRecovery)
	line(w, "change log missing: %t", r.MissingChangeLog)
	line(w, "missing tables:     %s", joinOrDash(r.MissingTables))
	for _, table := range sortedKeys(r.MissingColumns) {
		line(w, "missing columns:    %s (%s)", table, joinOrDash(r.MissingColumns[table]))
	}
	for _, table := range sortedKeys(r.UnsyncedRows) {
		line(w, "unsynced rows:      %s %d", table, r.UnsyncedRows[table])
	}
	for _, warning := range r.Warnings {
		line(w, "warning: %s", warning)
	}
}
