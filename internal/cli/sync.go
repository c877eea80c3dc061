package cli

import (
	"errors"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/application/reconcile"
	"github.com/erp/possync/internal/application/syncing"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/changelog"
	"github.com/erp/possync/internal/infrastructure/hybrid"
	"github.com/erp/possync/internal/infrastructure/remote"
	"github.com/erp/possync/internal/infrastructure/telemetry"
)

// ErrSyncFailed is returned when a run ends with status error
var ErrSyncFailed = errors.New("synchronization failed")

// NewSyncCommand creates the sync command
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var entity string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local store with the central server",
		Long: `Run a full synchronization: products, sales, users and customers in that
order, with the stock and price reconciliation after products and sales.

With --entity only that entity type is synchronized and no reconciliation runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				o, err := newOrchestrator(cmd, a)
				if err != nil {
					return err
				}
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}

				if entity != "" {
					res, err := o.SyncEntity(cmd.Context(), shared.EntityType(entity))
					if err != nil {
						return err
					}
					if err := p.result(res, func(w io.Writer) { printEntity(w, res) }); err != nil {
						return err
					}
					if res.Offline || (res.HasErrors() && res.Sent == 0) {
						return ErrSyncFailed
					}
					return nil
				}

				report, err := o.FullSync(cmd.Context())
				if err != nil {
					return err
				}
				if err := p.result(report, func(w io.Writer) { printReport(w, report) }); err != nil {
					return err
				}
				if report.Status == syncing.StatusError {
					return ErrSyncFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&entity, "entity", "", "synchronize one entity type (product|sale|user|customer)")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show pending change log entries per entity type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app) error {
				if err := a.prepareStore(cmd.Context()); err != nil {
					return err
				}
				stats, err := syncing.NewStatusService(changelog.NewGormRepository(a.db.DB), a.log).GetStats(cmd.Context())
				if err != nil {
					return err
				}
				p := printer{format: opts.Format, w: cmd.OutOrStdout()}
				return p.result(stats, func(w io.Writer) {
					line(w, "pending: %d  synced: %d  total: %d", stats.Pending, stats.Synced, stats.Total)
					for _, et := range syncing.Order {
						line(w, "  %-9s %d", et, stats.ByEntity[et])
					}
				})
			})
		},
	})
	return cmd
}

// newOrchestrator checks and migrates the local store and wires the repositories,
// the reconciliation job and the change log purge
func newOrchestrator(cmd *cobra.Command, a *app) (*syncing.Orchestrator, error) {
	if err := a.prepareStore(cmd.Context()); err != nil {
		return nil, err
	}

	client := remote.NewClient(&a.cfg.Remote, a.log)
	a.log.Debug("Remote API", zap.String("base_url", client.BaseURL()))
	repos := hybrid.NewRepositories(a.db, client, hybrid.Options{
		CollapsePending: a.cfg.Sync.CollapsePending,
		DeviceID:        a.cfg.App.DeviceID,
		Healer:          a.migrator,
		Logger:          a.log,
	})

	metrics, err := telemetry.NewSyncMetrics(a.telemetry.Meter("github.com/erp/possync/sync"))
	if err != nil {
		a.log.Warn("Sync metrics unavailable", zap.Error(err))
	}

	return syncing.NewOrchestrator(repos, client, syncing.Options{
		AutoReconcileStock: a.cfg.Sync.AutoReconcileStock,
		AutoReconcileSales: a.cfg.Sync.AutoReconcileSales,
		ChangeLogRetention: a.cfg.Sync.ChangeLogRetention,
		Reconciler:         reconcile.NewStockPriceJob(a.db, client, a.log),
		Purger:             changelog.NewGormRepository(a.db.DB),
		Metrics:            metrics,
		Tracer:             a.telemetry.Tracer("github.com/erp/possync/sync"),
		Logger:             a.log,
	}), nil
}

func printEntity(w io.Writer, r hybrid.SyncResult) {
	state := ""
	if r.Offline {
		state = "  (offline)"
	}
	line(w, "  %-9s sent %-4d received %-4d pending %d%s", r.Entity, r.Sent, r.Received, r.Pending, state)
	for _, e := range r.Errors {
		line(w, "    error: %s", e)
	}
}

func printReport(w io.Writer, r *syncing.Report) {
	if r.Offline {
		line(w, "central server unreachable, nothing synchronized (run %s)", r.RunID)
		return
	}
	line(w, "sync %s: sent %d, received %d (run %s, %s)",
		r.Status, r.Sent, r.Received, r.RunID, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	for _, e := range r.Entities {
		printEntity(w, e)
	}
	for _, rc := range r.Reconciliations {
		line(w, "  reconcile after %s: checked %d, updated %d", rc.After, rc.Result.Checked, rc.Result.Updated)
	}
	if r.Purged > 0 {
		line(w, "  purged %d synced change log entries", r.Purged)
	}
	for _, e := range r.Errors {
		line(w, "  error: %s", e)
	}
}
