// Package syncing sequences the per-entity synchronizations and the
// reconciliation jobs into one run.
package syncing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/erp/possync/internal/application/reconcile"
	"github.com/erp/possync/internal/domain/shared"
	"github.com/erp/possync/internal/infrastructure/hybrid"
	"github.com/erp/possync/internal/infrastructure/logger"
	"github.com/erp/possync/internal/infrastructure/telemetry"
)

// Run statuses
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Order is the fixed dependency order of a full run. Sales reference products,
// so products go first.
var Order = []shared.EntityType{
	shared.EntityProduct,
	shared.EntitySale,
	shared.EntityUser,
	shared.EntityCustomer,
}

// HealthChecker reports whether the central server answers its health check
type HealthChecker interface {
	Online(ctx context.Context) bool
}

// Reconciler is a corrective job run between entity syncs
type Reconciler interface {
	Run(ctx context.Context) reconcile.Result
}

// Source resolves the syncer for an entity type
type Source interface {
	Syncer(entityType shared.EntityType) (hybrid.Syncer, error)
}

// Purger removes synced change log entries
type Purger interface {
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)
}

// Reconciliation is one reconciliation job run inside a full sync
type Reconciliation struct {
	After  shared.EntityType `json:"after"`
	Result reconcile.Result  `json:"result"`
}

// Report is the aggregated outcome of a full run
type Report struct {
	RunID           string              `json:"run_id"`
	Status          string              `json:"status"`
	Offline         bool                `json:"offline,omitempty"`
	StartedAt       time.Time           `json:"started_at"`
	FinishedAt      time.Time           `json:"finished_at"`
	Sent            int                 `json:"sent"`
	Received        int                 `json:"received"`
	Entities        []hybrid.SyncResult `json:"entities"`
	Reconciliations []Reconciliation    `json:"reconciliations,omitempty"`
	Errors          []string            `json:"errors,omitempty"`
	Purged          int64               `json:"purged,omitempty"`
}

// Options configures an Orchestrator
type Options struct {
	AutoReconcileStock bool
	AutoReconcileSales bool
	// ChangeLogRetention is how long synced entries are kept; zero keeps them
	ChangeLogRetention time.Duration
	Reconciler         Reconciler
	Purger             Purger
	Metrics            *telemetry.SyncMetrics
	Tracer             trace.Tracer
	Logger             *zap.Logger
}

// Orchestrator runs synchronizations. Only one run is active at a time.
type Orchestrator struct {
	source     Source
	health     HealthChecker
	reconciler Reconciler
	purger     Purger
	metrics    *telemetry.SyncMetrics
	tracer     trace.Tracer
	logger     *zap.Logger
	opts       Options
	now        func() time.Time

	mu sync.Mutex
}

// NewOrchestrator creates an orchestrator over the given repositories
func NewOrchestrator(source Source, health HealthChecker, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/erp/possync/internal/application/syncing")
	}
	return &Orchestrator{
		source:     source,
		health:     health,
		reconciler: opts.Reconciler,
		purger:     opts.Purger,
		metrics:    opts.Metrics,
		tracer:     tracer,
		logger:     log.Named("sync"),
		opts:       opts,
		now:        time.Now,
	}
}

// FullSync synchronizes every entity type in dependency order and runs the
// enabled reconciliation jobs. It returns ErrSyncInProgress if another run
// is active.
func (o *Orchestrator) FullSync(ctx context.Context) (*Report, error) {
	if !o.mu.TryLock() {
		return nil, shared.ErrSyncInProgress
	}
	defer o.mu.Unlock()

	report := &Report{RunID: uuid.NewString(), StartedAt: o.now().UTC(), Entities: []hybrid.SyncResult{}}
	ctx, log := logger.WithSyncRun(ctx, o.logger, report.RunID)
	ctx, span := o.tracer.Start(ctx, "sync.full", trace.WithAttributes(attribute.String("sync.run_id", report.RunID)))
	defer span.End()

	log.Info("Synchronization started")

	if !o.health.Online(ctx) {
		report.Offline = true
		report.Errors = append(report.Errors, "central server is unreachable")
		o.finish(ctx, span, log, report)
		return report, nil
	}

	for _, et := range Order {
		syncer, err := o.source.Syncer(et)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		res := o.syncOne(ctx, syncer)
		report.add(res)

		if o.reconciler != nil && o.reconcileAfter(et) {
			r := o.reconciler.Run(ctx)
			report.Reconciliations = append(report.Reconciliations, Reconciliation{After: et, Result: r})
			for _, msg := range r.Errors {
				report.Errors = append(report.Errors, "reconcile: "+msg)
			}
		}
	}

	if o.purger != nil && o.opts.ChangeLogRetention > 0 {
		n, err := o.purger.PurgeSynced(ctx, o.now().Add(-o.opts.ChangeLogRetention))
		if err != nil {
			log.Warn("Failed to purge synced change log entries", zap.Error(err))
		}
		report.Purged = n
	}

	o.finish(ctx, span, log, report)
	return report, nil
}

// SyncEntity synchronizes a single entity type without running the rest of
// the sequence or any reconciliation
func (o *Orchestrator) SyncEntity(ctx context.Context, entityType shared.EntityType) (hybrid.SyncResult, error) {
	syncer, err := o.source.Syncer(entityType)
	if err != nil {
		return hybrid.SyncResult{}, err
	}
	if !o.mu.TryLock() {
		return hybrid.SyncResult{}, shared.ErrSyncInProgress
	}
	defer o.mu.Unlock()

	runID := uuid.NewString()
	ctx, log := logger.WithSyncRun(ctx, o.logger, runID)
	ctx, span := o.tracer.Start(ctx, "sync.entity", trace.WithAttributes(
		attribute.String("sync.run_id", runID),
		attribute.String("sync.entity", string(entityType)),
	))
	defer span.End()

	start := o.now()
	res := o.syncOne(ctx, syncer)
	status := entityStatus(res)
	if status != StatusSuccess {
		span.SetStatus(codes.Error, status)
	}
	o.metrics.RecordRun(ctx, status, o.now().Sub(start))
	log.Info("Entity synchronization finished", zap.String("entity", string(entityType)), zap.String("status", status))
	return res, nil
}

func (o *Orchestrator) syncOne(ctx context.Context, syncer hybrid.Syncer) hybrid.SyncResult {
	ctx, span := o.tracer.Start(ctx, "sync."+string(syncer.EntityType()))
	defer span.End()

	res := syncer.SyncChanges(ctx)
	span.SetAttributes(
		attribute.Int("sync.sent", res.Sent),
		attribute.Int("sync.received", res.Received),
		attribute.Int64("sync.pending", res.Pending),
	)
	if res.HasErrors() {
		span.SetStatus(codes.Error, res.Errors[0])
	}
	o.metrics.RecordEntity(ctx, string(res.Entity), res.Sent, res.Received, int(res.Pending), len(res.Errors))
	return res
}

func (o *Orchestrator) reconcileAfter(et shared.EntityType) bool {
	switch et {
	case shared.EntityProduct:
		return o.opts.AutoReconcileStock
	case shared.EntitySale:
		return o.opts.AutoReconcileSales
	}
	return false
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, log *zap.Logger, report *Report) {
	report.FinishedAt = o.now().UTC()
	report.Status = report.status()
	span.SetAttributes(
		attribute.String("sync.status", report.Status),
		attribute.Int("sync.sent", report.Sent),
		attribute.Int("sync.received", report.Received),
	)
	if report.Status != StatusSuccess {
		span.SetStatus(codes.Error, report.Status)
	}
	o.metrics.RecordRun(ctx, report.Status, report.FinishedAt.Sub(report.StartedAt))

	fields := []zap.Field{
		zap.String("status", report.Status),
		zap.Int("sent", report.Sent),
		zap.Int("received", report.Received),
		zap.Int("errors", len(report.Errors)),
		zap.Bool("offline", report.Offline),
	}
	if report.Status == StatusSuccess {
		log.Info("Synchronization finished", fields...)
	} else {
		log.Warn("Synchronization finished with errors", fields...)
	}
}

func (r *Report) add(res hybrid.SyncResult) {
	r.Entities = append(r.Entities, res)
	r.Sent += res.Sent
	r.Received += res.Received
	for _, msg := range res.Errors {
		r.Errors = append(r.Errors, string(res.Entity)+": "+msg)
	}
}

func (r *Report) status() string {
	switch {
	case r.Offline:
		return StatusError
	case len(r.Errors) == 0:
		return StatusSuccess
	case r.Sent > 0:
		return StatusPartial
	}
	return StatusError
}

func entityStatus(res hybrid.SyncResult) string {
	switch {
	case res.Offline:
		return StatusError
	case !res.HasErrors():
		return StatusSuccess
	case res.Sent > 0:
		return StatusPartial
	}
	return StatusError
}
