// Package orchestrator runs the per-tenant sync pipeline: load credentials,
// fetch the three marketplace sources, merge, project. Every run terminates
// in exactly one SyncLog regardless of outcome.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mstakhov/wbsync/internal/domain"
	"github.com/mstakhov/wbsync/internal/events"
	"github.com/mstakhov/wbsync/internal/marketplace"
	"github.com/mstakhov/wbsync/internal/merge"
	"github.com/mstakhov/wbsync/internal/sheets"
)

// state names the pipeline phases, used only for structured logging.
type state string

const (
	statePending     state = "pending"
	stateCredentials state = "loading_credentials"
	stateFetching    state = "fetching_marketplace"
	stateMerging     state = "merging"
	stateProjecting  state = "projecting"
)

const (
	// DefaultSoftTimeout is when the run voluntarily abandons remaining work.
	DefaultSoftTimeout = 9 * time.Minute

	// ordersWindow is how far back the orders feed is read. One week is the
	// safe upper bound for a single statistics call.
	ordersWindow = 7 * 24 * time.Hour

	// projectionGrace bounds the spreadsheet write when the fetch phase
	// consumed the whole soft window. Fits inside the scheduler's gap
	// between soft and hard timeouts.
	projectionGrace = time.Minute

	cacheTTL = 5 * time.Minute
)

// TenantStore loads tenant records.
type TenantStore interface {
	Get(ctx context.Context, id string) (*domain.Tenant, error)
}

// CredentialVault decrypts credential blobs.
type CredentialVault interface {
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ClientBuilder turns a tenant plus decrypted credentials into a client.
type ClientBuilder interface {
	ClientFor(t *domain.Tenant, credentials []byte) (marketplace.Client, error)
}

// Projector writes the merged tree to the tenant's spreadsheet.
type Projector interface {
	Project(ctx context.Context, spreadsheetID, worksheetName string, products []domain.Product) (sheets.Result, error)
}

// ProjectorBuilder constructs a projector from decrypted spreadsheet
// credentials for the lifetime of one run.
type ProjectorBuilder func(ctx context.Context, credentials []byte) (Projector, error)

// LogStore appends terminal sync records.
type LogStore interface {
	Append(ctx context.Context, l *domain.SyncLog) error
}

// CycleCache memoizes fetch results across closely spaced runs. Optional.
type CycleCache interface {
	Get(ctx context.Context, tenantID, key string, dest interface{}) bool
	Set(ctx context.Context, tenantID, key string, value interface{}, ttl time.Duration) error
}

// Orchestrator drives one sync run at a time per call site; concurrency
// control lives in the scheduler.
type Orchestrator struct {
	tenants     TenantStore
	vault       CredentialVault
	clients     ClientBuilder
	merger      *merge.Merger
	projectors  ProjectorBuilder
	logs        LogStore
	cache       CycleCache
	bus         *events.Bus
	softTimeout time.Duration
	log         zerolog.Logger
}

// Config wires the orchestrator's dependencies.
type Config struct {
	Tenants     TenantStore
	Vault       CredentialVault
	Clients     ClientBuilder
	Merger      *merge.Merger
	Projectors  ProjectorBuilder
	Logs        LogStore
	Cache       CycleCache // nil disables memoization
	Bus         *events.Bus
	SoftTimeout time.Duration
}

// New creates an orchestrator.
func New(cfg Config, log zerolog.Logger) *Orchestrator {
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = DefaultSoftTimeout
	}
	return &Orchestrator{
		tenants:     cfg.Tenants,
		vault:       cfg.Vault,
		clients:     cfg.Clients,
		merger:      cfg.Merger,
		projectors:  cfg.Projectors,
		logs:        cfg.Logs,
		cache:       cfg.Cache,
		bus:         cfg.Bus,
		softTimeout: cfg.SoftTimeout,
		log:         log.With().Str("component", "orchestrator").Logger(),
	}
}

// fetchResult carries the three sources plus their individual errors.
type fetchResult struct {
	aggregates []marketplace.ProductAggregate
	breakdown  []marketplace.WarehouseBreakdown
	orders     []marketplace.OrderRecord

	aggregatesErr error
	breakdownErr  error
	ordersErr     error
}

// RunSync executes one full cycle for a tenant and returns the appended
// SyncLog. The returned log is written exactly once on every path.
func (o *Orchestrator) RunSync(ctx context.Context, tenantID string, trigger domain.SyncTrigger) *domain.SyncLog {
	runLog := o.log.With().Str("tenant", tenantID).Str("trigger", string(trigger)).Logger()
	runLog.Info().Str("state", string(statePending)).Msg("Sync run started")

	sl := &domain.SyncLog{TenantID: tenantID, StartedAt: time.Now()}

	tenant, mpCreds, sheetCreds, err := o.loadCredentials(ctx, tenantID, runLog)
	if err != nil {
		return o.finish(ctx, sl, domain.SyncFailed, err, runLog)
	}

	client, err := o.clients.ClientFor(tenant, mpCreds)
	if err != nil {
		o.emitCredentialRejected(tenantID, err)
		return o.finish(ctx, sl, domain.SyncFailed, err, runLog)
	}

	softCtx, cancel := context.WithTimeout(ctx, o.softTimeout)
	defer cancel()

	runLog.Debug().Str("state", string(stateFetching)).Msg("Fetching marketplace sources")
	fr := o.fetchAll(softCtx, tenantID, client)

	if fr.aggregatesErr != nil {
		return o.finish(ctx, sl, domain.SyncFailed, fr.aggregatesErr, runLog)
	}

	runLog.Debug().Str("state", string(stateMerging)).Msg("Merging sources")
	merged := o.merger.Merge(fr.aggregates, fr.breakdown, fr.orders)

	sl.OrdersFetchedRaw = merged.OrdersFetchedRaw
	sl.OrdersAfterFilter = merged.OrdersAfterFilter
	sl.Warnings = merged.Warnings

	runLog.Debug().Str("state", string(stateProjecting)).Int("products", len(merged.Products)).Msg("Projecting to spreadsheet")

	// Secondary fetches may run out the soft window. The write still goes
	// out under its own grace so the cycle degrades to partial, not failed.
	projCtx := softCtx
	if softCtx.Err() != nil {
		var projCancel context.CancelFunc
		projCtx, projCancel = context.WithTimeout(context.WithoutCancel(softCtx), projectionGrace)
		defer projCancel()
	}

	projector, err := o.projectors(projCtx, sheetCreds)
	if err != nil {
		o.emitCredentialRejected(tenantID, err)
		return o.finish(ctx, sl, domain.SyncFailed, err, runLog)
	}

	res, projErr := projector.Project(projCtx, tenant.SpreadsheetID, tenant.WorksheetName, merged.Products)
	sl.ProjectionRetried = res.Retried
	if projErr != nil {
		sl.ProductsFailed = len(merged.Products)
		return o.finish(ctx, sl, domain.SyncFailed, projErr, runLog)
	}
	sl.ProductsProcessed = res.ProductsWritten

	// Fetch degradations downgrade the cycle but never lose the write.
	switch {
	case deadlineHit(fr.breakdownErr) || deadlineHit(fr.ordersErr):
		return o.finishPartial(ctx, sl, domain.ReasonDeadline, firstErr(fr.breakdownErr, fr.ordersErr), runLog)
	case fr.breakdownErr != nil:
		return o.finishPartial(ctx, sl, domain.ReasonNoBreakdown, fr.breakdownErr, runLog)
	case fr.ordersErr != nil:
		return o.finishPartial(ctx, sl, domain.ReasonNoOrders, fr.ordersErr, runLog)
	}

	return o.finish(ctx, sl, domain.SyncSuccess, nil, runLog)
}

// loadCredentials resolves the tenant and decrypts both credential blobs.
func (o *Orchestrator) loadCredentials(ctx context.Context, tenantID string, runLog zerolog.Logger) (*domain.Tenant, []byte, []byte, error) {
	runLog.Debug().Str("state", string(stateCredentials)).Msg("Loading credentials")

	tenant, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, nil, nil, domain.WrapError(domain.KindInternal, "failed to load tenant", err)
	}

	mpCreds, err := o.vault.Decrypt(tenant.MarketplaceCredsEnc)
	if err != nil {
		o.emitCredentialRejected(tenantID, err)
		return nil, nil, nil, err
	}

	sheetCreds, err := o.vault.Decrypt(tenant.SpreadsheetCredsEnc)
	if err != nil {
		o.emitCredentialRejected(tenantID, err)
		return nil, nil, nil, err
	}

	return tenant, mpCreds, sheetCreds, nil
}

// fetchAll runs the three upstream calls in parallel. An aggregates failure
// cancels the others; breakdown and orders failures are recorded and
// tolerated.
func (o *Orchestrator) fetchAll(ctx context.Context, tenantID string, client marketplace.Client) *fetchResult {
	fr := &fetchResult{}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if o.cacheGet(gctx, tenantID, "sync:aggregates", &fr.aggregates) {
			return nil
		}
		period := marketplace.Period{Start: time.Now().Add(-ordersWindow), End: time.Now()}
		fr.aggregates, fr.aggregatesErr = client.FetchProductAggregates(gctx, period)
		if fr.aggregatesErr != nil {
			return fr.aggregatesErr
		}
		o.cacheSet(gctx, tenantID, "sync:aggregates", fr.aggregates)
		return nil
	})

	g.Go(func() error {
		if o.cacheGet(gctx, tenantID, "sync:breakdown", &fr.breakdown) {
			return nil
		}
		fr.breakdown, fr.breakdownErr = client.FetchWarehouseBreakdown(gctx)
		if fr.breakdownErr == nil {
			o.cacheSet(gctx, tenantID, "sync:breakdown", fr.breakdown)
		}
		return nil
	})

	g.Go(func() error {
		if o.cacheGet(gctx, tenantID, "sync:orders", &fr.orders) {
			return nil
		}
		fr.orders, fr.ordersErr = client.FetchOrders(gctx, time.Now().Add(-ordersWindow))
		if fr.ordersErr == nil {
			o.cacheSet(gctx, tenantID, "sync:orders", fr.orders)
		}
		return nil
	})

	_ = g.Wait()

	// The group cancels secondary fetches when aggregates fail terminally;
	// those cancellations are an artifact, not a source outage.
	if fr.aggregatesErr != nil {
		fr.breakdownErr = nil
		fr.ordersErr = nil
	}

	return fr
}

func (o *Orchestrator) cacheGet(ctx context.Context, tenantID, key string, dest interface{}) bool {
	if o.cache == nil {
		return false
	}
	return o.cache.Get(ctx, tenantID, key, dest)
}

func (o *Orchestrator) cacheSet(ctx context.Context, tenantID, key string, value interface{}) {
	if o.cache == nil {
		return
	}
	_ = o.cache.Set(ctx, tenantID, key, value, cacheTTL)
}

// finish classifies the terminal error, appends the SyncLog and emits the
// terminal event.
func (o *Orchestrator) finish(ctx context.Context, sl *domain.SyncLog, status domain.SyncStatus, err error, runLog zerolog.Logger) *domain.SyncLog {
	sl.FinishedAt = time.Now()
	sl.Status = status

	if err != nil {
		kind := domain.KindOf(err)
		if deadlineHit(err) {
			kind = domain.KindDeadline
		}
		if errors.Is(err, context.Canceled) {
			kind = domain.KindCancelled
		}
		sl.ErrorKind = string(kind)
		sl.ErrorMessage = err.Error()
	} else if len(sl.Warnings) > 0 {
		sl.ErrorKind = string(domain.KindReconciliationMismatch)
	}

	o.append(ctx, sl, runLog)

	switch status {
	case domain.SyncFailed:
		runLog.Error().Err(err).Dur("duration", sl.Duration()).Msg("Sync run failed")
		if o.bus != nil {
			o.bus.Emit(events.SyncFailed, events.SyncFailedData{
				TenantID:  sl.TenantID,
				ErrorKind: sl.ErrorKind,
				Message:   sl.ErrorMessage,
			})
		}
	default:
		runLog.Info().
			Str("status", string(status)).
			Int("products", sl.ProductsProcessed).
			Dur("duration", sl.Duration()).
			Msg("Sync run finished")
		if o.bus != nil {
			o.bus.Emit(events.SyncCompleted, events.SyncCompletedData{
				TenantID:          sl.TenantID,
				Status:            string(status),
				ProductsProcessed: sl.ProductsProcessed,
				DurationMs:        sl.Duration().Milliseconds(),
			})
		}
	}

	return sl
}

// finishPartial records a degraded-but-projected outcome.
func (o *Orchestrator) finishPartial(ctx context.Context, sl *domain.SyncLog, reason domain.PartialReason, cause error, runLog zerolog.Logger) *domain.SyncLog {
	sl.FinishedAt = time.Now()
	sl.Status = domain.SyncPartial
	sl.ErrorKind = string(reason)
	if cause != nil {
		sl.ErrorMessage = cause.Error()
	}

	o.append(ctx, sl, runLog)

	runLog.Warn().
		Str("reason", string(reason)).
		Err(cause).
		Dur("duration", sl.Duration()).
		Msg("Sync run finished partially")

	if o.bus != nil {
		o.bus.Emit(events.SyncCompleted, events.SyncCompletedData{
			TenantID:          sl.TenantID,
			Status:            string(domain.SyncPartial),
			ProductsProcessed: sl.ProductsProcessed,
			DurationMs:        sl.Duration().Milliseconds(),
		})
	}

	return sl
}

func (o *Orchestrator) append(ctx context.Context, sl *domain.SyncLog, runLog zerolog.Logger) {
	// The log must land even when the run was cancelled.
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := o.logs.Append(appendCtx, sl); err != nil {
		runLog.Error().Err(err).Msg("Failed to append sync log")
	}
}

func (o *Orchestrator) emitCredentialRejected(tenantID string, err error) {
	if o.bus == nil || !domain.IsKind(err, domain.KindCredentialCorrupt) {
		return
	}
	o.bus.Emit(events.CredentialRejected, events.CredentialRejectedData{
		TenantID: tenantID,
		Reason:   err.Error(),
	})
}

func deadlineHit(err error) bool {
	return err != nil && (errors.Is(err, context.DeadlineExceeded) || domain.IsKind(err, domain.KindDeadline))
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
