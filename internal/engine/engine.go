// Package engine implements the bulk dispatch engine: it admits batches,
// rotates sends across the session pool snapshot, paces every attempt, and
// records per-item and per-batch outcomes.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Cypherspark/wa-gateway/internal/core"
	"github.com/Cypherspark/wa-gateway/internal/metrics"
	"github.com/Cypherspark/wa-gateway/internal/pacing"
	"github.com/Cypherspark/wa-gateway/internal/sessions"
	"github.com/Cypherspark/wa-gateway/internal/textfmt"
	"github.com/Cypherspark/wa-gateway/internal/transport"
)

var (
	ErrEmptyRecipients     = errors.New("empty_recipients")
	ErrNoSessionsAvailable = errors.New("no_sessions_available")
)

// Failure causes written into item error_detail.
const (
	causeTransportExhausted = "transport_exhausted"
	causeAllowanceExpired   = "allowance_expired"
	causeStorageError       = "storage_error"
	causeShutdown           = "shutdown"
)

// Ledger is the quota side of the store: admission check plus the atomic
// per-send decrement.
type Ledger interface {
	ReserveCheck(ctx context.Context, tenantID string, count int) (*core.Allowance, error)
	Decrement(ctx context.Context, tenantID string) error
}

// Recorder persists per-item and per-batch outcomes. Both calls must be
// idempotent: the engine retries them on transient storage failures.
type Recorder interface {
	RecordItem(ctx context.Context, batchID, recipient, status string, sessionID, errorDetail *string) error
	FinalizeBatch(ctx context.Context, batchID, status string, failedRecipients []string, completedAt time.Time) error
}

// BatchStore covers batch admission and status reads.
type BatchStore interface {
	CreateBatch(ctx context.Context, r core.CreateBatchRequest) (*core.Batch, error)
	GetBatch(ctx context.Context, batchID string) (*core.Batch, error)
}

type Options struct {
	TransportQPS   float64 // global cap across all batches in this process
	TransportBurst int
	SendTimeout    time.Duration // per attempt
	StorageRetries int           // attempts per ledger/recorder sub-step
	StorageBackoff time.Duration // initial backoff between sub-step retries
}

func (o *Options) fillDefaults() {
	if o.TransportQPS <= 0 {
		o.TransportQPS = 50
	}
	if o.TransportBurst <= 0 {
		o.TransportBurst = 10
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.StorageRetries <= 0 {
		o.StorageRetries = 4
	}
	if o.StorageBackoff <= 0 {
		o.StorageBackoff = 200 * time.Millisecond
	}
}

type Engine struct {
	store    BatchStore
	ledger   Ledger
	recorder Recorder
	pool     sessions.Pool
	tr       transport.Transport
	limiter  *rate.Limiter
	opt      Options
	log      zerolog.Logger

	ctx    context.Context // governs pacing waits and sends, not storage writes
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store BatchStore, ledger Ledger, recorder Recorder, pool sessions.Pool, tr transport.Transport, opt Options, log zerolog.Logger) *Engine {
	opt.fillDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		ledger:   ledger,
		recorder: recorder,
		pool:     pool,
		tr:       tr,
		limiter:  rate.NewLimiter(rate.Limit(opt.TransportQPS), opt.TransportBurst),
		opt:      opt,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

type SubmitRequest struct {
	TenantID   string
	Recipients []string
	Payload    core.Payload
	Pacing     core.Pacing
}

type Receipt struct {
	BatchID           string
	TotalItems        int
	EstimatedDuration time.Duration
}

// Submit validates preconditions, creates the batch and its pending items
// synchronously, and hands the recipient loop to a batch worker. The caller
// gets a receipt immediately and polls Status for progress; nothing after
// admission is ever surfaced as an error to the submitter.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Receipt, error) {
	if len(req.Recipients) == 0 {
		return nil, ErrEmptyRecipients
	}

	// Rendered once per batch, not per attempt.
	req.Payload.Text = textfmt.Render(req.Payload.Text)

	snapshot, err := e.pool.Eligible(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if len(snapshot) == 0 {
		return nil, ErrNoSessionsAvailable
	}

	if _, err := e.ledger.ReserveCheck(ctx, req.TenantID, len(req.Recipients)); err != nil {
		return nil, err
	}

	// CreateBatch re-checks quota under lock; a reject here leaves no rows.
	b, err := e.store.CreateBatch(ctx, core.CreateBatchRequest{
		TenantID:   req.TenantID,
		Recipients: req.Recipients,
		Payload:    req.Payload,
		Pacing:     req.Pacing,
	})
	if err != nil {
		return nil, err
	}

	e.wg.Add(1)
	go e.run(b, req.Recipients, snapshot)

	return &Receipt{
		BatchID:           b.ID,
		TotalItems:        b.TotalItems,
		EstimatedDuration: pacing.EstimateDuration(b.TotalItems, len(snapshot), req.Pacing.Base, req.Pacing.Jitter),
	}, nil
}

// Status returns the current (possibly in-progress) batch snapshot.
func (e *Engine) Status(ctx context.Context, batchID string) (*core.Batch, error) {
	return e.store.GetBatch(ctx, batchID)
}

// Shutdown stops new attempts and waits for in-flight batches to drain their
// remaining items as failed(shutdown). Returns ctx.Err() if the wait is cut
// short.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type itemResult struct {
	status    string
	cause     string
	sessionID *string
	attempts  int
}

// run processes one batch sequentially against the pool snapshot taken at
// admission. The snapshot is never refreshed: sessions that die mid-batch just
// fail their attempts and rotation moves on.
func (e *Engine) run(b *core.Batch, recipients []string, snapshot []core.Session) {
	defer e.wg.Done()
	metrics.BatchesInFlight.Inc()
	defer metrics.BatchesInFlight.Dec()

	log := e.log.With().Str("batch", b.ID).Str("tenant", b.TenantID).Logger()
	log.Info().Int("items", len(recipients)).Int("sessions", len(snapshot)).Msg("batch started")

	var (
		cursor   int
		sent     int
		failed   []string
		draining bool
	)

	for _, recipient := range recipients {
		var res itemResult
		if draining {
			res = itemResult{status: core.ItemFailed, cause: causeShutdown}
		} else {
			res = e.dispatchOne(b, recipient, snapshot, &cursor)
			if res.cause == causeShutdown {
				draining = true
			}
		}

		if res.status == core.ItemSent {
			sent++
			metrics.ItemOutcome.WithLabelValues("sent").Inc()
		} else {
			failed = append(failed, recipient)
			metrics.ItemOutcome.WithLabelValues(res.cause).Inc()
		}
		if res.attempts > 0 {
			metrics.ItemAttempts.Observe(float64(res.attempts))
		}

		var detail *string
		if res.cause != "" {
			detail = &res.cause
		}
		if err := e.withStorageRetry(func(ctx context.Context) error {
			return e.recorder.RecordItem(ctx, b.ID, recipient, res.status, res.sessionID, detail)
		}); err != nil {
			log.Error().Err(err).Str("recipient", recipient).Msg("record item failed after retries")
		}
	}

	status := core.BatchPartial
	switch {
	case len(failed) == 0:
		status = core.BatchCompleted
	case sent == 0:
		status = core.BatchFailed
	}

	if err := e.withStorageRetry(func(ctx context.Context) error {
		return e.recorder.FinalizeBatch(ctx, b.ID, status, failed, time.Now().UTC())
	}); err != nil {
		log.Error().Err(err).Msg("finalize failed after retries")
		return
	}
	metrics.BatchFinalized.WithLabelValues(status).Inc()
	log.Info().Str("status", status).Int("sent", sent).Int("failed", len(failed)).Msg("batch finalized")
}

// dispatchOne walks one item through Pending → Attempting(cursor, attemptNo) →
// {Sent | Failed}. The cursor advances mod k after every attempt, and once more
// when an item exhausts all k sessions so later items keep a shifting starting
// point.
func (e *Engine) dispatchOne(b *core.Batch, recipient string, snapshot []core.Session, cursor *int) itemResult {
	k := len(snapshot)

	for attemptNo := 0; attemptNo < k; attemptNo++ {
		sess := snapshot[*cursor]

		// Pacing applies per attempt, retries included.
		delay := pacing.NextDelay(b.Pacing.Base, b.Pacing.Jitter)
		select {
		case <-e.ctx.Done():
			return itemResult{status: core.ItemFailed, cause: causeShutdown, attempts: attemptNo}
		case <-time.After(delay):
		}
		if err := e.limiter.Wait(e.ctx); err != nil {
			return itemResult{status: core.ItemFailed, cause: causeShutdown, attempts: attemptNo}
		}

		sctx, cancel := context.WithTimeout(e.ctx, e.opt.SendTimeout)
		start := time.Now()
		err := e.tr.Send(sctx, sess, recipient, b.Payload)
		cancel()
		metrics.TransportSendDuration.Observe(time.Since(start).Seconds())

		if err != nil {
			metrics.TransportSendTotal.WithLabelValues("error").Inc()
			if e.ctx.Err() != nil {
				return itemResult{status: core.ItemFailed, cause: causeShutdown, attempts: attemptNo + 1}
			}
			e.log.Debug().Err(err).Str("batch", b.ID).Str("recipient", recipient).
				Str("session", sess.ID).Int("attempt", attemptNo+1).Msg("send attempt failed")
			*cursor = (*cursor + 1) % k
			continue
		}
		metrics.TransportSendTotal.WithLabelValues("ok").Inc()
		*cursor = (*cursor + 1) % k

		// Exactly one decrement per successfully attempted send, never refunded.
		if derr := e.decrement(b.TenantID); derr != nil {
			cause := causeStorageError
			if errors.Is(derr, core.ErrNoActiveAllowance) {
				// Allowance expired mid-batch: permanent for this item, and not
				// session-specific, so no further rotation.
				cause = causeAllowanceExpired
			}
			sid := sess.ID
			return itemResult{status: core.ItemFailed, cause: cause, sessionID: &sid, attempts: attemptNo + 1}
		}

		sid := sess.ID
		return itemResult{status: core.ItemSent, sessionID: &sid, attempts: attemptNo + 1}
	}

	// All k sessions tried. Shift once more anyway.
	*cursor = (*cursor + 1) % k
	return itemResult{status: core.ItemFailed, cause: causeTransportExhausted, attempts: k}
}

func (e *Engine) decrement(tenantID string) error {
	err := e.withStorageRetry(func(ctx context.Context) error {
		derr := e.ledger.Decrement(ctx, tenantID)
		if errors.Is(derr, core.ErrNoActiveAllowance) {
			// Not transient; do not burn retries on it.
			return backoffStop{derr}
		}
		return derr
	})
	var stop backoffStop
	if errors.As(err, &stop) {
		metrics.QuotaDecrement.WithLabelValues("no_allowance").Inc()
		return stop.error
	}
	if err != nil {
		metrics.QuotaDecrement.WithLabelValues("error").Inc()
		return err
	}
	metrics.QuotaDecrement.WithLabelValues("ok").Inc()
	return nil
}

// backoffStop wraps an error that should end a retry loop immediately.
type backoffStop struct{ error }

func (b backoffStop) Unwrap() error { return b.error }

// withStorageRetry runs a ledger/recorder sub-step with jittered exponential
// backoff. Storage writes run on their own short deadline, detached from the
// engine context, so draining batches can still persist terminal state.
func (e *Engine) withStorageRetry(fn func(ctx context.Context) error) error {
	backoff := e.opt.StorageBackoff
	var err error
	for i := 0; i < e.opt.StorageRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		var stop backoffStop
		if errors.As(err, &stop) {
			return err
		}
		if i+1 < e.opt.StorageRetries {
			time.Sleep(jitter(backoff, 0.20))
			backoff = minDur(5*time.Second, time.Duration(float64(backoff)*1.6))
		}
	}
	return err
}
