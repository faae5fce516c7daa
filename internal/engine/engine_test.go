package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/wa-gateway/internal/core"
)

// ---- fakes ----

type fakeLedger struct {
	mu         sync.Mutex
	remaining  int
	decrements int
	expireAt   int // after this many decrements the allowance is gone; -1 = never
}

func (l *fakeLedger) ReserveCheck(_ context.Context, _ string, count int) (*core.Allowance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remaining <= 0 {
		return nil, core.ErrNoActiveAllowance
	}
	if count > l.remaining {
		return nil, core.ErrInsufficientQuota
	}
	return &core.Allowance{Remaining: l.remaining, Status: core.AllowanceActive}, nil
}

func (l *fakeLedger) Decrement(_ context.Context, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.expireAt >= 0 && l.decrements >= l.expireAt {
		return core.ErrNoActiveAllowance
	}
	l.decrements++
	l.remaining--
	return nil
}

type recorded struct {
	status    string
	sessionID *string
	detail    *string
	writes    int
}

type fakeRecorder struct {
	mu        sync.Mutex
	items     map[string]*recorded
	status    string
	failed    []string
	finalized chan struct{}
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{items: map[string]*recorded{}, finalized: make(chan struct{})}
}

func (r *fakeRecorder) RecordItem(_ context.Context, _, recipient, status string, sessionID, detail *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[recipient]; ok {
		it.writes++
		return nil // terminal already; idempotent no-op
	}
	r.items[recipient] = &recorded{status: status, sessionID: sessionID, detail: detail, writes: 1}
	return nil
}

func (r *fakeRecorder) FinalizeBatch(_ context.Context, _, status string, failed []string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	r.failed = failed
	close(r.finalized)
	return nil
}

func (r *fakeRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.finalized:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never finalized")
	}
}

type fakeStore struct{ batches map[string]*core.Batch }

func (s *fakeStore) CreateBatch(_ context.Context, r core.CreateBatchRequest) (*core.Batch, error) {
	b := &core.Batch{
		ID:         "batch-1",
		TenantID:   r.TenantID,
		Payload:    r.Payload,
		Pacing:     r.Pacing,
		Status:     core.BatchProcessing,
		TotalItems: len(r.Recipients),
	}
	if s.batches == nil {
		s.batches = map[string]*core.Batch{}
	}
	s.batches[b.ID] = b
	return b, nil
}

func (s *fakeStore) GetBatch(_ context.Context, id string) (*core.Batch, error) {
	b, ok := s.batches[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

type fakePool struct{ sessions []core.Session }

func (p *fakePool) Eligible(context.Context, string) ([]core.Session, error) {
	return p.sessions, nil
}

type sendCall struct {
	sessionID string
	recipient string
}

// fakeTransport fails while script returns an error for the given call index.
type fakeTransport struct {
	mu     sync.Mutex
	calls  []sendCall
	script func(call int, sessionID, recipient string) error
}

func (f *fakeTransport) Send(_ context.Context, sess core.Session, recipient string, _ core.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.calls)
	f.calls = append(f.calls, sendCall{sessionID: sess.ID, recipient: recipient})
	if f.script != nil {
		return f.script(n, sess.ID, recipient)
	}
	return nil
}

// ---- helpers ----

func poolOf(n int) *fakePool {
	var out []core.Session
	for i := 0; i < n; i++ {
		out = append(out, core.Session{
			ID:       string(rune('a'+i)) + "-session",
			TenantID: "t1",
			Address:  "491700000" + string(rune('0'+i)),
			Status:   core.SessionActive,
		})
	}
	return &fakePool{sessions: out}
}

func newEngine(t *testing.T, ledger *fakeLedger, rec *fakeRecorder, pool *fakePool, tr *fakeTransport) (*Engine, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	e := New(st, ledger, rec, pool, tr, Options{
		TransportQPS:   10000,
		TransportBurst: 10000,
		StorageRetries: 2,
		StorageBackoff: time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, st
}

func submit(t *testing.T, e *Engine, recipients ...string) *Receipt {
	t.Helper()
	rcpt, err := e.Submit(context.Background(), SubmitRequest{
		TenantID:   "t1",
		Recipients: recipients,
		Payload:    core.Payload{Text: "hello"},
	})
	require.NoError(t, err)
	require.Equal(t, len(recipients), rcpt.TotalItems)
	return rcpt
}

// ---- admission ----

func TestSubmitEmptyRecipients(t *testing.T) {
	e, _ := newEngine(t, &fakeLedger{remaining: 10, expireAt: -1}, newFakeRecorder(), poolOf(1), &fakeTransport{})
	_, err := e.Submit(context.Background(), SubmitRequest{TenantID: "t1"})
	require.ErrorIs(t, err, ErrEmptyRecipients)
}

func TestSubmitNoSessions(t *testing.T) {
	e, st := newEngine(t, &fakeLedger{remaining: 10, expireAt: -1}, newFakeRecorder(), &fakePool{}, &fakeTransport{})
	_, err := e.Submit(context.Background(), SubmitRequest{TenantID: "t1", Recipients: []string{"+49"}})
	require.ErrorIs(t, err, ErrNoSessionsAvailable)
	require.Empty(t, st.batches)
}

func TestSubmitInsufficientQuota(t *testing.T) {
	e, st := newEngine(t, &fakeLedger{remaining: 2, expireAt: -1}, newFakeRecorder(), poolOf(1), &fakeTransport{})
	_, err := e.Submit(context.Background(), SubmitRequest{TenantID: "t1", Recipients: []string{"a", "b", "c"}})
	require.ErrorIs(t, err, core.ErrInsufficientQuota)
	require.Empty(t, st.batches, "rejected submission must create nothing")
}

// ---- dispatch ----

// quota=5, 2 sessions, 3 recipients, all succeed: completed, quota 2 left,
// sessions assigned round-robin [0,1,0].
func TestAllSucceedRoundRobin(t *testing.T) {
	ledger := &fakeLedger{remaining: 5, expireAt: -1}
	rec := newFakeRecorder()
	tr := &fakeTransport{}
	e, _ := newEngine(t, ledger, rec, poolOf(2), tr)

	submit(t, e, "r0", "r1", "r2")
	rec.wait(t)

	require.Equal(t, core.BatchCompleted, rec.status)
	require.Empty(t, rec.failed)
	require.Equal(t, 2, ledger.remaining)
	require.Equal(t, 3, ledger.decrements, "exactly one decrement per sent item")

	require.Len(t, tr.calls, 3)
	require.Equal(t, "a-session", tr.calls[0].sessionID)
	require.Equal(t, "b-session", tr.calls[1].sessionID)
	require.Equal(t, "a-session", tr.calls[2].sessionID)
	for i, r := range []string{"r0", "r1", "r2"} {
		require.Equal(t, r, tr.calls[i].recipient, "submission order preserved")
		require.Equal(t, core.ItemSent, rec.items[r].status)
	}
	require.Equal(t, "a-session", *rec.items["r0"].sessionID)
	require.Equal(t, "b-session", *rec.items["r1"].sessionID)
}

// 1 session, 2 recipients, transport always fails: both items failed after one
// attempt each (k=1), batch failed.
func TestSingleSessionAlwaysFails(t *testing.T) {
	ledger := &fakeLedger{remaining: 5, expireAt: -1}
	rec := newFakeRecorder()
	tr := &fakeTransport{script: func(int, string, string) error { return errors.New("boom") }}
	e, _ := newEngine(t, ledger, rec, poolOf(1), tr)

	submit(t, e, "r0", "r1")
	rec.wait(t)

	require.Equal(t, core.BatchFailed, rec.status)
	require.Equal(t, []string{"r0", "r1"}, rec.failed)
	require.Len(t, tr.calls, 2, "one attempt per item with k=1")
	require.Equal(t, 0, ledger.decrements)
	for _, r := range []string{"r0", "r1"} {
		require.Equal(t, core.ItemFailed, rec.items[r].status)
		require.Equal(t, "transport_exhausted", *rec.items[r].detail)
	}
}

// 2 sessions, first attempt of first recipient fails: item is sent with the
// second session and the cursor keeps advancing normally afterwards.
func TestRetryRotatesToNextSession(t *testing.T) {
	ledger := &fakeLedger{remaining: 5, expireAt: -1}
	rec := newFakeRecorder()
	tr := &fakeTransport{script: func(call int, _, _ string) error {
		if call == 0 {
			return errors.New("session hiccup")
		}
		return nil
	}}
	e, _ := newEngine(t, ledger, rec, poolOf(2), tr)

	submit(t, e, "r0", "r1")
	rec.wait(t)

	require.Equal(t, core.BatchCompleted, rec.status)
	require.Equal(t, "b-session", *rec.items["r0"].sessionID)
	// After r0's success on session b the cursor wrapped back to a.
	require.Equal(t, "a-session", *rec.items["r1"].sessionID)
	require.Len(t, tr.calls, 3)
}

// An exhausted item consumes exactly k attempts, one per distinct session, and
// the cursor shifts once more so the next item starts on a different session.
func TestExhaustionUsesEverySessionOnce(t *testing.T) {
	ledger := &fakeLedger{remaining: 5, expireAt: -1}
	rec := newFakeRecorder()
	tr := &fakeTransport{script: func(_ int, _, recipient string) error {
		if recipient == "dead" {
			return errors.New("unreachable")
		}
		return nil
	}}
	e, _ := newEngine(t, ledger, rec, poolOf(3), tr)

	submit(t, e, "dead", "alive")
	rec.wait(t)

	require.Equal(t, core.BatchPartial, rec.status)
	require.Equal(t, []string{"dead"}, rec.failed)

	var dead []sendCall
	for _, c := range tr.calls {
		if c.recipient == "dead" {
			dead = append(dead, c)
		}
	}
	require.Len(t, dead, 3)
	seen := map[string]bool{}
	for _, c := range dead {
		seen[c.sessionID] = true
	}
	require.Len(t, seen, 3, "each session tried exactly once")

	// Exhaustion advanced the cursor k+1 times: 3 mod 3 + 1 = session index 1.
	require.Equal(t, "b-session", *rec.items["alive"].sessionID)
	require.Equal(t, 1, ledger.decrements)
}

// Allowance expiring mid-batch fails the item permanently without burning
// retries on other sessions.
func TestAllowanceExpiresMidBatch(t *testing.T) {
	ledger := &fakeLedger{remaining: 5, expireAt: 1} // second decrement fails
	rec := newFakeRecorder()
	tr := &fakeTransport{}
	e, _ := newEngine(t, ledger, rec, poolOf(2), tr)

	submit(t, e, "r0", "r1", "r2")
	rec.wait(t)

	require.Equal(t, core.ItemSent, rec.items["r0"].status)
	require.Equal(t, core.ItemFailed, rec.items["r1"].status)
	require.Equal(t, "allowance_expired", *rec.items["r1"].detail)
	require.Equal(t, core.ItemFailed, rec.items["r2"].status)
	require.Equal(t, core.BatchPartial, rec.status)
	// r1 and r2 each made exactly one transport attempt; the failure is not
	// session-specific so there is no rotation.
	require.Len(t, tr.calls, 3)
}

// sentCount + failedCount always covers every item once terminal.
func TestTerminalCountsCoverAllItems(t *testing.T) {
	ledger := &fakeLedger{remaining: 10, expireAt: -1}
	rec := newFakeRecorder()
	tr := &fakeTransport{script: func(call int, _, _ string) error {
		if call%3 == 0 {
			return errors.New("flaky")
		}
		return nil
	}}
	e, _ := newEngine(t, ledger, rec, poolOf(2), tr)

	submit(t, e, "a", "b", "c", "d", "e")
	rec.wait(t)

	sent, failed := 0, 0
	for _, it := range rec.items {
		switch it.status {
		case core.ItemSent:
			sent++
		case core.ItemFailed:
			failed++
		}
	}
	require.Equal(t, 5, sent+failed)
	require.Equal(t, sent, ledger.decrements)
	require.Len(t, rec.failed, failed)
}

// ---- shutdown ----

func TestShutdownDrainsRemainingAsFailed(t *testing.T) {
	ledger := &fakeLedger{remaining: 100, expireAt: -1}
	rec := newFakeRecorder()
	started := make(chan struct{})
	var once sync.Once
	tr := &fakeTransport{script: func(int, string, string) error {
		once.Do(func() { close(started) })
		return nil
	}}

	st := &fakeStore{}
	e := New(st, ledger, rec, poolOf(1), tr, Options{
		TransportQPS:   10000,
		TransportBurst: 10000,
		StorageRetries: 2,
		StorageBackoff: time.Millisecond,
	}, zerolog.Nop())

	_, err := e.Submit(context.Background(), SubmitRequest{
		TenantID:   "t1",
		Recipients: []string{"a", "b", "c", "d"},
		Payload:    core.Payload{Text: "x"},
		Pacing:     core.Pacing{Base: 300 * time.Millisecond},
	})
	require.NoError(t, err)

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	rec.wait(t)
	require.Len(t, rec.items, 4, "no item left pending")
	var shutdownItems int
	for _, it := range rec.items {
		if it.status == core.ItemFailed {
			require.Equal(t, "shutdown", *it.detail)
			shutdownItems++
		}
	}
	require.Greater(t, shutdownItems, 0)
}

// ---- status ----

func TestStatusReadsBatch(t *testing.T) {
	e, st := newEngine(t, &fakeLedger{remaining: 5, expireAt: -1}, newFakeRecorder(), poolOf(1), &fakeTransport{})
	st.batches = map[string]*core.Batch{"b1": {ID: "b1", Status: core.BatchProcessing}}
	b, err := e.Status(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, core.BatchProcessing, b.Status)

	_, err = e.Status(context.Background(), "nope")
	require.ErrorIs(t, err, core.ErrNotFound)
}
