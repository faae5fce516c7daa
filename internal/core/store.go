package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct{ DB *pgxpool.Pool }

var (
	ErrInsufficientQuota = errors.New("insufficient_quota")
	ErrNoActiveAllowance = errors.New("no_active_allowance")
	ErrNotFound          = errors.New("not_found")
)

// CreateTenant creates a tenant and returns its id.
func (s *Store) CreateTenant(ctx context.Context, name string) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `INSERT INTO tenants(name) VALUES($1) RETURNING id`, name).Scan(&id)
	return id, err
}

// GrantAllowance opens a prepaid window of `units` sends for the tenant.
func (s *Store) GrantAllowance(ctx context.Context, tenantID string, units int, validUntil time.Time) (string, error) {
	if units <= 0 {
		return "", fmt.Errorf("invalid units")
	}
	if !validUntil.After(time.Now()) {
		return "", fmt.Errorf("window already closed")
	}
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO allowances(tenant_id, remaining, window_end)
		VALUES($1,$2,$3)
		RETURNING id
	`, tenantID, units, validUntil).Scan(&id)
	return id, err
}

// ActiveAllowance returns the tenant's current in-window allowance.
func (s *Store) ActiveAllowance(ctx context.Context, tenantID string) (*Allowance, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, remaining, window_start, window_end, status
		FROM allowances
		WHERE tenant_id=$1 AND status='active' AND now() >= window_start AND now() < window_end
		ORDER BY window_end DESC
		LIMIT 1
	`, tenantID)
	var a Allowance
	if err := row.Scan(&a.ID, &a.TenantID, &a.Remaining, &a.WindowStart, &a.WindowEnd, &a.Status); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoActiveAllowance
		}
		return nil, err
	}
	return &a, nil
}

// ReserveCheck verifies the tenant can pay for `count` sends right now.
// It does not hold anything; the actual debit happens per successful send.
func (s *Store) ReserveCheck(ctx context.Context, tenantID string, count int) (*Allowance, error) {
	a, err := s.ActiveAllowance(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if a.Remaining < count {
		return nil, ErrInsufficientQuota
	}
	return a, nil
}

// Decrement consumes one unit from the tenant's active allowance. The guard on
// remaining and the window live in the same UPDATE so there is no
// read-then-write race across concurrent batches.
func (s *Store) Decrement(ctx context.Context, tenantID string) error {
	tag, err := s.DB.Exec(ctx, `
		UPDATE allowances SET remaining = remaining - 1
		WHERE id = (
			SELECT id FROM allowances
			WHERE tenant_id=$1 AND status='active' AND remaining >= 1
			  AND now() >= window_start AND now() < window_end
			ORDER BY window_end DESC
			LIMIT 1
		)
	`, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActiveAllowance
	}
	return nil
}

// ExpireAllowances flips past-window allowances to expired. Run periodically by
// the janitor so mid-batch expiry surfaces deterministically.
func (s *Store) ExpireAllowances(ctx context.Context) (int64, error) {
	tag, err := s.DB.Exec(ctx, `UPDATE allowances SET status='expired' WHERE status='active' AND window_end <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RegisterSession records a transport session on behalf of the session provider.
func (s *Store) RegisterSession(ctx context.Context, tenantID, address string, shareable bool) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO sessions(tenant_id, address, shareable) VALUES($1,$2,$3) RETURNING id
	`, tenantID, address, shareable).Scan(&id)
	return id, err
}

func (s *Store) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE sessions SET status=$2 WHERE id=$1`, sessionID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EligibleSessions lists active sessions usable by the tenant: its own plus any
// marked shareable. Ascending id keeps round-robin cursors reproducible for a
// given snapshot.
func (s *Store) EligibleSessions(ctx context.Context, tenantID string) ([]Session, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, address, status, shareable, created_at
		FROM sessions
		WHERE status='active' AND (tenant_id=$1 OR shareable=true)
		ORDER BY id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.TenantID, &sess.Address, &sess.Status, &sess.Shareable, &sess.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type CreateBatchRequest struct {
	TenantID   string
	Recipients []string
	Payload    Payload
	Pacing     Pacing
}

// CreateBatch admits a batch: re-checks quota under lock and inserts the batch
// plus its pending items in one transaction. On ErrInsufficientQuota nothing is
// written.
func (s *Store) CreateBatch(ctx context.Context, r CreateBatchRequest) (*Batch, error) {
	if len(r.Recipients) == 0 {
		return nil, fmt.Errorf("empty recipients")
	}

	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lock the allowance row so concurrent admissions see each other.
	var remaining int
	err = tx.QueryRow(ctx, `
		SELECT remaining FROM allowances
		WHERE tenant_id=$1 AND status='active' AND now() >= window_start AND now() < window_end
		ORDER BY window_end DESC
		LIMIT 1
		FOR UPDATE
	`, r.TenantID).Scan(&remaining)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNoActiveAllowance
		}
		return nil, err
	}
	if remaining < len(r.Recipients) {
		return nil, ErrInsufficientQuota
	}

	b := &Batch{
		ID:         uuid.NewString(),
		TenantID:   r.TenantID,
		Payload:    r.Payload,
		Pacing:     r.Pacing,
		Status:     BatchProcessing,
		TotalItems: len(r.Recipients),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO batches(id, tenant_id, payload_text, media_url, button_title, button_url,
			base_delay_ms, jitter_ms, total_items)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at
	`, b.ID, b.TenantID, b.Payload.Text, b.Payload.MediaURL, b.Payload.ButtonTitle, b.Payload.ButtonURL,
		b.Pacing.Base.Milliseconds(), b.Pacing.Jitter.Milliseconds(), b.TotalItems).Scan(&b.CreatedAt)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO batch_items(batch_id, recipient)
		SELECT $1, unnest($2::text[])
	`, b.ID, r.Recipients)
	if err != nil {
		return nil, err
	}

	return b, tx.Commit(ctx)
}

// RecordItem moves an item to a terminal status and bumps the batch counters.
// The pending guard makes a second call with the same terminal outcome a no-op,
// which is what lets sub-steps retry safely.
func (s *Store) RecordItem(ctx context.Context, batchID, recipient, status string, sessionID, errorDetail *string) error {
	if status != ItemSent && status != ItemFailed {
		return fmt.Errorf("non-terminal item status %q", status)
	}
	tx, err := s.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE batch_items
		SET status=$3, session_id=$4, error_detail=$5, updated_at=now()
		WHERE batch_id=$1 AND recipient=$2 AND status='pending'
	`, batchID, recipient, status, sessionID, errorDetail)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Already terminal; keep counters untouched.
		return tx.Commit(ctx)
	}

	col := "sent_count"
	if status == ItemFailed {
		col = "failed_count"
	}
	_, err = tx.Exec(ctx, `UPDATE batches SET `+col+` = `+col+` + 1 WHERE id=$1`, batchID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FinalizeBatch stamps the terminal status once all items are terminal. The
// processing guard keeps a retried finalization from rewriting history.
func (s *Store) FinalizeBatch(ctx context.Context, batchID, status string, failedRecipients []string, completedAt time.Time) error {
	if failedRecipients == nil {
		failedRecipients = []string{}
	}
	_, err := s.DB.Exec(ctx, `
		UPDATE batches SET status=$2, failed_recipients=$3, completed_at=$4
		WHERE id=$1 AND status='processing'
	`, batchID, status, failedRecipients, completedAt)
	return err
}

func (s *Store) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, payload_text, media_url, button_title, button_url,
		       base_delay_ms, jitter_ms, status, total_items, sent_count, failed_count,
		       failed_recipients, created_at, completed_at
		FROM batches WHERE id=$1
	`, batchID)
	var b Batch
	var baseMS, jitterMS int64
	if err := row.Scan(&b.ID, &b.TenantID, &b.Payload.Text, &b.Payload.MediaURL, &b.Payload.ButtonTitle,
		&b.Payload.ButtonURL, &baseMS, &jitterMS, &b.Status, &b.TotalItems, &b.SentCount, &b.FailedCount,
		&b.FailedRecipients, &b.CreatedAt, &b.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	b.Pacing.Base = time.Duration(baseMS) * time.Millisecond
	b.Pacing.Jitter = time.Duration(jitterMS) * time.Millisecond
	return &b, nil
}

// ListBatches is a basic listing for reports.
func (s *Store) ListBatches(ctx context.Context, tenantID string, status *string, limit, offset int) ([]Batch, error) {
	q := `
		SELECT id, tenant_id, payload_text, base_delay_ms, jitter_ms, status,
		       total_items, sent_count, failed_count, failed_recipients, created_at, completed_at
		FROM batches WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != nil {
		q += ` AND status=$2`
		args = append(args, *status)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Batch
	for rows.Next() {
		var b Batch
		var baseMS, jitterMS int64
		if err := rows.Scan(&b.ID, &b.TenantID, &b.Payload.Text, &baseMS, &jitterMS, &b.Status,
			&b.TotalItems, &b.SentCount, &b.FailedCount, &b.FailedRecipients, &b.CreatedAt, &b.CompletedAt); err != nil {
			return nil, err
		}
		b.Pacing.Base = time.Duration(baseMS) * time.Millisecond
		b.Pacing.Jitter = time.Duration(jitterMS) * time.Millisecond
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) ListItems(ctx context.Context, batchID string) ([]Item, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT batch_id, recipient, status, session_id, error_detail, updated_at
		FROM batch_items WHERE batch_id=$1
		ORDER BY recipient
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.BatchID, &it.Recipient, &it.Status, &it.SessionID, &it.ErrorDetail, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
