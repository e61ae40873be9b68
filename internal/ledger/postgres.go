package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const recordColumns = `id, kind, currency, amount::text, from_wallet_id,
        COALESCE(to_wallet_id::text, ''), COALESCE(external_address, ''), status,
        COALESCE(transaction_id, ''), fee_native, fee_in_token::text,
        COALESCE(failure_stage, ''), COALESCE(failure_reason, ''), on_chain_status,
        created_at, updated_at`

// PostgresStore persists transfer records in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a Postgres-backed record store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts a PENDING record.
func (s *PostgresStore) Create(ctx context.Context, record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	id, err := uuid.Parse(record.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	fromID, err := uuid.Parse(record.FromWalletID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	var toID *uuid.UUID
	if record.ToWalletID != "" {
		parsed, err := uuid.Parse(record.ToWalletID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		}
		toID = &parsed
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = StatusPending
	}

	_, err = s.db.Exec(ctx, `INSERT INTO transfers (id, kind, currency, amount, from_wallet_id, to_wallet_id,
        external_address, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4::numeric, $5, $6, NULLIF($7, ''), $8, $9, $9)`,
		id, string(record.Kind), record.Currency, record.Amount.String(), fromID, toID,
		record.ExternalAddress, string(record.Status), record.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Get fetches a record by identifier.
func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return Record{}, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `SELECT `+recordColumns+` FROM transfers WHERE id = $1`, recordID)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return record, err
}

// AttachTransaction stores the chain transaction id on a pending record.
func (s *PostgresStore) AttachTransaction(ctx context.Context, id, txID string) error {
	_, err := s.updatePending(ctx, id, `transaction_id = $2`, txID)
	return err
}

// Complete settles a pending record with its fee.
func (s *PostgresStore) Complete(ctx context.Context, id string, c Completion) (Record, error) {
	return s.updatePending(ctx, id, `status = 'COMPLETED', fee_native = $2, fee_in_token = $3::numeric`,
		c.FeeNative, c.FeeInToken.String())
}

// Fail marks a pending record failed. A zero fee keeps the stored value.
func (s *PostgresStore) Fail(ctx context.Context, id string, f Failure) (Record, error) {
	return s.updatePending(ctx, id, `status = 'FAILED', failure_stage = $2, failure_reason = $3,
        fee_native = GREATEST(fee_native, $4), on_chain_status = COALESCE(NULLIF($5, ''), on_chain_status)`,
		f.Stage, f.Reason, f.FeeNative, string(f.OnChainStatus))
}

// updatePending runs a guarded UPDATE; only PENDING rows are touched.
func (s *PostgresStore) updatePending(ctx context.Context, id, set string, args ...any) (Record, error) {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return Record{}, ErrNotFound
	}
	query := `UPDATE transfers SET ` + set + `, updated_at = now()
        WHERE id = $1 AND status = 'PENDING'
        RETURNING ` + recordColumns
	row := s.db.QueryRow(ctx, query, append([]any{recordID}, args...)...)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return Record{}, getErr
		}
		return Record{}, ErrInvalidTransition
	}
	return record, err
}

// ListByWallet returns records where the wallet is source or destination, newest first.
func (s *PostgresStore) ListByWallet(ctx context.Context, walletID string, limit int) ([]Record, error) {
	wid, err := uuid.Parse(walletID)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.query(ctx, `SELECT `+recordColumns+` FROM transfers
        WHERE from_wallet_id = $1 OR to_wallet_id = $1
        ORDER BY created_at DESC, id DESC LIMIT $2`, wid, NormalizeLimit(limit))
}

// ListPendingBefore returns PENDING records created before cutoff, oldest first.
func (s *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM transfers
        WHERE status = 'PENDING' AND created_at < $1
        ORDER BY created_at ASC LIMIT $2`, cutoff.UTC(), NormalizeLimit(limit))
}

// ListUnreconciledFailures returns FAILED records that reached the network but
// have no observed on-chain outcome yet.
func (s *PostgresStore) ListUnreconciledFailures(ctx context.Context, limit int) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM transfers
        WHERE status = 'FAILED' AND transaction_id IS NOT NULL AND on_chain_status = ''
        ORDER BY updated_at ASC LIMIT $1`, NormalizeLimit(limit))
}

// RecordChainOutcome stores what the network reported. Status and updated_at
// stay as the engine left them.
func (s *PostgresStore) RecordChainOutcome(ctx context.Context, id string, status OnChainStatus, feeNative int64) error {
	recordID, err := uuid.Parse(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `UPDATE transfers SET on_chain_status = $2, fee_native = GREATEST(fee_native, $3)
        WHERE id = $1`, recordID, string(status), feeNative)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r          Record
		id, fromID uuid.UUID
		kind       string
		status     string
		onChain    string
		amount     string
		feeToken   string
	)
	if err := row.Scan(&id, &kind, &r.Currency, &amount, &fromID, &r.ToWalletID, &r.ExternalAddress,
		&status, &r.TransactionID, &r.FeeNative, &feeToken, &r.FailureStage, &r.FailureReason,
		&onChain, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Record{}, err
	}
	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return Record{}, fmt.Errorf("parse amount: %w", err)
	}
	if r.FeeInToken, err = decimal.NewFromString(feeToken); err != nil {
		return Record{}, fmt.Errorf("parse fee: %w", err)
	}
	r.ID = id.String()
	r.FromWalletID = fromID.String()
	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.OnChainStatus = OnChainStatus(onChain)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}
