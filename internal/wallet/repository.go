package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no wallet matches the lookup.
	ErrNotFound = errors.New("wallet not found")
	// ErrExists is returned when the wallet id or address is already stored.
	ErrExists = errors.New("wallet exists")
)

// Repository persists wallet metadata.
type Repository interface {
	Create(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, id string) (Wallet, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error)
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a wallet record.
func (r *PostgresRepository) Create(ctx context.Context, wallet Wallet) error {
	walletID, err := uuid.Parse(wallet.ID)
	if err != nil {
		return err
	}
	ownerID, err := uuid.Parse(wallet.OwnerID)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO wallets (id, owner_id, address, encrypted_key, blockchain, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`, walletID, ownerID, wallet.Address, wallet.EncryptedKey, wallet.Blockchain, wallet.CreatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

// Get fetches wallet metadata by identifier.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Wallet, error) {
	walletUUID, err := uuid.Parse(id)
	if err != nil {
		return Wallet{}, ErrNotFound
	}
	row := r.db.QueryRow(ctx, `SELECT id, owner_id, address, encrypted_key, blockchain, created_at
        FROM wallets WHERE id = $1`, walletUUID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, ErrNotFound
	}
	return w, err
}

// ListByOwner returns the owner's wallets, oldest first.
func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]Wallet, error) {
	ownerUUID, err := uuid.Parse(ownerID)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT id, owner_id, address, encrypted_key, blockchain, created_at
        FROM wallets WHERE owner_id = $1 ORDER BY created_at ASC`, ownerUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	var createdAt time.Time
	var idVal uuid.UUID
	var ownerID uuid.UUID
	if err := row.Scan(&idVal, &ownerID, &w.Address, &w.EncryptedKey, &w.Blockchain, &createdAt); err != nil {
		return Wallet{}, err
	}
	w.ID = idVal.String()
	w.OwnerID = ownerID.String()
	w.CreatedAt = createdAt.UTC()
	return w, nil
}
