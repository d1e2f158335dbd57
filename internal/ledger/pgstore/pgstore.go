package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/davidahmann/sovereignty/internal/ledger"
)

type Store struct {
	db *sql.DB
}

// OpenPostgres connects to dsn and applies the embedded postgres migrations.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ledger.Migrate(db, ledger.DBPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) Append(ctx context.Context, rec ledger.Record) error {
	return s.WithTx(ctx, func(tx *Tx) error { return tx.Append(ctx, rec) })
}

func (s *Store) Last(ctx context.Context) (ledger.Record, bool, error) {
	var rec ledger.Record
	row := s.db.QueryRowContext(ctx, `SELECT seq, entry_hash, prev_hash, proposal_id, body FROM sov_audit_entries ORDER BY seq DESC LIMIT 1`)
	var body string
	if err := row.Scan(&rec.Seq, &rec.EntryHash, &rec.PrevHash, &rec.ProposalID, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Record{}, false, nil
		}
		return ledger.Record{}, false, err
	}
	rec.Body = []byte(body)
	return rec, true, nil
}

func (s *Store) Scan(ctx context.Context, fn func(ledger.Record) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, entry_hash, prev_hash, proposal_id, body FROM sov_audit_entries ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var rec ledger.Record
		var body string
		if err := rows.Scan(&rec.Seq, &rec.EntryHash, &rec.PrevHash, &rec.ProposalID, &body); err != nil {
			return err
		}
		rec.Body = []byte(body)
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) PutKey(key ledger.KeyRecord) error {
	return s.WithTx(context.Background(), func(tx *Tx) error { return tx.PutKey(key) })
}

func (s *Store) GetKey(keyID string) (ledger.KeyRecord, bool) {
	var rec ledger.KeyRecord
	row := s.db.QueryRow(`SELECT key_id, public_key, created_at::text, rotated_at::text FROM sov_keys WHERE key_id = $1`, keyID)
	var rotated *string
	if err := row.Scan(&rec.KeyID, &rec.PublicKey, &rec.CreatedAt, &rotated); err != nil {
		return ledger.KeyRecord{}, false
	}
	rec.RotatedAt = rotated
	return rec, true
}

type Tx struct {
	tx *sql.Tx
}

// Append inserts rec if it directly follows the current last entry. The
// table lock keeps two writers from both observing the same tail.
func (t *Tx) Append(ctx context.Context, rec ledger.Record) error {
	if _, err := t.tx.ExecContext(ctx, `LOCK TABLE sov_audit_entries IN EXCLUSIVE MODE`); err != nil {
		return err
	}
	var last int64
	if err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM sov_audit_entries`).Scan(&last); err != nil {
		return err
	}
	if rec.Seq != last+1 {
		return fmt.Errorf("%w: got seq %d, want %d", ledger.ErrSeqConflict, rec.Seq, last+1)
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO sov_audit_entries(seq, entry_hash, prev_hash, proposal_id, body)
VALUES($1,$2,$3,$4,$5)`,
		rec.Seq,
		rec.EntryHash,
		rec.PrevHash,
		rec.ProposalID,
		string(rec.Body),
	)
	return err
}

func (t *Tx) PutKey(key ledger.KeyRecord) error {
	_, err := t.tx.Exec(
		`INSERT INTO sov_keys(key_id, public_key, created_at, rotated_at)
VALUES($1,$2,$3,$4)
ON CONFLICT (key_id) DO NOTHING`,
		key.KeyID,
		key.PublicKey,
		key.CreatedAt,
		key.RotatedAt,
	)
	return err
}
