package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/davidahmann/sovereignty/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrDurability = errors.New("ledger write not durable")
	ErrNoSigner   = errors.New("ledger requires a signer")
)

type Options struct {
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

// AuditLedger is the append-only, hash-chained decision log. Appends are
// serialized; the tail only advances after the store reports a durable write.
type AuditLedger struct {
	mu      sync.Mutex
	store   Store
	signer  Signer
	keyring Keyring
	now     func() time.Time
	newID   func() string
	log     *slog.Logger

	seq  int64
	tail string
}

// Open loads the current tail from store. The signer must be trusted by the
// keyring, otherwise its own entries could never verify.
func Open(ctx context.Context, store Store, signer Signer, keyring Keyring, opts Options) (*AuditLedger, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger requires a store")
	}
	if signer == nil {
		return nil, ErrNoSigner
	}
	if keyring == nil {
		return nil, fmt.Errorf("ledger requires a keyring")
	}
	if _, ok := keyring.Trusted(signer.DID()); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, signer.DID())
	}

	l := &AuditLedger{
		store:   store,
		signer:  signer,
		keyring: keyring,
		now:     opts.Now,
		newID:   opts.NewID,
		log:     opts.Logger,
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.newID == nil {
		l.newID = uuid.NewString
	}
	if l.log == nil {
		l.log = slog.Default()
	}

	last, ok, err := store.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger tail: %w", err)
	}
	if ok {
		l.seq = last.Seq
		l.tail = last.EntryHash
	}
	return l, nil
}

// Head returns the last appended sequence number and entry hash.
func (l *AuditLedger) Head() (int64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq, l.tail
}

func (l *AuditLedger) Append(ctx context.Context, p types.ProposalRecord, d types.Decision, manifestHash string) (types.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, p, d, manifestHash)
}

func (l *AuditLedger) appendLocked(ctx context.Context, p types.ProposalRecord, d types.Decision, manifestHash string) (types.AuditEntry, error) {
	entry, body, err := MakeEntry(MakeEntryInput{
		Seq:          l.seq + 1,
		EntryID:      l.newID(),
		PrevHash:     l.tail,
		Timestamp:    l.now().UTC().Format(time.RFC3339Nano),
		Proposal:     p,
		Decision:     d,
		ManifestHash: manifestHash,
	}, l.signer)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("build entry: %w", err)
	}

	rec := Record{Seq: entry.Seq, EntryHash: entry.EntryHash, PrevHash: entry.PrevHash, ProposalID: entry.ProposalID, Body: body}
	if err := l.store.Append(ctx, rec); err != nil {
		l.log.Error("ledger append failed", "seq", entry.Seq, "proposal_id", p.ID, "error", err)
		return types.AuditEntry{}, fmt.Errorf("%w: %v", ErrDurability, err)
	}

	l.seq = entry.Seq
	l.tail = entry.EntryHash
	return entry, nil
}

// Entries decodes every persisted entry in order without verifying it.
func (l *AuditLedger) Entries(ctx context.Context, fn func(types.AuditEntry) error) error {
	return l.store.Scan(ctx, func(rec Record) error {
		entry, err := DecodeEntry(rec.Body)
		if err != nil {
			return fmt.Errorf("%w: seq %d: %v", ErrMalformedEntry, rec.Seq, err)
		}
		return fn(entry)
	})
}

// VerifyChain walks the ledger from genesis. The first failing entry and
// every entry after it are reported in an *IntegrityError.
func (l *AuditLedger) VerifyChain(ctx context.Context, bounds RiskBounds) error {
	return VerifyStore(ctx, l.store, l.keyring, bounds)
}

// VerifyStore verifies a store without opening a ledger for writing.
func VerifyStore(ctx context.Context, store Store, keyring Keyring, bounds RiskBounds) error {
	var (
		wantSeq  int64 = 1
		wantPrev string
		failure  *IntegrityError
	)
	err := store.Scan(ctx, func(rec Record) error {
		if failure != nil {
			failure.Untrusted = append(failure.Untrusted, rec.Seq)
			return nil
		}
		entry, err := verifyRecord(rec, wantSeq, wantPrev, keyring, bounds)
		if err != nil {
			failure = &IntegrityError{Seq: rec.Seq, Reason: err.Error(), Err: err, Untrusted: []int64{rec.Seq}}
			return nil
		}
		wantSeq++
		wantPrev = entry.EntryHash
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan ledger: %w", err)
	}
	if failure != nil {
		return failure
	}
	return nil
}
