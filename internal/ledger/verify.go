package ledger

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/pkg/types"
)

var (
	ErrMalformedEntry    = errors.New("malformed ledger entry")
	ErrSequenceGap       = errors.New("ledger sequence gap")
	ErrPrevHashMismatch  = errors.New("prev_hash mismatch")
	ErrEntryHashMismatch = errors.New("entry_hash mismatch")
	ErrUnknownSigner     = errors.New("signer is not trusted")
	ErrBadSignature      = errors.New("entry signature invalid")
	ErrInvariantViolated = errors.New("allowed entry violates risk invariants")
)

// IntegrityError reports the first entry that failed verification. Every
// entry from Seq onwards is untrusted; the chain is never repaired.
type IntegrityError struct {
	Seq       int64
	Reason    string
	Err       error
	Untrusted []int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity failure at seq %d: %s", e.Seq, e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// RiskBounds are re-checked for every allowed entry at verification time.
type RiskBounds struct {
	Ceiling  float64
	Monotone bool
}

// Unbounded disables the risk re-check.
var Unbounded = RiskBounds{Ceiling: 1}

func (b RiskBounds) check(e types.AuditEntry) error {
	if e.RohAfter > b.Ceiling+types.Epsilon {
		return fmt.Errorf("roh_after %.6f exceeds ceiling %.6f", e.RohAfter, b.Ceiling)
	}
	if b.Monotone && e.RohAfter > e.RohBefore+types.Epsilon {
		return fmt.Errorf("roh_after %.6f exceeds roh_before %.6f", e.RohAfter, e.RohBefore)
	}
	return nil
}

// DecodeEntry strictly decodes a persisted body.
func DecodeEntry(body []byte) (types.AuditEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var e types.AuditEntry
	if err := dec.Decode(&e); err != nil {
		return types.AuditEntry{}, err
	}
	return e, nil
}

// verifyRecord checks one record against its expected position in the chain.
func verifyRecord(rec Record, wantSeq int64, wantPrev string, keyring Keyring, bounds RiskBounds) (types.AuditEntry, error) {
	if rec.Seq != wantSeq {
		return types.AuditEntry{}, fmt.Errorf("%w: expected seq %d", ErrSequenceGap, wantSeq)
	}

	entry, err := DecodeEntry(rec.Body)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	canonical, err := crypto.Canonicalize(entry)
	if err != nil || !bytes.Equal(canonical, rec.Body) {
		return types.AuditEntry{}, fmt.Errorf("%w: payload is not canonical", ErrMalformedEntry)
	}
	if entry.Seq != rec.Seq {
		return types.AuditEntry{}, fmt.Errorf("%w: payload seq %d stored at %d", ErrSequenceGap, entry.Seq, rec.Seq)
	}
	if entry.PrevHash != wantPrev || rec.PrevHash != wantPrev {
		return types.AuditEntry{}, ErrPrevHashMismatch
	}

	digest, err := entryDigest(entry)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}
	if got := crypto.FormatDigest(digest); got != entry.EntryHash || got != rec.EntryHash {
		return types.AuditEntry{}, ErrEntryHashMismatch
	}

	pub, ok := keyring.Trusted(entry.SignerDID)
	if !ok {
		return types.AuditEntry{}, fmt.Errorf("%w: %s", ErrUnknownSigner, entry.SignerDID)
	}
	didKey, err := crypto.PublicKeyFromDID(entry.SignerDID)
	if err != nil || !bytes.Equal(didKey, pub) {
		return types.AuditEntry{}, fmt.Errorf("%w: key does not match %s", ErrUnknownSigner, entry.SignerDID)
	}
	sig, err := base64.StdEncoding.Strict().DecodeString(entry.Signature)
	if err != nil {
		return types.AuditEntry{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	valid, err := crypto.VerifyEd25519(pub, digest, sig)
	if err != nil || !valid {
		return types.AuditEntry{}, ErrBadSignature
	}

	if entry.Decision.Allowed() {
		if err := bounds.check(entry); err != nil {
			return types.AuditEntry{}, fmt.Errorf("%w: %v", ErrInvariantViolated, err)
		}
	}
	return entry, nil
}

