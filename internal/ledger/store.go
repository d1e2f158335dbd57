package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/davidahmann/sovereignty/internal/crypto"
)

var ErrSeqConflict = errors.New("ledger sequence conflict")

// Record is one persisted ledger entry. Body is the canonical JSON of the
// signed entry; the other fields are indexed copies of its contents.
type Record struct {
	Seq        int64
	EntryHash  string
	PrevHash   string
	ProposalID string
	Body       []byte
}

// Store persists ledger records. Append must be durable when it returns and
// must reject a record whose Seq is not the successor of the last one.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Last(ctx context.Context) (Record, bool, error)
	Scan(ctx context.Context, fn func(Record) error) error
}

type KeyRecord struct {
	KeyID     string
	PublicKey []byte
	CreatedAt string
	RotatedAt *string
}

// KeyStore holds trusted signer keys. KeyID is the signer DID.
type KeyStore interface {
	PutKey(key KeyRecord) error
	GetKey(keyID string) (KeyRecord, bool)
}

// Keyring answers whether a signer DID is trusted and with which key.
type Keyring interface {
	Trusted(did string) (ed25519.PublicKey, bool)
}

// StaticKeyring trusts a fixed set of DIDs.
type StaticKeyring map[string]ed25519.PublicKey

func NewStaticKeyring(dids ...string) (StaticKeyring, error) {
	ring := make(StaticKeyring, len(dids))
	for _, did := range dids {
		pub, err := crypto.PublicKeyFromDID(did)
		if err != nil {
			return nil, fmt.Errorf("trusted did %q: %w", did, err)
		}
		ring[did] = pub
	}
	return ring, nil
}

func (k StaticKeyring) Trusted(did string) (ed25519.PublicKey, bool) {
	pub, ok := k[did]
	return pub, ok
}

// StoreKeyring checks an anchor keyring against the keys registered in a
// KeyStore. Rows in the store never add trust: a DID is trusted only when the
// anchor trusts it, and a registered row carrying a different key revokes it.
type StoreKeyring struct {
	Keys   KeyStore
	Anchor Keyring
}

func (k StoreKeyring) Trusted(did string) (ed25519.PublicKey, bool) {
	if k.Anchor == nil {
		return nil, false
	}
	pub, ok := k.Anchor.Trusted(did)
	if !ok {
		return nil, false
	}
	if k.Keys != nil {
		if rec, found := k.Keys.GetKey(did); found && !bytes.Equal(rec.PublicKey, pub) {
			return nil, false
		}
	}
	return pub, true
}
