package ledger

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSigner(t *testing.T, fill byte) *crypto.Ed25519Signer {
	t.Helper()
	seed := bytes.Repeat([]byte{fill}, ed25519.SeedSize)
	priv, _, err := crypto.KeyPairFromSeed(seed)
	require.NoError(t, err)
	return crypto.NewEd25519Signer(priv)
}

func trusting(signers ...*crypto.Ed25519Signer) StaticKeyring {
	ring := StaticKeyring{}
	for _, s := range signers {
		ring[s.DID()] = s.PublicKey()
	}
	return ring
}

func fixedOptions() Options {
	n := 0
	return Options{
		Now: func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
		NewID: func() string {
			n++
			return fmt.Sprintf("entry-%d", n)
		},
	}
}

func proposal(id string, before, after float64) types.ProposalRecord {
	return types.ProposalRecord{
		ID:           id,
		SubjectID:    "subject-1",
		Module:       "nav-adapter",
		Scope:        []string{"nav-tuning"},
		EffectBounds: types.EffectBounds{L2DeltaNorm: 0.01},
		RohBefore:    before,
		RohAfter:     after,
	}
}

func openLedger(t *testing.T, store Store) *AuditLedger {
	t.Helper()
	signer := testSigner(t, 0x42)
	l, err := Open(context.Background(), store, signer, trusting(signer), fixedOptions())
	require.NoError(t, err)
	return l
}

func appendThree(t *testing.T, l *AuditLedger) []types.AuditEntry {
	t.Helper()
	ctx := context.Background()
	var out []types.AuditEntry
	decisions := []types.Decision{
		types.Allow(),
		types.Reject("risk", types.ReasonRohNotMonotone, "roh_after exceeds roh_before"),
		types.Allow(types.Advisory{Stage: "risk", Code: types.AdvisoryRohNearCeiling}),
	}
	for i, d := range decisions {
		e, err := l.Append(ctx, proposal(fmt.Sprintf("prop-%d", i+1), 0.2, 0.1), d, "sha256:manifest")
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

var testBounds = RiskBounds{Ceiling: 0.3, Monotone: true}

func TestAppendChainsEntries(t *testing.T) {
	l := openLedger(t, NewInMemoryStore())
	entries := appendThree(t, l)

	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, "", entries[0].PrevHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PrevHash)
	assert.Equal(t, entries[1].EntryHash, entries[2].PrevHash)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.EntryHash, "sha256:"))
		assert.True(t, strings.HasPrefix(e.ProposalDigest, "sha256:"))
		assert.NotEmpty(t, e.Signature)
		assert.Equal(t, "sha256:manifest", e.ManifestHash)
		assert.Equal(t, "2026-01-02T03:04:05Z", e.Timestamp)
	}
	assert.Equal(t, types.ReasonRohNotMonotone, entries[1].Decision.Reason)

	seq, tail := l.Head()
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, entries[2].EntryHash, tail)

	require.NoError(t, l.VerifyChain(context.Background(), testBounds))
}

func TestVerifyChainEmptyLedger(t *testing.T) {
	l := openLedger(t, NewInMemoryStore())
	require.NoError(t, l.VerifyChain(context.Background(), testBounds))
}

func TestVerifyChainByteFlipInEntryTwo(t *testing.T) {
	store := NewInMemoryStore()
	l := openLedger(t, store)
	appendThree(t, l)

	body := store.records[1].Body
	i := bytes.Index(body, []byte("prop-2"))
	require.Positive(t, i)
	body[i+5] ^= 0x01

	err := l.VerifyChain(context.Background(), testBounds)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(2), integrity.Seq)
	assert.Equal(t, []int64{2, 3}, integrity.Untrusted)
	assert.ErrorIs(t, err, ErrEntryHashMismatch)
}

func TestVerifyChainDetectsEveryByteFlip(t *testing.T) {
	store := NewInMemoryStore()
	l := openLedger(t, store)
	appendThree(t, l)
	ctx := context.Background()

	body := store.records[1].Body
	for i := range body {
		body[i] ^= 0x01
		err := l.VerifyChain(ctx, testBounds)
		body[i] ^= 0x01

		var integrity *IntegrityError
		if !errors.As(err, &integrity) {
			t.Fatalf("flip at byte %d (%q) went undetected: %v", i, body[i], err)
		}
		if integrity.Seq != 2 || len(integrity.Untrusted) != 2 || integrity.Untrusted[1] != 3 {
			t.Fatalf("flip at byte %d: got seq %d untrusted %v", i, integrity.Seq, integrity.Untrusted)
		}
	}
	require.NoError(t, l.VerifyChain(ctx, testBounds))
}

func TestVerifyChainRejectsUntrustedSigner(t *testing.T) {
	store := NewInMemoryStore()
	l := openLedger(t, store)
	appendThree(t, l)

	stranger := testSigner(t, 0x07)
	err := VerifyStore(context.Background(), store, trusting(stranger), testBounds)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(1), integrity.Seq)
	assert.Equal(t, []int64{1, 2, 3}, integrity.Untrusted)
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestVerifyChainRejectsKeyringMismatch(t *testing.T) {
	store := NewInMemoryStore()
	l := openLedger(t, store)
	appendThree(t, l)

	signer := testSigner(t, 0x42)
	other := testSigner(t, 0x07)
	ring := StaticKeyring{signer.DID(): other.PublicKey()}
	err := VerifyStore(context.Background(), store, ring, testBounds)
	assert.ErrorIs(t, err, ErrUnknownSigner)
}

func TestVerifyChainRechecksAllowedInvariants(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	l := openLedger(t, store)

	_, err := l.Append(ctx, proposal("denied", 0.2, 0.9), types.Reject("risk", types.ReasonRohCeilingExceeded, ""), "m")
	require.NoError(t, err)
	require.NoError(t, l.VerifyChain(ctx, testBounds))

	_, err = l.Append(ctx, proposal("forged", 0.2, 0.25), types.Allow(), "m")
	require.NoError(t, err)
	err = l.VerifyChain(ctx, testBounds)
	var integrity *IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.Equal(t, int64(2), integrity.Seq)
	assert.ErrorIs(t, err, ErrInvariantViolated)

	require.NoError(t, l.VerifyChain(ctx, Unbounded))
}

type flakyStore struct {
	*InMemoryStore
	fail bool
}

func (s *flakyStore) Append(ctx context.Context, rec Record) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.InMemoryStore.Append(ctx, rec)
}

func TestAppendDurabilityFailureKeepsTail(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{InMemoryStore: NewInMemoryStore()}
	l := openLedger(t, store)

	first, err := l.Append(ctx, proposal("p1", 0.2, 0.1), types.Allow(), "m")
	require.NoError(t, err)

	store.fail = true
	_, err = l.Append(ctx, proposal("p2", 0.2, 0.1), types.Allow(), "m")
	require.ErrorIs(t, err, ErrDurability)
	seq, tail := l.Head()
	assert.Equal(t, int64(1), seq)
	assert.Equal(t, first.EntryHash, tail)

	store.fail = false
	second, err := l.Append(ctx, proposal("p2", 0.2, 0.1), types.Allow(), "m")
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)
	assert.Equal(t, first.EntryHash, second.PrevHash)
	require.NoError(t, l.VerifyChain(ctx, testBounds))
}

func TestOpenResumesFromStoreTail(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	entries := appendThree(t, openLedger(t, store))

	reopened := openLedger(t, store)
	seq, tail := reopened.Head()
	assert.Equal(t, int64(3), seq)
	assert.Equal(t, entries[2].EntryHash, tail)

	next, err := reopened.Append(ctx, proposal("p4", 0.2, 0.1), types.Allow(), "m")
	require.NoError(t, err)
	assert.Equal(t, int64(4), next.Seq)
	require.NoError(t, reopened.VerifyChain(ctx, testBounds))

	var ids []string
	require.NoError(t, reopened.Entries(ctx, func(e types.AuditEntry) error {
		ids = append(ids, e.ProposalID)
		return nil
	}))
	assert.Equal(t, []string{"prop-1", "prop-2", "prop-3", "p4"}, ids)
}

func TestOpenRequiresTrustedSigner(t *testing.T) {
	signer := testSigner(t, 0x42)
	_, err := Open(context.Background(), NewInMemoryStore(), signer, StaticKeyring{}, Options{})
	require.ErrorIs(t, err, ErrUnknownSigner)

	_, err = Open(context.Background(), NewInMemoryStore(), nil, StaticKeyring{}, Options{})
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestConcurrentAppendsStayContiguous(t *testing.T) {
	ctx := context.Background()
	signer := testSigner(t, 0x42)
	l, err := Open(ctx, NewInMemoryStore(), signer, trusting(signer), Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Append(ctx, proposal(fmt.Sprintf("p-%d", i), 0.2, 0.1), types.Allow(), "m"); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	seq, _ := l.Head()
	assert.Equal(t, int64(32), seq)
	require.NoError(t, l.VerifyChain(ctx, testBounds))
}

func TestProposalDigestIsStable(t *testing.T) {
	a, err := ProposalDigest(proposal("p1", 0.2, 0.1))
	require.NoError(t, err)
	b, err := ProposalDigest(proposal("p1", 0.2, 0.1))
	require.NoError(t, err)
	c, err := ProposalDigest(proposal("p1", 0.2, 0.15))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestNewStaticKeyring(t *testing.T) {
	signer := testSigner(t, 0x42)
	ring, err := NewStaticKeyring(signer.DID())
	require.NoError(t, err)
	pub, ok := ring.Trusted(signer.DID())
	require.True(t, ok)
	assert.Equal(t, signer.PublicKey(), pub)

	_, err = NewStaticKeyring("did:web:example.com")
	require.ErrorIs(t, err, crypto.ErrInvalidDID)
}

func TestStoreKeyringNeverAddsTrust(t *testing.T) {
	signer := testSigner(t, 0x42)
	outsider := testSigner(t, 0x43)
	store := NewInMemoryStore()
	ring := StoreKeyring{Keys: store, Anchor: trusting(signer)}

	pub, ok := ring.Trusted(signer.DID())
	require.True(t, ok, "anchored key is trusted before registration")
	assert.Equal(t, signer.PublicKey(), pub)

	require.NoError(t, store.PutKey(KeyRecord{KeyID: outsider.DID(), PublicKey: outsider.PublicKey(), CreatedAt: "now"}))
	_, ok = ring.Trusted(outsider.DID())
	assert.False(t, ok, "a registered row alone must not be trusted")

	_, ok = StoreKeyring{Keys: store}.Trusted(outsider.DID())
	assert.False(t, ok, "no anchor trusts nothing")
}

func TestStoreKeyringRowWithOtherKeyRevokes(t *testing.T) {
	signer := testSigner(t, 0x42)
	other := testSigner(t, 0x44)
	store := NewInMemoryStore()
	require.NoError(t, store.PutKey(KeyRecord{KeyID: signer.DID(), PublicKey: other.PublicKey(), CreatedAt: "now"}))

	_, ok := StoreKeyring{Keys: store, Anchor: trusting(signer)}.Trusted(signer.DID())
	assert.False(t, ok)
}
