package ledger

import (
	"encoding/base64"
	"fmt"

	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/pkg/types"
)

type Signer interface {
	DID() string
	SignEd25519(digest []byte) ([]byte, error)
}

// ProposalDigest is the sha256 digest of the proposal's canonical bytes.
func ProposalDigest(p types.ProposalRecord) (string, error) {
	canonical, err := crypto.Canonicalize(p)
	if err != nil {
		return "", err
	}
	return crypto.DigestWithPrefix(canonical), nil
}

type MakeEntryInput struct {
	Seq          int64
	EntryID      string
	PrevHash     string
	Timestamp    string
	Proposal     types.ProposalRecord
	Decision     types.Decision
	ManifestHash string
}

// MakeEntry builds, hashes and signs an entry. It returns the entry and the
// canonical body to persist.
func MakeEntry(in MakeEntryInput, signer Signer) (types.AuditEntry, []byte, error) {
	if in.Seq < 1 || in.EntryID == "" || in.Timestamp == "" {
		return types.AuditEntry{}, nil, fmt.Errorf("missing required entry fields")
	}
	proposalDigest, err := ProposalDigest(in.Proposal)
	if err != nil {
		return types.AuditEntry{}, nil, err
	}

	entry := types.AuditEntry{
		Seq:            in.Seq,
		EntryID:        in.EntryID,
		PrevHash:       in.PrevHash,
		Timestamp:      in.Timestamp,
		ProposalID:     in.Proposal.ID,
		ProposalDigest: proposalDigest,
		SubjectID:      in.Proposal.SubjectID,
		RohBefore:      in.Proposal.RohBefore,
		RohAfter:       in.Proposal.RohAfter,
		Decision:       in.Decision,
		ManifestHash:   in.ManifestHash,
		SignerDID:      signer.DID(),
	}

	digest, err := entryDigest(entry)
	if err != nil {
		return types.AuditEntry{}, nil, err
	}
	sig, err := signer.SignEd25519(digest)
	if err != nil {
		return types.AuditEntry{}, nil, err
	}
	entry.EntryHash = crypto.FormatDigest(digest)
	entry.Signature = base64.StdEncoding.EncodeToString(sig)

	body, err := crypto.Canonicalize(entry)
	if err != nil {
		return types.AuditEntry{}, nil, err
	}
	return entry, body, nil
}

// entryDigest is SHA-256 over the canonical unsigned entry followed by the
// previous entry hash.
func entryDigest(e types.AuditEntry) ([]byte, error) {
	canonical, err := crypto.Canonicalize(e.Unsigned())
	if err != nil {
		return nil, err
	}
	return crypto.ChainDigest(canonical, e.PrevHash), nil
}
