package types

// AuditEntry is one record of the hash-chained decision ledger. Entries are
// written once and never mutated.
type AuditEntry struct {
	Seq            int64    `json:"seq"`
	EntryID        string   `json:"entry_id"`
	PrevHash       string   `json:"prev_hash"`
	Timestamp      string   `json:"timestamp"`
	ProposalID     string   `json:"proposal_id"`
	ProposalDigest string   `json:"proposal_digest"`
	SubjectID      string   `json:"subject_id"`
	RohBefore      float64  `json:"roh_before"`
	RohAfter       float64  `json:"roh_after"`
	Decision       Decision `json:"decision"`
	ManifestHash   string   `json:"manifest_hash"`
	SignerDID      string   `json:"signer_did"`
	Signature      string   `json:"signature,omitempty"`
	EntryHash      string   `json:"entry_hash,omitempty"`
}

// Unsigned returns a copy with the hash and signature cleared, which is the
// view covered by the entry hash.
func (e AuditEntry) Unsigned() AuditEntry {
	e.Signature = ""
	e.EntryHash = ""
	return e
}
