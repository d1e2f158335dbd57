package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/davidahmann/sovereignty/internal/auth"
	"github.com/davidahmann/sovereignty/internal/ledger"
	"github.com/davidahmann/sovereignty/pkg/types"
)

const maxBodyBytes = 1 << 20

// Evaluator is the kernel surface the HTTP layer needs.
type Evaluator interface {
	EvaluateUpdate(ctx context.Context, p types.ProposalRecord, tokenID string) (types.AuditEntry, error)
	VerifyChain(ctx context.Context) error
	Head() (int64, string)
}

type Handler struct {
	Auth   auth.Authenticator
	Kernel Evaluator
	Logger *slog.Logger
}

type ProposalRequest struct {
	Proposal          json.RawMessage `json:"proposal"`
	CapabilityTokenID string          `json:"capability_token_id,omitempty"`
}

type VerifyResponse struct {
	Valid     bool    `json:"valid"`
	Seq       int64   `json:"seq"`
	Reason    string  `json:"reason,omitempty"`
	Untrusted []int64 `json:"untrusted,omitempty"`
}

func (h *Handler) SubmitProposal(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Kernel == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "kernel not configured"})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil || len(raw) > maxBodyBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable or oversized body"})
		return
	}
	var req ProposalRequest
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	if len(req.Proposal) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing proposal"})
		return
	}
	proposal, err := types.DecodeProposal(req.Proposal)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error(), "reason": string(types.ReasonInvalidProposal)})
		return
	}

	entry, err := h.Kernel.EvaluateUpdate(r.Context(), proposal, req.CapabilityTokenID)
	if err != nil {
		h.logger().ErrorContext(r.Context(), "evaluate update failed", "proposal_id", proposal.ID, "error", err)
		msg := "decision could not be recorded"
		if !errors.Is(err, ledger.ErrDurability) {
			msg = "evaluation failed"
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": msg})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) VerifyLedger(w http.ResponseWriter, r *http.Request) {
	if !h.ensureAuth(w, r) {
		return
	}
	if h.Kernel == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "kernel not configured"})
		return
	}

	err := h.Kernel.VerifyChain(r.Context())
	var integrity *ledger.IntegrityError
	switch {
	case err == nil:
		seq, _ := h.Kernel.Head()
		writeJSON(w, http.StatusOK, VerifyResponse{Valid: true, Seq: seq})
	case errors.As(err, &integrity):
		writeJSON(w, http.StatusOK, VerifyResponse{Seq: integrity.Seq, Reason: integrity.Reason, Untrusted: integrity.Untrusted})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ensureAuth(w http.ResponseWriter, r *http.Request) bool {
	if h.Auth == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": auth.ErrInvalidToken.Error()})
		return false
	}
	if _, err := h.Auth.Authenticate(r); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
