// Package kernel wires the manifest, guard pipeline and audit ledger into
// the single entry point that evaluates and records evolution proposals.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidahmann/sovereignty/internal/captoken"
	"github.com/davidahmann/sovereignty/internal/crypto"
	"github.com/davidahmann/sovereignty/internal/guard"
	"github.com/davidahmann/sovereignty/internal/ledger"
	"github.com/davidahmann/sovereignty/internal/manifest"
	"github.com/davidahmann/sovereignty/pkg/types"
)

const instrumentationName = "github.com/davidahmann/sovereignty/internal/kernel"

var (
	ErrNoManifest = errors.New("kernel requires a manifest")
	ErrNoStore    = errors.New("kernel requires a ledger store")
)

type Options struct {
	Manifest      *manifest.Manifest
	Store         ledger.Store
	Signer        ledger.Signer
	Keyring       ledger.Keyring
	TokenVerifier *captoken.Verifier

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Now            func() time.Time
	NewID          func() string
}

type Kernel struct {
	manifest *manifest.Manifest
	pipeline *guard.Pipeline
	ledger   *ledger.AuditLedger
	bounds   ledger.RiskBounds
	log      *slog.Logger
	closers  []io.Closer

	tracer            trace.Tracer
	decisions         metric.Int64Counter
	integrityFailures metric.Int64Counter

	// mu serializes the idempotency check with the append it guards.
	mu   sync.Mutex
	seen map[string]types.AuditEntry
}

// Boot builds the pipeline, opens the ledger, verifies the existing chain
// and indexes recorded proposal ids. Any failure is fatal to the caller.
func Boot(ctx context.Context, opts Options) (*Kernel, error) {
	if opts.Manifest == nil {
		return nil, ErrNoManifest
	}
	if opts.Store == nil {
		return nil, ErrNoStore
	}
	if opts.Signer == nil {
		return nil, ledger.ErrNoSigner
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := opts.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	keyring := opts.Keyring
	if keyring == nil {
		pub, err := crypto.PublicKeyFromDID(opts.Signer.DID())
		if err != nil {
			return nil, fmt.Errorf("signer did: %w", err)
		}
		keyring = ledger.StaticKeyring{opts.Signer.DID(): pub}
	}

	pipeline, err := guard.NewPipeline(opts.Manifest, guard.PolicyResolver{Verifier: opts.TokenVerifier})
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	l, err := ledger.Open(ctx, opts.Store, opts.Signer, keyring, ledger.Options{Now: opts.Now, NewID: opts.NewID, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	meter := mp.Meter(instrumentationName)
	decisions, err := meter.Int64Counter("sovereignty.decisions",
		metric.WithDescription("Recorded decisions by verdict and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}
	integrityFailures, err := meter.Int64Counter("sovereignty.ledger.integrity_failures",
		metric.WithDescription("Chain verifications that found an untrusted entry"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("integrity counter: %w", err)
	}

	k := &Kernel{
		manifest:          opts.Manifest,
		pipeline:          pipeline,
		ledger:            l,
		bounds:            ledger.RiskBounds{Ceiling: opts.Manifest.Risk.RohCeiling, Monotone: opts.Manifest.Risk.Monotone},
		log:               log.With("component", "kernel"),
		tracer:            tp.Tracer(instrumentationName),
		decisions:         decisions,
		integrityFailures: integrityFailures,
		seen:              map[string]types.AuditEntry{},
	}

	if err := k.VerifyChain(ctx); err != nil {
		return nil, fmt.Errorf("verify ledger: %w", err)
	}
	if err := l.Entries(ctx, func(e types.AuditEntry) error {
		k.remember(e)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("index ledger: %w", err)
	}

	seq, _ := l.Head()
	k.log.InfoContext(ctx, "kernel booted",
		"manifest_hash", opts.Manifest.Hash,
		"stages", pipeline.Stages(),
		"ledger_seq", seq,
		"signer_did", opts.Signer.DID(),
	)
	return k, nil
}

func (k *Kernel) Manifest() *manifest.Manifest { return k.manifest }

// Head returns the ledger's last sequence number and entry hash.
func (k *Kernel) Head() (int64, string) { return k.ledger.Head() }

// Close releases stores opened by BootFromConfig.
func (k *Kernel) Close() error {
	var errs []error
	for _, c := range k.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EvaluateUpdate runs the pipeline and durably records the decision before
// returning the entry. A non-empty tokenID is used as the proposal's token
// reference. A proposal id already recorded with the same digest returns the
// recorded entry; with a different digest the new proposal is rejected.
func (k *Kernel) EvaluateUpdate(ctx context.Context, p types.ProposalRecord, tokenID string) (types.AuditEntry, error) {
	ctx, span := k.tracer.Start(ctx, "kernel.EvaluateUpdate", trace.WithAttributes(attribute.String("proposal.id", p.ID)))
	defer span.End()

	decision, p := k.decide(p, tokenID)
	p = recordable(p)
	digest, err := ledger.ProposalDigest(p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest")
		return types.AuditEntry{}, fmt.Errorf("proposal digest: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if prior, ok := k.seen[p.ID]; ok && p.ID != "" {
		if prior.ProposalDigest == digest {
			span.SetAttributes(attribute.Bool("proposal.replay", true), attribute.Int64("ledger.seq", prior.Seq))
			k.log.InfoContext(ctx, "proposal already recorded", "proposal_id", p.ID, "seq", prior.Seq)
			return prior, nil
		}
		decision = types.Reject(manifest.StageRecordDecision, types.ReasonProposalIDConflict,
			fmt.Sprintf("proposal id already recorded at seq %d with digest %s", prior.Seq, prior.ProposalDigest))
	}

	entry, err := k.ledger.Append(ctx, p, decision, k.manifest.Hash)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ledger append")
		k.log.ErrorContext(ctx, "decision not recorded", "proposal_id", p.ID, "verdict", decision.Verdict, "error", err)
		return types.AuditEntry{}, err
	}
	k.remember(entry)

	attrs := []attribute.KeyValue{
		attribute.String("verdict", string(decision.Verdict)),
		attribute.String("reason", string(decision.Reason)),
	}
	k.decisions.Add(ctx, 1, metric.WithAttributes(attrs...))
	span.SetAttributes(append(attrs, attribute.Int64("ledger.seq", entry.Seq))...)
	k.log.InfoContext(ctx, "decision recorded",
		"proposal_id", p.ID,
		"verdict", decision.Verdict,
		"reason", decision.Reason,
		"stage", decision.Stage,
		"seq", entry.Seq,
	)
	return entry, nil
}

// VerifyChain verifies the whole ledger against the manifest's risk bounds.
func (k *Kernel) VerifyChain(ctx context.Context) error {
	ctx, span := k.tracer.Start(ctx, "kernel.VerifyChain")
	defer span.End()

	err := k.ledger.VerifyChain(ctx, k.bounds)
	var integrity *ledger.IntegrityError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &integrity):
		k.integrityFailures.Add(ctx, 1)
		span.SetAttributes(attribute.Int64("ledger.first_untrusted", integrity.Seq))
		k.log.ErrorContext(ctx, "ledger integrity failure", "seq", integrity.Seq, "reason", integrity.Reason, "untrusted", len(integrity.Untrusted))
	default:
		k.log.ErrorContext(ctx, "ledger verification failed", "error", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "verify")
	return err
}

func (k *Kernel) decide(p types.ProposalRecord, tokenID string) (types.Decision, types.ProposalRecord) {
	if tokenID != "" {
		if p.TokenRef != "" && p.TokenRef != tokenID {
			return types.Reject(manifest.StageToken, types.ReasonTokenRefMismatch, "capability token id differs from proposal token_ref"), p
		}
		p.TokenRef = tokenID
	}
	return k.pipeline.Evaluate(p), p
}

// remember indexes the first entry recorded for each proposal id.
func (k *Kernel) remember(e types.AuditEntry) {
	if e.ProposalID == "" {
		return
	}
	if _, ok := k.seen[e.ProposalID]; !ok {
		k.seen[e.ProposalID] = e
	}
}

// recordable zeroes non-finite numbers, which have no JSON encoding. Such
// proposals are already rejected as invalid by the pipeline.
func recordable(p types.ProposalRecord) types.ProposalRecord {
	finite := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	p.RohBefore = finite(p.RohBefore)
	p.RohAfter = finite(p.RohAfter)
	p.EffectBounds.L2DeltaNorm = finite(p.EffectBounds.L2DeltaNorm)
	return p
}
