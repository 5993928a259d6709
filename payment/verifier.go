package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paychat/ledger"
	"paychat/observability"
)

// Kind selects the payment path.
type Kind string

const (
	KindNative Kind = "native"
	KindToken  Kind = "token"
)

// ErrUnavailable marks verification that could not complete because the ledger or the
// replay index failed. It is distinct from a payment that was checked and found wanting.
var ErrUnavailable = errors.New("payment verification unavailable")

// Price is the live pricing read from the attempt ledger.
type Price struct {
	NativeCost float64
	TokenCost  float64
	TokenMint  string
}

// Request describes one payment claim.
type Request struct {
	Kind      Kind
	Sender    string
	Signature string
	Target    string
	Price     Price
}

// Policy holds the acceptance thresholds.
type Policy struct {
	// NativeTolerance is the fraction of the price the target must gain.
	NativeTolerance float64
	// NativeFloor is the absolute minimum gain in native units.
	NativeFloor float64
	// TokenEpsilon absorbs float noise in token deltas.
	TokenEpsilon float64
	// TokenPrecision is the number of decimals amounts are rounded to.
	TokenPrecision int
}

// DefaultPolicy matches the production thresholds.
func DefaultPolicy() Policy {
	return Policy{NativeTolerance: 0.95, NativeFloor: 0.01, TokenEpsilon: 1e-9, TokenPrecision: 9}
}

// ReplayIndex reports whether a signature has already admitted a message.
type ReplayIndex interface {
	SignatureExists(ctx context.Context, signature string) (bool, error)
}

// Option customises a Verifier.
type Option func(*Verifier)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics records verification outcomes.
func WithMetrics(m *observability.ChatMetrics) Option {
	return func(v *Verifier) { v.metrics = m }
}

// WithTimeout bounds the ledger lookup.
func WithTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// Verifier checks payment claims against the ledger.
type Verifier struct {
	ledger  ledger.Client
	replay  ReplayIndex
	policy  Policy
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.ChatMetrics
	tracer  trace.Tracer
}

// NewVerifier wires a verifier over a ledger client and the replay index.
func NewVerifier(client ledger.Client, replay ReplayIndex, policy Policy, opts ...Option) *Verifier {
	v := &Verifier{
		ledger:  client,
		replay:  replay,
		policy:  policy,
		timeout: 10 * time.Second,
		logger:  slog.Default(),
		tracer:  otel.Tracer("paychat/payment"),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "payment")
	return v
}

// Verify reports whether req proves a sufficient payment. Rejections return false
// and a nil error; infrastructure failures return an error wrapping ErrUnavailable.
func (v *Verifier) Verify(ctx context.Context, req Request) (bool, error) {
	start := time.Now()
	ctx, span := v.tracer.Start(ctx, "payment.verify", trace.WithAttributes(
		attribute.String("payment.kind", string(req.Kind)),
		attribute.String("payment.signature", req.Signature),
	))
	defer span.End()

	reason, err := v.check(ctx, req)
	took := time.Since(start)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "unavailable")
		v.metrics.RecordVerification(string(req.Kind), "unavailable", took)
		v.logger.Error("payment verification unavailable",
			"signature", req.Signature, "sender", req.Sender, "kind", req.Kind, "error", err)
		return false, err
	case reason != "":
		span.SetAttributes(attribute.String("payment.reject_reason", reason))
		v.metrics.RecordVerification(string(req.Kind), reason, took)
		v.logger.Warn("payment rejected",
			"signature", req.Signature, "sender", req.Sender, "kind", req.Kind, "reason", reason)
		return false, nil
	default:
		v.metrics.RecordVerification(string(req.Kind), "accepted", took)
		v.logger.Info("payment verified",
			"signature", req.Signature, "sender", req.Sender, "kind", req.Kind, "duration_ms", took.Milliseconds())
		return true, nil
	}
}

// check returns a non-empty rejection reason, or an error for infrastructure failures.
func (v *Verifier) check(ctx context.Context, req Request) (string, error) {
	if req.Kind != KindNative && req.Kind != KindToken {
		return "unknown_kind", nil
	}
	if req.Signature == "" || req.Sender == "" || req.Target == "" {
		return "incomplete_request", nil
	}

	used, err := v.replay.SignatureExists(ctx, req.Signature)
	if err != nil {
		return "", fmt.Errorf("%w: replay index: %v", ErrUnavailable, err)
	}
	if used {
		return "replayed_signature", nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()
	tx, err := v.ledger.GetTransaction(lookupCtx, req.Signature)
	if err != nil {
		var rpcErr *ledger.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == ledger.CodeInvalidParams {
			return "invalid_signature", nil
		}
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if tx == nil {
		return "transaction_not_found", nil
	}
	if tx.Meta == nil {
		return "missing_metadata", nil
	}
	if tx.Meta.Failed() {
		return "transaction_failed", nil
	}

	if req.Kind == KindNative {
		return v.checkNative(tx, req), nil
	}
	return v.checkToken(tx, req), nil
}

func (v *Verifier) checkNative(tx *ledger.Transaction, req Request) string {
	senderIdx := tx.IndexOf(req.Sender)
	targetIdx := tx.IndexOf(req.Target)
	if senderIdx < 0 {
		return "sender_not_in_transaction"
	}
	if targetIdx < 0 {
		return "target_not_in_transaction"
	}
	meta := tx.Meta
	if targetIdx >= len(meta.PreBalances) || targetIdx >= len(meta.PostBalances) {
		return "missing_balances"
	}
	gainLamports := int64(meta.PostBalances[targetIdx]) - int64(meta.PreBalances[targetIdx])
	gain := float64(gainLamports) / ledger.LamportsPerUnit
	if gain < req.Price.NativeCost*v.policy.NativeTolerance {
		return "insufficient_amount"
	}
	if gain < v.policy.NativeFloor {
		return "below_floor"
	}
	return ""
}

func (v *Verifier) checkToken(tx *ledger.Transaction, req Request) string {
	mint := req.Price.TokenMint
	meta := tx.Meta
	senderPre := v.tokenBalance(meta.PreTokenBalances, mint, req.Sender)
	senderPost := v.tokenBalance(meta.PostTokenBalances, mint, req.Sender)
	targetPre := v.tokenBalance(meta.PreTokenBalances, mint, req.Target)
	targetPost := v.tokenBalance(meta.PostTokenBalances, mint, req.Target)

	targetDelta := v.round(targetPost - targetPre)
	senderDelta := v.round(senderPost - senderPre)
	eps := v.policy.TokenEpsilon

	if targetDelta < req.Price.TokenCost-eps {
		return "insufficient_amount"
	}
	if senderDelta >= -eps {
		return "sender_not_debited"
	}
	return ""
}

// tokenBalance returns the rounded amount of the first balance matching mint and owner.
func (v *Verifier) tokenBalance(balances []ledger.TokenBalance, mint, owner string) float64 {
	for _, b := range balances {
		if b.Mint == mint && b.Owner == owner {
			return v.round(b.UITokenAmount.Value())
		}
	}
	return 0
}

func (v *Verifier) round(x float64) float64 {
	scale := math.Pow10(v.policy.TokenPrecision)
	return math.Round(x*scale) / scale
}
