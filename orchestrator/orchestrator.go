package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/btcsuite/btcutil/base58"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"paychat/observability"
	"paychat/payment"
	"paychat/responder"
	"paychat/storage"
)

// Stage is a step of the admission state machine.
type Stage string

const (
	StageReceived          Stage = "received"
	StageVerifying         Stage = "verifying"
	StageRejected          Stage = "rejected"
	StagePersisting        Stage = "persisting"
	StageBroadcast         Stage = "broadcast"
	StageGenerating        Stage = "generating"
	StageGeneratedOK       Stage = "generated_ok"
	StageGeneratedFallback Stage = "generated_fallback"
	StageDone              Stage = "done"
	StageFailed            Stage = "failed"
)

const (
	publicKeyLen = 32
	signatureLen = 64
)

// ErrInvalidSubmission is wrapped by every input rejection.
var ErrInvalidSubmission = errors.New("invalid submission")

// Submission is an inbound chat message together with its payment claim.
type Submission struct {
	Sender    string
	Content   string
	Signature string
	Kind      payment.Kind
}

// Outcome reports how far a submission travelled. Accepted is true iff the user
// message was persisted; that is also what the client is acknowledged with.
type Outcome struct {
	Accepted    bool
	Stage       Stage
	Reason      string
	UserMessage *storage.Message
	Reply       *storage.Message
	Fallback    bool
	Err         error
}

// Store is the persistence the pipeline needs.
type Store interface {
	ReadOrInitAttempts(ctx context.Context) (storage.AttemptLedger, error)
	IncrementAttempts(ctx context.Context) (storage.AttemptLedger, error)
	ActiveChallenge(ctx context.Context) (storage.Challenge, error)
	CreateMessage(ctx context.Context, in storage.NewMessage) (storage.Message, error)
}

// Verifier checks a payment claim.
type Verifier interface {
	Verify(ctx context.Context, req payment.Request) (bool, error)
}

// ContextSource builds the conversation window.
type ContextSource interface {
	Build(ctx context.Context, th responder.Thread) []responder.Turn
}

// Generator produces the responder reply.
type Generator interface {
	Generate(ctx context.Context, persona storage.Persona, history []responder.Turn, message string) (string, error)
}

// Broadcaster fans a persisted message out to every connected client.
type Broadcaster interface {
	Broadcast(msg storage.Message)
}

// Targets are the addresses payments must credit.
type Targets struct {
	Treasury  string
	TokenSink string
}

// Config tunes the pipeline.
type Config struct {
	Targets          Targets
	MaxContentLength int
	FallbackMessage  string
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Store       Store
	Verifier    Verifier
	Context     ContextSource
	Generator   Generator
	Broadcaster Broadcaster
	Logger      *slog.Logger
	Metrics     *observability.ChatMetrics
}

// Orchestrator runs submissions through verification, persistence, broadcast and reply.
// It holds no per-submission state, so Handle may run concurrently.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	tracer   trace.Tracer
	fallback string
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fallback := cfg.FallbackMessage
	if fallback == "" {
		fallback = "I apologize, but I'm having trouble processing your request at the moment. Please try again."
	}
	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 2000
	}
	return &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "orchestrator"),
		tracer:   otel.Tracer("paychat/orchestrator"),
		fallback: fallback,
	}
}

// Handle runs one submission to completion. ctx should outlive the submitting
// connection; a paid submission is finished even if the client goes away.
func (o *Orchestrator) Handle(ctx context.Context, sub Submission) (out Outcome) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle", trace.WithAttributes(
		attribute.String("payment.signature", sub.Signature),
		attribute.String("payment.kind", string(sub.Kind)),
	))
	log := o.logger.With("signature", sub.Signature, "sender", sub.Sender, "kind", sub.Kind)
	defer func() {
		span.SetAttributes(attribute.String("pipeline.stage", string(out.Stage)), attribute.Bool("pipeline.accepted", out.Accepted))
		span.End()
		o.deps.Metrics.RecordSubmission(string(out.Stage), out.Accepted)
	}()

	// Received
	sub.Content = strings.TrimSpace(sub.Content)
	if err := o.validate(sub); err != nil {
		log.Info("submission rejected", "stage", StageReceived, "reason", err.Error())
		return Outcome{Stage: StageRejected, Reason: err.Error(), Err: err}
	}

	// Verifying
	attempts, err := o.deps.Store.ReadOrInitAttempts(ctx)
	if err != nil {
		log.Error("attempt ledger unavailable", "stage", StageVerifying, "error", err)
		return Outcome{Stage: StageFailed, Reason: "attempt ledger unavailable", Err: err}
	}
	target := o.cfg.Targets.Treasury
	if sub.Kind == payment.KindToken {
		target = o.cfg.Targets.TokenSink
	}
	ok, err := o.deps.Verifier.Verify(ctx, payment.Request{
		Kind:      sub.Kind,
		Sender:    sub.Sender,
		Signature: sub.Signature,
		Target:    target,
		Price: payment.Price{
			NativeCost: attempts.CostPerAttempt,
			TokenCost:  attempts.TokenCostPerAttempt,
			TokenMint:  attempts.ContractAddress,
		},
	})
	if err != nil {
		log.Warn("submission rejected", "stage", StageVerifying, "reason", "verification unavailable", "error", err)
		return Outcome{Stage: StageRejected, Reason: "verification unavailable", Err: err}
	}
	if !ok {
		log.Info("submission rejected", "stage", StageVerifying, "reason", "payment not verified")
		return Outcome{Stage: StageRejected, Reason: "payment not verified"}
	}

	challenge, err := o.deps.Store.ActiveChallenge(ctx)
	if err != nil {
		log.Error("active challenge unavailable", "stage", StagePersisting, "error", err)
		return Outcome{Stage: StageFailed, Reason: "active challenge unavailable", Err: err}
	}

	// Persisting
	userMsg, err := o.deps.Store.CreateMessage(ctx, storage.NewMessage{
		ChallengeID: challenge.ID,
		Sender:      sub.Sender,
		Content:     sub.Content,
		Signature:   sub.Signature,
		Timestamp:   time.Now(),
	})
	if errors.Is(err, storage.ErrDuplicateSignature) {
		log.Warn("submission rejected", "stage", StagePersisting, "reason", "signature already used")
		return Outcome{Stage: StageRejected, Reason: "signature already used", Err: err}
	}
	if err != nil {
		log.Error("persist user message failed", "stage", StagePersisting, "error", err)
		return Outcome{Stage: StageFailed, Reason: "persist failed", Err: err}
	}
	out = Outcome{Accepted: true, Stage: StagePersisting, UserMessage: &userMsg}

	if ledger, err := o.deps.Store.IncrementAttempts(ctx); err != nil {
		log.Error("increment attempts failed", "error", err)
	} else {
		log.Debug("attempt counted", "total_attempts", ledger.TotalAttempts)
	}

	// Broadcast
	out.Stage = StageBroadcast
	o.deps.Broadcaster.Broadcast(userMsg)

	// Generating
	out.Stage = StageGenerating
	persona := challenge.Persona
	history := o.deps.Context.Build(ctx, responder.Thread{
		ChallengeID:   challenge.ID,
		UserID:        sub.Sender,
		ResponderName: persona.Name,
		Exclude:       userMsg.ID,
	})
	genStart := time.Now()
	text, err := o.deps.Generator.Generate(ctx, persona, history, sub.Content)
	if err != nil {
		log.Warn("reply generation failed, using fallback", "stage", StageGenerating, "error", err)
		text = o.fallback
		out.Fallback = true
		out.Stage = StageGeneratedFallback
	} else {
		out.Stage = StageGeneratedOK
	}
	o.deps.Metrics.RecordGeneration(out.Fallback, time.Since(genStart))

	// Persisting the reply
	reply, err := o.deps.Store.CreateMessage(ctx, storage.NewMessage{
		ChallengeID: challenge.ID,
		Sender:      persona.Name,
		Content:     text,
		ReplyTo:     sub.Sender,
		Timestamp:   time.Now(),
	})
	if err != nil {
		log.Error("persist reply failed", "stage", StagePersisting, "error", err)
		out.Err = fmt.Errorf("persist reply: %w", err)
		out.Stage = StageDone
		return out
	}
	out.Reply = &reply
	o.deps.Broadcaster.Broadcast(reply)
	out.Stage = StageDone
	log.Info("submission admitted", "message_id", userMsg.ID, "reply_id", reply.ID, "fallback", out.Fallback)
	return out
}

func (o *Orchestrator) validate(sub Submission) error {
	if sub.Content == "" {
		return fmt.Errorf("%w: content is empty", ErrInvalidSubmission)
	}
	if utf8.RuneCountInString(sub.Content) > o.cfg.MaxContentLength {
		return fmt.Errorf("%w: content exceeds %d characters", ErrInvalidSubmission, o.cfg.MaxContentLength)
	}
	if len(base58.Decode(sub.Sender)) != publicKeyLen {
		return fmt.Errorf("%w: sender is not a valid public key", ErrInvalidSubmission)
	}
	if len(base58.Decode(sub.Signature)) != signatureLen {
		return fmt.Errorf("%w: transaction signature is malformed", ErrInvalidSubmission)
	}
	if sub.Kind != payment.KindNative && sub.Kind != payment.KindToken {
		return fmt.Errorf("%w: unknown payment kind %q", ErrInvalidSubmission, sub.Kind)
	}
	return nil
}
