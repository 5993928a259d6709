package responder

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"paychat/storage"
)

// DefaultTimeout bounds a single completion call.
const DefaultTimeout = 30 * time.Second

// Generator turns a persona, context window and new message into a reply.
type Generator struct {
	completer Completer
	timeout   time.Duration
	tracer    trace.Tracer
}

// NewGenerator wraps completer. A non-positive timeout uses DefaultTimeout.
func NewGenerator(completer Completer, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{completer: completer, timeout: timeout, tracer: otel.Tracer("paychat/responder")}
}

// Generate asks the completion service for a reply. It does not retry; the caller
// decides what to persist on failure.
func (g *Generator) Generate(ctx context.Context, persona storage.Persona, history []Turn, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx, span := g.tracer.Start(ctx, "responder.generate", trace.WithAttributes(
		attribute.String("responder.model", persona.Model),
		attribute.Int("responder.history", len(history)),
	))
	defer span.End()

	messages := make([]Turn, 0, len(history)+2)
	messages = append(messages, Turn{Role: RoleSystem, Content: persona.SystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, Turn{Role: RoleUser, Content: message})

	text, err := g.completer.Complete(ctx, CompletionRequest{
		Model:            persona.Model,
		Messages:         messages,
		Temperature:      persona.Temperature,
		MaxTokens:        persona.MaxTokens,
		FrequencyPenalty: persona.FrequencyPenalty,
		PresencePenalty:  persona.PresencePenalty,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("generate reply: %w", err)
	}
	if text == "" {
		span.SetStatus(codes.Error, "empty completion")
		return "", ErrEmptyCompletion
	}
	return text, nil
}
