package responder

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"paychat/storage"
)

// DefaultWindow is the number of past turns handed to the completion service.
const DefaultWindow = 10

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation window.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Thread identifies whose sub-thread to load.
type Thread struct {
	ChallengeID   uuid.UUID
	UserID        string
	ResponderName string
	// Exclude is the message being answered, which is sent separately.
	Exclude uuid.UUID
}

// ThreadStore loads the two-party sub-thread.
type ThreadStore interface {
	ThreadMessages(ctx context.Context, q storage.ThreadQuery) ([]storage.Message, error)
}

// ContextBuilder assembles the bounded conversation window for one user.
type ContextBuilder struct {
	store  ThreadStore
	window int
	logger *slog.Logger
}

// NewContextBuilder returns a builder with the given window. A non-positive window uses DefaultWindow.
func NewContextBuilder(store ThreadStore, window int, logger *slog.Logger) *ContextBuilder {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{store: store, window: window, logger: logger.With("component", "context")}
}

// Build returns at most the configured number of turns, oldest first. A storage failure
// degrades to an empty window so the reply can still be generated.
func (b *ContextBuilder) Build(ctx context.Context, th Thread) []Turn {
	msgs, err := b.store.ThreadMessages(ctx, storage.ThreadQuery{
		ChallengeID:   th.ChallengeID,
		UserID:        th.UserID,
		ResponderName: th.ResponderName,
		ExcludeID:     th.Exclude,
		Limit:         b.window,
	})
	if err != nil {
		b.logger.Warn("conversation context unavailable", "user", th.UserID, "error", err)
		return []Turn{}
	}
	turns := make([]Turn, 0, len(msgs))
	for _, msg := range msgs {
		role := RoleUser
		if msg.Sender == th.ResponderName {
			role = RoleAssistant
		}
		turns = append(turns, Turn{Role: role, Content: msg.Content})
	}
	return turns
}
