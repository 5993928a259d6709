package storage

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"lukechampine.com/blake3"
)

// NewMessage describes a message to append. Signature is empty for responder replies.
type NewMessage struct {
	ChallengeID uuid.UUID
	Sender      string
	Content     string
	Signature   string
	ReplyTo     string
	Timestamp   time.Time
}

// ThreadQuery selects the two-party sub-thread between one user and the responder.
type ThreadQuery struct {
	ChallengeID   uuid.UUID
	UserID        string
	ResponderName string
	// ExcludeID drops one message from the result, typically the one being answered.
	ExcludeID uuid.UUID
	Limit     int
}

// ContentHash is the hex BLAKE3 digest of sender followed by content.
func ContentHash(sender, content string) string {
	sum := blake3.Sum256([]byte(sender + content))
	return hex.EncodeToString(sum[:])
}

// SignatureExists reports whether a stored message already carries signature.
func (s *Store) SignatureExists(ctx context.Context, signature string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Message{}).
		Where("transaction_signature = ?", signature).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup signature: %w", err)
	}
	return count > 0, nil
}

// CreateMessage appends a message. A second message with the same signature fails
// with ErrDuplicateSignature; the unique index makes this hold across concurrent writers.
func (s *Store) CreateMessage(ctx context.Context, in NewMessage) (Message, error) {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	msg := Message{
		ID:          uuid.New(),
		ChallengeID: in.ChallengeID,
		Sender:      in.Sender,
		Content:     in.Content,
		ContentHash: ContentHash(in.Sender, in.Content),
		Timestamp:   ts.UTC(),
	}
	if in.Signature != "" {
		sig := in.Signature
		msg.TransactionSignature = &sig
	}
	if in.ReplyTo != "" {
		reply := in.ReplyTo
		msg.ReplyTo = &reply
	}
	if err := s.db.WithContext(ctx).Create(&msg).Error; err != nil {
		if isUniqueViolation(err) {
			return Message{}, ErrDuplicateSignature
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit of the newest messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	err := s.db.WithContext(ctx).
		Order("timestamp DESC").Order("id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

// ThreadMessages returns the newest q.Limit messages between the user and the responder,
// oldest first. Only responder messages replying to this user are included.
func (s *Store) ThreadMessages(ctx context.Context, q ThreadQuery) ([]Message, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	tx := s.db.WithContext(ctx).
		Where("challenge_id = ?", q.ChallengeID).
		Where(s.db.Where("sender = ?", q.UserID).
			Or("sender = ? AND reply_to = ?", q.ResponderName, q.UserID))
	if q.ExcludeID != uuid.Nil {
		tx = tx.Where("id <> ?", q.ExcludeID)
	}
	var msgs []Message
	err := tx.Order("timestamp DESC").Order("id DESC").Limit(q.Limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	reverse(msgs)
	return msgs, nil
}

func reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
