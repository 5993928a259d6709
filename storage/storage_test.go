package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

var testDefaults = AttemptDefaults{
	CostPerAttempt:      0.05,
	TokenCostPerAttempt: 100,
	ContractAddress:     "So11111111111111111111111111111111111111112",
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Options{
		Driver:       "sqlite",
		DSN:          MemoryDSN(),
		MaxOpenConns: 1,
		LogLevel:     logger.Silent,
	}, testDefaults)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func ptr(s string) *string { return &s }

func TestCreateMessageRejectsDuplicateSignature(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	challenge := uuid.New()

	first, err := store.CreateMessage(ctx, NewMessage{ChallengeID: challenge, Sender: "alice", Content: "hi", Signature: "sigA"})
	require.NoError(t, err)
	require.Equal(t, "sigA", *first.TransactionSignature)
	require.Equal(t, ContentHash("alice", "hi"), first.ContentHash)

	_, err = store.CreateMessage(ctx, NewMessage{ChallengeID: challenge, Sender: "bob", Content: "again", Signature: "sigA"})
	require.ErrorIs(t, err, ErrDuplicateSignature)

	exists, err := store.SignatureExists(ctx, "sigA")
	require.NoError(t, err)
	require.True(t, exists)
	exists, err = store.SignatureExists(ctx, "sigB")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRepliesWithoutSignatureDoNotCollide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	challenge := uuid.New()
	for i := 0; i < 3; i++ {
		msg, err := store.CreateMessage(ctx, NewMessage{ChallengeID: challenge, Sender: "Sentinel", Content: "reply", ReplyTo: "alice"})
		require.NoError(t, err)
		require.Nil(t, msg.TransactionSignature)
		require.Equal(t, "alice", *msg.ReplyTo)
	}
}

func TestConcurrentSameSignatureAdmitsOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	challenge := uuid.New()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		dupes    int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateMessage(ctx, NewMessage{
				ChallengeID: challenge,
				Sender:      fmt.Sprintf("user-%d", i),
				Content:     "race",
				Signature:   "shared-sig",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrDuplicateSignature):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, accepted)
	require.Equal(t, 7, dupes)
}

func TestThreadMessagesSelectsTwoPartyWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	challenge := uuid.New()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	add := func(offset int, in NewMessage) Message {
		if in.ChallengeID == uuid.Nil {
			in.ChallengeID = challenge
		}
		in.Timestamp = base.Add(time.Duration(offset) * time.Second)
		msg, err := store.CreateMessage(ctx, in)
		require.NoError(t, err)
		return msg
	}

	for i := 0; i < 15; i++ {
		if i%2 == 0 {
			add(i, NewMessage{Sender: "alice", Content: fmt.Sprintf("u%d", i), Signature: fmt.Sprintf("sig-%d", i)})
		} else {
			add(i, NewMessage{Sender: "Sentinel", Content: fmt.Sprintf("a%d", i), ReplyTo: "alice"})
		}
	}
	add(100, NewMessage{Sender: "bob", Content: "other user", Signature: "sig-bob"})
	add(101, NewMessage{Sender: "Sentinel", Content: "to bob", ReplyTo: "bob"})
	add(102, NewMessage{ChallengeID: uuid.New(), Sender: "alice", Content: "other challenge", Signature: "sig-x"})
	latest := add(103, NewMessage{Sender: "alice", Content: "current", Signature: "sig-current"})

	msgs, err := store.ThreadMessages(ctx, ThreadQuery{
		ChallengeID:   challenge,
		UserID:        "alice",
		ResponderName: "Sentinel",
		ExcludeID:     latest.ID,
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	require.Equal(t, "a5", msgs[0].Content)
	require.Equal(t, "u14", msgs[9].Content)
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}
	for _, msg := range msgs {
		require.NotEqual(t, "bob", msg.Sender)
		require.NotEqual(t, "to bob", msg.Content)
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.CreateMessage(ctx, NewMessage{
			ChallengeID: uuid.New(),
			Sender:      "alice",
			Content:     fmt.Sprintf("m%d", i),
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	msgs, err := store.RecentMessages(ctx, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"m2", "m3", "m4"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
}

func TestAttemptLedgerLazyInitAndIncrement(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ledger, err := store.ReadOrInitAttempts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), ledger.TotalAttempts)
	require.Equal(t, 0.05, ledger.CostPerAttempt)
	require.Equal(t, testDefaults.ContractAddress, ledger.ContractAddress)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.IncrementAttempts(ctx); err != nil {
				t.Errorf("increment: %v", err)
			}
		}()
	}
	wg.Wait()

	ledger, err = store.ReadOrInitAttempts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(10), ledger.TotalAttempts)
	require.Equal(t, 0.05, ledger.CostPerAttempt, "pricing must not escalate")
}

func TestUpdatePricing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cost := 0.2
	ledger, err := store.UpdatePricing(ctx, PricingUpdate{CostPerAttempt: &cost, ContractAddress: ptr("Mint1111111111111111111111111111111111111")})
	require.NoError(t, err)
	require.Equal(t, 0.2, ledger.CostPerAttempt)
	require.Equal(t, float64(100), ledger.TokenCostPerAttempt)
	require.Equal(t, "Mint1111111111111111111111111111111111111", ledger.ContractAddress)
}

func TestChallengeLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ActiveChallenge(ctx)
	require.ErrorIs(t, err, ErrNoActiveChallenge)
	_, err = store.LatestChallenge(ctx)
	require.ErrorIs(t, err, ErrChallengeNotFound)

	end := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	older, err := store.CreateChallenge(ctx, Challenge{
		Title: "first", Description: "d", IsActive: true, EndDate: end,
		Persona:   Persona{Name: "Sentinel", SystemPrompt: "guard"},
		CreatedAt: time.Now().Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, DefaultModel, older.Persona.Model)
	require.Equal(t, DefaultMaxTokens, older.Persona.MaxTokens)

	_, err = store.CreateChallenge(ctx, Challenge{Title: "first", Description: "d", IsActive: true, EndDate: end, Persona: Persona{Name: "x", SystemPrompt: "y"}})
	require.ErrorIs(t, err, ErrChallengeExists)

	newer, err := store.CreateChallenge(ctx, Challenge{
		Title: "second", Description: "d", IsActive: true, EndDate: end,
		Persona: Persona{Name: "Warden", SystemPrompt: "guard"},
	})
	require.NoError(t, err)

	active, err := store.ActiveChallenge(ctx)
	require.NoError(t, err)
	require.Equal(t, newer.ID, active.ID)

	extended, err := store.ExtendActiveChallenge(ctx, time.Hour)
	require.NoError(t, err)
	require.True(t, extended.EndDate.Equal(end.Add(time.Hour)))

	reloaded, err := store.ActiveChallenge(ctx)
	require.NoError(t, err)
	require.True(t, reloaded.EndDate.Equal(end.Add(time.Hour)))
}

func TestExtensionDue(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.True(t, ExtensionDue(now.Add(30*time.Minute), now, time.Hour))
	require.True(t, ExtensionDue(now.Add(time.Hour), now, time.Hour))
	require.False(t, ExtensionDue(now.Add(2*time.Hour), now, time.Hour))
	require.False(t, ExtensionDue(now, now, time.Hour))
	require.False(t, ExtensionDue(now.Add(-time.Minute), now, time.Hour))
}

func TestFileDSN(t *testing.T) {
	_, err := FileDSN(" ")
	require.ErrorIs(t, err, ErrPathRequired)
	dsn, err := FileDSN("data/paychat.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "_journal_mode=WAL")
}
