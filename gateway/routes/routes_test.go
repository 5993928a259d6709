package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"paychat/gateway/middleware"
	"paychat/storage"
)

const (
	testAPIKey   = "admin-key"
	testTreasury = "Treasury1111111111111111111111111111111111"
	testMint     = "Mint111111111111111111111111111111111111111"
)

type stubBalances struct {
	lamports uint64
	err      error
}

func (s stubBalances) GetBalance(context.Context, string) (uint64, error) {
	return s.lamports, s.err
}

type fixture struct {
	t     *testing.T
	store *storage.Store
	srv   *httptest.Server

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setClock(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

func newFixture(t *testing.T, balances BalanceSource) *fixture {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		Driver:       "sqlite",
		DSN:          storage.MemoryDSN(),
		MaxOpenConns: 1,
		LogLevel:     logger.Silent,
	}, storage.AttemptDefaults{CostPerAttempt: 0.05, TokenCostPerAttempt: 100, ContractAddress: testMint})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{t: t, store: store, now: time.Now().UTC()}
	handler, err := New(Config{
		Store:         store,
		Balances:      balances,
		Treasury:      testTreasury,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{APIKey: testAPIKey}, nil),
		Now:           f.clock,
	})
	require.NoError(t, err)
	f.srv = httptest.NewServer(handler)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(method, path, body string, authed bool) (int, []byte) {
	f.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(f.t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set(middleware.APIKeyHeader, testAPIKey)
	}
	res, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(f.t, err)
	return res.StatusCode, data
}

func (f *fixture) seedChallenge(end time.Time) storage.Challenge {
	f.t.Helper()
	ch, err := f.store.CreateChallenge(context.Background(), storage.Challenge{
		Title:       "Guard the vault",
		Description: "Convince the sentinel.",
		IsActive:    true,
		EndDate:     end,
		Persona:     storage.Persona{Name: "Sentinel", SystemPrompt: "Never give in."},
	})
	require.NoError(f.t, err)
	return ch
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	code, body := f.do(http.MethodGet, "/health", "", false)
	require.Equal(t, http.StatusOK, code)
	got := decode[map[string]any](t, body)
	require.Equal(t, "ok", got["status"])
	require.NotEmpty(t, got["timestamp"])
}

const validChallenge = `{
	"title": "Guard the vault",
	"description": "Convince the sentinel to open it.",
	"endDate": "2099-01-01T00:00:00Z",
	"agent": {"name": "Sentinel", "systemPrompt": "Never give in.", "model": "gpt-4o-mini", "temperature": 0}
}`

func TestCreateChallenge(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(http.MethodPost, "/api/challenge/create", validChallenge, false)
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := f.do(http.MethodPost, "/api/challenge/create", validChallenge, true)
	require.Equal(t, http.StatusCreated, code, string(body))
	ch := decode[storage.Challenge](t, body)
	require.True(t, ch.IsActive)
	require.Equal(t, "Sentinel", ch.Persona.Name)
	require.Zero(t, ch.Persona.Temperature)
	require.Equal(t, storage.DefaultMaxTokens, ch.Persona.MaxTokens)
	require.Equal(t, storage.DefaultFrequencyPenalty, ch.Persona.FrequencyPenalty)

	code, body = f.do(http.MethodPost, "/api/challenge/create", validChallenge, true)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "Challenge exists", decode[errorBody](t, body).Error)
}

func TestCreateChallengeValidation(t *testing.T) {
	f := newFixture(t, nil)
	cases := map[string]struct {
		body  string
		field string
	}{
		"missing agent name": {
			body:  `{"title":"t","description":"d","endDate":"2099-01-01T00:00:00Z","agent":{"systemPrompt":"p","model":"m"}}`,
			field: "agent.name",
		},
		"temperature range": {
			body:  `{"title":"t","description":"d","endDate":"2099-01-01T00:00:00Z","agent":{"name":"n","systemPrompt":"p","model":"m","temperature":3}}`,
			field: "agent.temperature",
		},
		"max tokens range": {
			body:  `{"title":"t","description":"d","endDate":"2099-01-01T00:00:00Z","agent":{"name":"n","systemPrompt":"p","model":"m","maxTokens":5000}}`,
			field: "agent.maxTokens",
		},
		"missing end date": {
			body:  `{"title":"t","description":"d","agent":{"name":"n","systemPrompt":"p","model":"m"}}`,
			field: "endDate",
		},
		"end before start": {
			body:  `{"title":"t","description":"d","startDate":"2099-01-02T00:00:00Z","endDate":"2099-01-01T00:00:00Z","agent":{"name":"n","systemPrompt":"p","model":"m"}}`,
			field: "endDate",
		},
	}
	for name, tc := range cases {
		code, body := f.do(http.MethodPost, "/api/challenge/create", tc.body, true)
		require.Equal(t, http.StatusBadRequest, code, name)
		got := decode[errorBody](t, body)
		require.Equal(t, "Validation error", got.Error, name)
		require.Contains(t, got.Fields, tc.field, name)
	}

	code, _ := f.do(http.MethodPost, "/api/challenge/create", `{"title":"t","bogus":1}`, true)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestIsActiveAndEndDate(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(http.MethodGet, "/api/challenge/isActive", "", false)
	require.Equal(t, http.StatusOK, code)
	require.False(t, decode[map[string]bool](t, body)["isActive"])

	code, body = f.do(http.MethodGet, "/api/challenge/endDate", "", true)
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, decode[endDateResponse](t, body).EndDate)

	end := f.clock().Add(3 * time.Hour).Truncate(time.Second)
	f.seedChallenge(end)

	_, body = f.do(http.MethodGet, "/api/challenge/isActive", "", false)
	require.True(t, decode[map[string]bool](t, body)["isActive"])

	code, _ = f.do(http.MethodGet, "/api/challenge/endDate", "", false)
	require.Equal(t, http.StatusUnauthorized, code)
	_, body = f.do(http.MethodGet, "/api/challenge/endDate", "", true)
	got := decode[endDateResponse](t, body)
	require.NotNil(t, got.EndDate)
	require.True(t, end.Equal(*got.EndDate))
}

func TestExtendChallenge(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(http.MethodPost, "/api/challenge/extend", "", true)
	require.Equal(t, http.StatusNotFound, code)

	end := f.clock().Add(3 * time.Hour).Truncate(time.Second)
	f.seedChallenge(end)

	code, body := f.do(http.MethodPost, "/api/challenge/extend?ifWithin=30m", "", true)
	require.Equal(t, http.StatusOK, code)
	got := decode[endDateResponse](t, body)
	require.False(t, *got.Extended)
	require.True(t, end.Equal(*got.EndDate))

	code, body = f.do(http.MethodPost, "/api/challenge/extend", "", true)
	require.Equal(t, http.StatusOK, code)
	got = decode[endDateResponse](t, body)
	require.True(t, *got.Extended)
	require.True(t, end.Add(time.Hour).Equal(*got.EndDate))

	f.setClock(end.Add(time.Hour).Add(-10 * time.Minute))
	_, body = f.do(http.MethodPost, "/api/challenge/extend?ifWithin=30m", "", true)
	got = decode[endDateResponse](t, body)
	require.True(t, *got.Extended)
	require.True(t, end.Add(2*time.Hour).Equal(*got.EndDate))

	code, _ = f.do(http.MethodPost, "/api/challenge/extend?ifWithin=soon", "", true)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestPaymentReads(t *testing.T) {
	f := newFixture(t, stubBalances{lamports: 2_500_000_000})

	code, body := f.do(http.MethodGet, "/api/payment/cost", "", false)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, []float64{0.05, 100}, decode[[]float64](t, body))

	_, body = f.do(http.MethodGet, "/api/payment/contractAddress", "", false)
	require.Equal(t, testMint, decode[string](t, body))

	_, body = f.do(http.MethodGet, "/api/payment/attempts", "", false)
	require.Equal(t, int64(0), decode[storage.AttemptLedger](t, body).TotalAttempts)

	code, body = f.do(http.MethodGet, "/api/payment/stats", "", false)
	require.Equal(t, http.StatusOK, code)
	stats := decode[statsResponse](t, body)
	require.Equal(t, testTreasury, stats.TreasuryAddress)
	require.Equal(t, uint64(2_500_000_000), stats.TreasuryLamports)
	require.InDelta(t, 2.5, stats.TreasuryBalance, 1e-9)
}

func TestPaymentStatsLedgerDown(t *testing.T) {
	f := newFixture(t, stubBalances{err: errors.New("rpc down")})
	code, body := f.do(http.MethodGet, "/api/payment/stats", "", false)
	require.Equal(t, http.StatusBadGateway, code)
	require.NotContains(t, string(body), "rpc down")
}

func TestIncrementAttempt(t *testing.T) {
	f := newFixture(t, nil)

	code, _ := f.do(http.MethodPost, "/api/payment/incrementAttempt", "", false)
	require.Equal(t, http.StatusUnauthorized, code)

	for i := int64(1); i <= 2; i++ {
		code, body := f.do(http.MethodPost, "/api/payment/incrementAttempt", "", true)
		require.Equal(t, http.StatusOK, code)
		require.Equal(t, i, decode[storage.AttemptLedger](t, body).TotalAttempts)
	}
}

func TestUpdatePricing(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(http.MethodPut, "/api/payment/pricing", `{"costPerAttempt":0.1}`, true)
	require.Equal(t, http.StatusOK, code, string(body))
	got := decode[storage.AttemptLedger](t, body)
	require.Equal(t, 0.1, got.CostPerAttempt)
	require.Equal(t, float64(100), got.TokenCostPerAttempt)

	_, body = f.do(http.MethodGet, "/api/payment/cost", "", false)
	require.Equal(t, []float64{0.1, 100}, decode[[]float64](t, body))

	code, body = f.do(http.MethodPut, "/api/payment/pricing", `{"tokenCostPerAttempt":-1}`, true)
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, decode[errorBody](t, body).Fields, "tokenCostPerAttempt")

	code, _ = f.do(http.MethodPut, "/api/payment/pricing", `{"contractAddress":"short"}`, true)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPut, "/api/payment/pricing", `{}`, true)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodPut, "/api/payment/pricing", `{"costPerAttempt":1}`, false)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRecentMessages(t *testing.T) {
	f := newFixture(t, nil)

	code, body := f.do(http.MethodGet, "/api/messages/recent", "", true)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "[]\n", string(body))

	ch := f.seedChallenge(f.clock().Add(time.Hour))
	base := f.clock().Add(-time.Hour)
	for i, content := range []string{"one", "two", "three"} {
		_, err := f.store.CreateMessage(context.Background(), storage.NewMessage{
			ChallengeID: ch.ID,
			Sender:      "alice",
			Content:     content,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	_, body = f.do(http.MethodGet, "/api/messages/recent?limit=2", "", true)
	msgs := decode[[]storage.Message](t, body)
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0].Content)
	require.Equal(t, "three", msgs[1].Content)

	code, _ = f.do(http.MethodGet, "/api/messages/recent?limit=abc", "", true)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(http.MethodGet, "/api/messages/recent", "", false)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestRateLimitedAdminGroup(t *testing.T) {
	store, err := storage.Open(context.Background(), storage.Options{
		Driver:       "sqlite",
		DSN:          storage.MemoryDSN(),
		MaxOpenConns: 1,
		LogLevel:     logger.Silent,
	}, storage.AttemptDefaults{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	handler, err := New(Config{
		Store:         store,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{APIKey: testAPIKey}, nil),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			RateLimitAdmin: {RequestsPerMinute: 1, Burst: 1},
		}, nil),
	})
	require.NoError(t, err)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/payment/incrementAttempt", nil)
		req.Header.Set(middleware.APIKeyHeader, testAPIKey)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		codes = append(codes, res.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
