package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"paychat/gateway/middleware"
	"paychat/storage"
)

// Rate limit groups understood by the router.
const (
	RateLimitPublic = "public"
	RateLimitAdmin  = "admin"
)

// Store is the persistence surface the admin API needs.
type Store interface {
	ActiveChallenge(ctx context.Context) (storage.Challenge, error)
	LatestChallenge(ctx context.Context) (storage.Challenge, error)
	CreateChallenge(ctx context.Context, ch storage.Challenge) (storage.Challenge, error)
	ExtendActiveChallenge(ctx context.Context, d time.Duration) (storage.Challenge, error)
	ReadOrInitAttempts(ctx context.Context) (storage.AttemptLedger, error)
	IncrementAttempts(ctx context.Context) (storage.AttemptLedger, error)
	UpdatePricing(ctx context.Context, update storage.PricingUpdate) (storage.AttemptLedger, error)
	RecentMessages(ctx context.Context, limit int) ([]storage.Message, error)
	Ping(ctx context.Context) error
}

// BalanceSource reads an account balance in lamports.
type BalanceSource interface {
	GetBalance(ctx context.Context, address string) (uint64, error)
}

type Config struct {
	Store    Store
	Balances BalanceSource
	Treasury string

	Realtime http.Handler
	Metrics  http.Handler

	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger

	// ExtendBy is how far one extend call pushes the end date. Defaults to one hour.
	ExtendBy time.Duration
	Now      func() time.Time
}

type api struct {
	store    Store
	balances BalanceSource
	treasury string
	logger   *slog.Logger
	extendBy time.Duration
	now      func() time.Time
	validate *validate
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("routes: store is required")
	}
	if cfg.Authenticator == nil {
		return nil, errors.New("routes: authenticator is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		store:    cfg.Store,
		balances: cfg.Balances,
		treasury: cfg.Treasury,
		logger:   logger.With("component", "admin"),
		extendBy: cfg.ExtendBy,
		now:      cfg.Now,
		validate: newValidate(),
	}
	if a.extendBy <= 0 {
		a.extendBy = time.Hour
	}
	if a.now == nil {
		a.now = time.Now
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	group := func(name string) func(chi.Router) {
		return func(sr chi.Router) {
			if cfg.Observability != nil {
				sr.Use(cfg.Observability.Middleware(name))
			}
		}
	}
	limited := func(key string) func(http.Handler) http.Handler {
		if cfg.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return cfg.RateLimiter.Middleware(key)
	}
	admin := func(sr chi.Router) chi.Router {
		return sr.With(limited(RateLimitAdmin), cfg.Authenticator.Middleware)
	}

	r.Get("/health", a.health)
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Realtime != nil {
		r.Group(func(ws chi.Router) {
			group("realtime")(ws)
			ws.Handle("/ws", cfg.Realtime)
		})
	}

	r.Route("/api/challenge", func(cr chi.Router) {
		group("challenge")(cr)
		cr.With(limited(RateLimitPublic)).Get("/isActive", a.isActive)
		admin(cr).Post("/create", a.createChallenge)
		admin(cr).Get("/endDate", a.endDate)
		admin(cr).Post("/extend", a.extendChallenge)
	})
	r.Route("/api/payment", func(pr chi.Router) {
		group("payment")(pr)
		pub := pr.With(limited(RateLimitPublic))
		pub.Get("/attempts", a.attempts)
		pub.Get("/cost", a.cost)
		pub.Get("/contractAddress", a.contractAddress)
		pub.Get("/stats", a.stats)
		admin(pr).Post("/incrementAttempt", a.incrementAttempt)
		admin(pr).Put("/pricing", a.updatePricing)
	})
	r.Route("/api/messages", func(mr chi.Router) {
		group("messages")(mr)
		admin(mr).Get("/recent", a.recentMessages)
	})

	return r, nil
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Error("health check failed", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": a.now().UTC(),
	})
}
