package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"paychat/orchestrator"
)

// Handler runs one submission through the admission pipeline.
type Handler interface {
	Handle(ctx context.Context, sub orchestrator.Submission) orchestrator.Outcome
}

// Options tunes client connections.
type Options struct {
	OriginPatterns   []string
	SubmitsPerMinute int
	SubmitBurst      int
	MaxMessageBytes  int64
	SendBuffer       int
	WriteTimeout     time.Duration
}

func (o *Options) applyDefaults() {
	if o.SubmitsPerMinute <= 0 {
		o.SubmitsPerMinute = 30
	}
	if o.SubmitBurst <= 0 {
		o.SubmitBurst = 5
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 16 << 10
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// Server upgrades HTTP requests to websocket clients of a Hub.
type Server struct {
	hub     *Hub
	handler Handler
	opts    Options
	logger  *slog.Logger

	// base outlives individual connections so in-flight submissions finish after a disconnect.
	base     context.Context
	inflight sync.WaitGroup
}

// NewServer builds a websocket endpoint. base is cancelled on process shutdown.
func NewServer(base context.Context, hub *Hub, handler Handler, opts Options) *Server {
	opts.applyDefaults()
	return &Server{
		hub:     hub,
		handler: handler,
		opts:    opts,
		logger:  hub.logger,
		base:    base,
	}
}

// ServeHTTP accepts the websocket and runs the read loop until the client leaves.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Clear the http.Server deadlines; they would otherwise survive the hijack.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.opts.MaxMessageBytes)

	perSecond := rate.Limit(float64(s.opts.SubmitsPerMinute) / 60)
	c := newClient(conn, s.opts.SendBuffer, rate.NewLimiter(perSecond, s.opts.SubmitBurst))
	s.hub.register(c)
	defer func() {
		s.hub.unregister(c)
		c.close(websocket.StatusNormalClosure, "bye")
	}()
	go c.writeLoop(s.opts.WriteTimeout)

	log := s.logger.With("client", c.id, "remote", r.RemoteAddr)
	log.Debug("realtime client connected")

	ctx := r.Context()
	for {
		var env Envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				log.Debug("realtime client disconnected")
			} else if !errors.Is(err, context.Canceled) {
				log.Info("realtime read ended", "error", err)
			}
			return
		}
		switch env.Event {
		case EventSubmit:
			s.submit(c, env, log)
		default:
			s.reply(c, EventError, env.ID, ErrorPayload{Message: msgBadRequest, Timestamp: time.Now().UTC()})
		}
	}
}

func (s *Server) submit(c *client, env Envelope, log *slog.Logger) {
	var payload SubmitPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		s.reply(c, EventAck, env.ID, AckPayload{Success: false})
		return
	}
	if !c.limiter.Allow() {
		log.Warn("realtime submit throttled", "sender", payload.Sender)
		s.reply(c, EventAck, env.ID, AckPayload{Success: false})
		s.reply(c, EventError, env.ID, ErrorPayload{Message: msgRateLimited, Timestamp: time.Now().UTC()})
		return
	}

	sub := orchestrator.Submission{
		Sender:    payload.Sender,
		Content:   payload.Content,
		Signature: payload.TransactionSignature,
		Kind:      payload.Kind(),
	}
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		out := s.handler.Handle(s.base, sub)
		s.reply(c, EventAck, env.ID, AckPayload{Success: out.Accepted})
		if out.Stage == orchestrator.StageFailed {
			s.reply(c, EventError, env.ID, ErrorPayload{Message: msgProcessingFailed, Timestamp: time.Now().UTC()})
		}
	}()
}

func (s *Server) reply(c *client, event, id string, payload any) {
	data, err := encode(event, id, payload)
	if err != nil {
		s.logger.Error("encode realtime reply", "event", event, "error", err)
		return
	}
	s.hub.send(c, data)
}

// Wait blocks until in-flight submissions finish or ctx expires.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
