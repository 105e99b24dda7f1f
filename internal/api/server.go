package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/engine"
	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/observability"
	"github.com/flitsinc/go-convo/internal/sessions"
	"github.com/flitsinc/go-convo/internal/state"
)

const maxBodyBytes = 1 << 20

// TurnRunner runs one turn to completion.
type TurnRunner interface {
	RunTurn(ctx context.Context, conversationID, userID, text string) error
}

// SessionResetter discards the runtime session of a conversation.
type SessionResetter interface {
	ResetSession(ctx context.Context, conversationID, userID string) error
}

// Feed is the listener side of the notification bus.
type Feed interface {
	Subscribe(ctx context.Context, conversationID string) <-chan eventbus.Notification
	List(ctx context.Context, conversationID string, opts eventbus.ListOptions) ([]eventbus.Notification, error)
}

type Deps struct {
	Chat    *chat.Service
	Turns   TurnRunner
	Locks   *engine.TurnLocks
	Feed    Feed
	Metrics *observability.Metrics
	// Sessions backs DELETE /session. Nil leaves the endpoint unmounted.
	Sessions SessionResetter
	// Gatherer backs /metrics. Nil leaves the endpoint unmounted.
	Gatherer prometheus.Gatherer
	Auth     *Authenticator
}

type Server struct {
	chat     *chat.Service
	turns    TurnRunner
	resetter SessionResetter
	locks    *engine.TurnLocks
	feed     Feed
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	auth     *Authenticator
	log      zerolog.Logger

	pingInterval   time.Duration
	originPatterns []string
	startedAt      time.Time

	// base bounds turns started over plain HTTP.
	base    context.Context
	stop    context.CancelFunc
	running sync.WaitGroup
}

type Option func(*Server)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithOriginPatterns allows sockets from cross-origin pages whose host
// matches one of the patterns (path.Match syntax).
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// WithPingInterval enables WebSocket keepalive pings. Zero disables them.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

func NewServer(deps Deps, opts ...Option) (*Server, error) {
	switch {
	case deps.Chat == nil:
		return nil, errors.New("chat service is required")
	case deps.Turns == nil:
		return nil, errors.New("turn runner is required")
	case deps.Feed == nil:
		return nil, errors.New("notification feed is required")
	}
	s := &Server{
		chat:      deps.Chat,
		turns:     deps.Turns,
		resetter:  deps.Sessions,
		locks:     deps.Locks,
		feed:      deps.Feed,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		auth:      deps.Auth,
		log:       zerolog.Nop(),
		startedAt: time.Now().UTC(),
	}
	if s.locks == nil {
		s.locks = engine.NewTurnLocks()
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.base, s.stop = context.WithCancel(context.Background())
	return s, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics(s.metrics))

	r.Get("/api/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)
		r.Route("/api/conversations", func(r chi.Router) {
			r.Get("/", s.handleListConversations)
			r.Post("/", s.handleCreateConversation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetConversation)
				r.Get("/messages", s.handleListMessages)
				r.Get("/context", s.handleListContext)
				r.Get("/notifications", s.handleListNotifications)
				r.Post("/turns", s.handleCreateTurn)
				r.Get("/ws", s.handleConversationWS)
				if s.resetter != nil {
					r.Delete("/session", s.handleResetSession)
				}
			})
		})
	})
	return r
}

// Close cancels turns started over HTTP and waits for every turn the server
// started to return.
func (s *Server) Close() {
	s.stop()
	s.running.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"time":         time.Now().UTC(),
		"started_at":   s.startedAt,
		"active_turns": s.locks.Active(),
	})
}

// startTurn persists the user's message and runs the turn in the background
// under turnCtx. An overlapping turn for the same user and conversation is
// rejected before anything is written.
func (s *Server) startTurn(ctx, turnCtx context.Context, userID, conversationID, content string) (state.Message, error) {
	content, err := chat.ValidateContent(content)
	if err != nil {
		return state.Message{}, err
	}
	key := sessions.Key{UserID: userID, ConversationID: conversationID}
	release, err := s.locks.TryAcquire(key)
	if err != nil {
		return state.Message{}, err
	}
	msg, err := s.chat.AddUserMessage(ctx, userID, conversationID, content)
	if err != nil {
		release()
		return state.Message{}, err
	}
	s.chat.SendThinking(ctx, conversationID)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer release()
		if err := s.turns.RunTurn(turnCtx, conversationID, userID, content); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).
				Str("conversation_id", conversationID).
				Str("user_id", userID).
				Msg("turn ended with error")
		}
	}()
	return msg, nil
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, chat.ErrEmptyMessage), errors.Is(err, chat.ErrMessageLength):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTurnInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
		err = errors.New("internal error")
	}
	writeError(w, status, err)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// parseBefore accepts an RFC 3339 timestamp. Empty means no bound.
func parseBefore(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("before must be an RFC 3339 timestamp: %w", err)
	}
	return t, nil
}
