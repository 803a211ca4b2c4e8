package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/josedab/docsynth-realtime/internal/activity"
	"github.com/josedab/docsynth-realtime/internal/chat"
	"github.com/josedab/docsynth-realtime/internal/config"
	"github.com/josedab/docsynth-realtime/internal/conn"
	"github.com/josedab/docsynth-realtime/internal/logging"
	"github.com/josedab/docsynth-realtime/internal/metrics"
	"github.com/josedab/docsynth-realtime/internal/notifications"
	"github.com/josedab/docsynth-realtime/internal/router"
	"github.com/josedab/docsynth-realtime/internal/state"
	"github.com/josedab/docsynth-realtime/internal/telemetry"
	"github.com/josedab/docsynth-realtime/pkg/client"
	"github.com/josedab/docsynth-realtime/pkg/wire"
)

// Agent is the main coordinator of the realtime components. It owns
// the shared backend connection, fans frames out through the router,
// maintains the notification and activity stores, and exposes both
// over a local HTTP surface.
type Agent struct {
	config *config.Config

	state         *state.Store
	notifications *notifications.Store
	router        *router.Router
	conn          *conn.Manager
	feed          *activity.Feed
	api           *client.Client

	notifSub *router.Subscription
	server   *http.Server

	telemetryFn func(context.Context) error

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// New assembles an agent from configuration. The backend connection is
// not opened until Start.
func New(cfg *config.Config) (*Agent, error) {
	logger := log.With().Str("component", "agent").Logger()

	st, err := state.Open(state.Config{
		DataDir:           cfg.State.DataDir,
		CacheSize:         cfg.State.CacheSize,
		RecentSearchLimit: cfg.State.RecentSearchLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	rt := router.NewRouter(router.Config{
		MaxBufferSize: cfg.Router.MaxBufferSize,
	})

	notifStore := notifications.NewStore(cfg.Notifications.Capacity, st)

	connConfig := conn.Config{
		URL:              streamURL(cfg.Backend.BaseURL, cfg.Backend.StreamPath),
		Token:            cfg.Backend.AuthToken,
		AutoReconnect:    cfg.Conn.AutoReconnect,
		ReconnectDelay:   time.Duration(cfg.Conn.ReconnectDelayMs) * time.Millisecond,
		BackoffFactor:    cfg.Conn.BackoffFactor,
		MaxDelay:         time.Duration(cfg.Conn.MaxDelayMs) * time.Millisecond,
		Jitter:           cfg.Conn.Jitter,
		MaxRetries:       cfg.Conn.MaxRetries,
		HandshakeTimeout: time.Duration(cfg.Conn.HandshakeTimeoutMs) * time.Millisecond,
		WriteTimeout:     time.Duration(cfg.Conn.WriteTimeoutMs) * time.Millisecond,
	}
	if cfg.RateLimit.Enabled {
		connConfig.MessagesPerSecond = cfg.RateLimit.WSMessagesPerSecond
		connConfig.Burst = cfg.RateLimit.Burst
	}
	cm := conn.NewManager(connConfig, rt.Dispatch)

	a := &Agent{
		config:        cfg,
		state:         st,
		notifications: notifStore,
		router:        rt,
		conn:          cm,
		feed: activity.NewFeed(rt, activity.Config{
			Capacity:     cfg.Activity.Capacity,
			DedupeWindow: time.Duration(cfg.Activity.DedupeWindowSeconds) * time.Second,
		}),
		api:           client.New(cfg.Backend.BaseURL, cfg.Backend.AuthToken),
		notifSub:      rt.Subscribe(),
		logger:        logger,
		metrics:       metrics.GetMetrics(),
	}

	return a, nil
}

// Conn exposes the connection manager
func (a *Agent) Conn() *conn.Manager {
	return a.conn
}

// Router exposes the frame router
func (a *Agent) Router() *router.Router {
	return a.router
}

// Notifications exposes the notification store
func (a *Agent) Notifications() *notifications.Store {
	return a.notifications
}

// Activity exposes the activity feed
func (a *Agent) Activity() *activity.Feed {
	return a.feed
}

// State exposes the persistent state store
func (a *Agent) State() *state.Store {
	return a.state
}

// OpenChat starts a chat session bound to the shared connection
func (a *Agent) OpenChat(sessionID string) *chat.Session {
	chatConfig := chat.Config{
		PendingTimeout:     time.Duration(a.config.Chat.PendingTimeoutSeconds) * time.Second,
		RecentSessionLimit: a.config.Chat.RecentSessionLimit,
	}
	return chat.NewSession(chatConfig, sessionID, a.router, a.conn, a.api, a.state)
}

// Start runs the agent until the context is cancelled
func (a *Agent) Start(ctx context.Context) error {
	a.logger.Info().Msg("Starting realtime agent")

	telConfig := telemetry.Config{
		Enabled:       a.config.Telemetry.Enabled,
		ServiceName:   a.config.Telemetry.ServiceName,
		Endpoint:      a.config.Telemetry.Endpoint,
		SamplingRatio: a.config.Telemetry.SamplingRatio,
		Attributes:    a.config.Telemetry.Attributes,
	}
	telShutdown, err := telemetry.Setup(ctx, telConfig)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		a.telemetryFn = telShutdown
	}

	for _, channel := range a.config.Conn.Channels {
		a.conn.Subscribe(channel)
	}

	_, span := telemetry.Tracer("agent").Start(ctx, "conn.connect")
	a.conn.Connect()
	span.End()

	if a.config.Notifications.HydrateOnStart {
		go a.hydrateNotifications(ctx)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.consumeNotifications()
		return nil
	})

	if a.config.Server.Enabled {
		g.Go(func() error {
			return a.serveHTTP(ctx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		a.router.Shutdown()
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return fmt.Errorf("error running agent: %w", err)
	}

	a.logger.Info().Msg("Realtime agent shut down")
	return nil
}

// Shutdown releases all resources
func (a *Agent) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down realtime agent")

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to shut down HTTP server")
		}
	}

	a.conn.Disconnect()
	a.feed.Close()
	a.router.Shutdown()

	if err := a.state.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close state store")
		return err
	}

	if a.telemetryFn != nil {
		if err := a.telemetryFn(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}

	return nil
}

// consumeNotifications feeds pushed frames into the notification store.
// Returns when the router shuts down.
func (a *Agent) consumeNotifications() {
	for f := range a.notifSub.Frames {
		a.notifications.HandleFrame(f)
	}
}

// hydrateNotifications merges the server-side notification history into
// the local store. Failures are logged and swallowed: the UI surface
// works from local state alone.
func (a *Agent) hydrateNotifications(ctx context.Context) {
	tracer := telemetry.Tracer("agent")
	ctx, span := tracer.Start(ctx, "notifications.hydrate")
	defer span.End()

	fetched, err := a.api.Notifications(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Notification hydration failed, continuing with local state")
		return
	}

	a.notifications.Hydrate(fetched)
	a.logger.Info().Int("count", len(fetched)).Msg("Notification history hydrated")
}

// routes builds the local HTTP surface
func (a *Agent) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(logging.HTTPMiddleware())
	r.Use(a.metricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	r.Get("/status", a.handleStatus)
	r.Get("/api/notifications", a.handleListNotifications)
	r.Post("/api/notifications/{id}/read", a.handleMarkRead)
	r.Post("/api/notifications/read-all", a.handleMarkAllRead)
	r.Delete("/api/notifications/{id}", a.handleClearNotification)
	r.Delete("/api/notifications", a.handleClearAll)
	r.Get("/api/activity", a.handleActivity)
	r.Get("/api/searches", a.handleRecentSearches)

	if a.config.Metrics.Enabled {
		r.Handle(a.config.Metrics.Endpoint, promhttp.Handler())
	}

	return r
}

// serveHTTP runs the local HTTP surface until the context is cancelled
func (a *Agent) serveHTTP(ctx context.Context) error {
	a.server = &http.Server{
		Addr:         a.config.Server.Addr,
		Handler:      a.routes(),
		ReadTimeout:  time.Duration(a.config.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(a.config.Server.WriteTimeoutSec) * time.Second,
	}

	a.logger.Info().Str("addr", a.config.Server.Addr).Msg("Starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection": string(a.conn.State()),
		"error":      a.conn.Err(),
		"channels":   a.conn.Channels(),
		"unread":     a.notifications.Unread(),
	})
}

func (a *Agent) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	list := a.notifications.List()
	if list == nil {
		list = []wire.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": list,
		"unread":        a.notifications.Unread(),
	})
}

func (a *Agent) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a.notifications.MarkRead(id)

	// Best effort: the local store is authoritative, the backend is
	// told so other devices converge on the next sync.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.api.MarkNotificationRead(ctx, id); err != nil {
			a.logger.Debug().Err(err).Str("id", id).Msg("Failed to propagate read state")
		}
	}()

	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	a.notifications.MarkAllRead()
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleClearNotification(w http.ResponseWriter, r *http.Request) {
	a.notifications.Clear(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleClearAll(w http.ResponseWriter, r *http.Request) {
	a.notifications.ClearAll()
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleActivity(w http.ResponseWriter, r *http.Request) {
	events := a.feed.Recent()
	if events == nil {
		events = []wire.ActivityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

func (a *Agent) handleRecentSearches(w http.ResponseWriter, r *http.Request) {
	searches, err := a.state.RecentSearches()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if searches == nil {
		searches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"searches": searches,
	})
}

// metricsMiddleware records request counts and latency for the local API
func (a *Agent) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		a.metrics.HTTPRequestsTotal.WithLabelValues(
			r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		a.metrics.HTTPRequestDuration.WithLabelValues(
			r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// streamURL derives the WebSocket endpoint from the REST base URL
func streamURL(baseURL, streamPath string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if streamPath == "" {
		streamPath = "/ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + streamPath
	return u.String()
}
