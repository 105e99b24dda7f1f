package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/go-convo/internal/api"
	"github.com/flitsinc/go-convo/internal/chat"
	"github.com/flitsinc/go-convo/internal/config"
	"github.com/flitsinc/go-convo/internal/engine"
	"github.com/flitsinc/go-convo/internal/eventbus"
	"github.com/flitsinc/go-convo/internal/observability"
	"github.com/flitsinc/go-convo/internal/sessions"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "convod",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			log.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	store, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	slow, err := eventbus.ParseSlowPolicy(cfg.Server.SlowSubscriber)
	if err != nil {
		return err
	}
	busOpts := []eventbus.Option{
		eventbus.WithDialect(store.Dialect()),
		eventbus.WithLogger(log.With().Str("component", "eventbus").Logger()),
		eventbus.WithSlowPolicy(slow),
		eventbus.WithDropHook(func(string) { metrics.DroppedNotices.Inc() }),
	}

	var sessStore sessions.Store = sessions.NewMemoryStore()
	if cfg.Redis.Enabled {
		client, err := sessions.DialRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		sessStore = sessions.NewRedisStore(client, cfg.Redis.Prefix+":session", cfg.Redis.SessionTTL)
		busOpts = append(busOpts, eventbus.WithRelay(
			eventbus.NewRedisRelay(client, cfg.Redis.Prefix+":notifications", log.With().Str("component", "relay").Logger()),
		))
	}
	bus := eventbus.NewBus(store.DB(), busOpts...)

	rt, toolDB, err := buildRuntime(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	if toolDB != nil {
		defer toolDB.Close()
	}

	mode, err := engine.ParseSilenceMode(cfg.Agent.SilenceMode)
	if err != nil {
		return err
	}
	silence := engine.NewSilencePolicy(mode, cfg.Agent.SilentAgents)
	log.Info().Str("mode", string(mode)).Strs("agents", silence.Agents()).Msg("silence policy")
	proc, err := engine.NewProcessor(engine.Deps{
		Messages: store,
		Contexts: store,
		Notifier: bus,
		Runtime:  rt,
		Sessions: sessStore,
	},
		engine.WithLogger(log.With().Str("component", "engine").Logger()),
		engine.WithMetrics(metrics),
		engine.WithTracer(tracer),
		engine.WithSilencePolicy(silence),
	)
	if err != nil {
		return err
	}

	var auth *api.Authenticator
	if cfg.Auth.Disabled {
		log.Warn().Msg("authentication disabled, callers are identified by X-User-ID")
	} else {
		auth = api.NewAuthenticator(cfg.Auth.JWTSecret)
	}
	deps := api.Deps{
		Chat:     chat.NewService(store, bus, log.With().Str("component", "chat").Logger()),
		Turns:    proc,
		Sessions: proc,
		Locks:    engine.NewTurnLocks(),
		Feed:     bus,
		Metrics:  metrics,
		Auth:     auth,
	}
	if cfg.Server.MetricsAddr == "" {
		deps.Gatherer = reg
	}
	apiServer, err := api.NewServer(deps,
		api.WithLogger(log.With().Str("component", "api").Logger()),
		api.WithPingInterval(cfg.Server.WSPingInterval),
		api.WithOriginPatterns(cfg.Server.WSOriginPatterns...),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	servers := []*http.Server{{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// Hijacked sockets outlive Shutdown; tying them to gctx ends them.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}}
	if cfg.Server.MetricsAddr != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	for _, srv := range servers {
		g.Go(func() error {
			log.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		if err := bus.RunRelay(gctx); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(sctx); err != nil {
				errs = append(errs, err)
			}
		}
		apiServer.Close()
		return errors.Join(errs...)
	})

	return g.Wait()
}
