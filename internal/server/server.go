package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/meetbet/internal/api"
	"github.com/victornm/meetbet/internal/event"
	"github.com/victornm/meetbet/internal/gateway"
	"github.com/victornm/meetbet/internal/session"
	"github.com/victornm/meetbet/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	// Admin serves metrics and pprof, away from the public listener.
	Admin struct {
		Port int32
	}

	Log struct {
		Level string
	}

	Meeting struct {
		ElapsedUnit             time.Duration
		VerifyResults           bool
		ElapsedTolerance        int64
		LockGuessesWhileRunning bool
	}

	Gateway struct {
		WriteTimeout   time.Duration
		ReadTimeout    time.Duration
		PingInterval   time.Duration
		MaxMessageSize int64
		SendBuffer     int
	}

	Redis struct {
		// Pubsub is optional. Room events are mirrored on it when Addrs is set.
		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}
}

func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 4000
	c.Admin.Port = 4001
	c.Log.Level = "info"

	c.Meeting.ElapsedUnit = time.Second
	c.Meeting.VerifyResults = true
	c.Meeting.ElapsedTolerance = 2
	c.Meeting.LockGuessesWhileRunning = true

	g := gateway.DefaultConfig()
	c.Gateway.WriteTimeout = g.WriteTimeout
	c.Gateway.ReadTimeout = g.ReadTimeout
	c.Gateway.PingInterval = g.PingInterval
	c.Gateway.MaxMessageSize = g.MaxMessageSize
	c.Gateway.SendBuffer = g.SendBuffer

	c.Redis.Pubsub.Prefix = "meetbet"
	return c
}

type Server struct {
	c Config

	eb  *event.Bus
	reg *prometheus.Registry

	infra struct {
		redis struct {
			pubsub redis.UniversalClient
		}
	}

	service struct {
		hub   *gateway.Hub
		store *session.Store
	}

	http  *http.Server
	admin *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()
	s.reg = prometheus.NewRegistry()
	s.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	if len(s.c.Redis.Pubsub.Addrs) == 0 {
		slog.Info("server: redis pubsub not configured, room events stay local")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    s.c.Redis.Pubsub.Addrs,
		Password: s.c.Redis.Pubsub.Pass,
	})

	if err := telemetry.MonitorRedis(r); err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	if err := r.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	s.infra.redis.pubsub = r
	return nil
}

func (s *Server) initService() {
	metrics := telemetry.NewMetrics(s.reg)

	s.service.hub = gateway.NewHub(gateway.Config{
		WriteTimeout:   s.c.Gateway.WriteTimeout,
		ReadTimeout:    s.c.Gateway.ReadTimeout,
		PingInterval:   s.c.Gateway.PingInterval,
		MaxMessageSize: s.c.Gateway.MaxMessageSize,
		SendBuffer:     s.c.Gateway.SendBuffer,
		Metrics:        metrics,
	})

	s.service.store = session.NewStore(session.Config{
		Publisher:               s.service.hub,
		EventBus:                s.eb,
		ElapsedUnit:             s.c.Meeting.ElapsedUnit,
		VerifyResults:           s.c.Meeting.VerifyResults,
		ElapsedTolerance:        s.c.Meeting.ElapsedTolerance,
		LockGuessesWhileRunning: s.c.Meeting.LockGuessesWhileRunning,
	})

	telemetry.RegisterSessions(s.reg, s.service.store.Len)
}

func (s *Server) initAPI() {
	admin := gin.New()
	admin.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})))
	pprof.Register(admin, "/debug/pprof")

	s.admin = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.Admin.Port),
		Handler:           admin,
		ReadHeaderTimeout: 60 * time.Second,
	}

	e := gin.New()
	e.Use(gin.Recovery())

	e.GET("/ws", s.service.hub.Handler(s.service.store))

	// A nil client must stay a nil interface, or room events are published to it.
	var pubsub api.Redis
	if s.infra.redis.pubsub != nil {
		pubsub = s.infra.redis.pubsub
	}

	api.New(api.Config{
		Sessions:     s.service.store,
		EventBus:     s.eb,
		Redis:        pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	}).Register(e)

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           cors.AllowAll().Handler(e),
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	serve := func(name string, srv *http.Server) func() error {
		return func() error {
			slog.InfoContext(ctx, fmt.Sprintf("server: %s listening on %s", name, srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		}
	}

	var eg errgroup.Group
	eg.Go(serve("HTTP", s.http))
	eg.Go(serve("admin", s.admin))

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	if err := s.admin.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown admin failed", "error", err)
	}

	// Websocket connections are hijacked, so the HTTP server does not track them.
	s.service.hub.Close()
	for s.service.hub.Len() > 0 && ctx.Err() == nil {
		time.Sleep(10 * time.Millisecond)
	}

	s.eb.Stop()

	if s.infra.redis.pubsub != nil {
		if err := s.infra.redis.pubsub.Close(); err != nil {
			slog.ErrorContext(ctx, "server: close redis failed", "error", err)
		}
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
