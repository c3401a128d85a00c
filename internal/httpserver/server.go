// Package httpserver exposes subscriptions, on-demand news, the live
// WebSocket endpoint and operational routes over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"newsbeat/internal/domain"
	rtsup "newsbeat/internal/runtime/supervisor"
	logx "newsbeat/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

type Config struct {
	Enabled        bool
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Metrics        bool
	Pprof          PprofConfig
}

// PprofConfig mounts net/http/pprof under /debug/pprof. A non-empty Token is
// required as "Authorization: Bearer <token>" or "?token=<token>".
type PprofConfig struct {
	Enabled bool
	Token   string
}

// Subscriptions is the part of subscription.Service the handlers use.
type Subscriptions interface {
	Subscribe(ctx context.Context, email string, categories []string, frequency string) (domain.Subscriber, bool, error)
	Unsubscribe(ctx context.Context, email string, categories []string) (domain.Subscriber, bool, error)
}

// NewsLookup fetches headlines on demand.
type NewsLookup interface {
	Lookup(ctx context.Context, category string, limit int) ([]domain.Article, error)
}

// Deps are wired once at startup. Live, Metrics and Health may be nil.
type Deps struct {
	Subscriptions Subscriptions
	News          NewsLookup
	Catalog       domain.Catalog
	Live          http.Handler
	Metrics       http.Handler
	Health        func() any
}

type Service struct {
	mu   sync.Mutex
	cfg  Config
	deps Deps
	log  logx.Logger

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Handler builds the echo router for cfg.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return s.router(cfg)
}

func (s *Service) router(cfg Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURIPath: true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []logx.Field{
				logx.String("method", v.Method),
				logx.String("path", v.URIPath),
				logx.Int("status", v.Status),
				logx.Duration("dur", v.Latency),
			}
			if v.Error != nil {
				s.log.Warn("request failed", append(fields, logx.Err(v.Error))...)
				return nil
			}
			s.log.Debug("request", fields...)
			return nil
		},
	}))
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost},
			AllowCredentials: true,
		}))
	}
	s.registerRoutes(e, cfg)
	return e
}

// Reconfigure applies cfg, restarting the listener when the bind settings
// or routes change.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.sup != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case needsRestart(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func needsRestart(a, b Config) bool {
	return a.Addr != b.Addr ||
		a.ReadTimeout != b.ReadTimeout ||
		a.WriteTimeout != b.WriteTimeout ||
		a.Metrics != b.Metrics ||
		a.Pprof != b.Pprof ||
		strings.Join(a.AllowedOrigins, ",") != strings.Join(b.AllowedOrigins, ",")
}

// Start serves in the background under a restarting supervisor. It is
// idempotent and a no-op when disabled.
func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopDone != nil {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
		sup := s.sup
		s.mu.Unlock()

		sup.GoRestart("http.serve", s.serveOnce,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	srv, sup := s.srv, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("http stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Pprof.Enabled && cfg.Pprof.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("pprof exposed without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	srv := &http.Server{
		Handler:           s.router(cfg),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("http started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("metrics", cfg.Metrics),
		logx.Bool("pprof", cfg.Pprof.Enabled),
	)
	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.ln, s.srv = nil, nil
	}
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
