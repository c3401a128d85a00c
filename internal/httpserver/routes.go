package httpserver

import (
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/labstack/echo/v4"
)

func (s *Service) registerRoutes(e *echo.Echo, cfg Config) {
	e.POST("/subscribe", s.handleSubscribe)
	e.POST("/unsubscribe", s.handleUnsubscribe)
	e.GET("/news/:category", s.handleNews)
	if s.deps.Live != nil {
		e.GET("/ws", echo.WrapHandler(s.deps.Live))
	}

	e.GET("/healthz", s.handleHealth)
	if cfg.Metrics && s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}
	if cfg.Pprof.Enabled {
		g := e.Group("/debug/pprof", requireToken(cfg.Pprof.Token))
		g.GET("/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
		g.GET("/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		g.GET("/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		g.GET("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.POST("/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		g.GET("/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		// Named profiles (heap, goroutine, ...) are served by Index.
		g.GET("/:profile", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
}

// requireToken accepts "Authorization: Bearer <token>" or "?token=<token>".
// An empty token disables the check.
func requireToken(token string) echo.MiddlewareFunc {
	tok := strings.TrimSpace(token)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if tok == "" {
			return next
		}
		return func(c echo.Context) error {
			got := c.QueryParam("token")
			if got == "" {
				got, _ = strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
			}
			if strings.TrimSpace(got) != tok {
				c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
