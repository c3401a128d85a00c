package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"newsbeat/internal/domain"
	logx "newsbeat/pkg/logx"
)

// newsLimit is how many headlines GET /news/:category returns.
const newsLimit = 6

type subscribeRequest struct {
	Email      string   `json:"email" validate:"required,email"`
	Categories []string `json:"categories" validate:"required,min=1,dive,required"`
	Frequency  string   `json:"frequency"`
}

type unsubscribeRequest struct {
	Email      string   `json:"email" validate:"required,email"`
	Categories []string `json:"categories" validate:"required,min=1,dive,required"`
}

type subscriptionView struct {
	Email      string   `json:"email"`
	Categories []string `json:"categories"`
	Frequency  string   `json:"frequency"`
}

type messageResponse struct {
	Message      string            `json:"message"`
	Subscription *subscriptionView `json:"subscription,omitempty"`
}

func viewOf(s domain.Subscriber) *subscriptionView {
	return &subscriptionView{Email: s.ID, Categories: s.Categories.Sorted(), Frequency: string(s.Frequency)}
}

func (s *Service) handleSubscribe(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	sub, created, err := s.deps.Subscriptions.Subscribe(c.Request().Context(), req.Email, req.Categories, req.Frequency)
	if err != nil {
		return domainError(err, "Subscription failed.")
	}
	msg := "Subscription updated successfully!"
	if created {
		msg = "Subscribed successfully!"
	}
	return c.JSON(http.StatusOK, messageResponse{Message: msg, Subscription: viewOf(sub)})
}

func (s *Service) handleUnsubscribe(c echo.Context) error {
	var req unsubscribeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	sub, deleted, err := s.deps.Subscriptions.Unsubscribe(c.Request().Context(), req.Email, req.Categories)
	if err != nil {
		return domainError(err, "Unsubscribe failed.")
	}
	if deleted {
		return c.JSON(http.StatusOK, messageResponse{Message: "Unsubscribed from all categories."})
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Unsubscribed successfully!", Subscription: viewOf(sub)})
}

func (s *Service) handleNews(c echo.Context) error {
	category := strings.ToLower(strings.TrimSpace(c.Param("category")))
	if !s.deps.Catalog.Known(category) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown category")
	}
	arts, err := s.deps.News.Lookup(c.Request().Context(), category, newsLimit)
	if err != nil {
		s.log.Warn("news lookup failed", logx.String("category", category), logx.Err(err))
		return echo.NewHTTPError(http.StatusBadGateway, "Error fetching news")
	}
	if arts == nil {
		arts = []domain.Article{}
	}
	return c.JSON(http.StatusOK, arts)
}

func (s *Service) handleHealth(c echo.Context) error {
	body := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		body["details"] = s.deps.Health()
	}
	return c.JSON(http.StatusOK, body)
}

// domainError maps service errors to HTTP statuses. Unexpected errors are
// reported with a fixed message so internals do not leak.
func domainError(err error, fallback string) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "Subscription not found.").SetInternal(err)
	case errors.Is(err, domain.ErrInvalidEmail),
		errors.Is(err, domain.ErrNoCategories),
		errors.Is(err, domain.ErrUnknownCategory),
		errors.Is(err, domain.ErrUnknownFrequency):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, fallback).SetInternal(err)
	}
}

// errorHandler renders every error as {"message": ...}.
func (s *Service) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := http.StatusInternalServerError, "internal error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}
	if code >= http.StatusInternalServerError {
		s.log.Error("request error", logx.String("path", c.Path()), logx.Err(err))
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, messageResponse{Message: msg})
}
