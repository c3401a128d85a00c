package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"newsbeat/internal/domain"
)

const DefaultNewsAPIBase = "https://newsapi.org"

// NewsAPI fetches top headlines from newsapi.org (or a compatible endpoint).
type NewsAPI struct {
	base     string
	key      string
	language string
	hc       *http.Client
}

type NewsAPIConfig struct {
	BaseURL  string
	APIKey   string
	Language string // default "en"
	Client   *http.Client
}

func NewNewsAPI(cfg NewsAPIConfig) *NewsAPI {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultNewsAPIBase
	}
	lang := strings.TrimSpace(cfg.Language)
	if lang == "" {
		lang = "en"
	}
	hc := cfg.Client
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &NewsAPI{base: base, key: cfg.APIKey, language: lang, hc: hc}
}

func (n *NewsAPI) Name() string { return "newsapi" }

type newsAPIResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title  string `json:"title"`
		URL    string `json:"url"`
		Source struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (n *NewsAPI) TopHeadlines(ctx context.Context, category string, limit int) ([]domain.Article, error) {
	q := url.Values{}
	q.Set("category", category)
	q.Set("language", n.language)
	if limit > 0 {
		q.Set("pageSize", strconv.Itoa(limit))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.base+"/v2/top-headlines?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", n.key)
	req.Header.Set("Accept", "application/json")

	resp, err := n.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrRateLimited
	}

	var body newsAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&body); err != nil {
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("newsapi: http %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("newsapi: decode: %w", err)
	}
	if resp.StatusCode/100 != 2 || body.Status != "ok" {
		return nil, fmt.Errorf("newsapi: http %d: %s: %s", resp.StatusCode, body.Code, body.Message)
	}

	out := make([]domain.Article, 0, len(body.Articles))
	for _, a := range body.Articles {
		out = append(out, domain.Article{Title: a.Title, Source: a.Source.Name, URL: a.URL})
	}
	return out, nil
}
