// Package translate calls an external machine translation API with a Redis
// cache in front and a small phrase dictionary behind it.
package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("text to translate is empty")
	// ErrNoTarget is returned when no target language is given.
	ErrNoTarget = errors.New("target language is required")
	// ErrUnavailable is returned when neither the API nor the fallback
	// dictionary can translate the text.
	ErrUnavailable = errors.New("translation unavailable")
)

// Result is a translated text.
type Result struct {
	Text     string `json:"translatedText"`
	Source   string `json:"sourceLanguage"`
	Target   string `json:"targetLanguage"`
	Cached   bool   `json:"cached"`
	Fallback bool   `json:"fallback"`
}

// Config points the translator at a LibreTranslate compatible API.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// Translator translates text, caching successful API responses.
type Translator struct {
	cfg    Config
	client *http.Client
	cache  *Cache
	group  singleflight.Group
	logger *zap.Logger
}

// New creates a Translator. cache may be nil to disable caching.
func New(cfg Config, cache *Cache, logger *zap.Logger) *Translator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Translator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		cache:  cache,
		logger: logger,
	}
}

// Translate returns text in the target language. An empty source lets the
// API detect it.
func (t *Translator) Translate(ctx context.Context, text, source, target string) (Result, error) {
	text = strings.TrimSpace(text)
	source = normalizeLang(source)
	target = normalizeLang(target)
	if text == "" {
		return Result{}, ErrEmptyText
	}
	if target == "" {
		return Result{}, ErrNoTarget
	}
	if source == "" {
		source = "auto"
	}
	if source == target {
		return Result{Text: text, Source: source, Target: target}, nil
	}

	var key string
	if t.cache != nil {
		key = t.cache.Key(text, source, target)
		res, ok, err := t.cache.Get(ctx, key)
		if err != nil {
			t.logger.Warn("translation cache read failed", zap.Error(err))
		} else if ok {
			res.Cached = true
			return res, nil
		}
	}

	// The shared fetch outlives any single caller, so one cancelled request
	// does not fail the others waiting on the same key.
	flightKey := source + "\x00" + target + "\x00" + text
	ch := t.group.DoChan(flightKey, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.Timeout)
		defer cancel()
		return t.fetch(fetchCtx, text, source, target, key)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	}
}

// CacheStats returns the cache counters and whether a cache is configured.
func (t *Translator) CacheStats() (CacheStats, bool) {
	if t.cache == nil {
		return CacheStats{}, false
	}
	return t.cache.Stats(), true
}

func (t *Translator) fetch(ctx context.Context, text, source, target, key string) (Result, error) {
	res, err := t.callAPI(ctx, text, source, target)
	if err == nil {
		if t.cache != nil {
			if err := t.cache.Set(ctx, key, res); err != nil {
				t.logger.Warn("translation cache write failed", zap.Error(err))
			}
		}
		return res, nil
	}

	t.logger.Warn("translation api failed",
		zap.String("source", source),
		zap.String("target", target),
		zap.Error(err))

	if translated, ok := lookupFallback(text, target); ok {
		return Result{Text: translated, Source: source, Target: target, Fallback: true}, nil
	}
	return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
}

type apiRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type apiResponse struct {
	TranslatedText   string `json:"translatedText"`
	DetectedLanguage *struct {
		Language string `json:"language"`
	} `json:"detectedLanguage,omitempty"`
	Error string `json:"error,omitempty"`
}

func (t *Translator) callAPI(ctx context.Context, text, source, target string) (Result, error) {
	if t.cfg.URL == "" {
		return Result{}, errors.New("no translation api configured")
	}

	body, err := json.Marshal(apiRequest{
		Q:      text,
		Source: source,
		Target: target,
		Format: "text",
		APIKey: t.cfg.APIKey,
	})
	if err != nil {
		return Result{}, err
	}

	endpoint := strings.TrimRight(t.cfg.URL, "/") + "/translate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}

	var out apiResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return Result{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return Result{}, fmt.Errorf("api status %d: %s", resp.StatusCode, out.Error)
		}
		return Result{}, fmt.Errorf("api status %d", resp.StatusCode)
	}
	if out.TranslatedText == "" {
		return Result{}, errors.New("api returned an empty translation")
	}

	detected := source
	if out.DetectedLanguage != nil && out.DetectedLanguage.Language != "" {
		detected = out.DetectedLanguage.Language
	}
	return Result{Text: out.TranslatedText, Source: detected, Target: target}, nil
}

func normalizeLang(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}
