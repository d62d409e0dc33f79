package steps

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shaiso/workerkit/internal/cache"
)

const (
	// StepTypeHTTP — тип HTTP шага.
	StepTypeHTTP = "http"

	// CacheNamespace — namespace кэша для ответов HTTP шага.
	CacheNamespace = "http"

	// Значения по умолчанию.
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 10 * 1024 * 1024 // 10 MB
	maxErrorBody       = 1024
)

// Ключи конфигурации HTTP шага.
const (
	configMethod          = "method"
	configURL             = "url"
	configHeaders         = "headers"
	configBody            = "body"
	configFollowRedirects = "follow_redirects"
	configValidateSSL     = "validate_ssl"
	configTimeoutSec      = "timeout_sec"
	configCache           = "cache"
	configCacheTTLSec     = "cache_ttl_sec"
)

// HTTPStep — шаг HTTP запроса к внешнему API.
//
// Перед запросом ждёт лимитер задачи с ключом host: все воркеры,
// разделяющие Redis, вместе не превышают лимит downstream сервиса.
// Успешные GET ответы кэшируются в namespace "http" с тегом host,
// поэтому InvalidateTag(host) сбрасывает всё, что получено с этого хоста.
//
// Конфигурация:
//
//	{
//	    "type": "http",
//	    "method": "POST",
//	    "url": "https://api.example.com/data",
//	    "headers": {"Authorization": "Bearer ..."},
//	    "body": {"data": [1, 2, 3]},
//	    "follow_redirects": true,
//	    "validate_ssl": true,
//	    "timeout_sec": 30,
//	    "cache": true,          // только для GET, по умолчанию true
//	    "cache_ttl_sec": 60     // по умолчанию — TTL кэша
//	}
//
// Outputs:
//
//	{
//	    "status_code": 200,
//	    "headers": {"Content-Type": "application/json", ...},
//	    "body": {...},  // parsed JSON or string
//	    "cached": false
//	}
//
// Ответ со статусом ≥ 400 возвращается как *HTTPError.
type HTTPStep struct {
	client *http.Client
}

// NewHTTPStep создаёт новый HTTPStep.
func NewHTTPStep() *HTTPStep {
	return &HTTPStep{
		client: &http.Client{
			Timeout: defaultHTTPTimeout,
		},
	}
}

// Type возвращает тип шага.
func (s *HTTPStep) Type() string {
	return StepTypeHTTP
}

// Execute выполняет HTTP запрос.
func (s *HTTPStep) Execute(ctx context.Context, req *Request) (*Response, error) {
	// 1. Конфигурация
	cfg, err := s.parseConfig(req.Config)
	if err != nil {
		return nil, err
	}

	// 2. Кэш
	c := req.cache()
	cacheable := c != nil && cfg.Cache && cfg.Method == http.MethodGet
	if cacheable {
		if outputs, ok := cache.GetAs[map[string]any](ctx, c, cfg.URL.String(), cache.WithNamespace(CacheNamespace)); ok {
			outputs["cached"] = true
			return NewResponse(outputs), nil
		}
	}

	// 3. Лимитер downstream сервиса
	if limiter := req.limiter(); limiter != nil {
		waited, err := limiter.Wait(ctx, cfg.URL.Host)
		if err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrStepCancelled, err)
		}
		if waited > 0 {
			req.Logger().Debug("http step throttled", "host", cfg.URL.Host, "waited", waited)
		}
	}

	// 4. Запрос
	httpReq, err := s.buildRequest(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.buildClient(cfg).Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	// 5. Ответ
	outputs, err := s.parseResponse(resp)
	if err != nil {
		return nil, err
	}

	if cacheable {
		opts := []cache.Option{cache.WithNamespace(CacheNamespace), cache.WithTags(cfg.URL.Host)}
		if cfg.CacheTTL > 0 {
			opts = append(opts, cache.WithTTL(cfg.CacheTTL))
		}
		c.Set(ctx, cfg.URL.String(), outputs, opts...)
	}

	outputs["cached"] = false
	return NewResponse(outputs), nil
}

// httpConfig — распарсенная конфигурация HTTP шага.
type httpConfig struct {
	Method          string
	URL             *url.URL
	Headers         map[string]string
	Body            any
	FollowRedirects bool
	ValidateSSL     bool
	Timeout         time.Duration
	Cache           bool
	CacheTTL        time.Duration
}

// parseConfig парсит конфигурацию HTTP шага.
func (s *HTTPStep) parseConfig(config map[string]any) (*httpConfig, error) {
	cfg := &httpConfig{
		Method:          strings.ToUpper(GetConfigString(config, configMethod)),
		Headers:         GetConfigMapString(config, configHeaders),
		Body:            config[configBody],
		FollowRedirects: GetConfigBool(config, configFollowRedirects, true),
		ValidateSSL:     GetConfigBool(config, configValidateSSL, true),
		Cache:           GetConfigBool(config, configCache, true),
	}

	raw := GetConfigString(config, configURL)
	if raw == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, StepTypeHTTP)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: %s: invalid url %q", ErrInvalidConfig, StepTypeHTTP, raw)
	}
	cfg.URL = u

	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	if cfg.Headers == nil {
		cfg.Headers = make(map[string]string)
	}
	if sec := GetConfigInt(config, configTimeoutSec); sec > 0 {
		cfg.Timeout = time.Duration(sec) * time.Second
	}
	if sec := GetConfigInt(config, configCacheTTLSec); sec > 0 {
		cfg.CacheTTL = time.Duration(sec) * time.Second
	}

	return cfg, nil
}

// buildClient возвращает HTTP клиент под настройки запроса.
// Для настроек по умолчанию используется общий клиент.
func (s *HTTPStep) buildClient(cfg *httpConfig) *http.Client {
	if cfg.FollowRedirects && cfg.ValidateSSL && cfg.Timeout == 0 {
		return s.client
	}

	timeout := defaultHTTPTimeout
	if cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}

	var checkRedirect func(*http.Request, []*http.Request) error
	if !cfg.FollowRedirects {
		checkRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	transport := http.DefaultTransport
	if !cfg.ValidateSSL {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: checkRedirect,
		Transport:     transport,
	}
}

// buildRequest создаёт HTTP запрос.
func (s *HTTPStep) buildRequest(ctx context.Context, cfg *httpConfig) (*http.Request, error) {
	var bodyReader io.Reader

	if cfg.Body != nil {
		bodyBytes, err := serializeBody(cfg.Body)
		if err != nil {
			return nil, fmt.Errorf("serialize body: %w", err)
		}
		bodyReader = bytes.NewReader(bodyBytes)

		if _, ok := cfg.Headers["Content-Type"]; !ok {
			cfg.Headers["Content-Type"] = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

// serializeBody сериализует body в bytes.
func serializeBody(body any) ([]byte, error) {
	switch v := body.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

// parseResponse разбирает ответ в outputs.
func (s *HTTPStep) parseResponse(resp *http.Response) (map[string]any, error) {
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		if len(bodyBytes) > maxErrorBody {
			bodyBytes = bodyBytes[:maxErrorBody]
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     http.StatusText(resp.StatusCode),
			Body:       string(bodyBytes),
		}
	}

	var body any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(bodyBytes, &body); err != nil {
			body = string(bodyBytes)
		}
	} else {
		body = string(bodyBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        body,
	}, nil
}

// HTTPError — ответ downstream сервиса со статусом ≥ 400.
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

// Error реализует интерфейс error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Status)
}
