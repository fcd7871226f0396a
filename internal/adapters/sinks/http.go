// Package sinks contains the built-in alert delivery adapters.
package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
	"github.com/target/merrymaker/internal/service"
)

// maxFieldLen caps the summary and details query parameters.
const maxFieldLen = 128

// HTTPSinkConfig configures an HTTPSink.
type HTTPSinkConfig struct {
	Enabled bool
	// URL is the push endpoint; summary, details, and token ride as query
	// parameters.
	URL   string
	Token string

	// TokenFile, when set, is re-read on secret-refresh jobs so rotated
	// tokens take effect without a restart. It also seeds the initial token.
	TokenFile string

	// SuccessExpression is an optional JMESPath expression evaluated against
	// the JSON response body; a falsy result fails the delivery even on 2xx.
	SuccessExpression string

	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// HTTPSink pushes alerts to a GoAlert-style HTTP endpoint.
type HTTPSink struct {
	cfg         HTTPSinkConfig
	client      *http.Client
	logger      *slog.Logger
	successExpr string

	mu    sync.RWMutex
	token string
}

// NewHTTPSink creates an HTTPSink, compiling the optional success expression.
func NewHTTPSink(cfg HTTPSinkConfig) (*HTTPSink, error) {
	if cfg.Enabled && cfg.URL == "" {
		return nil, fmt.Errorf("http sink: url is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	if cfg.SuccessExpression != "" {
		if _, err := jmespath.Compile(cfg.SuccessExpression); err != nil {
			return nil, fmt.Errorf("http sink: compile success expression: %w", err)
		}
	}
	sink := &HTTPSink{
		cfg:         cfg,
		client:      client,
		logger:      logger.With("component", "http_sink"),
		successExpr: cfg.SuccessExpression,
		token:       cfg.Token,
	}
	if cfg.TokenFile != "" {
		if err := sink.Refresh(context.Background()); err != nil {
			sink.logger.Warn("initial token load failed, keeping configured token", "error", err)
		}
	}
	return sink, nil
}

func (s *HTTPSink) Name() string  { return "http" }
func (s *HTTPSink) Enabled() bool { return s.cfg.Enabled }

// Send pushes one alert. 2xx is success, 4xx is a permanent failure, 5xx and
// transport errors are retryable.
func (s *HTTPSink) Send(ctx context.Context, alert *model.Alert) error {
	endpoint, err := url.Parse(s.cfg.URL)
	if err != nil {
		return apperrors.Internalf("http sink: bad url: %v", err)
	}
	q := endpoint.Query()
	q.Set("summary", truncate(alert.Rule+": "+alert.Message, maxFieldLen))
	q.Set("details", truncate(alert.Message, maxFieldLen))
	if token := s.currentToken(); token != "" {
		q.Set("token", token)
	}
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), nil)
	if err != nil {
		return apperrors.Internalf("http sink: build request: %v", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.Transient(fmt.Sprintf("http sink: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return s.checkResponse(resp.Body)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperrors.Internalf("http sink: rejected with status %d", resp.StatusCode)
	default:
		return apperrors.Transient(fmt.Sprintf("http sink: status %d", resp.StatusCode))
	}
}

// checkResponse applies the success expression to the response body when one
// is configured.
func (s *HTTPSink) checkResponse(body io.Reader) error {
	if s.successExpr == "" {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return apperrors.Transient(fmt.Sprintf("http sink: read response: %v", err))
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperrors.Internalf("http sink: response is not json: %v", err)
	}
	result, err := jmespath.Search(s.successExpr, doc)
	if err != nil {
		return apperrors.Internalf("http sink: success expression: %v", err)
	}
	if !truthy(result) {
		return apperrors.Transient("http sink: endpoint reported failure")
	}
	return nil
}

// SecretName identifies this sink's push token in secret-refresh payloads.
func (s *HTTPSink) SecretName() string { return "alert-http-token" }

// Refresh re-reads the push token from TokenFile. Sinks without a token file
// keep their static token.
func (s *HTTPSink) Refresh(_ context.Context) error {
	if s.cfg.TokenFile == "" {
		return nil
	}
	raw, err := os.ReadFile(s.cfg.TokenFile)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeTransient, "http sink: read token file")
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return apperrors.Transient("http sink: token file is empty")
	}
	s.mu.Lock()
	changed := token != s.token
	s.token = token
	s.mu.Unlock()
	if changed {
		s.logger.Info("push token refreshed")
	}
	return nil
}

func (s *HTTPSink) currentToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true") || strings.EqualFold(val, "ok")
	case nil:
		return false
	default:
		return true
	}
}

var _ service.AlertSink = (*HTTPSink)(nil)
