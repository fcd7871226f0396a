package service

import (
	"context"
	"encoding/json"
	"log/slog"

	apperrors "github.com/target/merrymaker/internal/errors"
)

// RefreshableSecret is a credential an adapter can reload at runtime, such as
// a sink push token backed by a mounted secret file.
type RefreshableSecret interface {
	// SecretName is the stable name refresh jobs address the secret by.
	SecretName() string
	Refresh(ctx context.Context) error
}

// SecretRefreshWorker handles secret-refresh jobs: it resolves the named
// secret and asks its owner to reload it.
type SecretRefreshWorker struct {
	secrets map[string]RefreshableSecret
	logger  *slog.Logger
}

// SecretRefreshWorkerOptions configures NewSecretRefreshWorker.
type SecretRefreshWorkerOptions struct {
	Secrets []RefreshableSecret
	Logger  *slog.Logger
}

// NewSecretRefreshWorker creates a SecretRefreshWorker over the given secrets.
func NewSecretRefreshWorker(opts SecretRefreshWorkerOptions) *SecretRefreshWorker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	secrets := make(map[string]RefreshableSecret, len(opts.Secrets))
	for _, secret := range opts.Secrets {
		secrets[secret.SecretName()] = secret
	}
	return &SecretRefreshWorker{
		secrets: secrets,
		logger:  logger.With("component", "secret_refresh_worker"),
	}
}

// SecretNames lists the registered secrets.
func (w *SecretRefreshWorker) SecretNames() []string {
	names := make([]string, 0, len(w.secrets))
	for name := range w.secrets {
		names = append(names, name)
	}
	return names
}

type secretRefreshPayload struct {
	Secret string `json:"secret"`
}

// Handle processes one secret-refresh payload. An unknown secret name is a
// terminal failure; refresh errors keep their own retry classification.
func (w *SecretRefreshWorker) Handle(ctx context.Context, payload json.RawMessage) error {
	var p secretRefreshPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return apperrors.Validation("secret-refresh payload is not valid JSON")
	}
	if p.Secret == "" {
		return apperrors.ValidationField("secret", "is required")
	}

	secret, ok := w.secrets[p.Secret]
	if !ok {
		return apperrors.NotFoundf("unknown secret %q", p.Secret)
	}
	if err := secret.Refresh(ctx); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "secret refreshed", "secret", p.Secret)
	return nil
}
