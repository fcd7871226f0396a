package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/target/merrymaker/internal/errors"
)

type fakeSecret struct {
	name      string
	refreshes int
	err       error
}

func (s *fakeSecret) SecretName() string { return s.name }

func (s *fakeSecret) Refresh(context.Context) error {
	s.refreshes++
	return s.err
}

func newSecretWorker(secrets ...RefreshableSecret) *SecretRefreshWorker {
	return NewSecretRefreshWorker(SecretRefreshWorkerOptions{Secrets: secrets})
}

func TestSecretRefreshWorker_RefreshesNamedSecret(t *testing.T) {
	token := &fakeSecret{name: "alert-http-token"}
	other := &fakeSecret{name: "other"}
	w := newSecretWorker(token, other)

	err := w.Handle(context.Background(), json.RawMessage(`{"secret": "alert-http-token"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, token.refreshes)
	assert.Zero(t, other.refreshes)
}

func TestSecretRefreshWorker_UnknownSecretIsTerminal(t *testing.T) {
	w := newSecretWorker(&fakeSecret{name: "alert-http-token"})

	err := w.Handle(context.Background(), json.RawMessage(`{"secret": "nope"}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
	assert.False(t, apperrors.Retryable(err))
}

func TestSecretRefreshWorker_MissingNameIsValidation(t *testing.T) {
	w := newSecretWorker(&fakeSecret{name: "alert-http-token"})

	err := w.Handle(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	err = w.Handle(context.Background(), json.RawMessage(`not json`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSecretRefreshWorker_RefreshErrorKeepsClassification(t *testing.T) {
	token := &fakeSecret{name: "alert-http-token", err: apperrors.Transient("file busy")}
	w := newSecretWorker(token)

	err := w.Handle(context.Background(), json.RawMessage(`{"secret": "alert-http-token"}`))
	require.Error(t, err)
	assert.True(t, apperrors.Retryable(err))
}
