package errors

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// Retryable reports whether a job handler failure should be retried.
//
// The policy mirrors the runner contract: network and database timeouts are
// retryable, context cancellation is retryable (the worker lost its slot, not
// the job), validation and schema errors are fatal, and lease loss is fatal
// for the current attempt because another worker may already own the job.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrCodeTransient:
		return true
	case ErrCodeValidation, ErrCodeAuth, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeLeaseLost, ErrCodeInternal:
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return isNetworkError(err)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
