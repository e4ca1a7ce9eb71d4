// Package actions implements the synchronous, on-demand operations the
// operator exposes. Actions are short-lived reads of current state; they
// never mutate desired state and serialize with reconciliation only
// through the secret manager, never by blocking the whole reconciler.
package actions

import (
	"context"
	"errors"

	"github.com/charmed-ops/wordpress-operator/internal/compiler"
	"github.com/charmed-ops/wordpress-operator/internal/secrets"
)

// NotReadyError is returned when an action is invoked before the state
// it reads exists. It is the caller's responsibility to retry.
type NotReadyError struct {
	Reason string
}

func (e *NotReadyError) Error() string { return e.Reason }

// Handler serves the operator's actions.
type Handler struct {
	secrets *secrets.Manager
}

func NewHandler(sm *secrets.Manager) *Handler {
	return &Handler{secrets: sm}
}

// GetInitialPassword returns the auto-generated initial admin password.
// Before the first successful apply the password does not exist yet, and
// the action fails with NotReadyError rather than inventing a premature
// value. Every call after that returns the same string.
func (h *Handler) GetInitialPassword(ctx context.Context) (string, error) {
	value, err := h.secrets.Get(ctx, compiler.AdminPasswordSecret)
	if errors.Is(err, secrets.ErrNotFound) {
		return "", &NotReadyError{Reason: "initial password has not been generated yet"}
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
