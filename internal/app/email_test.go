package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/api/internal/email"
)

func TestSendContact(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.SendContact(context.Background(), ContactInput{
		Name:    " Ada ",
		Email:   "ada@example.com",
		Message: " Hello there ",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada|ada@example.com|Hello there"}, h.mailer.contact)
}

func TestSendContactValidation(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.SendContact(context.Background(), ContactInput{
		Email:   "not-an-address",
		Message: strings.Repeat("x", maxContactMessageLength+1),
	})
	var domainErr *DomainError
	require.True(t, errors.As(err, &domainErr))
	assert.Equal(t, "VALIDATION_ERROR", domainErr.Code)
	assert.Equal(t, map[string]string{"name": "required", "email": "invalid", "message": "too long"},
		domainErr.Details.(map[string]any)["fields"])
	assert.Empty(t, h.mailer.contact)
}

func TestEmailDeliveryFailures(t *testing.T) {
	valid := ContactInput{Name: "Ada", Email: "ada@example.com", Message: "hi"}

	t.Run("not configured", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mailer.configured = false
		err := h.svc.SendContact(context.Background(), valid)
		assert.Equal(t, "EMAIL_UNAVAILABLE", codeOf(err))
		assert.Empty(t, h.mailer.contact)
	})

	t.Run("smtp failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mailer.err = errors.New("connection refused")
		err := h.svc.SendContact(context.Background(), valid)
		assert.Equal(t, "UPSTREAM_UNAVAILABLE", codeOf(err))
	})

	t.Run("rejected address", func(t *testing.T) {
		h := newHarness(t, nil)
		h.mailer.err = fmt.Errorf("%w: bad", email.ErrInvalidAddress)
		err := h.svc.SendContact(context.Background(), valid)
		assert.Equal(t, "VALIDATION_ERROR", codeOf(err))
	})
}

func TestSendWelcomeRequiresPermission(t *testing.T) {
	h := newHarness(t, nil)
	input := WelcomeInput{Email: "new@example.com", Name: "New"}

	err := h.svc.SendWelcome(context.Background(), member("org_a", "user_1"), input)
	assert.Equal(t, "FORBIDDEN", codeOf(err))

	require.NoError(t, h.svc.SendWelcome(context.Background(), admin("org_a", "user_2"), input))
	require.NoError(t, h.svc.SendWelcome(context.Background(), guest("org_a", "user_3", "email:send"), input))
	assert.Equal(t, []string{"new@example.com|New", "new@example.com|New"}, h.mailer.welcome)

	err = h.svc.SendWelcome(context.Background(), admin("org_a", "user_2"), WelcomeInput{})
	assert.Equal(t, "VALIDATION_ERROR", codeOf(err))
}
