package app

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"unicode/utf8"

	"orbit/api/internal/auth"
	"orbit/api/internal/email"
	"orbit/api/internal/rbac"
)

const maxContactMessageLength = 5000

type ContactInput struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

type WelcomeInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// SendContact forwards a public contact-form submission to the team inbox.
func (s *Service) SendContact(ctx context.Context, input ContactInput) error {
	input.Name = strings.TrimSpace(input.Name)
	input.Email = strings.TrimSpace(input.Email)
	input.Message = strings.TrimSpace(input.Message)

	fields := map[string]string{}
	if input.Name == "" {
		fields["name"] = "required"
	}
	if _, err := mail.ParseAddress(input.Email); err != nil {
		fields["email"] = "invalid"
	}
	if input.Message == "" {
		fields["message"] = "required"
	} else if utf8.RuneCountInString(input.Message) > maxContactMessageLength {
		fields["message"] = "too long"
	}
	if len(fields) > 0 {
		return validationError("Invalid contact form", map[string]any{"fields": fields, "maxMessageLength": maxContactMessageLength})
	}
	return s.deliver(func() error {
		return s.mailer.SendContactEmail(input.Name, input.Email, input.Message)
	})
}

// SendWelcome mails the welcome template. It needs email:send.
func (s *Service) SendWelcome(ctx context.Context, org auth.OrganizationAuthContext, input WelcomeInput) error {
	if err := s.requirePermission(ctx, org, rbac.EmailSend); err != nil {
		return err
	}
	if strings.TrimSpace(input.Email) == "" {
		return validationError("email is required", nil)
	}
	return s.deliver(func() error {
		return s.mailer.SendWelcomeEmail(input.Email, strings.TrimSpace(input.Name))
	})
}

func (s *Service) deliver(send func() error) error {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return email.ErrNotConfigured
	}
	err := send()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, email.ErrInvalidAddress), errors.Is(err, email.ErrNotConfigured):
		return err
	default:
		return upstreamError("Email delivery failed", err)
	}
}
