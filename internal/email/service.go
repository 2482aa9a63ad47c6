// Package email sends transactional email over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"net/smtp"
	"strings"
)

var (
	ErrNotConfigured  = errors.New("email not configured")
	ErrInvalidAddress = errors.New("invalid email address")
)

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// ContactInbox receives contact form submissions.
	ContactInbox string
	AppName      string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
}

func NewService(config Config) *Service {
	if config.AppName == "" {
		config.AppName = "Orbit"
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// WithSender replaces the SMTP transport.
func (s *Service) WithSender(send SendFunc) *Service {
	s.send = send
	return s
}

func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends a multipart message with a plain-text fallback.
func (s *Service) SendHTMLEmail(to []string, replyTo, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = (&mail.Address{Name: s.config.FromName, Address: s.config.From}).String()
	}

	boundary := "boundary-orbit"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	if replyTo != "" {
		fmt.Fprintf(&msg, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", headerSafe(subject))
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	if err := s.send(s.server, s.auth, s.config.From, to, msg.Bytes()); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

type WelcomeData struct {
	AppName  string
	UserName string
}

type ContactData struct {
	AppName string
	Name    string
	Email   string
	Message string
}

func (s *Service) SendWelcomeEmail(to, userName string) error {
	addr, err := parseAddress(to)
	if err != nil {
		return err
	}
	data := WelcomeData{AppName: s.config.AppName, UserName: userName}
	html, err := renderTemplate(welcomeEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render welcome template: %w", err)
	}
	text := fmt.Sprintf("Welcome to %s, %s!", data.AppName, userName)
	return s.SendHTMLEmail([]string{addr}, "", "Welcome to "+data.AppName, text, html)
}

// SendContactEmail forwards a contact form submission to the inbox, with
// Reply-To set to the sender.
func (s *Service) SendContactEmail(name, from, message string) error {
	inbox := s.config.ContactInbox
	if inbox == "" {
		inbox = s.config.From
	}
	replyTo, err := parseAddress(from)
	if err != nil {
		return err
	}
	data := ContactData{AppName: s.config.AppName, Name: name, Email: replyTo, Message: message}
	html, err := renderTemplate(contactEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render contact template: %w", err)
	}
	subject := fmt.Sprintf("[%s] Contact from %s", data.AppName, name)
	return s.SendHTMLEmail([]string{inbox}, replyTo, subject, message, html)
}

func parseAddress(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, raw)
	}
	return addr.Address, nil
}

func headerSafe(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

var templates = map[string]*template.Template{}

func renderTemplate(name string, data any) (string, error) {
	t, ok := templates[name]
	if !ok {
		return "", fmt.Errorf("unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const (
	welcomeEmailTemplate = "welcome"
	contactEmailTemplate = "contact"
)

func init() {
	templates[welcomeEmailTemplate] = template.Must(template.New(welcomeEmailTemplate).Parse(layoutHead + `
    <h2>Welcome, {{.UserName}}!</h2>

    <p>Your {{.AppName}} workspace is ready. Upload files and start a chat from your dashboard.</p>
` + layoutFoot))

	templates[contactEmailTemplate] = template.Must(template.New(contactEmailTemplate).Parse(layoutHead + `
    <h2>New contact request</h2>

    <p><strong>{{.Name}}</strong> &lt;{{.Email}}&gt; wrote:</p>
    <p class="message">{{.Message}}</p>
` + layoutFoot))
}

const layoutHead = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #4f46e5; padding-bottom: 10px; margin-bottom: 20px; }
        .message { white-space: pre-wrap; background: #f6f6f9; padding: 12px; border-radius: 4px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>
`

const layoutFoot = `
    <div class="footer">
        <p>You are receiving this email because of activity on your {{.AppName}} account.</p>
    </div>
</body>
</html>`
