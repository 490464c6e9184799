// Package services provides the capabilities a task may declare in
// requiredServices.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tenantstore/internal/apperr"
	"tenantstore/internal/logger"
)

// Service names accepted in requiredServices.
const (
	HTTP    = "http"
	Time    = "time"
	SMS     = "sms"
	Email   = "email"
	Storage = "storage"
)

var known = map[string]bool{HTTP: true, Time: true, SMS: true, Email: true, Storage: true}

// Names returns the known service names, sorted.
func Names() []string {
	out := make([]string, 0, len(known))
	for n := range known {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate rejects unknown service names.
func Validate(names []string) error {
	var unknown []string
	for _, n := range names {
		if !known[n] {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	return apperr.New(apperr.InvalidArgument, "Unknown required services: %s", strings.Join(unknown, ", ")).
		WithCode("InvalidRequiredServices").
		WithSuggestion(fmt.Sprintf("Available services: %s", strings.Join(Names(), ", "))).
		WithDetails(map[string]any{"unknown": unknown})
}

// SMSSender delivers text messages.
type SMSSender interface {
	Send(ctx context.Context, phone, message string) error
}

// EmailSender delivers mail.
type EmailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// ObjectStore stores blobs under a project prefix.
type ObjectStore interface {
	Put(ctx context.Context, project, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, project, key string) error
}

// Set bundles the capability implementations handed to tasks.
type Set struct {
	HTTP    *HTTPClient
	Time    *Clock
	SMS     SMSSender
	Email   EmailSender
	Storage ObjectStore // nil when object storage is not configured
}

// Config selects the service implementations.
type Config struct {
	HTTPTimeout time.Duration
	SMSDryRun   bool
	EmailDryRun bool
}

// ErrNoProvider is returned by senders when dry run is off and no
// provider has been plugged in.
var ErrNoProvider = errors.New("no provider configured")

// NewSet builds the default service set. With dry run on, SMS and email
// log instead of sending. With it off they fail until a real provider
// replaces the field.
func NewSet(cfg Config, objects ObjectStore) *Set {
	log := logger.For(logger.ComponentServices)
	s := &Set{
		HTTP: NewHTTPClient(cfg.HTTPTimeout),
		Time: NewClock(),
	}
	if cfg.SMSDryRun {
		s.SMS = &DryRunSMS{log: log}
	} else {
		log.Warnw("SMS dry run disabled and no provider configured, sms.send will fail")
		s.SMS = noSMSProvider{}
	}
	if cfg.EmailDryRun {
		s.Email = &DryRunEmail{log: log}
	} else {
		log.Warnw("Email dry run disabled and no provider configured, email.send will fail")
		s.Email = noEmailProvider{}
	}
	if objects != nil {
		s.Storage = objects
	}
	return s
}

type noSMSProvider struct{}

func (noSMSProvider) Send(ctx context.Context, phone, message string) error {
	return fmt.Errorf("sms: %w", ErrNoProvider)
}

type noEmailProvider struct{}

func (noEmailProvider) Send(ctx context.Context, to, subject, body string) error {
	return fmt.Errorf("email: %w", ErrNoProvider)
}

// DryRunSMS logs messages instead of sending them.
type DryRunSMS struct {
	log  *zap.SugaredLogger
	mu   sync.Mutex
	sent []SMSMessage
}

type SMSMessage struct {
	Phone   string
	Message string
}

func (d *DryRunSMS) Send(ctx context.Context, phone, message string) error {
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}
	d.log.Infow("SMS (dry run)", "phone", phone, "length", len(message))
	d.mu.Lock()
	d.sent = append(d.sent, SMSMessage{Phone: phone, Message: message})
	d.mu.Unlock()
	return nil
}

// Sent returns the messages accepted so far.
func (d *DryRunSMS) Sent() []SMSMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SMSMessage(nil), d.sent...)
}

// DryRunEmail logs mail instead of sending it.
type DryRunEmail struct {
	log  *zap.SugaredLogger
	mu   sync.Mutex
	sent []Mail
}

type Mail struct {
	To      string
	Subject string
	Body    string
}

func (d *DryRunEmail) Send(ctx context.Context, to, subject, body string) error {
	if !strings.Contains(to, "@") {
		return fmt.Errorf("invalid recipient %q", to)
	}
	d.log.Infow("Email (dry run)", "to", to, "subject", subject)
	d.mu.Lock()
	d.sent = append(d.sent, Mail{To: to, Subject: subject, Body: body})
	d.mu.Unlock()
	return nil
}

// Sent returns the mails accepted so far.
func (d *DryRunEmail) Sent() []Mail {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Mail(nil), d.sent...)
}
