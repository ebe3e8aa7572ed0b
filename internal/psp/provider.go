// Package psp defines the contract every payment service provider adapter
// implements, plus the pieces shared between adapters: transport error
// classification, a circuit-breaking HTTP caller, provider selection and the
// registry the orchestrator resolves providers from.
package psp

import (
	"context"
	"net/http"
)

type IntentRequest struct {
	OrderID        string
	AmountMinor    int64
	Currency       string
	CustomerEmail  string
	SubAccount     string
	CredentialRef  string
	IdempotencyKey string
	Metadata       map[string]string
}

// IntentResult is the outcome of a create call the provider answered.
// Declines are Success=false with a DeclineCode, never an error.
type IntentResult struct {
	Success      bool
	Reference    string
	ClientSecret string
	RedirectURL  string
	DeclineCode  string
	Message      string
}

type ConfirmStatus string

const (
	ConfirmSucceeded ConfirmStatus = "succeeded"
	ConfirmFailed    ConfirmStatus = "failed"
	ConfirmPending   ConfirmStatus = "pending"
)

type ConfirmRequest struct {
	Reference     string
	PaymentMethod string
	SubAccount    string
}

type ConfirmResult struct {
	Status      ConfirmStatus
	DeclineCode string
	Message     string
}

type EventKind string

const (
	EventPaymentSucceeded EventKind = "payment.succeeded"
	EventPaymentFailed    EventKind = "payment.failed"
	EventPaymentRefunded  EventKind = "payment.refunded"
	EventIgnored          EventKind = "ignored"
)

// WebhookEvent is a verified provider callback translated into our vocabulary.
type WebhookEvent struct {
	ID        string
	Kind      EventKind
	RawType   string
	Reference string
	Message   string
}

// Provider is one PSP. CreatePaymentIntent and Confirm are never retried by
// the adapter; Status is an idempotent read and may be.
type Provider interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (IntentResult, error)
	Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
	Status(ctx context.Context, ref, subAccount string) (ConfirmResult, error)
	VerifyWebhook(header http.Header, body []byte) (WebhookEvent, error)
	// Ack is the body the provider expects once a webhook was accepted.
	Ack() (contentType string, body []byte)
}
