package psp

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSignature = errors.New("webhook signature verification failed")
	ErrUnknownProvider  = errors.New("unknown payment provider")
)

// TransportError is a fault talking to the provider (timeout, 5xx, auth,
// malformed body, open circuit) as opposed to an answered decline.
type TransportError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: http %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

var hardDeclines = map[string]bool{
	"stolen_card":        true,
	"lost_card":          true,
	"pickup_card":        true,
	"fraudulent":         true,
	"restricted_card":    true,
	"security_violation": true,
	"merchant_blacklist": true,
	"do_not_try_again":   true,
}

// IsHardDecline reports decline codes that must not be retried anywhere:
// another provider would see the same card and the same answer.
func IsHardDecline(code string) bool {
	return hardDeclines[code]
}
