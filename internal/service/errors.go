package service

import (
	"errors"
	"fmt"

	"github.com/digkill/voicegen/internal/ledger"
	"github.com/digkill/voicegen/internal/provider"
)

var (
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientFunds   = errors.New("insufficient credits, payment required")
	ErrProviderRejected    = errors.New("provider rejected request")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrGenerationTimedOut  = errors.New("generation still processing")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrStoreUnavailable    = errors.New("store unavailable")
	ErrOverloaded          = errors.New("too many generations in flight")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrNotFound            = errors.New("not found")
	ErrPaymentUnavailable  = errors.New("payment gateway unavailable")
	ErrPaymentInvalid      = errors.New("payment verification failed")
)

type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }

type InsufficientFundsError struct {
	Needed int64
	Have   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Needed, e.Have)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

type GenerationFailedError struct {
	Message string
}

func (e *GenerationFailedError) Error() string {
	return "generation failed: " + e.Message
}

func (e *GenerationFailedError) Unwrap() error { return ErrGenerationFailed }

// TimedOutError means the poll budget ran out before the provider finished.
// The job may still complete; nothing was billed.
type TimedOutError struct {
	JobID string
}

func (e *TimedOutError) Error() string {
	return fmt.Sprintf("generation %s still processing", e.JobID)
}

func (e *TimedOutError) Unwrap() error { return ErrGenerationTimedOut }

type invalidRequestError struct {
	reason string
}

func (e *invalidRequestError) Error() string { return "invalid request: " + e.reason }

func (e *invalidRequestError) Unwrap() error { return ErrInvalidRequest }

func invalid(format string, args ...any) error {
	return &invalidRequestError{reason: fmt.Sprintf(format, args...)}
}

// Kind maps err onto the stable errorKind string exposed to clients.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return "Unauthenticated"
	case errors.Is(err, ErrRateLimited):
		return "RateLimited"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientFunds):
		return "InsufficientFunds"
	case errors.Is(err, ErrProviderRejected), errors.Is(err, provider.ErrRejected):
		return "ProviderRejected"
	case errors.Is(err, ErrProviderUnavailable), errors.Is(err, provider.ErrUnavailable):
		return "ProviderUnavailable"
	case errors.Is(err, ErrGenerationFailed):
		return "GenerationFailed"
	case errors.Is(err, ErrGenerationTimedOut):
		return "GenerationTimedOut"
	case errors.Is(err, ErrLedgerUnavailable):
		return "LedgerUnavailable"
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ledger.ErrStoreUnavailable):
		return "StoreUnavailable"
	case errors.Is(err, ErrOverloaded):
		return "Overloaded"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	case errors.Is(err, ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return "NotFound"
	case errors.Is(err, ErrPaymentUnavailable):
		return "PaymentUnavailable"
	case errors.Is(err, ErrPaymentInvalid):
		return "PaymentInvalid"
	}
	return "Internal"
}

// UserMessage returns a short, actionable message for err.
func UserMessage(err error) string {
	var rl *RateLimitedError
	var funds *InsufficientFundsError
	var failed *GenerationFailedError
	var inv *invalidRequestError
	switch {
	case errors.As(err, &rl):
		return fmt.Sprintf("Too many requests. Please wait %d seconds and try again.", rl.RetryAfter)
	case errors.As(err, &funds):
		return fmt.Sprintf("This generation needs %d credits but you have %d. Upgrade your plan to continue.", funds.Needed, funds.Have)
	case errors.As(err, &failed):
		return "The voice could not be generated: " + failed.Message
	case errors.As(err, &inv):
		return inv.Error()
	}
	switch Kind(err) {
	case "Unauthenticated":
		return "Please sign in to continue."
	case "InsufficientFunds":
		return "Not enough credits. Upgrade your plan to continue."
	case "ProviderRejected":
		return "The voice service rejected this request. Check the text and voice settings."
	case "ProviderUnavailable":
		return "The voice service is temporarily unavailable. Please try again shortly."
	case "GenerationTimedOut":
		return "Your audio is still processing. It will be ready shortly, no need to resubmit."
	case "LedgerUnavailable", "StoreUnavailable":
		return "We could not reach the account service. Please try again shortly."
	case "Overloaded":
		return "The service is busy right now. Please try again in a moment."
	case "NotFound":
		return "Not found."
	case "PaymentUnavailable":
		return "Payments are temporarily unavailable. Please try again shortly."
	case "PaymentInvalid":
		return "We could not verify this payment. Contact support if you were charged."
	}
	return "Something went wrong. Please try again."
}
