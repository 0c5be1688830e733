package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/GoPolymarket/polymarket-go-sdk/pkg/clob/cloberrors"
)

// Kind classifies failures coming back from the exchange or the chain.
type Kind int

const (
	KindUnknown Kind = iota
	KindRateLimited
	KindInsufficientBalance
	KindInvalidOrder
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindInvalidOrder:
		return "invalid_order"
	case KindNetwork:
		return "network"
	default:
		return "unknown"
	}
}

// Retryable reports whether resending the same request can succeed.
func (k Kind) Retryable() bool {
	return k == KindRateLimited || k == KindNetwork
}

// ExchangeError carries the classification of a failed exchange-facing call.
type ExchangeError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchangeError classifies err and tags it with the operation name.
func NewExchangeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *ExchangeError
	if errors.As(err, &existing) {
		return err
	}
	return &ExchangeError{Kind: Classify(err), Op: op, Err: err}
}

// Classify maps an error onto a Kind. Explicit ExchangeError tags win, then
// SDK sentinels, then transport errors, then message heuristics.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Kind
	}

	switch {
	case errors.Is(err, cloberrors.ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, cloberrors.ErrInsufficientFunds):
		return KindInsufficientBalance
	case errors.Is(err, cloberrors.ErrBadRequest),
		errors.Is(err, cloberrors.ErrInvalidSignature),
		errors.Is(err, cloberrors.ErrMarketClosed),
		errors.Is(err, cloberrors.ErrOrderNotFound),
		errors.Is(err, cloberrors.ErrUnauthorized):
		return KindInvalidOrder
	case errors.Is(err, cloberrors.ErrInternalServerError):
		return KindNetwork
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "insufficient"), strings.Contains(msg, "not enough balance"):
		return KindInsufficientBalance
	case strings.Contains(msg, "invalid"), strings.Contains(msg, "malformed"), strings.Contains(msg, "amount must be"):
		return KindInvalidOrder
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "eof"),
		strings.Contains(msg, "502"), strings.Contains(msg, "503"), strings.Contains(msg, "504"):
		return KindNetwork
	}
	return KindUnknown
}

// IsRetryable is the default predicate handed to the retry engine.
func IsRetryable(err error) bool {
	return Classify(err).Retryable()
}

// IsRateLimited reports whether err was classified as an exchange rate limit.
func IsRateLimited(err error) bool {
	return Classify(err) == KindRateLimited
}
