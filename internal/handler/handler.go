package handler

import (
	"errors"

	"github.com/GoPolymarket/polyexec/internal/custody"
	"github.com/GoPolymarket/polyexec/internal/pkg/apperrors"
	"github.com/GoPolymarket/polyexec/internal/repository"
	"github.com/GoPolymarket/polyexec/internal/settlement"
	"github.com/gin-gonic/gin"
)

// fail maps domain errors onto AppErrors and hands them to ErrorHandler.
func fail(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
	case errors.Is(err, repository.ErrWalletNotFound),
		errors.Is(err, repository.ErrPairNotFound),
		errors.Is(err, repository.ErrPositionNotFound):
		appErr = apperrors.New(apperrors.ErrNotFound, "not found", err)
	case errors.Is(err, custody.ErrWrongPassword):
		appErr = apperrors.New(apperrors.ErrAuthFailed, "wrong keystore password", err)
	case errors.Is(err, custody.ErrWalletMismatch), errors.Is(err, settlement.ErrInvalidSize):
		appErr = apperrors.New(apperrors.ErrInvalidRequest, invalidMessage(err), err)
	case errors.Is(err, settlement.ErrKeyUnavailable):
		appErr = apperrors.New(apperrors.ErrKeyLocked, "wallet is not enabled for auto-trading", err)
	case errors.Is(err, settlement.ErrRateLimited):
		appErr = apperrors.New(apperrors.ErrRateLimited, "exchange rate limit", err)
	default:
		// ErrorHandler classifies exchange errors.
		_ = c.Error(err)
		return
	}
	_ = c.Error(appErr)
}

func invalidMessage(err error) string {
	if errors.Is(err, custody.ErrWalletMismatch) {
		return "keystore does not belong to this wallet"
	}
	return err.Error()
}
