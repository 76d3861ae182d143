package pipeline

import (
	"context"
	"errors"

	"tickerflow/models"
)

var (
	// ErrAuthentication aborts a run after the API rejected the credential.
	ErrAuthentication = errors.New("authentication rejected")
	// ErrRetryExhausted aborts a run after too many transient failures on one cursor.
	ErrRetryExhausted = errors.New("retry limit exhausted")
	// ErrPermanent aborts a run on an error no retry can fix.
	ErrPermanent = errors.New("permanent fetch failure")
	// ErrSink reports that the final dataset could not be written. The
	// checkpoint is left in place so the next run skips fetching.
	ErrSink = errors.New("sink write failed")
)

// fetchAction is what the loop does with a failed fetch.
type fetchAction int

const (
	actionRetry fetchAction = iota
	actionPenalize
	actionAbort
)

// classify maps a fetch error onto the loop's reaction. Errors that carry no
// class are treated as network failures.
func classify(err error) (fetchAction, models.ErrorClass, *models.FetchError) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return actionAbort, "", nil
	}
	var fe *models.FetchError
	if !errors.As(err, &fe) {
		return actionRetry, models.ErrorClassNetwork, nil
	}
	switch fe.Class {
	case models.ErrorClassRateLimit:
		return actionPenalize, fe.Class, fe
	case models.ErrorClassAuth, models.ErrorClassClient:
		return actionAbort, fe.Class, fe
	default:
		return actionRetry, fe.Class, fe
	}
}
