package store

import "errors"

var (
	// ErrNotFound is returned by lookups that match no document.
	ErrNotFound = errors.New("document not found")

	// ErrVersionRegression is returned by Predictors.Create when the
	// requested version does not exceed the newest existing version of the
	// prediction type.
	ErrVersionRegression = errors.New("predictor version must exceed newest existing version")

	// ErrTransactionFailed wraps store-level transaction aborts.
	ErrTransactionFailed = errors.New("store transaction failed")
)
