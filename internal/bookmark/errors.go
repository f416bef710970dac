package bookmark

import "errors"

// Sentinel errors shared across packages. Callers classify with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrConflict         = errors.New("duplicate submission in flight")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrFetchFailed      = errors.New("upstream fetch failed")
	ErrEnrichmentFailed = errors.New("enrichment failed")
	ErrStoreFailure     = errors.New("store write failed")
	ErrNotFound         = errors.New("not found")
	ErrVersionConflict  = errors.New("version conflict")
)

// StageError records which pipeline stage produced an error.
type StageError struct {
	Stage Step
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}
