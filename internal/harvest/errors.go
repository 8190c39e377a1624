package harvest

import "errors"

var (
	// ErrQuotaExceeded is returned when the local request budget is spent.
	ErrQuotaExceeded = errors.New("local request quota exceeded")
	// ErrRemoteQuotaExhausted is returned once the remote reports its daily quota as spent.
	ErrRemoteQuotaExhausted = errors.New("remote quota exhausted")
	// ErrMalformedResponse marks a payload that is not a JSON object.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrTransport marks network failures and non-2xx responses.
	ErrTransport = errors.New("transport failure")
	// ErrDownloadStalled is returned when a partial download stops growing.
	ErrDownloadStalled = errors.New("download stalled")
	// ErrDownloadTimeout is returned when no artifact appears before the deadline.
	ErrDownloadTimeout = errors.New("download timed out")
	// ErrIntegrity is returned when a downloaded file fails verification.
	ErrIntegrity = errors.New("artifact failed integrity check")
	// ErrAborted is returned when every attempt for an artifact failed.
	ErrAborted = errors.New("download aborted")
	// ErrNotFound is returned when a lookup or deletion matches nothing.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRecorded is returned when an artifact row with the same case key or source
	// URL already exists, so the insert changed nothing.
	ErrAlreadyRecorded = errors.New("artifact already recorded")
)
