package services

import "errors"

var (
	// ErrInputNotFound means the job's input path does not exist. Permanent.
	ErrInputNotFound = errors.New("input file does not exist")
	// ErrConversionFailed means the encoder rejected or failed on the input.
	ErrConversionFailed = errors.New("conversion failed")
	// ErrModeNotEnabled means remote persistence was requested in local mode.
	ErrModeNotEnabled = errors.New("remote storage mode not enabled")
	// ErrUpload is a transport or auth failure against the object store.
	// Uploads are idempotent per content digest, so it is safe to retry.
	ErrUpload = errors.New("upload failed")
	// ErrIO is a local filesystem failure reading or writing artifacts.
	ErrIO = errors.New("io error")
)

// Retryable reports whether a failed job may be redelivered.
func Retryable(err error) bool {
	return errors.Is(err, ErrUpload)
}
