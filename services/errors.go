package services

import "errors"

var (
	// ErrSensorUnavailable is fatal to a single session start
	ErrSensorUnavailable = errors.New("motion sensor unavailable")
	// ErrLocationUnavailable means no fresh fix arrived within the timeout
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrStoreWriteFailed wraps any alert store create failure
	ErrStoreWriteFailed = errors.New("alert store write failed")

	ErrConditionFailed         = errors.New("alert precondition failed")
	ErrAlreadyResolved         = errors.New("alert already resolved")
	ErrAlertNotFound           = errors.New("alert not found")
	ErrConfirmationNotRequired = errors.New("alert does not require confirmation")
	ErrInvalidOutcome          = errors.New("invalid confirmation outcome")

	ErrNotMonitoring = errors.New("patient is not being monitored")
	ErrMonitorClosed = errors.New("monitor is shut down")
)
