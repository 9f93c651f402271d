package trainer

import "errors"

var (
	// ErrRunning is returned when Train is called while a run is active.
	ErrRunning = errors.New("trainer: training already running")
	// ErrNonFinite is returned when CheckFinite is set and a loss is NaN or Inf.
	ErrNonFinite = errors.New("trainer: non-finite loss")
	// ErrUnsupportedDevice is returned for any device other than DeviceCPU.
	ErrUnsupportedDevice = errors.New("trainer: unsupported device")
	// ErrBatchTooSmall is raised by MMD for batches of fewer than two codes.
	ErrBatchTooSmall = errors.New("trainer: batch too small")
	// ErrShapeMismatch is returned by upfront shape validation.
	ErrShapeMismatch = errors.New("trainer: shape mismatch")
)
