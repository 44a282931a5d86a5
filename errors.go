package flsqspi

import "errors"

// Job failure classes. Every error returned by a job wraps exactly one of these.
var (
	// ErrHardwareTimeout is returned when a bounded poll exhausts its budget:
	// controller stuck busy, chip stuck busy or LUT lock never acknowledged.
	ErrHardwareTimeout = errors.New("flsqspi: hardware timeout")
	// ErrController is returned when the controller raised a sticky error flag.
	ErrController = errors.New("flsqspi: controller error")
	// ErrBlockInconsistent is returned when a compare, verify or blank check
	// found mismatching data.
	ErrBlockInconsistent = errors.New("flsqspi: block inconsistent")
	// ErrExternalChip is returned for faults reported by the memory itself or
	// by the error check callouts.
	ErrExternalChip = errors.New("flsqspi: external chip error")
	ErrConfiguration = errors.New("flsqspi: invalid configuration")
	ErrCanceled      = errors.New("flsqspi: job canceled")
)

// Admission errors. A job rejected with one of these never touched hardware.
var (
	ErrUninitialized = errors.New("flsqspi: device uninitialized")
	ErrJobPending    = errors.New("flsqspi: job pending")
	ErrAddress       = errors.New("flsqspi: address out of range or misaligned")
	ErrLength        = errors.New("flsqspi: invalid length")
	ErrUnsupported   = errors.New("flsqspi: unsupported mode")
)

// ResultOf maps an error onto the job result reported for it.
func ResultOf(err error) JobResult {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrBlockInconsistent):
		return ResultBlockInconsistent
	case errors.Is(err, ErrCanceled):
		return ResultCanceled
	}
	return ResultFailed
}

// errjoin returns an error that wraps the given errors.
// Any nil error values are discarded.
// errjoin returns nil if every value in errs is nil.
// The error formats as the concatenation of the strings obtained
// by calling the Error method of each element of errs, with a colon
// between each string.
func errjoin(errs ...error) error {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	if n == 0 {
		return nil
	}
	e := &joinError{
		errs: make([]error, 0, n),
	}
	for _, err := range errs {
		if err != nil {
			e.errs = append(e.errs, err)
		}
	}
	return e
}

type joinError struct {
	errs []error
}

func (e *joinError) Error() string {
	var b []byte
	for i, err := range e.errs {
		if i > 0 {
			b = append(b, ": "...)
		}
		b = append(b, err.Error()...)
	}
	return string(b)
}

func (e *joinError) Unwrap() []error {
	return e.errs
}
