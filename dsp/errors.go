package dsp

import (
	"errors"
	"fmt"
)

// Errors returned by the engine and the uploader.
var (
	// ErrInputFull means the engine or its compute queue cannot take a block
	// right now. Nothing was consumed; retry the same block.
	ErrInputFull = errors.New("dsp: input full")

	ErrSlotBusy         = errors.New("dsp: slot not available for upload")
	ErrIncompleteUpload = errors.New("dsp: not every channel uploaded")
	ErrUploadAborted    = errors.New("dsp: upload aborted")
	ErrKernelTooLong    = errors.New("dsp: kernel longer than configured maximum")
	ErrInvalidConfig    = errors.New("dsp: invalid configuration")
	ErrInvalidBlock     = errors.New("dsp: block shape does not match engine")
	ErrNoKernel         = errors.New("dsp: no kernel active")
	ErrQueueFull        = errors.New("dsp: upload queue full")
)

// MismatchError reports a sample where the engine output differs from the
// direct reference by more than the tolerance.
type MismatchError struct {
	Round     uint64
	Channel   int
	Sample    int
	Stage     Stage
	Reference float64
	Got       float64
	Tolerance float64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("dsp: verification mismatch at round %d channel %d sample %d (%v): reference %.6f, engine %.6f, tolerance %g",
		e.Round, e.Channel, e.Sample, e.Stage, e.Reference, e.Got, e.Tolerance)
}
