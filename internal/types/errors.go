package types

import "errors"

var (
	ErrOverlap              = errors.New("segment overlaps an existing segment")
	ErrInvalidSegment       = errors.New("invalid segment range")
	ErrInvalidInstanceCount = errors.New("instance count must be a positive integer")
	ErrResolutionMismatch   = errors.New("mask resolution does not match video")
	ErrFrozen               = errors.New("segments are frozen while a job is dispatching")

	ErrNoWorkersAvailable = errors.New("no inpainting workers available")
	ErrPortInUse          = errors.New("port is in use by another process")
	ErrLaunchFailed       = errors.New("worker launch failed")

	ErrTaskFailed = errors.New("frame task failed")

	ErrResumeMismatch     = errors.New("paused job does not match the current input")
	ErrUnsupportedVersion = errors.New("unsupported job state version")

	ErrInvalidTransition = errors.New("invalid pipeline state transition")
)

type ErrorClass string

const (
	ClassConfiguration  ErrorClass = "configuration"
	ClassAvailability   ErrorClass = "availability"
	ClassTask           ErrorClass = "task"
	ClassResumeMismatch ErrorClass = "resume_mismatch"
	ClassUnrecoverable  ErrorClass = "unrecoverable"
)

var classes = []struct {
	class ErrorClass
	errs  []error
}{
	{ClassConfiguration, []error{ErrOverlap, ErrInvalidSegment, ErrInvalidInstanceCount, ErrResolutionMismatch, ErrFrozen}},
	{ClassAvailability, []error{ErrNoWorkersAvailable, ErrPortInUse, ErrLaunchFailed}},
	{ClassTask, []error{ErrTaskFailed}},
	{ClassResumeMismatch, []error{ErrResumeMismatch, ErrUnsupportedVersion}},
}

// Classify maps an error to the class the operator sees. Errors outside the
// known sentinels are unrecoverable.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	for _, c := range classes {
		for _, e := range c.errs {
			if errors.Is(err, e) {
				return c.class
			}
		}
	}
	return ClassUnrecoverable
}
