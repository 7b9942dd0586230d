package seeding

import (
	"fmt"
	"strings"
)

// Step names the stage of a workflow that failed.
type Step string

const (
	StepJitter        Step = "jitter"
	StepBuildSubject  Step = "build_subject"
	StepCreateSubject Step = "create_subject"
	StepEnroll        Step = "create_enrollment"
	StepBuildEvents   Step = "build_events"
	StepCreateEvents  Step = "create_events"
	StepDelete        Step = "delete_subject"
)

// StepError is the failure of one record workflow. Subject and Enrollment hold
// whatever references had been created before the failing step.
type StepError struct {
	Step       Step
	Subject    string
	Enrollment string
	Err        error
}

func (e *StepError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Step))
	if e.Subject != "" {
		b.WriteString(" subject=" + e.Subject)
	}
	if e.Enrollment != "" {
		b.WriteString(" enrollment=" + e.Enrollment)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

// DeleteQueryError is returned when the subjects to delete could not be
// listed. Nothing is deleted.
type DeleteQueryError struct {
	Prefix string
	Err    error
}

func (e *DeleteQueryError) Error() string {
	return fmt.Sprintf("query subjects with name prefix %q: %v", e.Prefix, e.Err)
}

func (e *DeleteQueryError) Unwrap() error { return e.Err }

// RunError aggregates the failed workflows of a run. Err joins every cause.
type RunError struct {
	Mode      Mode
	Failed    int
	Attempted int
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s run: %d of %d workflows failed: %v", e.Mode, e.Failed, e.Attempted, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
