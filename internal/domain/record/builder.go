// Package record assembles complete subject and event payloads by running the
// field dispatchers over every field of the discovered schema.
package record

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/tracker-seeder/internal/domain/generate"
	"github.com/ehr/tracker-seeder/internal/domain/schema"
)

// EventStatus is the status given to every back-filled event.
const EventStatus = "COMPLETED"

// Subject is one synthesized tracked entity instance.
type Subject struct {
	EntityType string
	OrgUnit    string
	Attributes []generate.FieldValue
}

// Event is one synthesized visit of an enrollment.
type Event struct {
	Program      string
	ProgramStage string
	OrgUnit      string
	Subject      string
	Enrollment   string
	EventDate    time.Time
	Status       string
	DataValues   []generate.FieldValue
}

// FieldError identifies the field whose generation aborted a build.
type FieldError struct {
	FieldID string
	Err     error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %v", e.FieldID, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// ValueGenerator produces the value of one field for a record in orgUnitID.
// Both generate.SubjectDispatcher and generate.EventDispatcher satisfy it.
type ValueGenerator interface {
	Generate(ctx context.Context, f schema.FieldDescriptor, orgUnitID string) (string, error)
}

// Config is the run-scoped input shared by every build.
type Config struct {
	EntityType    string
	Program       string
	ProgramStage  string
	SubjectFields []schema.FieldDescriptor
	EventFields   []schema.FieldDescriptor
}

// Builder is immutable once constructed and may be shared by concurrent
// workflows; per-record inputs are passed to each call.
type Builder struct {
	cfg      Config
	subjects ValueGenerator
	events   ValueGenerator
	now      func() time.Time
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock overrides the time source used to anchor event dates.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder returns a Builder over the given catalogs and dispatchers.
func NewBuilder(cfg Config, subjects, events ValueGenerator, opts ...Option) *Builder {
	b := &Builder{
		cfg:      cfg,
		subjects: subjects,
		events:   events,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// BuildSubject generates a value for every subject field in catalog order.
// The first failing field aborts the build.
func (b *Builder) BuildSubject(ctx context.Context, orgUnitID string) (*Subject, error) {
	attrs, err := fill(ctx, b.subjects, b.cfg.SubjectFields, orgUnitID)
	if err != nil {
		return nil, err
	}
	return &Subject{
		EntityType: b.cfg.EntityType,
		OrgUnit:    orgUnitID,
		Attributes: attrs,
	}, nil
}

// EventBatchRequest identifies the enrollment an event batch belongs to.
type EventBatchRequest struct {
	Subject         string
	Enrollment      string
	OrgUnit         string
	MonthCount      int
	StartMonthsBack int
}

// BuildEventBatch returns MonthCount events dated one calendar month apart,
// the first one month after now minus StartMonthsBack months. Every event
// gets freshly generated values.
func (b *Builder) BuildEventBatch(ctx context.Context, req EventBatchRequest) ([]Event, error) {
	if req.MonthCount <= 0 {
		return nil, nil
	}
	start := AddMonths(b.now(), -req.StartMonthsBack)

	events := make([]Event, 0, req.MonthCount)
	for i := 0; i < req.MonthCount; i++ {
		values, err := fill(ctx, b.events, b.cfg.EventFields, req.OrgUnit)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i+1, err)
		}
		events = append(events, Event{
			Program:      b.cfg.Program,
			ProgramStage: b.cfg.ProgramStage,
			OrgUnit:      req.OrgUnit,
			Subject:      req.Subject,
			Enrollment:   req.Enrollment,
			EventDate:    AddMonths(start, i+1),
			Status:       EventStatus,
			DataValues:   values,
		})
	}
	return events, nil
}

func fill(ctx context.Context, gen ValueGenerator, fields []schema.FieldDescriptor, orgUnitID string) ([]generate.FieldValue, error) {
	out := make([]generate.FieldValue, 0, len(fields))
	for _, f := range fields {
		v, err := gen.Generate(ctx, f, orgUnitID)
		if err != nil {
			return nil, &FieldError{FieldID: f.ID, Err: err}
		}
		out = append(out, generate.FieldValue{FieldID: f.ID, Value: v})
	}
	return out, nil
}

// AddMonths moves t by n calendar months, clamping the day to the last day of
// the target month so that Jan 31 + 1 month is Feb 28 (or 29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
