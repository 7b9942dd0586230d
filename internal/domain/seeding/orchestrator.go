// Package seeding runs create and delete workflows against the platform with
// a bounded number of workflows in flight.
package seeding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/tracker-seeder/internal/domain/generate"
	"github.com/ehr/tracker-seeder/internal/domain/record"
	"github.com/ehr/tracker-seeder/internal/domain/schema"
	"github.com/ehr/tracker-seeder/internal/platform/trackerapi"
)

// EnrollmentStatus is the status of every created enrollment.
const EnrollmentStatus = "ACTIVE"

// Remote is the subset of the platform API a run writes through.
type Remote interface {
	GetOrgUnitsAtLevel(ctx context.Context, level int) ([]string, error)
	CreateSubject(ctx context.Context, s *record.Subject) (string, error)
	CreateEnrollment(ctx context.Context, e trackerapi.Enrollment) (string, error)
	CreateEvents(ctx context.Context, events []record.Event) error
	QuerySubjects(ctx context.Context, q trackerapi.SubjectQuery) ([]trackerapi.SubjectMatch, error)
	DeleteSubject(ctx context.Context, reference string) error
}

// Schema provides the discovered field catalogs.
type Schema interface {
	SubjectFields(ctx context.Context) ([]schema.FieldDescriptor, error)
	EventFields(ctx context.Context) ([]schema.FieldDescriptor, error)
	StageID(ctx context.Context) (string, error)
}

// Randomizer supplies the orchestrator's own random choices.
type Randomizer interface {
	Index(n int) int
	Duration(max time.Duration) time.Duration
}

// Metrics receives workflow lifecycle notifications.
type Metrics interface {
	WorkflowStarted()
	WorkflowFinished(mode string, elapsed time.Duration, err error)
}

// ConfirmFunc is asked before subjects are deleted. Returning false cancels
// the deletion without error.
type ConfirmFunc func(ctx context.Context, count int, prefix string) (bool, error)

// Settings is the run configuration.
type Settings struct {
	EntityType string
	Program    string
	// OrgUnits lists the target org units. When empty, every org unit at
	// OrgUnitLevel is targeted.
	OrgUnits            []string
	OrgUnitLevel        int
	FullNameAttributeID string
	NamePrefix          string
	RecordsToCreate     int
	ParallelTaskCount   int
	MonthCount          int
	StartMonthsBack     int
	PageSize            int
	JitterMax           time.Duration
}

// Failure is one failed workflow. Index is the workflow's position in the run.
type Failure struct {
	Index int
	Err   error
}

// RunResult reports what a run did.
type RunResult struct {
	RunID     string
	Mode      Mode
	Attempted int
	Succeeded int
	Failures  []Failure
	Duration  time.Duration
	// Truncated is set when a delete query filled a whole page, meaning more
	// matching subjects may remain.
	Truncated bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the run logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics registers a metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithDeleteConfirmation installs a prompt consulted before deleting.
func WithDeleteConfirmation(fn ConfirmFunc) Option {
	return func(o *Orchestrator) { o.confirm = fn }
}

// WithClock overrides the time source for enrollment and event dates.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator drives runs.
type Orchestrator struct {
	remote   Remote
	catalog  Schema
	subjects record.ValueGenerator
	events   record.ValueGenerator
	rand     Randomizer
	settings Settings

	logger  zerolog.Logger
	metrics Metrics
	confirm ConfirmFunc
	now     func() time.Time
}

// NewOrchestrator wires an orchestrator. subjects and events produce the
// attribute and data element values respectively.
func NewOrchestrator(remote Remote, catalog Schema, subjects, events record.ValueGenerator, rnd Randomizer, settings Settings, opts ...Option) *Orchestrator {
	if settings.ParallelTaskCount <= 0 {
		settings.ParallelTaskCount = 1
	}
	o := &Orchestrator{
		remote:   remote,
		catalog:  catalog,
		subjects: subjects,
		events:   events,
		rand:     rnd,
		settings: settings,
		logger:   zerolog.Nop(),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one run in the given mode. A non-nil result is returned
// whenever workflows were attempted, together with a *RunError if any of them
// failed. Setup failures return a nil result.
func (o *Orchestrator) Run(ctx context.Context, mode Mode) (*RunResult, error) {
	runID := uuid.NewString()
	logger := o.logger.With().Str("run_id", runID).Str("mode", string(mode)).Logger()
	start := time.Now()

	var (
		res *RunResult
		err error
	)
	switch mode {
	case ModeCreate:
		res, err = o.runCreate(ctx, logger)
	case ModeDelete:
		res, err = o.runDelete(ctx, logger)
	default:
		return nil, fmt.Errorf("unsupported mode %q", mode)
	}
	if res == nil {
		return nil, err
	}
	res.RunID = runID
	res.Mode = mode
	res.Duration = time.Since(start)

	logger.Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("failed", len(res.Failures)).
		Dur("duration", res.Duration).
		Msg("run finished")

	if err == nil && len(res.Failures) > 0 {
		causes := make([]error, 0, len(res.Failures))
		for _, f := range res.Failures {
			causes = append(causes, f.Err)
		}
		err = &RunError{Mode: mode, Failed: len(res.Failures), Attempted: res.Attempted, Err: errors.Join(causes...)}
	}
	return res, err
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

// createPlan is what every workflow of a create run shares. The builder holds
// the event catalog read once before any workflow starts.
type createPlan struct {
	builder  *record.Builder
	orgUnits []string
}

func (o *Orchestrator) runCreate(ctx context.Context, logger zerolog.Logger) (*RunResult, error) {
	plan, err := o.prepareCreate(ctx, logger)
	if err != nil {
		return nil, err
	}

	n := o.settings.RecordsToCreate
	logger.Info().Int("records", n).Int("parallel", o.settings.ParallelTaskCount).Msg("creating records")

	errs := o.fanOut(n, ModeCreate, func(i int) error {
		return o.createRecord(ctx, logger.With().Int("workflow", i+1).Logger(), plan)
	}, logger)
	return collect(errs), nil
}

// prepareCreate loads everything every workflow shares. Nothing is written
// until all of it has succeeded.
func (o *Orchestrator) prepareCreate(ctx context.Context, logger zerolog.Logger) (*createPlan, error) {
	subjectFields, err := o.catalog.SubjectFields(ctx)
	if err != nil {
		return nil, err
	}
	eventFields, err := o.catalog.EventFields(ctx)
	if err != nil {
		return nil, err
	}
	stageID, err := o.catalog.StageID(ctx)
	if err != nil {
		return nil, err
	}
	orgUnits, err := o.resolveOrgUnits(ctx, logger)
	if err != nil {
		return nil, err
	}

	cfg := record.Config{
		EntityType:    o.settings.EntityType,
		Program:       o.settings.Program,
		ProgramStage:  stageID,
		SubjectFields: subjectFields,
		EventFields:   eventFields,
	}
	logger.Debug().
		Int("subject_fields", len(subjectFields)).
		Int("event_fields", len(eventFields)).
		Int("org_units", len(orgUnits)).
		Str("stage", stageID).
		Msg("schema ready")

	return &createPlan{
		builder:  record.NewBuilder(cfg, o.subjects, o.events, record.WithClock(o.now)),
		orgUnits: orgUnits,
	}, nil
}

func (o *Orchestrator) createRecord(ctx context.Context, logger zerolog.Logger, plan *createPlan) error {
	if err := sleep(ctx, o.rand.Duration(o.settings.JitterMax)); err != nil {
		return &StepError{Step: StepJitter, Err: err}
	}

	orgUnit := plan.orgUnits[o.rand.Index(len(plan.orgUnits))]
	logger = logger.With().Str("org_unit", orgUnit).Logger()

	subject, err := plan.builder.BuildSubject(ctx, orgUnit)
	if err != nil {
		return &StepError{Step: StepBuildSubject, Err: err}
	}
	subjectRef, err := o.remote.CreateSubject(ctx, subject)
	if err != nil {
		return &StepError{Step: StepCreateSubject, Err: err}
	}
	logger.Debug().Str("subject", subjectRef).Msg("subject created")

	today := o.now().Format(generate.DateLayout)
	enrollmentRef, err := o.remote.CreateEnrollment(ctx, trackerapi.Enrollment{
		TrackedEntityInstance: subjectRef,
		Program:               o.settings.Program,
		OrgUnit:               orgUnit,
		EnrollmentDate:        today,
		IncidentDate:          today,
		Status:                EnrollmentStatus,
	})
	if err != nil {
		return &StepError{Step: StepEnroll, Subject: subjectRef, Err: err}
	}

	events, err := plan.builder.BuildEventBatch(ctx, record.EventBatchRequest{
		Subject:         subjectRef,
		Enrollment:      enrollmentRef,
		OrgUnit:         orgUnit,
		MonthCount:      o.settings.MonthCount,
		StartMonthsBack: o.settings.StartMonthsBack,
	})
	if err != nil {
		return &StepError{Step: StepBuildEvents, Subject: subjectRef, Enrollment: enrollmentRef, Err: err}
	}
	if len(events) > 0 {
		if err := o.remote.CreateEvents(ctx, events); err != nil {
			return &StepError{Step: StepCreateEvents, Subject: subjectRef, Enrollment: enrollmentRef, Err: err}
		}
	}

	logger.Info().
		Str("subject", subjectRef).
		Str("enrollment", enrollmentRef).
		Int("events", len(events)).
		Msg("record created")
	return nil
}

// ---------------------------------------------------------------------------
// Delete
// ---------------------------------------------------------------------------

func (o *Orchestrator) runDelete(ctx context.Context, logger zerolog.Logger) (*RunResult, error) {
	prefix := o.settings.NamePrefix
	orgUnits, err := o.resolveOrgUnits(ctx, logger)
	if err != nil {
		return nil, &DeleteQueryError{Prefix: prefix, Err: err}
	}

	matches, err := o.remote.QuerySubjects(ctx, trackerapi.SubjectQuery{
		Program:     o.settings.Program,
		OrgUnits:    orgUnits,
		AttributeID: o.settings.FullNameAttributeID,
		Prefix:      prefix,
		PageSize:    o.settings.PageSize,
	})
	if err != nil {
		return nil, &DeleteQueryError{Prefix: prefix, Err: err}
	}

	res := &RunResult{}
	if o.settings.PageSize > 0 && len(matches) == o.settings.PageSize {
		res.Truncated = true
		logger.Warn().Int("page_size", o.settings.PageSize).Msg("query returned a full page, re-run to delete the rest")
	}

	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if strings.HasPrefix(m.Value, prefix) {
			refs = append(refs, m.Reference)
		}
	}
	if len(refs) == 0 {
		logger.Info().Str("prefix", prefix).Msg("no matching subjects to delete")
		return res, nil
	}

	if o.confirm != nil {
		ok, err := o.confirm(ctx, len(refs), prefix)
		if err != nil {
			return nil, fmt.Errorf("confirm deletion: %w", err)
		}
		if !ok {
			logger.Info().Int("subjects", len(refs)).Msg("deletion cancelled")
			return res, nil
		}
	}

	logger.Info().Int("subjects", len(refs)).Str("prefix", prefix).Msg("deleting subjects")
	errs := o.fanOut(len(refs), ModeDelete, func(i int) error {
		if err := o.remote.DeleteSubject(ctx, refs[i]); err != nil {
			return &StepError{Step: StepDelete, Subject: refs[i], Err: err}
		}
		logger.Debug().Str("subject", refs[i]).Msg("subject deleted")
		return nil
	}, logger)

	out := collect(errs)
	out.Truncated = res.Truncated
	return out, nil
}

// ---------------------------------------------------------------------------
// Shared
// ---------------------------------------------------------------------------

func (o *Orchestrator) resolveOrgUnits(ctx context.Context, logger zerolog.Logger) ([]string, error) {
	if len(o.settings.OrgUnits) > 0 {
		return o.settings.OrgUnits, nil
	}
	ids, err := o.remote.GetOrgUnitsAtLevel(ctx, o.settings.OrgUnitLevel)
	if err != nil {
		return nil, fmt.Errorf("resolve org units at level %d: %w", o.settings.OrgUnitLevel, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no org units at level %d", o.settings.OrgUnitLevel)
	}
	logger.Debug().Int("level", o.settings.OrgUnitLevel).Int("org_units", len(ids)).Msg("org units resolved")
	return ids, nil
}

// fanOut runs n tasks with at most ParallelTaskCount in flight. A failing task
// never cancels its siblings; errs[i] holds the outcome of task i.
func (o *Orchestrator) fanOut(n int, mode Mode, task func(i int) error, logger zerolog.Logger) []error {
	errs := make([]error, n)
	var g errgroup.Group
	g.SetLimit(o.settings.ParallelTaskCount)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			o.metrics.WorkflowStarted()
			start := time.Now()
			err := task(i)
			o.metrics.WorkflowFinished(string(mode), time.Since(start), err)
			if err != nil {
				evt := logger.Error().Err(err).Int("workflow", i+1)
				var se *StepError
				if errors.As(err, &se) {
					evt = evt.Str("step", string(se.Step)).Str("subject", se.Subject).Str("enrollment", se.Enrollment)
				}
				evt.Msg("workflow failed")
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func collect(errs []error) *RunResult {
	res := &RunResult{Attempted: len(errs)}
	for i, err := range errs {
		if err != nil {
			res.Failures = append(res.Failures, Failure{Index: i, Err: err})
			continue
		}
		res.Succeeded++
	}
	return res
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopMetrics struct{}

func (nopMetrics) WorkflowStarted()                              {}
func (nopMetrics) WorkflowFinished(string, time.Duration, error) {}
