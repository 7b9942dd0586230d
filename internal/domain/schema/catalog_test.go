package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	program  *Program
	attrs    []RawField
	sections map[string][]Section

	programErr error
	attrErr    error
	stageErr   error

	stageCalls   atomic.Int32
	programCalls atomic.Int32
	stageDelay   time.Duration
}

func (f *fakeSource) GetProgram(_ context.Context, id string) (*Program, error) {
	f.programCalls.Add(1)
	if f.programErr != nil {
		return nil, f.programErr
	}
	return f.program, nil
}

func (f *fakeSource) GetAttributeDefinitions(_ context.Context, ids []string) ([]RawField, error) {
	if f.attrErr != nil {
		return nil, f.attrErr
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []RawField
	// Reverse order: the catalog must restore program order.
	for i := len(f.attrs) - 1; i >= 0; i-- {
		if want[f.attrs[i].ID] {
			out = append(out, f.attrs[i])
		}
	}
	return out, nil
}

func (f *fakeSource) GetStageSections(_ context.Context, stageID string) ([]Section, error) {
	f.stageCalls.Add(1)
	if f.stageDelay > 0 {
		time.Sleep(f.stageDelay)
	}
	if f.stageErr != nil {
		return nil, f.stageErr
	}
	return f.sections[stageID], nil
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		program: &Program{ID: "P", AttributeIDs: []string{"name", "sex", "ctc"}, StageIDs: []string{"S1", "S2"}},
		attrs: []RawField{
			{ID: "name", DisplayName: "Full name", ValueType: "TEXT"},
			{ID: "sex", DisplayName: "Sex", ValueType: "TEXT", OptionSet: &OptionSet{Options: []Option{{Code: "M"}, {Code: "F"}}}},
			{ID: "ctc", DisplayName: "CTC", ValueType: "TEXT"},
		},
		sections: map[string][]Section{
			"S1": {
				{ID: "sec1", DataElements: []RawField{{ID: "a", ValueType: "BOOLEAN"}, {ID: "b", ValueType: "DATE"}}},
				{ID: "sec2", DataElements: []RawField{{ID: "b", ValueType: "DATE"}, {ID: "c", ValueType: "LONG_TEXT"}}},
			},
			"S2": {
				{ID: "sec3", DataElements: []RawField{{ID: "z", ValueType: "TEXT"}}},
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Subject fields
// ---------------------------------------------------------------------------

func TestCatalog_SubjectFields(t *testing.T) {
	c := NewCatalog(newFakeSource(), CatalogConfig{ProgramID: "P", UniqueIDs: []string{"ctc"}}, zerolog.Nop())

	got, err := c.SubjectFields(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []FieldDescriptor{
		{ID: "name", DisplayName: "Full name", ValueType: ValueTypeText, RawValueType: "TEXT"},
		{ID: "sex", DisplayName: "Sex", ValueType: ValueTypeText, RawValueType: "TEXT", AllowedValues: []string{"M", "F"}},
		{ID: "ctc", DisplayName: "CTC", ValueType: ValueTypeText, RawValueType: "TEXT", Unique: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("subject fields mismatch (-want +got):\n%s", diff)
	}
}

func TestCatalog_SubjectFields_MissingDefinition(t *testing.T) {
	src := newFakeSource()
	src.attrs = src.attrs[:2]
	c := NewCatalog(src, CatalogConfig{ProgramID: "P"}, zerolog.Nop())

	_, err := c.SubjectFields(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FetchError, got %v", err)
	}
	if fe.Scope != "program" || fe.ID != "P" {
		t.Errorf("expected program P scope, got %s %s", fe.Scope, fe.ID)
	}
}

func TestCatalog_SubjectFields_RemoteFailure(t *testing.T) {
	src := newFakeSource()
	src.programErr = errors.New("connection refused")
	c := NewCatalog(src, CatalogConfig{ProgramID: "P"}, zerolog.Nop())

	_, err := c.SubjectFields(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.ID != "P" {
		t.Fatalf("expected FetchError naming P, got %v", err)
	}
	if !errors.Is(err, src.programErr) {
		t.Error("expected the remote error to be wrapped")
	}
}

// ---------------------------------------------------------------------------
// Event fields
// ---------------------------------------------------------------------------

func TestCatalog_EventFields_FlattenedFirstWins(t *testing.T) {
	c := NewCatalog(newFakeSource(), CatalogConfig{ProgramID: "P", StageID: "S1"}, zerolog.Nop())

	got, err := c.EventFields(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := make([]string, 0, len(got))
	for _, f := range got {
		ids = append(ids, f.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Errorf("event field ids mismatch (-want +got):\n%s", diff)
	}
}

func TestCatalog_EventFields_Memoised(t *testing.T) {
	src := newFakeSource()
	c := NewCatalog(src, CatalogConfig{ProgramID: "P", StageID: "S1"}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		if _, err := c.EventFields(context.Background()); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}
	if n := src.stageCalls.Load(); n != 1 {
		t.Errorf("expected one stage request across two calls, got %d", n)
	}
}

func TestCatalog_EventFields_ConcurrentFirstCallersShareOneRequest(t *testing.T) {
	src := newFakeSource()
	src.stageDelay = 50 * time.Millisecond
	c := NewCatalog(src, CatalogConfig{ProgramID: "P", StageID: "S1"}, zerolog.Nop())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.EventFields(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: unexpected error: %v", i, err)
		}
	}
	if n := src.stageCalls.Load(); n != 1 {
		t.Errorf("expected one stage request for concurrent callers, got %d", n)
	}
}

func TestCatalog_EventFields_FailureNotCached(t *testing.T) {
	src := newFakeSource()
	src.stageErr = errors.New("timeout")
	c := NewCatalog(src, CatalogConfig{ProgramID: "P", StageID: "S1"}, zerolog.Nop())

	_, err := c.EventFields(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Scope != "stage" || fe.ID != "S1" {
		t.Fatalf("expected FetchError for stage S1, got %v", err)
	}

	src.stageErr = nil
	if _, err := c.EventFields(context.Background()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if n := src.stageCalls.Load(); n != 2 {
		t.Errorf("expected the failed fetch to be retried, got %d calls", n)
	}
}

func TestCatalog_EventFields_CallersGetCopies(t *testing.T) {
	c := NewCatalog(newFakeSource(), CatalogConfig{ProgramID: "P", StageID: "S1"}, zerolog.Nop())

	first, _ := c.EventFields(context.Background())
	first[0].ID = "mutated"
	second, _ := c.EventFields(context.Background())
	if second[0].ID != "a" {
		t.Errorf("expected cached fields to be unaffected, got %q", second[0].ID)
	}
}

func TestCatalog_StageResolvedFromProgram(t *testing.T) {
	src := newFakeSource()
	c := NewCatalog(src, CatalogConfig{ProgramID: "P"}, zerolog.Nop())

	stage, err := c.StageID(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stage != "S1" {
		t.Errorf("expected the program's first stage S1, got %s", stage)
	}
	if _, err := c.EventFields(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := src.programCalls.Load(); n != 1 {
		t.Errorf("expected the program to be read once, got %d", n)
	}
}

func TestCatalog_EmptyStage(t *testing.T) {
	src := newFakeSource()
	src.sections["S3"] = nil
	c := NewCatalog(src, CatalogConfig{ProgramID: "P", StageID: "S3"}, zerolog.Nop())

	_, err := c.EventFields(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) || fe.ID != "S3" {
		t.Fatalf("expected FetchError for S3, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Normalisation
// ---------------------------------------------------------------------------

func TestParseValueType(t *testing.T) {
	if ParseValueType("LONG_TEXT") != ValueTypeLongText {
		t.Error("expected LONG_TEXT to parse")
	}
	if vt := ParseValueType("COORDINATE"); vt != ValueTypeUnknown {
		t.Errorf("expected unknown, got %s", vt)
	}
}

func TestNormalize_EmptyOptionSetHasNoVocabulary(t *testing.T) {
	d := Normalize(RawField{ID: "x", ValueType: "TEXT", OptionSet: &OptionSet{}}, nil)
	if d.HasVocabulary() {
		t.Error("expected an empty option set to carry no vocabulary")
	}
	if d.AllowedValues != nil {
		t.Errorf("expected nil allowed values, got %v", d.AllowedValues)
	}
}
