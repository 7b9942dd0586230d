package generate

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ehr/tracker-seeder/internal/domain/schema"
)

var (
	birthFrom = time.Date(1950, 1, 1, 0, 0, 0, 0, time.UTC)
	birthTo   = time.Date(2005, 12, 31, 0, 0, 0, 0, time.UTC)
	eventFrom = time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	eventTo   = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	structuredToken = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}-\d{4}$`)
	shortToken      = regexp.MustCompile(`^[A-Z0-9]{8}$`)
)

func newTestValues(seed uint64) *Values {
	return NewValues(ValuesConfig{
		Seed:       seed,
		BirthDates: DateRange{From: birthFrom, To: birthTo},
		EventDates: DateRange{From: eventFrom, To: eventTo},
	})
}

type fakeMinter struct {
	value string
	err   error
	calls []string
}

func (m *fakeMinter) GenerateUniqueValue(_ context.Context, attributeID string) (string, error) {
	m.calls = append(m.calls, attributeID)
	return m.value, m.err
}

var testRoles = Roles{
	NamePrefix:      "test-",
	FullNameID:      "fullName",
	InitialsID:      "initials",
	PrimaryUniqueID: "ctc",
}

func field(id, valueType string, options ...string) schema.FieldDescriptor {
	f := schema.FieldDescriptor{ID: id, ValueType: schema.ParseValueType(valueType), RawValueType: valueType}
	if len(options) > 0 {
		f.AllowedValues = options
	}
	return f
}

func inRange(t *testing.T, value string, from, to time.Time) {
	t.Helper()
	d, err := time.Parse(DateLayout, value)
	if err != nil {
		t.Fatalf("expected a %s date, got %q", DateLayout, value)
	}
	if d.Before(from) || d.After(to) {
		t.Errorf("date %s outside [%s, %s]", value, from.Format(DateLayout), to.Format(DateLayout))
	}
}

// ---------------------------------------------------------------------------
// Values
// ---------------------------------------------------------------------------

func TestValues_StructuredTokenFormat(t *testing.T) {
	v := newTestValues(1)
	for i := 0; i < 10000; i++ {
		tok := v.StructuredToken()
		if !structuredToken.MatchString(tok) {
			t.Fatalf("sample %d: %q does not match DD-DD-DDDD-DDDD", i, tok)
		}
	}
}

func TestValues_ShortTokenFormat(t *testing.T) {
	v := newTestValues(2)
	for i := 0; i < 1000; i++ {
		if tok := v.ShortToken(); !shortToken.MatchString(tok) {
			t.Fatalf("sample %d: unexpected short token %q", i, tok)
		}
	}
}

func TestValues_SeedIsReproducible(t *testing.T) {
	a, b := newTestValues(42), newTestValues(42)
	for i := 0; i < 20; i++ {
		if x, y := a.PersonName(), b.PersonName(); x != y {
			t.Fatalf("sample %d: %q != %q with the same seed", i, x, y)
		}
	}
}

func TestValues_Duration(t *testing.T) {
	v := newTestValues(3)
	if d := v.Duration(0); d != 0 {
		t.Errorf("expected zero duration for zero max, got %s", d)
	}
	for i := 0; i < 500; i++ {
		if d := v.Duration(50 * time.Millisecond); d < 0 || d >= 50*time.Millisecond {
			t.Fatalf("duration %s outside [0, 50ms)", d)
		}
	}
}

func TestValues_DegenerateDateRange(t *testing.T) {
	day := time.Date(2020, 2, 2, 0, 0, 0, 0, time.UTC)
	v := NewValues(ValuesConfig{Seed: 1, BirthDates: DateRange{From: day, To: day}})
	if got := v.BirthDate(); got != "2020-02-02" {
		t.Errorf("expected the single day in range, got %s", got)
	}
}

// ---------------------------------------------------------------------------
// Subject dispatch
// ---------------------------------------------------------------------------

func TestSubjectDispatcher_Resolve(t *testing.T) {
	minter := &fakeMinter{value: "0000042"}
	d := NewSubjectDispatcher(newTestValues(5), minter, testRoles)
	ctx := context.Background()

	generatedName := field("fullName", "TEXT")
	generatedName.Generated = true
	uniquePrimary := field("ctc", "TEXT")
	uniquePrimary.Unique = true
	uniqueOther := field("passport", "TEXT")
	uniqueOther.Unique = true
	uniqueWithOptions := field("ctc", "TEXT", "A", "B")
	uniqueWithOptions.Unique = true

	tests := []struct {
		name  string
		field schema.FieldDescriptor
		check func(t *testing.T, v string)
	}{
		{"generated wins over every role", generatedName, func(t *testing.T, v string) {
			if v != "0000042" {
				t.Errorf("expected minted value, got %q", v)
			}
		}},
		{"full name", field("fullName", "TEXT"), func(t *testing.T, v string) {
			if !strings.HasPrefix(v, "test-") || !strings.Contains(v, " ") {
				t.Errorf("expected prefixed first and last name, got %q", v)
			}
		}},
		{"initials", field("initials", "TEXT"), func(t *testing.T, v string) {
			if v != InitialsPlaceholder {
				t.Errorf("expected %q, got %q", InitialsPlaceholder, v)
			}
		}},
		{"vocabulary before unique", uniqueWithOptions, func(t *testing.T, v string) {
			if v != "A" && v != "B" {
				t.Errorf("expected option code, got %q", v)
			}
		}},
		{"vocabulary on number", field("n", "NUMBER", "1", "2"), func(t *testing.T, v string) {
			if v != "1" && v != "2" {
				t.Errorf("expected option code, got %q", v)
			}
		}},
		{"primary unique", uniquePrimary, func(t *testing.T, v string) {
			if !structuredToken.MatchString(v) {
				t.Errorf("expected structured token, got %q", v)
			}
		}},
		{"other unique", uniqueOther, func(t *testing.T, v string) {
			if !shortToken.MatchString(v) {
				t.Errorf("expected short token, got %q", v)
			}
		}},
		{"boolean", field("b", "BOOLEAN"), func(t *testing.T, v string) {
			if v != "true" && v != "false" {
				t.Errorf("expected boolean, got %q", v)
			}
		}},
		{"true only", field("b", "TRUE_ONLY"), func(t *testing.T, v string) {
			if v != "true" {
				t.Errorf("expected true, got %q", v)
			}
		}},
		{"integer", field("i", "INTEGER"), func(t *testing.T, v string) {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 || n >= 100 {
				t.Errorf("expected integer in [0,100), got %q", v)
			}
		}},
		{"phone", field("p", "PHONE_NUMBER"), func(t *testing.T, v string) {
			if v != PhonePlaceholder {
				t.Errorf("expected %q, got %q", PhonePlaceholder, v)
			}
		}},
		{"date", field("dob", "DATE"), func(t *testing.T, v string) { inRange(t, v, birthFrom, birthTo) }},
		{"age", field("age", "AGE"), func(t *testing.T, v string) { inRange(t, v, birthFrom, birthTo) }},
		{"org unit", field("ou", "ORGANISATION_UNIT"), func(t *testing.T, v string) {
			if v != "DiszpKrYNg8" {
				t.Errorf("expected the record's org unit, got %q", v)
			}
		}},
		{"email", field("e", "EMAIL"), func(t *testing.T, v string) {
			if !strings.HasSuffix(v, "@"+EmailDomain) || !strings.Contains(v, ".") {
				t.Errorf("expected first.last@%s, got %q", EmailDomain, v)
			}
		}},
		{"long text falls back", field("addr", "LONG_TEXT"), func(t *testing.T, v string) {
			if v != FallbackText {
				t.Errorf("expected fallback %q, got %q", FallbackText, v)
			}
		}},
		{"unknown type falls back", field("geo", "COORDINATE"), func(t *testing.T, v string) {
			if v != FallbackText {
				t.Errorf("expected fallback %q, got %q", FallbackText, v)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := d.Generate(ctx, tt.field, "DiszpKrYNg8")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, v)
		})
	}

	if len(minter.calls) != 1 || minter.calls[0] != "fullName" {
		t.Errorf("expected exactly one mint call for fullName, got %v", minter.calls)
	}
}

func TestSubjectDispatcher_RemoteFailure(t *testing.T) {
	minter := &fakeMinter{err: errors.New("503 service unavailable")}
	d := NewSubjectDispatcher(newTestValues(1), minter, testRoles)

	f := field("uid", "TEXT")
	f.Generated = true
	_, err := d.Generate(context.Background(), f, "ou")
	if err == nil {
		t.Fatal("expected error from failing minter")
	}
	var rge *RemoteGenerationError
	if !errors.As(err, &rge) {
		t.Fatalf("expected *RemoteGenerationError, got %T", err)
	}
	if rge.FieldID != "uid" {
		t.Errorf("expected field uid, got %s", rge.FieldID)
	}
	if !strings.Contains(err.Error(), "try again") {
		t.Errorf("expected retry hint in %q", err.Error())
	}
	if !errors.Is(err, minter.err) {
		t.Error("expected the minter error to be wrapped")
	}
}

// ---------------------------------------------------------------------------
// Event dispatch
// ---------------------------------------------------------------------------

func TestEventDispatcher_Table(t *testing.T) {
	d := NewEventDispatcher(newTestValues(9))
	ctx := context.Background()

	tests := []struct {
		name  string
		field schema.FieldDescriptor
		check func(t *testing.T, v string)
	}{
		{"boolean", field("b", "BOOLEAN"), func(t *testing.T, v string) {
			if v != "true" && v != "false" {
				t.Errorf("expected boolean, got %q", v)
			}
		}},
		{"boolean with options", field("b", "BOOLEAN", "true", "false"), func(t *testing.T, v string) {
			if v != "true" && v != "false" {
				t.Errorf("expected boolean, got %q", v)
			}
		}},
		{"true only", field("t", "TRUE_ONLY"), func(t *testing.T, v string) {
			if v != "true" {
				t.Errorf("expected true, got %q", v)
			}
		}},
		{"text options", field("visit", "TEXT", "SCHEDULED", "UNSCHEDULED"), func(t *testing.T, v string) {
			if v != "SCHEDULED" && v != "UNSCHEDULED" {
				t.Errorf("expected option code, got %q", v)
			}
		}},
		{"free text", field("notes", "LONG_TEXT"), func(t *testing.T, v string) {
			if strings.TrimSpace(v) == "" {
				t.Error("expected non-empty text")
			}
		}},
		{"date", field("next", "DATE"), func(t *testing.T, v string) { inRange(t, v, eventFrom, eventTo) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := d.Generate(ctx, tt.field, "ou")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, v)
		})
	}
}

func TestEventDispatcher_BooleanResolvesToCoin(t *testing.T) {
	d := NewEventDispatcher(newTestValues(11))
	gen, err := d.Resolve(field("b", "BOOLEAN"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		v, err := gen(context.Background(), Request{Field: field("b", "BOOLEAN")})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		seen[v] = true
	}
	if len(seen) != 2 || !seen["true"] || !seen["false"] {
		t.Errorf("expected both true and false over 200 draws, got %v", seen)
	}
}

func TestEventDispatcher_UnsupportedKeys(t *testing.T) {
	d := NewEventDispatcher(newTestValues(1))

	tests := []struct {
		name      string
		field     schema.FieldDescriptor
		wantType  string
		wantVocab bool
	}{
		{"number with options", field("n", "NUMBER", "1", "2"), "NUMBER", true},
		{"plain number", field("n", "NUMBER"), "NUMBER", false},
		{"date with options", field("d", "DATE", "2020-01-01"), "DATE", true},
		{"phone", field("p", "PHONE_NUMBER"), "PHONE_NUMBER", false},
		{"unknown type", field("g", "COORDINATE"), "COORDINATE", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Generate(context.Background(), tt.field, "ou")
			var de *DispatchError
			if !errors.As(err, &de) {
				t.Fatalf("expected *DispatchError, got %v", err)
			}
			if de.ValueType != tt.wantType || de.HasVocabulary != tt.wantVocab || de.FieldID != tt.field.ID {
				t.Errorf("unexpected key %+v", de)
			}
			if !strings.Contains(err.Error(), tt.wantType) {
				t.Errorf("expected error to name %s, got %q", tt.wantType, err.Error())
			}
		})
	}
}
