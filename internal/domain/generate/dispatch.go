package generate

import (
	"context"
	"fmt"

	"github.com/ehr/tracker-seeder/internal/domain/schema"
)

// Fixed values the platform accepts for fields that are not randomised.
const (
	// InitialsPlaceholder is not derived from the generated full name; keeping
	// the two in sync is left to a later change.
	InitialsPlaceholder = "tt"
	PhonePlaceholder    = "0700000000"
	FallbackText        = "test"
	EmailDomain         = "example.com"
)

// FieldValue is one (field id, value) pair of a payload.
type FieldValue struct {
	FieldID string
	Value   string
}

// Request carries the per-call inputs of a generator. OrgUnit is the org unit
// of the record being built.
type Request struct {
	Field   schema.FieldDescriptor
	OrgUnit string
}

// Generator produces one value for a field.
type Generator func(ctx context.Context, req Request) (string, error)

// UniqueValueMinter asks the platform to mint a value for a server-generated
// attribute.
type UniqueValueMinter interface {
	GenerateUniqueValue(ctx context.Context, attributeID string) (string, error)
}

// DispatchError reports an event field whose (value type, vocabulary) pair
// has no generator.
type DispatchError struct {
	FieldID       string
	ValueType     string
	HasVocabulary bool
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("no event value generator for key (valueType=%s, vocabulary=%t) on data element %s",
		e.ValueType, e.HasVocabulary, e.FieldID)
}

// RemoteGenerationError wraps a failure of the platform's value generator.
type RemoteGenerationError struct {
	FieldID string
	Err     error
}

func (e *RemoteGenerationError) Error() string {
	return fmt.Sprintf("platform could not generate a value for attribute %s, try again: %v", e.FieldID, e.Err)
}

func (e *RemoteGenerationError) Unwrap() error { return e.Err }

// ---------------------------------------------------------------------------
// Subject attributes
// ---------------------------------------------------------------------------

// Roles names the attributes that get special treatment.
type Roles struct {
	NamePrefix      string
	FullNameID      string
	InitialsID      string
	PrimaryUniqueID string
}

// SubjectDispatcher picks generators for tracked entity attributes.
type SubjectDispatcher struct {
	values *Values
	minter UniqueValueMinter
	roles  Roles
	byType map[schema.ValueType]Generator
}

// NewSubjectDispatcher builds the attribute dispatch table.
func NewSubjectDispatcher(values *Values, minter UniqueValueMinter, roles Roles) *SubjectDispatcher {
	d := &SubjectDispatcher{values: values, minter: minter, roles: roles}
	d.byType = map[schema.ValueType]Generator{
		schema.ValueTypeBoolean:          d.constant(values.Bool),
		schema.ValueTypeTrueOnly:         fixed("true"),
		schema.ValueTypeNumber:           d.constant(values.Number),
		schema.ValueTypeInteger:          d.constant(values.Number),
		schema.ValueTypePhoneNumber:      fixed(PhonePlaceholder),
		schema.ValueTypeDate:             d.constant(values.BirthDate),
		schema.ValueTypeAge:              d.constant(values.BirthDate),
		schema.ValueTypeOrganisationUnit: orgUnit,
		schema.ValueTypeEmail:            d.constant(values.Email),
	}
	return d
}

// Resolve returns the generator for f. Attribute dispatch always succeeds:
// unmatched types fall back to FallbackText.
func (d *SubjectDispatcher) Resolve(f schema.FieldDescriptor) Generator {
	switch {
	case f.Generated:
		return d.remote
	case f.ID == d.roles.FullNameID:
		return d.fullName
	case f.ID == d.roles.InitialsID:
		return fixed(InitialsPlaceholder)
	case f.HasVocabulary():
		return d.option
	case f.Unique && f.ID == d.roles.PrimaryUniqueID:
		return d.constant(d.values.StructuredToken)
	case f.Unique:
		return d.constant(d.values.ShortToken)
	}
	if gen, ok := d.byType[f.ValueType]; ok {
		return gen
	}
	return fixed(FallbackText)
}

// Generate resolves and runs the generator for f.
func (d *SubjectDispatcher) Generate(ctx context.Context, f schema.FieldDescriptor, orgUnitID string) (string, error) {
	return d.Resolve(f)(ctx, Request{Field: f, OrgUnit: orgUnitID})
}

func (d *SubjectDispatcher) remote(ctx context.Context, req Request) (string, error) {
	v, err := d.minter.GenerateUniqueValue(ctx, req.Field.ID)
	if err != nil {
		return "", &RemoteGenerationError{FieldID: req.Field.ID, Err: err}
	}
	return v, nil
}

func (d *SubjectDispatcher) fullName(context.Context, Request) (string, error) {
	return d.roles.NamePrefix + d.values.PersonName(), nil
}

func (d *SubjectDispatcher) option(_ context.Context, req Request) (string, error) {
	return d.values.Pick(req.Field.AllowedValues), nil
}

func (d *SubjectDispatcher) constant(fn func() string) Generator {
	return func(context.Context, Request) (string, error) {
		return fn(), nil
	}
}

// ---------------------------------------------------------------------------
// Event data values
// ---------------------------------------------------------------------------

type eventKey struct {
	valueType  schema.ValueType
	vocabulary bool
}

// EventDispatcher picks generators for program stage data elements from a
// closed table. There is no default: an unknown key is an error.
type EventDispatcher struct {
	values *Values
	table  map[eventKey]Generator
}

// NewEventDispatcher builds the data element dispatch table.
func NewEventDispatcher(values *Values) *EventDispatcher {
	d := &EventDispatcher{values: values}
	coin := func(context.Context, Request) (string, error) { return values.Bool(), nil }
	option := func(_ context.Context, req Request) (string, error) {
		return values.Pick(req.Field.AllowedValues), nil
	}
	text := func(context.Context, Request) (string, error) { return values.FreeText(), nil }
	date := func(context.Context, Request) (string, error) { return values.EventDate(), nil }

	d.table = map[eventKey]Generator{
		{schema.ValueTypeBoolean, false}:  coin,
		{schema.ValueTypeBoolean, true}:   coin,
		{schema.ValueTypeTrueOnly, false}: fixed("true"),
		{schema.ValueTypeTrueOnly, true}:  fixed("true"),
		{schema.ValueTypeText, true}:      option,
		{schema.ValueTypeText, false}:     text,
		{schema.ValueTypeLongText, true}:  option,
		{schema.ValueTypeLongText, false}: text,
		{schema.ValueTypeDate, false}:     date,
	}
	return d
}

// Resolve returns the generator for f or a *DispatchError.
func (d *EventDispatcher) Resolve(f schema.FieldDescriptor) (Generator, error) {
	gen, ok := d.table[eventKey{valueType: f.ValueType, vocabulary: f.HasVocabulary()}]
	if !ok {
		return nil, &DispatchError{FieldID: f.ID, ValueType: f.TypeName(), HasVocabulary: f.HasVocabulary()}
	}
	return gen, nil
}

// Generate resolves and runs the generator for f.
func (d *EventDispatcher) Generate(ctx context.Context, f schema.FieldDescriptor, orgUnitID string) (string, error) {
	gen, err := d.Resolve(f)
	if err != nil {
		return "", err
	}
	return gen(ctx, Request{Field: f, OrgUnit: orgUnitID})
}

func fixed(value string) Generator {
	return func(context.Context, Request) (string, error) {
		return value, nil
	}
}

func orgUnit(_ context.Context, req Request) (string, error) {
	return req.OrgUnit, nil
}
