// Package schema discovers the remote data dictionary of a tracker program
// and normalises it into FieldDescriptor values that the generators consume.
package schema

import "strings"

// ValueType is the closed set of platform value types the generators know
// how to fill.
type ValueType int

const (
	ValueTypeUnknown ValueType = iota
	ValueTypeText
	ValueTypeLongText
	ValueTypeBoolean
	ValueTypeTrueOnly
	ValueTypeNumber
	ValueTypeInteger
	ValueTypePhoneNumber
	ValueTypeDate
	ValueTypeAge
	ValueTypeOrganisationUnit
	ValueTypeEmail
)

var valueTypeNames = map[ValueType]string{
	ValueTypeUnknown:          "UNKNOWN",
	ValueTypeText:             "TEXT",
	ValueTypeLongText:         "LONG_TEXT",
	ValueTypeBoolean:          "BOOLEAN",
	ValueTypeTrueOnly:         "TRUE_ONLY",
	ValueTypeNumber:           "NUMBER",
	ValueTypeInteger:          "INTEGER",
	ValueTypePhoneNumber:      "PHONE_NUMBER",
	ValueTypeDate:             "DATE",
	ValueTypeAge:              "AGE",
	ValueTypeOrganisationUnit: "ORGANISATION_UNIT",
	ValueTypeEmail:            "EMAIL",
}

var valueTypesByName = func() map[string]ValueType {
	m := make(map[string]ValueType, len(valueTypeNames))
	for vt, name := range valueTypeNames {
		if vt == ValueTypeUnknown {
			continue
		}
		m[name] = vt
	}
	return m
}()

// ParseValueType maps a platform value type name onto the enum. Names outside
// the supported set yield ValueTypeUnknown.
func ParseValueType(name string) ValueType {
	if vt, ok := valueTypesByName[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return vt
	}
	return ValueTypeUnknown
}

func (vt ValueType) String() string {
	if name, ok := valueTypeNames[vt]; ok {
		return name
	}
	return "UNKNOWN"
}

// FieldDescriptor is the normalised view of one tracked entity attribute or
// data element.
type FieldDescriptor struct {
	ID           string    `yaml:"id"`
	DisplayName  string    `yaml:"displayName"`
	ValueType    ValueType `yaml:"-"`
	RawValueType string    `yaml:"valueType"`
	Generated    bool      `yaml:"generated,omitempty"`
	Unique       bool      `yaml:"unique,omitempty"`
	// AllowedValues holds option codes in platform order; nil when the field
	// has no option set.
	AllowedValues []string `yaml:"allowedValues,omitempty"`
}

// HasVocabulary reports whether the field is restricted to an option set.
func (d FieldDescriptor) HasVocabulary() bool {
	return len(d.AllowedValues) > 0
}

// TypeName returns the platform value type as received, falling back to the
// enum name.
func (d FieldDescriptor) TypeName() string {
	if d.RawValueType != "" {
		return d.RawValueType
	}
	return d.ValueType.String()
}

// RawField is a field definition as returned by the platform metadata API.
type RawField struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"displayName"`
	ValueType   string     `json:"valueType"`
	Generated   bool       `json:"generated"`
	OptionSet   *OptionSet `json:"optionSet,omitempty"`
}

// OptionSet is the platform's closed vocabulary.
type OptionSet struct {
	Options []Option `json:"options"`
}

// Option is a single permitted code.
type Option struct {
	Code string `json:"code"`
}

// Section groups data elements on a program stage form.
type Section struct {
	ID           string     `json:"id"`
	DataElements []RawField `json:"dataElements"`
}

// Program is the subset of a program definition needed for discovery.
type Program struct {
	ID           string
	AttributeIDs []string
	StageIDs     []string
}

// Normalize converts a raw definition into a FieldDescriptor. unique lists
// the ids that must receive best-effort unique values.
func Normalize(raw RawField, unique map[string]bool) FieldDescriptor {
	d := FieldDescriptor{
		ID:           raw.ID,
		DisplayName:  raw.DisplayName,
		ValueType:    ParseValueType(raw.ValueType),
		RawValueType: raw.ValueType,
		Generated:    raw.Generated,
		Unique:       unique[raw.ID],
	}
	if raw.OptionSet != nil && len(raw.OptionSet.Options) > 0 {
		d.AllowedValues = make([]string, 0, len(raw.OptionSet.Options))
		for _, o := range raw.OptionSet.Options {
			d.AllowedValues = append(d.AllowedValues, o.Code)
		}
	}
	return d
}

// FlattenSections collapses the nested stage form into one field list in
// section order. A data element that appears in more than one section is kept
// at its first position.
func FlattenSections(sections []Section) []RawField {
	seen := make(map[string]bool)
	var out []RawField
	for _, s := range sections {
		for _, de := range s.DataElements {
			if seen[de.ID] {
				continue
			}
			seen[de.ID] = true
			out = append(out, de)
		}
	}
	return out
}
