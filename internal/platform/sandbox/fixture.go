package sandbox

import "github.com/ehr/tracker-seeder/internal/domain/schema"

// OrgUnit is a sandbox organisation unit.
type OrgUnit struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Level int    `json:"level"`
}

// Fixture is the metadata a sandbox serves: one program with one tracked
// entity type, its attributes, and one stage.
type Fixture struct {
	ProgramID  string
	EntityType string
	// Attributes are listed in program order.
	Attributes []schema.RawField
	// UniqueAttributeIDs are rejected with a conflict when a value is reused.
	// Generated attributes are always unique.
	UniqueAttributeIDs []string
	StageID            string
	Sections           []schema.Section
	OrgUnits           []OrgUnit
}

func options(codes ...string) *schema.OptionSet {
	set := &schema.OptionSet{Options: make([]schema.Option, 0, len(codes))}
	for _, c := range codes {
		set.Options = append(set.Options, schema.Option{Code: c})
	}
	return set
}

// DefaultFixture mirrors the metadata ids of the seeder's default
// configuration so a fresh sandbox works with no extra settings.
func DefaultFixture() Fixture {
	return Fixture{
		ProgramID:  "kBqHaz4Y8Sf",
		EntityType: "kJQnjvFXP18",
		Attributes: []schema.RawField{
			{ID: "Oe2oAS9TfGA", DisplayName: "Full name", ValueType: "TEXT"},
			{ID: "hDrhKE59EGO", DisplayName: "Initials", ValueType: "TEXT"},
			{ID: "FvpuJ1Ks9nL", DisplayName: "CTC number", ValueType: "TEXT"},
			{ID: "lZGmxYbs97q", DisplayName: "Unique ID", ValueType: "TEXT", Generated: true},
			{ID: "cejWyOfXge6", DisplayName: "Sex", ValueType: "TEXT", OptionSet: options("Male", "Female")},
			{ID: "iESIqZ0R0R0", DisplayName: "Date of birth", ValueType: "DATE"},
			{ID: "P2cwLGskgxn", DisplayName: "Phone number", ValueType: "PHONE_NUMBER"},
			{ID: "NDXw0cluzSw", DisplayName: "Email", ValueType: "EMAIL"},
			{ID: "ciq2USN94oJ", DisplayName: "Registering facility", ValueType: "ORGANISATION_UNIT"},
			{ID: "Z1rLc1rVHK8", DisplayName: "Household size", ValueType: "INTEGER"},
			{ID: "VqEFza8wbwA", DisplayName: "Address", ValueType: "LONG_TEXT"},
		},
		UniqueAttributeIDs: []string{"FvpuJ1Ks9nL"},
		StageID:            "dBwrot7S420",
		Sections: []schema.Section{
			{
				ID: "d7ZILSbPgYh",
				DataElements: []schema.RawField{
					{ID: "qrur9Dvnyt5", DisplayName: "Visit type", ValueType: "TEXT", OptionSet: options("SCHEDULED", "UNSCHEDULED")},
					{ID: "oZg33kd9taw", DisplayName: "On treatment", ValueType: "BOOLEAN"},
					{ID: "GieVkTxp4HH", DisplayName: "Referred", ValueType: "TRUE_ONLY"},
				},
			},
			{
				ID: "ACmvzoBHwSr",
				DataElements: []schema.RawField{
					{ID: "qrur9Dvnyt5", DisplayName: "Visit type", ValueType: "TEXT", OptionSet: options("SCHEDULED", "UNSCHEDULED")},
					{ID: "vANAXwtLwcT", DisplayName: "Clinical notes", ValueType: "LONG_TEXT"},
					{ID: "eMyVanycQSC", DisplayName: "Next appointment", ValueType: "DATE"},
					{ID: "msodh3rEMJa", DisplayName: "Regimen", ValueType: "LONG_TEXT", OptionSet: options("FIRST_LINE", "SECOND_LINE", "THIRD_LINE")},
				},
			},
		},
		OrgUnits: []OrgUnit{
			{ID: "ImspTQPwCqd", Name: "National", Level: 1},
			{ID: "O6uvpzGd5pu", Name: "District A", Level: 3},
			{ID: "DiszpKrYNg8", Name: "Clinic 1", Level: 4},
			{ID: "g8upMTyEZGZ", Name: "Clinic 2", Level: 4},
			{ID: "Rp268JB6Ne4", Name: "Clinic 3", Level: 4},
		},
	}
}

func (f Fixture) attribute(id string) (schema.RawField, bool) {
	for _, a := range f.Attributes {
		if a.ID == id {
			return a, true
		}
	}
	return schema.RawField{}, false
}

func (f Fixture) dataElement(id string) (schema.RawField, bool) {
	for _, s := range f.Sections {
		for _, de := range s.DataElements {
			if de.ID == id {
				return de, true
			}
		}
	}
	return schema.RawField{}, false
}

func (f Fixture) orgUnit(id string) bool {
	for _, ou := range f.OrgUnits {
		if ou.ID == id {
			return true
		}
	}
	return false
}
