package trackerapi

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Wire payloads
// ---------------------------------------------------------------------------

// Attribute is a tracked entity attribute value.
type Attribute struct {
	Attribute string `json:"attribute"`
	Value     string `json:"value"`
}

// TrackedEntityInstance is the create payload for a subject.
type TrackedEntityInstance struct {
	TrackedEntityInstance string      `json:"trackedEntityInstance,omitempty"`
	TrackedEntityType     string      `json:"trackedEntityType,omitempty"`
	OrgUnit               string      `json:"orgUnit,omitempty"`
	Attributes            []Attribute `json:"attributes"`
}

// Enrollment is the create payload for a program enrollment.
type Enrollment struct {
	TrackedEntityInstance string `json:"trackedEntityInstance"`
	Program               string `json:"program"`
	OrgUnit               string `json:"orgUnit"`
	EnrollmentDate        string `json:"enrollmentDate"`
	IncidentDate          string `json:"incidentDate"`
	Status                string `json:"status"`
}

// DataValue is one data element value of an event.
type DataValue struct {
	DataElement string `json:"dataElement"`
	Value       string `json:"value"`
}

// Event is the create payload for a single program stage event.
type Event struct {
	Program               string      `json:"program"`
	ProgramStage          string      `json:"programStage"`
	OrgUnit               string      `json:"orgUnit"`
	TrackedEntityInstance string      `json:"trackedEntityInstance"`
	Enrollment            string      `json:"enrollment"`
	EventDate             string      `json:"eventDate"`
	Status                string      `json:"status"`
	DataValues            []DataValue `json:"dataValues"`
}

// EventBatch wraps events for the bulk endpoint.
type EventBatch struct {
	Events []Event `json:"events"`
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// Conflict is one rejected value reported by an import.
type Conflict struct {
	Object string `json:"object"`
	Value  string `json:"value"`
}

// ImportSummary reports the outcome of importing one object.
type ImportSummary struct {
	Status      string     `json:"status"`
	Reference   string     `json:"reference,omitempty"`
	Description string     `json:"description,omitempty"`
	Conflicts   []Conflict `json:"conflicts,omitempty"`
}

// ImportSummaries reports the outcome of an import request.
type ImportSummaries struct {
	ResponseType    string          `json:"responseType,omitempty"`
	Status          string          `json:"status"`
	Imported        int             `json:"imported"`
	Updated         int             `json:"updated"`
	Deleted         int             `json:"deleted"`
	Ignored         int             `json:"ignored"`
	ImportSummaries []ImportSummary `json:"importSummaries"`
}

// WebMessage is the platform's envelope for write responses and errors.
type WebMessage struct {
	HTTPStatus     string           `json:"httpStatus"`
	HTTPStatusCode int              `json:"httpStatusCode"`
	Status         string           `json:"status"`
	Message        string           `json:"message,omitempty"`
	Response       *ImportSummaries `json:"response,omitempty"`
}

// ImportError is returned when the platform accepted the request but reported
// an import failure.
type ImportError struct {
	Operation string
	Status    string
	Messages  []string
}

func (e *ImportError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("%s: import status %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("%s: import status %s: %s", e.Operation, e.Status, strings.Join(e.Messages, "; "))
}

// check returns an *ImportError unless every summary succeeded.
func (m *WebMessage) check(op string) error {
	if m.Response == nil {
		if strings.EqualFold(m.Status, "ERROR") {
			return &ImportError{Operation: op, Status: m.Status, Messages: []string{m.Message}}
		}
		return nil
	}
	var msgs []string
	failed := strings.EqualFold(m.Response.Status, "ERROR")
	for _, s := range m.Response.ImportSummaries {
		if !strings.EqualFold(s.Status, "ERROR") {
			continue
		}
		failed = true
		if s.Description != "" {
			msgs = append(msgs, s.Description)
		}
		for _, c := range s.Conflicts {
			msgs = append(msgs, c.Object+": "+c.Value)
		}
	}
	if !failed {
		return nil
	}
	return &ImportError{Operation: op, Status: m.Response.Status, Messages: msgs}
}

// reference returns the first import summary reference.
func (m *WebMessage) reference(op string) (string, error) {
	if err := m.check(op); err != nil {
		return "", err
	}
	if m.Response == nil || len(m.Response.ImportSummaries) == 0 || m.Response.ImportSummaries[0].Reference == "" {
		return "", &ImportError{Operation: op, Status: m.Status, Messages: []string{"response carries no reference"}}
	}
	return m.Response.ImportSummaries[0].Reference, nil
}

// ---------------------------------------------------------------------------
// Query types
// ---------------------------------------------------------------------------

// SubjectQuery selects subjects whose AttributeID value starts with Prefix.
type SubjectQuery struct {
	Program     string
	OrgUnits    []string
	AttributeID string
	Prefix      string
	PageSize    int
}

// SubjectMatch is a subject returned by QuerySubjects; Value holds the
// queried attribute's value.
type SubjectMatch struct {
	Reference string
	Value     string
}
