// Package trackerapi is an HTTP client for the tracker platform web API. It
// covers schema discovery, value generation, and the subject, enrollment and
// event write endpoints the seeder needs.
package trackerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/tracker-seeder/internal/domain/generate"
	"github.com/ehr/tracker-seeder/internal/domain/record"
	"github.com/ehr/tracker-seeder/internal/domain/schema"
	"github.com/ehr/tracker-seeder/pkg/pagination"
)

const (
	contentTypeJSON = "application/json;charset=UTF-8"
	maxErrorBody    = 1024
	defaultTimeout  = 30 * time.Second
)

// APIError is returned for non-2xx responses.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Body
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// Observer is notified after every request.
type Observer interface {
	ObserveRequest(operation string, elapsed time.Duration, err error)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithObserver registers a request observer.
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// Client talks to one platform instance with basic auth.
type Client struct {
	apiURL     string
	username   string
	password   string
	httpClient *http.Client
	logger     zerolog.Logger
	observer   Observer
}

// New returns a client for urlBase joined with apiPath (e.g. "/api/29").
func New(urlBase, apiPath, username, password string, opts ...Option) *Client {
	c := &Client{
		apiURL:     strings.TrimRight(urlBase, "/") + "/" + strings.Trim(apiPath, "/"),
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// APIURL returns the resolved API root.
func (c *Client) APIURL() string { return c.apiURL }

// ---------------------------------------------------------------------------
// Schema discovery
// ---------------------------------------------------------------------------

// GenerateUniqueValue asks the platform to mint the next value of a
// server-generated attribute.
func (c *Client) GenerateUniqueValue(ctx context.Context, attributeID string) (string, error) {
	var out struct {
		Value string `json:"value"`
	}
	path := "/trackedEntityAttributes/" + url.PathEscape(attributeID) + "/generate"
	if err := c.do(ctx, "generate_value", http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	if out.Value == "" {
		return "", fmt.Errorf("generate value for %s: empty value", attributeID)
	}
	return out.Value, nil
}

// GetProgram returns the attribute and stage ids of a program.
func (c *Client) GetProgram(ctx context.Context, programID string) (*schema.Program, error) {
	var out struct {
		ID                             string `json:"id"`
		ProgramTrackedEntityAttributes []struct {
			TrackedEntityAttribute struct {
				ID string `json:"id"`
			} `json:"trackedEntityAttribute"`
		} `json:"programTrackedEntityAttributes"`
		ProgramStages []struct {
			ID string `json:"id"`
		} `json:"programStages"`
	}
	q := url.Values{}
	q.Set("fields", "id,programTrackedEntityAttributes[trackedEntityAttribute[id]],programStages[id]")
	if err := c.do(ctx, "get_program", http.MethodGet, "/programs/"+url.PathEscape(programID), q, nil, &out); err != nil {
		return nil, err
	}

	p := &schema.Program{ID: out.ID}
	for _, a := range out.ProgramTrackedEntityAttributes {
		p.AttributeIDs = append(p.AttributeIDs, a.TrackedEntityAttribute.ID)
	}
	for _, s := range out.ProgramStages {
		p.StageIDs = append(p.StageIDs, s.ID)
	}
	return p, nil
}

// GetAttributeDefinitions returns the definitions of exactly the given
// attribute ids.
func (c *Client) GetAttributeDefinitions(ctx context.Context, ids []string) ([]schema.RawField, error) {
	var out struct {
		TrackedEntityAttributes []schema.RawField `json:"trackedEntityAttributes"`
	}
	q := url.Values{}
	q.Set("filter", "id:in:["+strings.Join(ids, ",")+"]")
	q.Set("fields", "id,displayName,valueType,generated,optionSet[options[code]]")
	q.Set("paging", "false")
	if err := c.do(ctx, "get_attributes", http.MethodGet, "/trackedEntityAttributes", q, nil, &out); err != nil {
		return nil, err
	}
	return out.TrackedEntityAttributes, nil
}

// GetStageSections returns the sections of a program stage with their data
// element definitions.
func (c *Client) GetStageSections(ctx context.Context, stageID string) ([]schema.Section, error) {
	var out struct {
		ProgramStageSections []schema.Section `json:"programStageSections"`
	}
	q := url.Values{}
	q.Set("fields", "programStageSections[id,dataElements[id,displayName,valueType,optionSet[options[code]]]]")
	if err := c.do(ctx, "get_stage", http.MethodGet, "/programStages/"+url.PathEscape(stageID), q, nil, &out); err != nil {
		return nil, err
	}
	return out.ProgramStageSections, nil
}

// GetOrgUnitsAtLevel returns the ids of every org unit at level.
func (c *Client) GetOrgUnitsAtLevel(ctx context.Context, level int) ([]string, error) {
	var out struct {
		OrganisationUnits []struct {
			ID string `json:"id"`
		} `json:"organisationUnits"`
	}
	q := url.Values{}
	q.Set("level", strconv.Itoa(level))
	q.Set("fields", "id")
	q.Set("paging", "false")
	if err := c.do(ctx, "get_org_units", http.MethodGet, "/organisationUnits", q, nil, &out); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.OrganisationUnits))
	for _, ou := range out.OrganisationUnits {
		ids = append(ids, ou.ID)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// CreateSubject creates a tracked entity instance and returns its reference.
func (c *Client) CreateSubject(ctx context.Context, s *record.Subject) (string, error) {
	payload := TrackedEntityInstance{
		TrackedEntityType: s.EntityType,
		OrgUnit:           s.OrgUnit,
		Attributes:        make([]Attribute, 0, len(s.Attributes)),
	}
	for _, a := range s.Attributes {
		payload.Attributes = append(payload.Attributes, Attribute{Attribute: a.FieldID, Value: a.Value})
	}
	var msg WebMessage
	if err := c.do(ctx, "create_subject", http.MethodPost, "/trackedEntityInstances", nil, payload, &msg); err != nil {
		return "", err
	}
	return msg.reference("create subject")
}

// CreateEnrollment enrolls a subject and returns the enrollment reference.
func (c *Client) CreateEnrollment(ctx context.Context, e Enrollment) (string, error) {
	var msg WebMessage
	if err := c.do(ctx, "create_enrollment", http.MethodPost, "/enrollments", nil, e, &msg); err != nil {
		return "", err
	}
	return msg.reference("create enrollment")
}

// CreateEvents submits events in one bulk request.
func (c *Client) CreateEvents(ctx context.Context, events []record.Event) error {
	batch := EventBatch{Events: make([]Event, 0, len(events))}
	for _, ev := range events {
		batch.Events = append(batch.Events, toWireEvent(ev))
	}
	var msg WebMessage
	if err := c.do(ctx, "create_events", http.MethodPost, "/events", nil, batch, &msg); err != nil {
		return err
	}
	return msg.check("create events")
}

// QuerySubjects lists subjects of a program in the given org units whose
// attribute starts with the prefix. At most PageSize results are returned.
func (c *Client) QuerySubjects(ctx context.Context, sq SubjectQuery) ([]SubjectMatch, error) {
	var out struct {
		TrackedEntityInstances []TrackedEntityInstance `json:"trackedEntityInstances"`
	}
	q := pagination.Params{Page: 1, PageSize: sq.PageSize}.Query()
	q.Set("ou", strings.Join(sq.OrgUnits, ";"))
	q.Set("program", sq.Program)
	q.Set("filter", sq.AttributeID+":SW:"+sq.Prefix)
	q.Set("fields", "trackedEntityInstance,attributes[attribute,value]")
	if err := c.do(ctx, "query_subjects", http.MethodGet, "/trackedEntityInstances", q, nil, &out); err != nil {
		return nil, err
	}

	matches := make([]SubjectMatch, 0, len(out.TrackedEntityInstances))
	for _, tei := range out.TrackedEntityInstances {
		m := SubjectMatch{Reference: tei.TrackedEntityInstance}
		for _, a := range tei.Attributes {
			if a.Attribute == sq.AttributeID {
				m.Value = a.Value
				break
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

// DeleteSubject deletes a tracked entity instance.
func (c *Client) DeleteSubject(ctx context.Context, reference string) error {
	return c.do(ctx, "delete_subject", http.MethodDelete, "/trackedEntityInstances/"+url.PathEscape(reference), nil, nil, nil)
}

func toWireEvent(ev record.Event) Event {
	out := Event{
		Program:               ev.Program,
		ProgramStage:          ev.ProgramStage,
		OrgUnit:               ev.OrgUnit,
		TrackedEntityInstance: ev.Subject,
		Enrollment:            ev.Enrollment,
		EventDate:             ev.EventDate.Format(generate.DateLayout),
		Status:                ev.Status,
		DataValues:            make([]DataValue, 0, len(ev.DataValues)),
	}
	for _, v := range ev.DataValues {
		out.DataValues = append(out.DataValues, DataValue{DataElement: v.FieldID, Value: v.Value})
	}
	return out
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.observer != nil {
			c.observer.ObserveRequest(op, time.Since(start), err)
		}
	}()

	target := c.apiURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reqBody io.Reader
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	c.logger.Trace().Str("op", op).Str("method", method).Str("url", target).Bytes("body", payload).Msg("request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", method, path, err)
	}

	c.logger.Trace().Str("op", op).Int("status", resp.StatusCode).Bytes("body", truncate(respBody)).Msg("response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(truncate(respBody))}
		var msg WebMessage
		if json.Unmarshal(respBody, &msg) == nil {
			if ierr := msg.check(op); ierr != nil {
				apiErr.Message = ierr.Error()
			} else if msg.Message != "" {
				apiErr.Message = msg.Message
			}
		}
		return apiErr
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func truncate(b []byte) []byte {
	if len(b) > maxErrorBody {
		return b[:maxErrorBody]
	}
	return b
}
