// Package sandbox is an in-memory stand-in for the tracker platform API. It
// serves one fixture program and enforces the checks the seeder relies on:
// known metadata, well-formed values and unique attribute values.
package sandbox

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/tracker-seeder/internal/domain/schema"
	"github.com/ehr/tracker-seeder/internal/platform/trackerapi"
	"github.com/ehr/tracker-seeder/pkg/pagination"
)

const dateLayout = "2006-01-02"

// Credentials are the basic auth credentials the sandbox accepts.
type Credentials struct {
	Username string
	Password string
}

// Stats counts stored objects.
type Stats struct {
	Subjects    int `json:"subjects"`
	Enrollments int `json:"enrollments"`
	Events      int `json:"events"`
}

type subject struct {
	tei         trackerapi.TrackedEntityInstance
	enrollments []string
}

type enrollment struct {
	id      string
	payload trackerapi.Enrollment
	events  []string
}

// Platform holds the sandbox state. It is safe for concurrent use.
type Platform struct {
	fixture Fixture
	unique  map[string]bool
	refs    *snowflake.Node

	mu          sync.RWMutex
	subjects    map[string]*subject
	order       []string
	enrollments map[string]*enrollment
	events      map[string]trackerapi.Event
	generated   map[string]int
}

// NewPlatform creates an empty platform serving f.
func NewPlatform(f Fixture) (*Platform, error) {
	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, fmt.Errorf("sandbox: reference generator: %w", err)
	}
	unique := make(map[string]bool)
	for _, id := range f.UniqueAttributeIDs {
		unique[id] = true
	}
	for _, a := range f.Attributes {
		if a.Generated {
			unique[a.ID] = true
		}
	}
	return &Platform{
		fixture:     f,
		unique:      unique,
		refs:        node,
		subjects:    make(map[string]*subject),
		enrollments: make(map[string]*enrollment),
		events:      make(map[string]trackerapi.Event),
		generated:   make(map[string]int),
	}, nil
}

// NewServer returns an echo instance serving p under apiPath with basic auth.
func NewServer(p *Platform, apiPath string, creds Credentials, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.RequestID(), requestLogger(logger), recovery(logger), bodyLimit(maxBodyBytes))

	g := e.Group("/"+strings.Trim(apiPath, "/"), middleware.BasicAuth(func(user, pass string, _ echo.Context) (bool, error) {
		okUser := subtle.ConstantTimeCompare([]byte(user), []byte(creds.Username)) == 1
		okPass := subtle.ConstantTimeCompare([]byte(pass), []byte(creds.Password)) == 1
		return okUser && okPass, nil
	}))
	p.RegisterRoutes(g)
	return e
}

// RegisterRoutes registers the platform endpoints on g.
func (p *Platform) RegisterRoutes(g *echo.Group) {
	g.GET("/programs/:id", p.handleGetProgram)
	g.GET("/programStages/:id", p.handleGetStage)
	g.GET("/trackedEntityAttributes", p.handleListAttributes)
	g.GET("/trackedEntityAttributes/:id/generate", p.handleGenerate)
	g.GET("/organisationUnits", p.handleListOrgUnits)
	g.GET("/trackedEntityInstances", p.handleQuerySubjects)
	g.POST("/trackedEntityInstances", p.handleCreateSubject)
	g.DELETE("/trackedEntityInstances/:id", p.handleDeleteSubject)
	g.POST("/enrollments", p.handleCreateEnrollment)
	g.POST("/events", p.handleCreateEvents)
}

// Stats returns the current object counts.
func (p *Platform) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Subjects: len(p.subjects), Enrollments: len(p.enrollments), Events: len(p.events)}
}

// Subjects returns the stored subjects in creation order.
func (p *Platform) Subjects() []trackerapi.TrackedEntityInstance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]trackerapi.TrackedEntityInstance, 0, len(p.order))
	for _, ref := range p.order {
		out = append(out, p.subjects[ref].tei)
	}
	return out
}

// Events returns the events stored for an enrollment in submission order.
func (p *Platform) Events(enrollmentID string) []trackerapi.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	en, ok := p.enrollments[enrollmentID]
	if !ok {
		return nil
	}
	out := make([]trackerapi.Event, 0, len(en.events))
	for _, id := range en.events {
		out = append(out, p.events[id])
	}
	return out
}

// EnrollmentsOf returns the enrollment ids of a subject.
func (p *Platform) EnrollmentsOf(subjectRef string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.subjects[subjectRef]
	if !ok {
		return nil
	}
	return append([]string(nil), s.enrollments...)
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

type idRef struct {
	ID string `json:"id"`
}

func (p *Platform) handleGetProgram(c echo.Context) error {
	if c.Param("id") != p.fixture.ProgramID {
		return notFound(c, fmt.Sprintf("Program with id %s could not be found.", c.Param("id")))
	}
	type programAttribute struct {
		TrackedEntityAttribute idRef `json:"trackedEntityAttribute"`
	}
	attrs := make([]programAttribute, 0, len(p.fixture.Attributes))
	for _, a := range p.fixture.Attributes {
		attrs = append(attrs, programAttribute{TrackedEntityAttribute: idRef{ID: a.ID}})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":                             p.fixture.ProgramID,
		"trackedEntityType":              idRef{ID: p.fixture.EntityType},
		"programTrackedEntityAttributes": attrs,
		"programStages":                  []idRef{{ID: p.fixture.StageID}},
	})
}

func (p *Platform) handleGetStage(c echo.Context) error {
	if c.Param("id") != p.fixture.StageID {
		return notFound(c, fmt.Sprintf("ProgramStage with id %s could not be found.", c.Param("id")))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"id":                   p.fixture.StageID,
		"programStageSections": p.fixture.Sections,
	})
}

func (p *Platform) handleListAttributes(c echo.Context) error {
	var ids map[string]bool
	if f := c.QueryParam("filter"); f != "" {
		list, ok := parseInFilter(f)
		if !ok {
			return conflictMessage(c, fmt.Sprintf("Unsupported filter: %s", f))
		}
		ids = make(map[string]bool, len(list))
		for _, id := range list {
			ids[id] = true
		}
	}

	var matched []schema.RawField
	for _, a := range p.fixture.Attributes {
		if ids == nil || ids[a.ID] {
			matched = append(matched, a)
		}
	}

	params := pagination.FromContext(c)
	start, end := params.Window(len(matched))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pager":                   pagerFor(c, params, len(matched)),
		"trackedEntityAttributes": nonNil(matched[start:end]),
	})
}

func (p *Platform) handleGenerate(c echo.Context) error {
	id := c.Param("id")
	attr, ok := p.fixture.attribute(id)
	if !ok {
		return notFound(c, fmt.Sprintf("TrackedEntityAttribute with id %s could not be found.", id))
	}
	if !attr.Generated {
		return conflictMessage(c, fmt.Sprintf("TrackedEntityAttribute %s does not have a generation pattern.", id))
	}

	p.mu.Lock()
	p.generated[id]++
	n := p.generated[id]
	p.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]string{
		"ownerObject": "TRACKEDENTITYATTRIBUTE",
		"ownerUid":    id,
		"key":         "SEQUENTIAL(#######)",
		"value":       fmt.Sprintf("%07d", n),
	})
}

func (p *Platform) handleListOrgUnits(c echo.Context) error {
	level := 0
	if raw := c.QueryParam("level"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return conflictMessage(c, fmt.Sprintf("Invalid level: %s", raw))
		}
		level = v
	}

	var matched []OrgUnit
	for _, ou := range p.fixture.OrgUnits {
		if level == 0 || ou.Level == level {
			matched = append(matched, ou)
		}
	}

	params := pagination.FromContext(c)
	start, end := params.Window(len(matched))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pager":             pagerFor(c, params, len(matched)),
		"organisationUnits": nonNil(matched[start:end]),
	})
}

// ---------------------------------------------------------------------------
// Subjects
// ---------------------------------------------------------------------------

func (p *Platform) handleCreateSubject(c echo.Context) error {
	var tei trackerapi.TrackedEntityInstance
	if err := c.Bind(&tei); err != nil {
		return bindError(c, err)
	}

	var conflicts []trackerapi.Conflict
	if tei.TrackedEntityType != p.fixture.EntityType {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "trackedEntityType", Value: "Invalid tracked entity type: " + tei.TrackedEntityType})
	}
	if !p.fixture.orgUnit(tei.OrgUnit) {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "orgUnit", Value: "Invalid org unit: " + tei.OrgUnit})
	}
	seen := make(map[string]bool, len(tei.Attributes))
	for _, a := range tei.Attributes {
		def, ok := p.fixture.attribute(a.Attribute)
		if !ok {
			conflicts = append(conflicts, trackerapi.Conflict{Object: a.Attribute, Value: "Invalid attribute"})
			continue
		}
		if seen[a.Attribute] {
			conflicts = append(conflicts, trackerapi.Conflict{Object: a.Attribute, Value: "Attribute given more than once"})
			continue
		}
		seen[a.Attribute] = true
		if msg := p.checkValue(def, a.Value); msg != "" {
			conflicts = append(conflicts, trackerapi.Conflict{Object: a.Attribute, Value: msg})
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, a := range tei.Attributes {
		if p.unique[a.Attribute] && p.valueTaken(a.Attribute, a.Value) {
			conflicts = append(conflicts, trackerapi.Conflict{Object: a.Attribute, Value: "Non-unique attribute value '" + a.Value + "'"})
		}
	}
	if len(conflicts) > 0 {
		return importConflict(c, trackerapi.ImportSummary{Status: "ERROR", Conflicts: conflicts})
	}

	ref := p.refs.Generate().Base58()
	tei.TrackedEntityInstance = ref
	p.subjects[ref] = &subject{tei: tei}
	p.order = append(p.order, ref)

	return importOK(c, trackerapi.ImportSummary{Status: "SUCCESS", Reference: ref})
}

// valueTaken must be called with p.mu held.
func (p *Platform) valueTaken(attributeID, value string) bool {
	for _, s := range p.subjects {
		for _, a := range s.tei.Attributes {
			if a.Attribute == attributeID && a.Value == value {
				return true
			}
		}
	}
	return false
}

func (p *Platform) handleQuerySubjects(c echo.Context) error {
	ouParam := c.QueryParam("ou")
	if ouParam == "" {
		return conflictMessage(c, "At least one organisation unit must be specified")
	}
	orgUnits := make(map[string]bool)
	for _, ou := range strings.Split(ouParam, ";") {
		orgUnits[ou] = true
	}

	var filterAttr, filterPrefix string
	if f := c.QueryParam("filter"); f != "" {
		parts := strings.SplitN(f, ":", 3)
		if len(parts) != 3 || !strings.EqualFold(parts[1], "SW") {
			return conflictMessage(c, fmt.Sprintf("Unsupported filter: %s", f))
		}
		filterAttr, filterPrefix = parts[0], strings.ToLower(parts[2])
	}
	program := c.QueryParam("program")
	if program != "" && program != p.fixture.ProgramID {
		return conflictMessage(c, fmt.Sprintf("Program does not exist: %s", program))
	}

	p.mu.RLock()
	var matched []trackerapi.TrackedEntityInstance
	for _, ref := range p.order {
		s := p.subjects[ref]
		if !orgUnits[s.tei.OrgUnit] {
			continue
		}
		if program != "" && len(s.enrollments) == 0 {
			continue
		}
		if filterAttr != "" && !hasPrefixFold(s.tei.Attributes, filterAttr, filterPrefix) {
			continue
		}
		matched = append(matched, s.tei)
	}
	p.mu.RUnlock()

	params := pagination.FromContext(c)
	start, end := params.Window(len(matched))
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pager":                  pagerFor(c, params, len(matched)),
		"trackedEntityInstances": nonNil(matched[start:end]),
	})
}

// hasPrefixFold matches like the platform's SW operator, which ignores case.
func hasPrefixFold(attrs []trackerapi.Attribute, id, lowerPrefix string) bool {
	for _, a := range attrs {
		if a.Attribute == id {
			return strings.HasPrefix(strings.ToLower(a.Value), lowerPrefix)
		}
	}
	return false
}

func (p *Platform) handleDeleteSubject(c echo.Context) error {
	ref := c.Param("id")

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.subjects[ref]
	if !ok {
		return notFound(c, fmt.Sprintf("TrackedEntityInstance with id %s could not be found.", ref))
	}
	for _, enID := range s.enrollments {
		if en, ok := p.enrollments[enID]; ok {
			for _, evID := range en.events {
				delete(p.events, evID)
			}
		}
		delete(p.enrollments, enID)
	}
	delete(p.subjects, ref)
	for i, r := range p.order {
		if r == ref {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	return c.JSON(http.StatusOK, trackerapi.WebMessage{
		HTTPStatus:     "OK",
		HTTPStatusCode: http.StatusOK,
		Status:         "OK",
		Response: &trackerapi.ImportSummaries{
			ResponseType:    "ImportSummary",
			Status:          "SUCCESS",
			Deleted:         1,
			ImportSummaries: []trackerapi.ImportSummary{{Status: "SUCCESS", Reference: ref}},
		},
	})
}

// ---------------------------------------------------------------------------
// Enrollments and events
// ---------------------------------------------------------------------------

func (p *Platform) handleCreateEnrollment(c echo.Context) error {
	var req trackerapi.Enrollment
	if err := c.Bind(&req); err != nil {
		return bindError(c, err)
	}

	var conflicts []trackerapi.Conflict
	if req.Program != p.fixture.ProgramID {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "program", Value: "Invalid program: " + req.Program})
	}
	if !p.fixture.orgUnit(req.OrgUnit) {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "orgUnit", Value: "Invalid org unit: " + req.OrgUnit})
	}
	for name, v := range map[string]string{"enrollmentDate": req.EnrollmentDate, "incidentDate": req.IncidentDate} {
		if _, err := time.Parse(dateLayout, v); err != nil {
			conflicts = append(conflicts, trackerapi.Conflict{Object: name, Value: "Invalid date: " + v})
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.subjects[req.TrackedEntityInstance]
	if !ok {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "trackedEntityInstance", Value: "Tracked entity instance does not exist: " + req.TrackedEntityInstance})
	}
	if len(conflicts) > 0 {
		return importConflict(c, trackerapi.ImportSummary{Status: "ERROR", Conflicts: conflicts})
	}

	id := uuid.NewString()
	p.enrollments[id] = &enrollment{id: id, payload: req}
	s.enrollments = append(s.enrollments, id)

	return importOK(c, trackerapi.ImportSummary{Status: "SUCCESS", Reference: id})
}

func (p *Platform) handleCreateEvents(c echo.Context) error {
	var batch trackerapi.EventBatch
	if err := c.Bind(&batch); err != nil {
		return bindError(c, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	summaries := make([]trackerapi.ImportSummary, 0, len(batch.Events))
	failed := false
	for _, ev := range batch.Events {
		conflicts := p.checkEvent(ev)
		if len(conflicts) > 0 {
			failed = true
			summaries = append(summaries, trackerapi.ImportSummary{Status: "ERROR", Conflicts: conflicts})
			continue
		}
		id := uuid.NewString()
		p.events[id] = ev
		en := p.enrollments[ev.Enrollment]
		en.events = append(en.events, id)
		summaries = append(summaries, trackerapi.ImportSummary{Status: "SUCCESS", Reference: id})
	}

	if failed {
		return importConflict(c, summaries...)
	}
	return importOK(c, summaries...)
}

// checkEvent must be called with p.mu held.
func (p *Platform) checkEvent(ev trackerapi.Event) []trackerapi.Conflict {
	var conflicts []trackerapi.Conflict
	if ev.Program != p.fixture.ProgramID {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "program", Value: "Invalid program: " + ev.Program})
	}
	if ev.ProgramStage != p.fixture.StageID {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "programStage", Value: "Invalid program stage: " + ev.ProgramStage})
	}
	if !p.fixture.orgUnit(ev.OrgUnit) {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "orgUnit", Value: "Invalid org unit: " + ev.OrgUnit})
	}
	en, ok := p.enrollments[ev.Enrollment]
	if !ok || en.payload.TrackedEntityInstance != ev.TrackedEntityInstance {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "enrollment", Value: "Enrollment does not exist for tracked entity instance: " + ev.Enrollment})
	}
	if _, err := time.Parse(dateLayout, ev.EventDate); err != nil {
		conflicts = append(conflicts, trackerapi.Conflict{Object: "eventDate", Value: "Invalid event date: " + ev.EventDate})
	}
	for _, dv := range ev.DataValues {
		def, ok := p.fixture.dataElement(dv.DataElement)
		if !ok {
			conflicts = append(conflicts, trackerapi.Conflict{Object: dv.DataElement, Value: "Data element is not part of the program stage"})
			continue
		}
		if msg := p.checkValue(def, dv.Value); msg != "" {
			conflicts = append(conflicts, trackerapi.Conflict{Object: dv.DataElement, Value: msg})
		}
	}
	return conflicts
}

// checkValue returns a conflict message when value is not valid for def.
func (p *Platform) checkValue(def schema.RawField, value string) string {
	if def.OptionSet != nil && len(def.OptionSet.Options) > 0 {
		for _, o := range def.OptionSet.Options {
			if o.Code == value {
				return ""
			}
		}
		return "Value is not a valid option code: " + value
	}

	switch schema.ParseValueType(def.ValueType) {
	case schema.ValueTypeBoolean:
		if value != "true" && value != "false" {
			return "Value is not a boolean: " + value
		}
	case schema.ValueTypeTrueOnly:
		if value != "true" {
			return "Value is not true: " + value
		}
	case schema.ValueTypeNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return "Value is not numeric: " + value
		}
	case schema.ValueTypeInteger:
		if _, err := strconv.Atoi(value); err != nil {
			return "Value is not an integer: " + value
		}
	case schema.ValueTypeDate, schema.ValueTypeAge:
		if _, err := time.Parse(dateLayout, value); err != nil {
			return "Value is not a valid date: " + value
		}
	case schema.ValueTypeEmail:
		if !strings.Contains(value, "@") {
			return "Value is not a valid email: " + value
		}
	case schema.ValueTypeOrganisationUnit:
		if !p.fixture.orgUnit(value) {
			return "Value is not a valid organisation unit: " + value
		}
	}
	if value == "" {
		return "Value is empty"
	}
	return ""
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

func importOK(c echo.Context, summaries ...trackerapi.ImportSummary) error {
	return c.JSON(http.StatusOK, trackerapi.WebMessage{
		HTTPStatus:     "OK",
		HTTPStatusCode: http.StatusOK,
		Status:         "OK",
		Message:        "Import was successful.",
		Response: &trackerapi.ImportSummaries{
			ResponseType:    "ImportSummaries",
			Status:          "SUCCESS",
			Imported:        len(summaries),
			ImportSummaries: summaries,
		},
	})
}

func importConflict(c echo.Context, summaries ...trackerapi.ImportSummary) error {
	imported, ignored := 0, 0
	for _, s := range summaries {
		if s.Status == "SUCCESS" {
			imported++
		} else {
			ignored++
		}
	}
	return c.JSON(http.StatusConflict, trackerapi.WebMessage{
		HTTPStatus:     "Conflict",
		HTTPStatusCode: http.StatusConflict,
		Status:         "ERROR",
		Message:        "An error occurred, please check import summary.",
		Response: &trackerapi.ImportSummaries{
			ResponseType:    "ImportSummaries",
			Status:          "ERROR",
			Imported:        imported,
			Ignored:         ignored,
			ImportSummaries: summaries,
		},
	})
}

// pagerFor describes the current page and links the next one while more
// items remain.
func pagerFor(c echo.Context, params pagination.Params, total int) *pagination.Pager {
	pager := pagination.NewPager(params, total)
	if pager == nil || !params.HasNext(total) {
		return pager
	}
	next := *c.Request().URL
	q := next.Query()
	q.Set("page", strconv.Itoa(params.Page+1))
	next.RawQuery = q.Encode()
	pager.NextPage = next.String()
	return pager
}

func conflictMessage(c echo.Context, msg string) error {
	return webMessage(c, http.StatusConflict, msg)
}

func notFound(c echo.Context, msg string) error {
	return webMessage(c, http.StatusNotFound, msg)
}

// bindError answers a failed c.Bind. An over-long body keeps its 413; any
// other decoding failure is a 409 like the platform's own payload errors.
func bindError(c echo.Context, err error) error {
	if errors.Is(err, errBodyTooLarge) {
		return webMessage(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", maxBodyBytes))
	}
	return conflictMessage(c, "Invalid payload: "+err.Error())
}

// parseInFilter parses "id:in:[a,b,c]".
func parseInFilter(f string) ([]string, bool) {
	const prefix = "id:in:["
	if !strings.HasPrefix(f, prefix) || !strings.HasSuffix(f, "]") {
		return nil, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(f, prefix), "]")
	if body == "" {
		return []string{}, true
	}
	return strings.Split(body, ","), true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
