package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source is the subset of the platform metadata API the catalog needs.
type Source interface {
	GetProgram(ctx context.Context, programID string) (*Program, error)
	GetAttributeDefinitions(ctx context.Context, ids []string) ([]RawField, error)
	GetStageSections(ctx context.Context, stageID string) ([]Section, error)
}

// FetchError reports a failed schema lookup together with the program or
// stage whose field set was being resolved.
type FetchError struct {
	Scope string // "program" or "stage"
	ID    string
	Err   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch fields for %s %q: %v", e.Scope, e.ID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// CatalogConfig identifies the field sets to discover.
type CatalogConfig struct {
	ProgramID string
	// StageID may be empty, in which case the program's first stage is used.
	StageID   string
	UniqueIDs []string
}

// Catalog fetches subject and event field definitions. Event fields are
// memoised for the lifetime of the catalog.
type Catalog struct {
	src       Source
	programID string
	stageID   string
	unique    map[string]bool
	logger    zerolog.Logger

	group singleflight.Group

	mu          sync.RWMutex
	eventFields []FieldDescriptor
	eventStage  string
	eventReady  bool
}

// NewCatalog creates a catalog over src.
func NewCatalog(src Source, cfg CatalogConfig, logger zerolog.Logger) *Catalog {
	unique := make(map[string]bool, len(cfg.UniqueIDs))
	for _, id := range cfg.UniqueIDs {
		unique[id] = true
	}
	return &Catalog{
		src:       src,
		programID: cfg.ProgramID,
		stageID:   cfg.StageID,
		unique:    unique,
		logger:    logger,
	}
}

// SubjectFields returns the program's tracked entity attributes in program
// order.
func (c *Catalog) SubjectFields(ctx context.Context) ([]FieldDescriptor, error) {
	program, err := c.src.GetProgram(ctx, c.programID)
	if err != nil {
		return nil, &FetchError{Scope: "program", ID: c.programID, Err: err}
	}
	if len(program.AttributeIDs) == 0 {
		return nil, &FetchError{Scope: "program", ID: c.programID, Err: errors.New("program has no tracked entity attributes")}
	}

	raws, err := c.src.GetAttributeDefinitions(ctx, program.AttributeIDs)
	if err != nil {
		return nil, &FetchError{Scope: "program", ID: c.programID, Err: err}
	}
	byID := make(map[string]RawField, len(raws))
	for _, r := range raws {
		byID[r.ID] = r
	}

	fields := make([]FieldDescriptor, 0, len(program.AttributeIDs))
	for _, id := range program.AttributeIDs {
		raw, ok := byID[id]
		if !ok {
			return nil, &FetchError{Scope: "program", ID: c.programID, Err: fmt.Errorf("no definition returned for attribute %s", id)}
		}
		fields = append(fields, Normalize(raw, c.unique))
	}

	c.logger.Debug().Str("program", c.programID).Int("fields", len(fields)).Msg("subject schema loaded")
	return fields, nil
}

// EventFields returns the flattened data elements of the program stage. The
// first successful fetch is cached; concurrent first callers share a single
// remote request. Failures are not cached.
func (c *Catalog) EventFields(ctx context.Context) ([]FieldDescriptor, error) {
	c.mu.RLock()
	if c.eventReady {
		fields := c.eventFields
		c.mu.RUnlock()
		return cloneFields(fields), nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do("event-fields", func() (interface{}, error) {
		c.mu.RLock()
		if c.eventReady {
			fields := c.eventFields
			c.mu.RUnlock()
			return fields, nil
		}
		c.mu.RUnlock()

		stageID, fields, err := c.loadEventFields(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.eventFields = fields
		c.eventStage = stageID
		c.eventReady = true
		c.mu.Unlock()
		return fields, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneFields(v.([]FieldDescriptor)), nil
}

func (c *Catalog) loadEventFields(ctx context.Context) (string, []FieldDescriptor, error) {
	stageID, err := c.resolveStage(ctx)
	if err != nil {
		return "", nil, err
	}

	sections, err := c.src.GetStageSections(ctx, stageID)
	if err != nil {
		return "", nil, &FetchError{Scope: "stage", ID: stageID, Err: err}
	}
	raws := FlattenSections(sections)
	if len(raws) == 0 {
		return "", nil, &FetchError{Scope: "stage", ID: stageID, Err: errors.New("stage sections contain no data elements")}
	}

	fields := make([]FieldDescriptor, 0, len(raws))
	for _, r := range raws {
		fields = append(fields, Normalize(r, c.unique))
	}

	c.logger.Debug().Str("stage", stageID).Int("fields", len(fields)).Msg("event schema loaded")
	return stageID, fields, nil
}

func (c *Catalog) resolveStage(ctx context.Context) (string, error) {
	if c.stageID != "" {
		return c.stageID, nil
	}
	program, err := c.src.GetProgram(ctx, c.programID)
	if err != nil {
		return "", &FetchError{Scope: "program", ID: c.programID, Err: err}
	}
	if len(program.StageIDs) == 0 {
		return "", &FetchError{Scope: "program", ID: c.programID, Err: errors.New("program has no stages")}
	}
	c.logger.Info().Str("program", c.programID).Str("stage", program.StageIDs[0]).Msg("no stage configured, using the program's first stage")
	return program.StageIDs[0], nil
}

// StageID returns the stage the event fields were loaded from, loading them
// first if needed.
func (c *Catalog) StageID(ctx context.Context) (string, error) {
	if _, err := c.EventFields(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eventStage, nil
}

func cloneFields(in []FieldDescriptor) []FieldDescriptor {
	out := make([]FieldDescriptor, len(in))
	copy(out, in)
	return out
}
