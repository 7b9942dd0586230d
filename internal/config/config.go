package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const dateLayout = "2006-01-02"

// AllOrgUnits as TARGET_ORG_UNITS targets every org unit at ORG_UNIT_LEVEL.
const AllOrgUnits = "all"

type Config struct {
	URLBase                 string `mapstructure:"URL_BASE"`
	APIPathPrefix           string `mapstructure:"API_PATH_PREFIX"`
	Username                string `mapstructure:"USERNAME"`
	Password                string `mapstructure:"PASSWORD"`
	FullNamePrefix          string `mapstructure:"FULL_NAME_PREFIX"`
	PageSize                int    `mapstructure:"PAGE_SIZE"`
	TargetOrgUnits          string `mapstructure:"TARGET_ORG_UNITS"`
	OrgUnitLevel            int    `mapstructure:"ORG_UNIT_LEVEL"`
	TargetProgram           string `mapstructure:"TARGET_PROGRAM"`
	TargetProgramStage      string `mapstructure:"TARGET_PROGRAM_STAGE"`
	FullNameAttributeID     string `mapstructure:"FULL_NAME_ATTRIBUTE_ID"`
	InitialsAttributeID     string `mapstructure:"INITIALS_ATTRIBUTE_ID"`
	CTCAttributeID          string `mapstructure:"CTC_ATTRIBUTE_ID"`
	UniqueTextAttributes    string `mapstructure:"UNIQUE_TEXT_ATTRIBUTES"`
	PersonTrackedEntityType string `mapstructure:"PERSON_TRACKED_ENTITY_TYPE"`
	RecordsToCreate         int    `mapstructure:"RECORDS_TO_CREATE"`
	ParallelTaskCount       int    `mapstructure:"PARALLEL_TASK_COUNT"`
	MonthCount              int    `mapstructure:"MONTH_COUNT"`
	StartMonthsBack         int    `mapstructure:"START_MONTHS_BACK"`
	BirthDateFrom           string `mapstructure:"BIRTH_DATE_FROM"`
	BirthDateTo             string `mapstructure:"BIRTH_DATE_TO"`
	EventDateFrom           string `mapstructure:"EVENT_DATE_FROM"`
	EventDateTo             string `mapstructure:"EVENT_DATE_TO"`
	JitterMaxMS             int    `mapstructure:"JITTER_MAX_MS"`
	IsTrace                 bool   `mapstructure:"IS_TRACE"`
	Seed                    uint64 `mapstructure:"SEED"`
	SandboxAddr             string `mapstructure:"SANDBOX_ADDR"`
	LogFormat               string `mapstructure:"LOG_FORMAT"`
}

var keys = []string{
	"URL_BASE", "API_PATH_PREFIX", "USERNAME", "PASSWORD", "FULL_NAME_PREFIX",
	"PAGE_SIZE", "TARGET_ORG_UNITS", "ORG_UNIT_LEVEL", "TARGET_PROGRAM",
	"TARGET_PROGRAM_STAGE", "FULL_NAME_ATTRIBUTE_ID", "INITIALS_ATTRIBUTE_ID",
	"CTC_ATTRIBUTE_ID", "UNIQUE_TEXT_ATTRIBUTES", "PERSON_TRACKED_ENTITY_TYPE",
	"RECORDS_TO_CREATE", "PARALLEL_TASK_COUNT", "MONTH_COUNT", "START_MONTHS_BACK",
	"BIRTH_DATE_FROM", "BIRTH_DATE_TO", "EVENT_DATE_FROM", "EVENT_DATE_TO",
	"JITTER_MAX_MS", "IS_TRACE", "SEED", "SANDBOX_ADDR", "LOG_FORMAT",
}

// Load reads settings from the environment and an optional config file. With
// an empty path a .env file in the working directory is used if present; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path == "" {
		v.SetConfigFile(".env")
	} else {
		v.SetConfigFile(path)
	}
	v.AutomaticEnv()

	v.SetDefault("URL_BASE", "http://localhost:8080")
	v.SetDefault("API_PATH_PREFIX", "/api/29")
	v.SetDefault("USERNAME", "admin")
	v.SetDefault("PASSWORD", "district")
	v.SetDefault("FULL_NAME_PREFIX", "test-")
	v.SetDefault("PAGE_SIZE", 200)
	v.SetDefault("TARGET_ORG_UNITS", AllOrgUnits)
	v.SetDefault("ORG_UNIT_LEVEL", 4)
	v.SetDefault("TARGET_PROGRAM", "kBqHaz4Y8Sf")
	v.SetDefault("TARGET_PROGRAM_STAGE", "")
	v.SetDefault("FULL_NAME_ATTRIBUTE_ID", "Oe2oAS9TfGA")
	v.SetDefault("INITIALS_ATTRIBUTE_ID", "hDrhKE59EGO")
	v.SetDefault("CTC_ATTRIBUTE_ID", "FvpuJ1Ks9nL")
	v.SetDefault("UNIQUE_TEXT_ATTRIBUTES", "")
	v.SetDefault("PERSON_TRACKED_ENTITY_TYPE", "kJQnjvFXP18")
	v.SetDefault("RECORDS_TO_CREATE", 1)
	v.SetDefault("PARALLEL_TASK_COUNT", 2)
	v.SetDefault("MONTH_COUNT", 12)
	v.SetDefault("START_MONTHS_BACK", 12)
	v.SetDefault("BIRTH_DATE_FROM", "1950-01-01")
	v.SetDefault("BIRTH_DATE_TO", "2005-12-31")
	v.SetDefault("EVENT_DATE_FROM", "")
	v.SetDefault("EVENT_DATE_TO", "")
	v.SetDefault("JITTER_MAX_MS", 50)
	v.SetDefault("IS_TRACE", false)
	v.SetDefault("SEED", 0)
	v.SetDefault("SANDBOX_ADDR", ":8080")
	v.SetDefault("LOG_FORMAT", "console")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
		if path != "" || !missing {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// OrgUnits returns the configured org unit ids, or nil when every org unit at
// OrgUnitLevel is targeted. An empty TARGET_ORG_UNITS means all.
func (c *Config) OrgUnits() []string {
	if strings.EqualFold(strings.TrimSpace(c.TargetOrgUnits), AllOrgUnits) {
		return nil
	}
	return splitList(c.TargetOrgUnits)
}

// UniqueAttributeIDs returns the attributes that receive random unique
// tokens. It defaults to the CTC attribute alone.
func (c *Config) UniqueAttributeIDs() []string {
	ids := splitList(c.UniqueTextAttributes)
	if len(ids) == 0 && c.CTCAttributeID != "" {
		return []string{c.CTCAttributeID}
	}
	return ids
}

// JitterMax returns the upper bound of the per-workflow start delay.
func (c *Config) JitterMax() time.Duration {
	return time.Duration(c.JitterMaxMS) * time.Millisecond
}

// BirthDates returns the birth date window.
func (c *Config) BirthDates() (time.Time, time.Time, error) {
	return dateRange("BIRTH_DATE", c.BirthDateFrom, c.BirthDateTo, time.Time{}, time.Time{})
}

// EventDates returns the window for DATE data values. Unset bounds default
// to the event period: StartMonthsBack months before now through now.
func (c *Config) EventDates(now time.Time) (time.Time, time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return dateRange("EVENT_DATE", c.EventDateFrom, c.EventDateTo, today.AddDate(0, -c.StartMonthsBack, 0), today)
}

// Validate checks the settings needed to run against a platform.
func (c *Config) Validate() error {
	u, err := url.Parse(c.URLBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("URL_BASE must be an absolute URL, got %q", c.URLBase)
	}
	if c.Username == "" {
		return fmt.Errorf("USERNAME is required")
	}
	if strings.TrimSpace(c.FullNamePrefix) == "" {
		return fmt.Errorf("FULL_NAME_PREFIX must not be empty: delete mode matches subjects by this prefix")
	}
	required := map[string]string{
		"TARGET_PROGRAM":             c.TargetProgram,
		"FULL_NAME_ATTRIBUTE_ID":     c.FullNameAttributeID,
		"PERSON_TRACKED_ENTITY_TYPE": c.PersonTrackedEntityType,
	}
	for name, v := range required {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.ParallelTaskCount < 1 {
		return fmt.Errorf("PARALLEL_TASK_COUNT must be at least 1, got %d", c.ParallelTaskCount)
	}
	if c.RecordsToCreate < 0 || c.MonthCount < 0 || c.StartMonthsBack < 0 || c.JitterMaxMS < 0 {
		return fmt.Errorf("RECORDS_TO_CREATE, MONTH_COUNT, START_MONTHS_BACK and JITTER_MAX_MS must not be negative")
	}
	if c.OrgUnits() == nil && c.OrgUnitLevel < 1 {
		return fmt.Errorf("ORG_UNIT_LEVEL must be at least 1 when TARGET_ORG_UNITS is %q", AllOrgUnits)
	}
	if _, _, err := c.BirthDates(); err != nil {
		return err
	}
	if _, _, err := c.EventDates(time.Now()); err != nil {
		return err
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be \"console\" or \"json\", got %q", c.LogFormat)
	}
	return nil
}

func dateRange(name, from, to string, defFrom, defTo time.Time) (time.Time, time.Time, error) {
	start, end := defFrom, defTo
	var err error
	if from != "" {
		if start, err = time.Parse(dateLayout, from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%s_FROM: %w", name, err)
		}
	}
	if to != "" {
		if end, err = time.Parse(dateLayout, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%s_TO: %w", name, err)
		}
	}
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, fmt.Errorf("%s_FROM and %s_TO are required", name, name)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%s_TO %s is before %s_FROM %s", name, to, name, from)
	}
	return start, end, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
