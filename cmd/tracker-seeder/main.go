package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/tracker-seeder/internal/config"
	"github.com/ehr/tracker-seeder/internal/domain/generate"
	"github.com/ehr/tracker-seeder/internal/domain/schema"
	"github.com/ehr/tracker-seeder/internal/domain/seeding"
	"github.com/ehr/tracker-seeder/internal/platform/metrics"
	"github.com/ehr/tracker-seeder/internal/platform/sandbox"
	"github.com/ehr/tracker-seeder/internal/platform/trackerapi"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	yes         bool
	metricsFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "tracker-seeder [create|delete]",
		Short: "Seed a tracker platform with synthetic subjects, enrollments and events",
		Long: "Creates synthetic subjects, enrolls them in the configured program and back-fills " +
			"a monthly series of events. Run with \"delete\" to remove every subject whose full " +
			"name starts with FULL_NAME_PREFIX. Any prefix of a mode name is accepted.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := ""
			if len(args) == 1 {
				arg = args[0]
			}
			// Matching is case-insensitive. A word that is not a prefix of
			// create or delete fails the command instead of falling back to
			// create, so a typo never writes records.
			mode, err := seeding.ParseMode(arg)
			if err != nil {
				return err
			}
			return runSeeder(cmd.Context(), opts, mode)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default .env in the working directory)")
	rootCmd.Flags().BoolVarP(&opts.yes, "yes", "y", false, "delete without asking for confirmation")
	rootCmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "write run metrics to this file in prometheus text format")

	rootCmd.AddCommand(schemaCmd(opts))
	rootCmd.AddCommand(sandboxCmd(opts))
	return rootCmd
}

func schemaCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the discovered subject and event fields as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return describeSchema(cmd.Context(), wire(cfg, logger, nil), cmd.OutOrStdout())
		},
	}
}

func sandboxCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sandbox",
		Short: "Serve an in-memory stand-in of the platform API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			return runSandbox(cmd.Context(), cfg, newLogger(cfg))
		},
	}
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.LogFormat != "json" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
	if cfg.IsTrace {
		return logger.Level(zerolog.TraceLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}

func loadConfig(opts *options) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return nil, logger, err
	}
	return cfg, logger, nil
}

type app struct {
	client   *trackerapi.Client
	catalog  *schema.Catalog
	values   *generate.Values
	subjects *generate.SubjectDispatcher
	events   *generate.EventDispatcher
	settings seeding.Settings
}

// wire builds the run's collaborators. cfg must have been validated.
func wire(cfg *config.Config, logger zerolog.Logger, observer trackerapi.Observer) *app {
	clientOpts := []trackerapi.Option{trackerapi.WithLogger(logger)}
	if observer != nil {
		clientOpts = append(clientOpts, trackerapi.WithObserver(observer))
	}
	client := trackerapi.New(cfg.URLBase, cfg.APIPathPrefix, cfg.Username, cfg.Password, clientOpts...)

	unique := cfg.UniqueAttributeIDs()
	catalog := schema.NewCatalog(client, schema.CatalogConfig{
		ProgramID: cfg.TargetProgram,
		StageID:   cfg.TargetProgramStage,
		UniqueIDs: unique,
	}, logger)

	birthFrom, birthTo, _ := cfg.BirthDates()
	eventFrom, eventTo, _ := cfg.EventDates(time.Now())
	values := generate.NewValues(generate.ValuesConfig{
		Seed:       cfg.Seed,
		BirthDates: generate.DateRange{From: birthFrom, To: birthTo},
		EventDates: generate.DateRange{From: eventFrom, To: eventTo},
	})

	return &app{
		client:  client,
		catalog: catalog,
		values:  values,
		subjects: generate.NewSubjectDispatcher(values, client, generate.Roles{
			NamePrefix:      cfg.FullNamePrefix,
			FullNameID:      cfg.FullNameAttributeID,
			InitialsID:      cfg.InitialsAttributeID,
			PrimaryUniqueID: cfg.CTCAttributeID,
		}),
		events:   generate.NewEventDispatcher(values),
		settings: settingsFrom(cfg),
	}
}

func settingsFrom(cfg *config.Config) seeding.Settings {
	return seeding.Settings{
		EntityType:          cfg.PersonTrackedEntityType,
		Program:             cfg.TargetProgram,
		OrgUnits:            cfg.OrgUnits(),
		OrgUnitLevel:        cfg.OrgUnitLevel,
		FullNameAttributeID: cfg.FullNameAttributeID,
		NamePrefix:          cfg.FullNamePrefix,
		RecordsToCreate:     cfg.RecordsToCreate,
		ParallelTaskCount:   cfg.ParallelTaskCount,
		MonthCount:          cfg.MonthCount,
		StartMonthsBack:     cfg.StartMonthsBack,
		PageSize:            cfg.PageSize,
		JitterMax:           cfg.JitterMax(),
	}
}

// ---------------------------------------------------------------------------
// Commands
// ---------------------------------------------------------------------------

func runSeeder(ctx context.Context, opts *options, mode seeding.Mode) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.New()
	a := wire(cfg, logger, rec)

	orchOpts := []seeding.Option{seeding.WithLogger(logger), seeding.WithMetrics(rec)}
	if !opts.yes {
		orchOpts = append(orchOpts, seeding.WithDeleteConfirmation(confirmDelete))
	}
	orch := seeding.NewOrchestrator(a.client, a.catalog, a.subjects, a.events, a.values, a.settings, orchOpts...)

	logger.Info().
		Str("mode", string(mode)).
		Str("api", a.client.APIURL()).
		Str("program", cfg.TargetProgram).
		Msg("starting run")

	res, err := orch.Run(ctx, mode)

	if opts.metricsFile != "" {
		if werr := rec.WriteTextfile(opts.metricsFile); werr != nil {
			logger.Error().Err(werr).Str("path", opts.metricsFile).Msg("failed to write metrics file")
		}
	}

	if err != nil {
		logger.Error().Err(err).Msg("run failed")
		return err
	}
	if res.Truncated {
		logger.Warn().Msg("more matching subjects may remain, run delete again")
	}
	return nil
}

func confirmDelete(_ context.Context, count int, prefix string) (bool, error) {
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return false, errors.New("stdin is not a terminal, pass --yes to delete without confirmation")
	}
	ok := false
	prompt := &survey.Confirm{
		Message: fmt.Sprintf("Delete %d subjects whose full name starts with %q?", count, prefix),
		Default: false,
	}
	if err := survey.AskOne(prompt, &ok); err != nil {
		return false, err
	}
	return ok, nil
}

type schemaDocument struct {
	Program      string                   `yaml:"program"`
	Stage        string                   `yaml:"stage"`
	Attributes   []schema.FieldDescriptor `yaml:"attributes"`
	DataElements []schema.FieldDescriptor `yaml:"dataElements"`
	Unsupported  []string                 `yaml:"unsupported,omitempty"`
}

func describeSchema(ctx context.Context, a *app, out io.Writer) error {
	subjectFields, err := a.catalog.SubjectFields(ctx)
	if err != nil {
		return err
	}
	eventFields, err := a.catalog.EventFields(ctx)
	if err != nil {
		return err
	}
	stage, err := a.catalog.StageID(ctx)
	if err != nil {
		return err
	}

	doc := schemaDocument{
		Program:      a.settings.Program,
		Stage:        stage,
		Attributes:   subjectFields,
		DataElements: eventFields,
	}
	for _, f := range eventFields {
		if _, err := a.events.Resolve(f); err != nil {
			doc.Unsupported = append(doc.Unsupported, err.Error())
		}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return enc.Close()
}

func runSandbox(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	platform, err := sandbox.NewPlatform(sandbox.DefaultFixture())
	if err != nil {
		return err
	}
	e := sandbox.NewServer(platform, cfg.APIPathPrefix, sandbox.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
	}, logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.SandboxAddr).Str("api", cfg.APIPathPrefix).Msg("sandbox listening")
		if err := e.Start(cfg.SandboxAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("sandbox server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Interface("stats", platform.Stats()).Msg("shutting down sandbox")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("sandbox shutdown: %w", err)
	}
	return nil
}
