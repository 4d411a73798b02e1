// fabricmigrate - ADF to Fabric pipeline migration
//
// Usage:
//   fabricmigrate migrate --template arm.json --out out/ --workspace <id>
//   fabricmigrate validate --template arm.json
//   fabricmigrate params --template arm.json --library-name MigratedGlobals
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"fabric-migrate/db/clickhouse"
	"fabric-migrate/migration/activity"
	"fabric-migrate/migration/arm"
	"fabric-migrate/migration/fabric"
	"fabric-migrate/migration/params"
	"fabric-migrate/migration/validate"
	"fabric-migrate/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes for CI/CD integration.
const (
	ExitSuccess         = 0
	ExitValidationError = 1
	ExitPartial         = 2
	ExitParseError      = 10
	ExitLibraryBlocked  = 11
)

func main() {
	chDefaults := clickhouse.DefaultConfig()

	app := &cli.App{
		Name:    "fabricmigrate",
		Usage:   "Migrate Azure Data Factory ARM templates to Microsoft Fabric pipelines",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"FABRICMIGRATE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "fabric-api",
				Value:   fabric.DefaultBaseURL,
				Usage:   "Fabric REST API base URL",
				EnvVars: []string{"FABRIC_API_URL"},
			},
			&cli.BoolFlag{
				Name:    "audit",
				Usage:   "Record run outcomes in the ClickHouse audit store",
				EnvVars: []string{"FABRICMIGRATE_AUDIT"},
			},
			&cli.StringFlag{
				Name:  "clickhouse-host",
				Value: chDefaults.Host,
				Usage: "ClickHouse host",
			},
			&cli.IntFlag{
				Name:  "clickhouse-port",
				Value: chDefaults.Port,
				Usage: "ClickHouse native port",
			},
			&cli.StringFlag{
				Name:  "clickhouse-database",
				Value: chDefaults.Database,
				Usage: "ClickHouse database",
			},
			&cli.StringFlag{
				Name:  "clickhouse-user",
				Value: chDefaults.Username,
				Usage: "ClickHouse user",
			},
			&cli.StringFlag{
				Name:  "clickhouse-password",
				Value: chDefaults.Password,
				Usage: "ClickHouse password",
			},
		},

		Before: func(c *cli.Context) error {
			platform.InitLogger(c.String("log-level"))
			return nil
		},

		Commands: []*cli.Command{
			migrateCommand(),
			validateCommand(),
			paramsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// MIGRATE COMMAND
// =============================================================================

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Transform every pipeline of an ARM template into Fabric pipeline JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "template",
				Aliases:  []string{"t"},
				Usage:    "Path to the exported ARM template JSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Value:   "out",
				Usage:   "Output directory for Fabric pipeline documents",
			},
			&cli.StringFlag{
				Name:    "workspace",
				Aliases: []string{"w"},
				Usage:   "Target Fabric workspace id for cross-pipeline resolution",
				EnvVars: []string{"FABRIC_WORKSPACE_ID"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "Bearer token for the Fabric API",
				EnvVars: []string{"FABRIC_TOKEN"},
			},
			&cli.BoolFlag{
				Name:  "offline",
				Usage: "Skip workspace lookups; defer every cross-pipeline reference",
			},
			&cli.StringFlag{
				Name:  "library-name",
				Value: "MigratedGlobalParameters",
				Usage: "Name of the variable library built from global parameters",
			},
		},
		Action: func(c *cli.Context) error {
			code := runMigrate(c, false)
			if code != ExitSuccess {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:  "validate",
		Usage: "Dry-run: transform in memory and report validation findings only",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "template",
				Aliases:  []string{"t"},
				Usage:    "Path to the exported ARM template JSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "library-name",
				Value: "MigratedGlobalParameters",
				Usage: "Name of the variable library built from global parameters",
			},
		},
		Action: func(c *cli.Context) error {
			code := runMigrate(c, true)
			if code != ExitSuccess {
				return cli.Exit("", code)
			}
			return nil
		},
	}
}

func runMigrate(c *cli.Context, dryRun bool) int {
	logger := slog.Default()
	startedAt := time.Now()

	index, err := arm.NewParser().ParseFile(c.String("template"))
	if err != nil {
		logger.Error("template parse failed", "error", err)
		return ExitParseError
	}
	counts := index.Counts()
	logger.Info("template indexed",
		"pipelines", counts[arm.KindPipeline],
		"datasets", counts[arm.KindDataset],
		"linkedServices", counts[arm.KindLinkedService])

	pipelines := index.Pipelines()
	refs := params.Extract(pipelines, index)
	rewriter := params.NewRewriterFromRefs(refs)

	var library *params.VariableLibrary
	libraryBlocked := false
	if len(refs) > 0 {
		library, err = params.BuildLibrary(refs, c.String("library-name"), "Migrated ADF global parameters")
		if err != nil {
			var placeholderErr *params.PlaceholderSecretError
			if errors.As(err, &placeholderErr) {
				logger.Error("variable library blocked from deployment", "error", err)
				libraryBlocked = true
			} else {
				logger.Error("variable library build failed", "error", err)
				return ExitParseError
			}
		}
	}

	offline := dryRun || c.Bool("offline") || c.String("workspace") == ""
	var resolver *fabric.Resolver
	if !offline {
		resolver = fabric.NewResolver(fabric.NewHTTPItemClient(c.String("fabric-api")))
		defer resolver.ClearCache()
	}

	transformer := activity.NewTransformer(index, resolver, rewriter, activity.Options{
		WorkspaceID: c.String("workspace"),
		Token:       c.String("token"),
		Offline:     offline,
	})
	validator := validate.NewValidator()

	outDir := c.String("out")
	if !dryRun {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			logger.Error("failed to create output directory", "dir", outDir, "error", err)
			return ExitParseError
		}
	}

	var (
		outcomes      []*clickhouse.PipelineOutcome
		failed        int
		validationErr bool
		runID         = uuid.New()
	)

	for _, comp := range pipelines {
		outcome := &clickhouse.PipelineOutcome{
			ID:       uuid.New(),
			RunID:    runID,
			Pipeline: comp.Name,
			Status:   clickhouse.RunSucceeded,
		}
		outcomes = append(outcomes, outcome)

		result, err := transformer.TransformPipeline(c.Context, comp)
		if err != nil {
			// Fatal for this pipeline only; the rest of the batch continues.
			logger.Error("pipeline transform failed", "pipeline", comp.Name, "error", err)
			outcome.Status = clickhouse.RunFailed
			outcome.Errors = append(outcome.Errors, err.Error())
			failed++
			continue
		}

		outcome.Activities = result.Stats.ActivitiesProcessed
		outcome.CopyRewritten = result.Stats.CopyRewritten
		outcome.RefsResolved = result.Stats.PipelineRefsResolved
		outcome.RefsDeferred = result.Stats.PipelineRefsDeferred
		outcome.ExprRewrites = result.Stats.ExpressionRewrites
		for _, e := range result.Errors {
			outcome.Errors = append(outcome.Errors, e.Reason)
			outcome.Status = clickhouse.RunPartial
		}
		outcome.Warnings = append(outcome.Warnings, result.Warnings...)

		report := validator.Validate(
			result.Document["properties"].(map[string]interface{}),
			comp.Properties,
		)
		report.Pipeline = comp.Name
		outcome.ValidationFails = len(report.Errors)
		for _, f := range report.Errors {
			logger.Error("validation error", "pipeline", comp.Name, "activity", f.Activity, "message", f.Message)
			outcome.Errors = append(outcome.Errors, f.Message)
		}
		for _, f := range report.Warnings {
			logger.Warn("validation warning", "pipeline", comp.Name, "activity", f.Activity, "message", f.Message)
		}
		if !report.Passed() {
			validationErr = true
			outcome.Status = clickhouse.RunPartial
		}

		logger.Info("pipeline transformed",
			"pipeline", comp.Name,
			"activities", result.Stats.ActivitiesProcessed,
			"copy_rewritten", result.Stats.CopyRewritten,
			"refs_deferred", result.Stats.PipelineRefsDeferred)

		if !dryRun {
			if err := writeJSON(filepath.Join(outDir, comp.Name+".pipeline.json"), result.Document); err != nil {
				logger.Error("failed to write pipeline document", "pipeline", comp.Name, "error", err)
				outcome.Status = clickhouse.RunFailed
				failed++
			}
		}
	}

	if !dryRun && library != nil {
		if err := writeJSON(filepath.Join(outDir, "variable-library.json"), library); err != nil {
			logger.Error("failed to write variable library", "error", err)
		}
	}

	if c.Bool("audit") && !dryRun {
		recordAudit(c, logger, runID, index, outcomes, failed, offline, startedAt)
	}

	switch {
	case failed > 0 && failed == len(pipelines):
		return ExitValidationError
	case libraryBlocked:
		return ExitLibraryBlocked
	case validationErr:
		return ExitValidationError
	case failed > 0:
		return ExitPartial
	}
	return ExitSuccess
}

func recordAudit(c *cli.Context, logger *slog.Logger, runID uuid.UUID, index *arm.ComponentIndex,
	outcomes []*clickhouse.PipelineOutcome, failed int, offline bool, startedAt time.Time) {

	store, err := clickhouse.NewStore(&clickhouse.Config{
		Host:     c.String("clickhouse-host"),
		Port:     c.Int("clickhouse-port"),
		Database: c.String("clickhouse-database"),
		Username: c.String("clickhouse-user"),
		Password: c.String("clickhouse-password"),
	})
	if err != nil {
		logger.Warn("audit store unavailable", "error", err)
		return
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(c.Context, 15*time.Second)
	defer cancel()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Warn("audit schema setup failed", "error", err)
		return
	}

	status := clickhouse.RunSucceeded
	if failed > 0 {
		status = clickhouse.RunPartial
	}
	if failed == len(outcomes) && failed > 0 {
		status = clickhouse.RunFailed
	}

	run := &clickhouse.MigrationRun{
		ID:          runID,
		FactoryName: index.FactoryName(),
		WorkspaceID: c.String("workspace"),
		Status:      status,
		Offline:     offline,
		Pipelines:   len(outcomes),
		Succeeded:   len(outcomes) - failed,
		Failed:      failed,
		StartedAt:   startedAt,
		FinishedAt:  time.Now(),
	}
	if err := store.RecordRun(ctx, run); err != nil {
		logger.Warn("failed to record migration run", "error", err)
		return
	}
	if err := store.RecordOutcomes(ctx, outcomes); err != nil {
		logger.Warn("failed to record pipeline outcomes", "error", err)
	}
}

// =============================================================================
// PARAMS COMMAND
// =============================================================================

func paramsCommand() *cli.Command {
	return &cli.Command{
		Name:  "params",
		Usage: "Extract global parameters and print the variable library definition",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "template",
				Aliases:  []string{"t"},
				Usage:    "Path to the exported ARM template JSON",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "library-name",
				Value: "MigratedGlobalParameters",
				Usage: "Name of the variable library",
			},
		},
		Action: func(c *cli.Context) error {
			index, err := arm.NewParser().ParseFile(c.String("template"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("template parse failed: %v", err), ExitParseError)
			}

			refs := params.Extract(index.Pipelines(), index)
			library, err := params.BuildLibrary(refs, c.String("library-name"), "Migrated ADF global parameters")

			output := map[string]interface{}{
				"references": refs,
			}
			if err != nil {
				output["error"] = err.Error()
			} else {
				output["library"] = library
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encodeErr := enc.Encode(output); encodeErr != nil {
				return encodeErr
			}
			if err != nil {
				return cli.Exit("", ExitLibraryBlocked)
			}
			return nil
		},
	}
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
