package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/example/finengine/internal/config"
	"github.com/example/finengine/internal/db"
	"github.com/example/finengine/internal/finengine/engine"
	"github.com/example/finengine/internal/finengine/mac"
	"github.com/example/finengine/internal/finengine/runner"
	"github.com/example/finengine/internal/finengine/store"
	"github.com/example/finengine/internal/finengine/units"
	"github.com/example/finengine/internal/logging"
)

func main() {
	logger := logging.New(logging.Config{
		Level:  slog.LevelInfo,
		Format: logging.FormatText,
		Output: os.Stdout,
	})

	if len(os.Args) < 2 {
		fmt.Println("usage: finengine <command> [args]")
		fmt.Println("commands: run-scenario, mac-curve")
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "run-scenario":
		if err := runScenario(logger, os.Args[2:]); err != nil {
			logger.Error("run-scenario failed", "error", err)
			os.Exit(1)
		}
	case "mac-curve":
		if err := runMACCurve(logger, os.Args[2:]); err != nil {
			logger.Error("mac-curve failed", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("unknown command: %s\n", command)
		os.Exit(1)
	}
}

// runtime bundles the store/engine/converter a single invocation wires
// together, the shape buildRuntime assembles either from PostgreSQL or an
// in-memory fallback depending on whether a DSN is configured.
type runtime struct {
	ctx       context.Context
	cancel    context.CancelFunc
	db        *db.DB
	store     store.Store
	engine    *engine.Engine
	converter *units.Converter
	logger    *slog.Logger
}

func buildRuntime(ctx context.Context, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	var database *db.DB
	if cfg.Database.DSN != "" {
		database, err = db.Connect(runCtx, db.Config{
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("connect db: %w", err)
		}
		if err := database.RunMigrations(runCtx); err != nil {
			cancel()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	var st store.Store
	if database != nil {
		st = store.NewPostgresStore(database.DB)
	} else {
		st = store.NewMemoryStore()
	}

	converter, err := buildConverter(runCtx, st)
	if err != nil {
		cancel()
		if database != nil {
			_ = database.Close()
		}
		return nil, fmt.Errorf("build unit converter: %w", err)
	}

	eng := engine.NewEngine(engine.Config{Logger: logger})

	return &runtime{
		ctx:       runCtx,
		cancel:    cancel,
		db:        database,
		store:     st,
		engine:    eng,
		converter: converter,
		logger:    logger,
	}, nil
}

func (rt *runtime) close() {
	rt.cancel()
	if rt.db != nil {
		_ = rt.db.Close()
	}
}

// storeFXSource adapts store.Store's FetchFX to units.FXSource so the
// Converter's FX delegation and the engine's FXValueProvider resolve
// exchange rates through the exact same cache and query path (spec §4.2).
type storeFXSource struct {
	ctx context.Context
	st  store.Store
}

func (s storeFXSource) Rate(from, to, rateType, periodID string) (float64, bool, error) {
	return s.st.FetchFX(s.ctx, from, to, rateType, periodID)
}

// buildConverter loads the unit definition catalog from the store and
// wraps the store itself as the Converter's FX source.
func buildConverter(ctx context.Context, st store.Store) (*units.Converter, error) {
	defs, err := st.FetchUnitDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch unit definitions: %w", err)
	}

	converted := make([]units.Definition, len(defs))
	for i, d := range defs {
		converted[i] = units.Definition{
			Code:           d.Code,
			Category:       d.Category,
			ConversionType: units.ConversionType(d.ConversionType),
			BaseUnitCode:   d.BaseUnitCode,
			ToBaseFactor:   d.ToBaseFactor,
			FromBaseFactor: d.FromBaseFactor,
		}
	}

	return units.NewConverter(converted, storeFXSource{ctx: ctx, st: st}), nil
}

func runScenario(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run-scenario", flag.ExitOnError)
	entity := fs.String("entity", "", "entity id")
	scenario := fs.String("scenario", "", "scenario id")
	templateCode := fs.String("template", "", "statement template code")
	periods := fs.String("periods", "", "comma-separated period ids, chronological order")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *entity == "" || *scenario == "" || *templateCode == "" || *periods == "" {
		return fmt.Errorf("run-scenario requires -entity, -scenario, -template, and -periods")
	}

	runID := uuid.New().String()
	ctx := logging.WithRequestID(context.Background(), runID)
	logger = logging.FromContext(ctx)

	rt, err := buildRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	r := runner.New(rt.store, rt.engine, rt.converter, logger)
	result, err := r.Run(rt.ctx, runner.Request{
		Entity:       *entity,
		Scenario:     *scenario,
		TemplateCode: *templateCode,
		Periods:      splitCSV(*periods),
	})
	if err != nil {
		return fmt.Errorf("run scenario: %w", err)
	}

	logger.Info("scenario run complete",
		"entity", *entity, "scenario", *scenario, "periods", len(result.Periods))

	return emitJSON(result)
}

func runMACCurve(logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("mac-curve", flag.ExitOnError)
	entity := fs.String("entity", "", "entity id")
	scenario := fs.String("scenario", "", "scenario id")
	templateCode := fs.String("template", "", "statement template code")
	period := fs.String("period", "", "single period id")
	emissionsLine := fs.String("emissions-line", "", "carbon-section line item code to measure")
	actionCodes := fs.String("actions", "", "comma-separated management action codes to evaluate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *entity == "" || *scenario == "" || *templateCode == "" || *period == "" || *emissionsLine == "" || *actionCodes == "" {
		return fmt.Errorf("mac-curve requires -entity, -scenario, -template, -period, -emissions-line, and -actions")
	}

	runID := uuid.New().String()
	ctx := logging.WithRequestID(context.Background(), runID)
	logger = logging.FromContext(ctx)

	rt, err := buildRuntime(ctx, logger)
	if err != nil {
		return err
	}
	defer rt.close()

	codes := splitCSV(*actionCodes)
	catalog, err := rt.store.FetchManagementActions(rt.ctx, codes)
	if err != nil {
		return fmt.Errorf("fetch management actions: %w", err)
	}

	allBindings, err := rt.store.FetchScenarioActions(rt.ctx, *scenario)
	if err != nil {
		return fmt.Errorf("fetch scenario actions: %w", err)
	}
	wanted := make(map[string]bool, len(codes))
	for _, c := range codes {
		wanted[c] = true
	}
	bindings := make(map[string]store.ScenarioActionBinding, len(codes))
	for _, b := range allBindings {
		if wanted[b.ActionCode] {
			bindings[b.ActionCode] = b
		}
	}
	for _, code := range codes {
		if _, ok := bindings[code]; !ok {
			return fmt.Errorf("no scenario binding found for action %q in scenario %q", code, *scenario)
		}
	}

	curve, err := mac.ComputeMACCurve(rt.ctx, rt.store, rt.engine, mac.Request{
		Entity: *entity, Scenario: *scenario, TemplateCode: *templateCode, Period: *period,
		EmissionsLineCode: *emissionsLine,
		Actions:           catalog,
		Bindings:          bindings,
		Converter:         rt.converter,
	})
	if err != nil {
		return fmt.Errorf("compute mac curve: %w", err)
	}

	logger.Info("mac curve computed", "entity", *entity, "scenario", *scenario, "points", len(curve.Points))

	return emitJSON(curve)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func emitJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
