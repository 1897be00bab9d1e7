package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/orchestrator"
)

// shutdownTimeout bounds how long commands wait for in-flight tasks on exit.
const shutdownTimeout = 30 * time.Second

var (
	runManufacturer string
	runDocType      string
	runLanguage     string
	runNoPersist    bool
)

var runCmd = &cobra.Command{
	Use:   "run <source> [source...]",
	Short: "Extract one or more datasheets and print the results",
	Long:  "Processes each source reference (a local path or gs:// object) and prints JSON. A single source prints its golden record; several print one task snapshot per line.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, !runNoPersist)
		if err != nil {
			return err
		}
		defer closeEngine(env)

		hints := model.Hints{
			Manufacturer: runManufacturer,
			DocumentType: runDocType,
			Language:     runLanguage,
		}
		if len(args) == 1 {
			return runOne(ctx, env.Orchestrator, model.TaskRequest{Source: args[0], Hints: hints}, os.Stdout)
		}
		return runMany(ctx, env.Orchestrator, args, hints, os.Stdout)
	},
}

// runOne processes a single request synchronously and prints its record.
// A record is printed even when the task ended in a failure that kept it.
func runOne(ctx context.Context, o *orchestrator.Orchestrator, req model.TaskRequest, w io.Writer) error {
	rec, err := o.Run(ctx, req)
	if rec != nil {
		zap.L().Info("extraction complete",
			zap.String("source", req.Source),
			zap.Float64("overall_confidence", rec.OverallConfidence),
			zap.Bool("requires_human_review", rec.RequiresHumanReview),
			zap.Int("rounds", rec.Rounds),
			zap.Float64("cost_usd", rec.CostUSD),
		)
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rec); encErr != nil {
			return eris.Wrap(encErr, "encode record")
		}
	}
	if err != nil {
		return eris.Wrap(err, "run")
	}
	return nil
}

// runMany submits every source up front so they share the worker pool,
// then prints each snapshot in argument order as it finishes.
func runMany(ctx context.Context, o *orchestrator.Orchestrator, sources []string, hints model.Hints, w io.Writer) error {
	ids := make([]string, 0, len(sources))
	rejected := 0
	for _, src := range sources {
		id, err := o.Submit(ctx, model.TaskRequest{Source: src, Hints: hints})
		if err != nil {
			zap.L().Error("submit failed", zap.String("source", src), zap.Error(err))
			rejected++
			continue
		}
		ids = append(ids, id)
	}

	enc := json.NewEncoder(w)
	failed := rejected
	for _, id := range ids {
		snap, err := o.Wait(ctx, id)
		if err != nil {
			return err
		}
		if snap.Status != model.TaskStatusCompleted {
			failed++
		}
		if err := enc.Encode(snap); err != nil {
			return eris.Wrap(err, "encode snapshot")
		}
	}

	if failed > 0 {
		return eris.Errorf("run: %d of %d sources did not complete", failed, len(sources))
	}
	return nil
}

func closeEngine(env *engineEnv) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := env.Close(ctx); err != nil {
		zap.L().Warn("engine shutdown incomplete", zap.Error(err))
	}
}

func init() {
	runCmd.Flags().StringVar(&runManufacturer, "manufacturer", "", "manufacturer hint")
	runCmd.Flags().StringVar(&runDocType, "doc-type", "", "document type hint, e.g. technical_datasheet")
	runCmd.Flags().StringVar(&runLanguage, "language", "", "language hint, e.g. en or hu")
	runCmd.Flags().BoolVar(&runNoPersist, "no-persist", false, "skip the store")
	rootCmd.AddCommand(runCmd)
}
