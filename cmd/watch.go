package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/datasheet-cli/internal/model"
	"github.com/sells-group/datasheet-cli/internal/orchestrator"
	"github.com/sells-group/datasheet-cli/internal/source"
)

var (
	watchScan     bool
	watchDebounce time.Duration
	watchHints    model.Hints
)

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Extract documents as they land in an inbox directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("watch"); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEngine(ctx, true)
		if err != nil {
			return err
		}
		defer closeEngine(env)

		if err := watchInbox(ctx, env, args[0], watchHints); err != nil {
			return err
		}
		<-ctx.Done()
		zap.L().Info("watch stopped", zap.String("dir", args[0]))
		return nil
	},
}

// submitter is the part of the orchestrator the inbox loop drives.
type submitter interface {
	Submit(ctx context.Context, req model.TaskRequest) (string, error)
	Wait(ctx context.Context, id string) (orchestrator.Snapshot, error)
}

// watchInbox starts watching dir and submits every settled document with
// the given hints. It returns once watching has started.
func watchInbox(ctx context.Context, env *engineEnv, dir string, hints model.Hints) error {
	var opts []source.WatcherOption
	if watchDebounce > 0 {
		opts = append(opts, source.WithDebounce(watchDebounce))
	}
	if watchScan {
		opts = append(opts, source.WithInitialScan())
	}

	paths, err := source.NewWatcher(env.Files.Accepts, opts...).Watch(ctx, dir)
	if err != nil {
		return err
	}
	zap.L().Info("watching inbox", zap.String("dir", dir))
	go submitFrom(ctx, env.Orchestrator, paths, hints)
	return nil
}

// submitFrom submits each path until paths is closed, logging every
// task's outcome once it is terminal.
func submitFrom(ctx context.Context, s submitter, paths <-chan string, hints model.Hints) {
	for p := range paths {
		id, err := s.Submit(ctx, model.TaskRequest{Source: p, Hints: hints})
		if err != nil {
			zap.L().Warn("inbox: submit failed", zap.String("path", p), zap.Error(err))
			continue
		}
		zap.L().Info("inbox: submitted", zap.String("path", p), zap.String("task_id", id))

		go func() {
			snap, err := s.Wait(ctx, id)
			if err != nil {
				return
			}
			logOutcome(snap)
		}()
	}
}

func logOutcome(snap orchestrator.Snapshot) {
	log := zap.L().With(
		zap.String("task_id", snap.ID),
		zap.String("source", snap.Source),
		zap.String("status", string(snap.Status)),
		zap.Int("rounds", snap.Rounds),
	)
	switch {
	case snap.Failure != nil:
		log.Warn("inbox: task failed",
			zap.String("kind", string(snap.Failure.Kind)),
			zap.String("message", snap.Failure.Message),
		)
	case snap.Record != nil:
		log.Info("inbox: task completed",
			zap.Float64("overall_confidence", snap.Record.OverallConfidence),
			zap.Bool("requires_human_review", snap.Record.RequiresHumanReview),
		)
	default:
		log.Info("inbox: task finished")
	}
}

func init() {
	watchCmd.Flags().BoolVar(&watchScan, "scan", false, "also process documents already in the directory")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 0, "quiet period before a file is picked up (default 500ms)")
	watchCmd.Flags().StringVar(&watchHints.Manufacturer, "manufacturer", "", "manufacturer hint for every document")
	watchCmd.Flags().StringVar(&watchHints.DocumentType, "doc-type", "", "document type hint for every document")
	watchCmd.Flags().StringVar(&watchHints.Language, "language", "", "language hint for every document")
	rootCmd.AddCommand(watchCmd)
}
