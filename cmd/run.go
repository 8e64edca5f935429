package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/insightops/fleetharvest/internal/app"
	"github.com/insightops/fleetharvest/internal/fleet"
	"github.com/insightops/fleetharvest/internal/logging"
)

// newRunCmd creates the 'run' subcommand: a one-shot batch that drains and
// exits without starting the HTTP API.
func newRunCmd() *cobra.Command {
	var (
		jobsFile string
		priority string
	)

	cmd := &cobra.Command{
		Use:   "run [client-key ...]",
		Short: "Process a single batch of client jobs and exit",
		Long: `Submits one extraction run built from the given client keys (or a
JSON jobs file), waits for it to drain, and prints a summary. Exits non-zero
if any job failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd, args, jobsFile, priority)
		},
	}

	cmd.Flags().StringVar(&jobsFile, "jobs", "", "JSON file with a list of {client_key, priority} entries")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority for jobs given as arguments")

	return cmd
}

func runOnce(cmd *cobra.Command, args []string, jobsFile, priority string) error {
	specs, err := collectJobSpecs(args, jobsFile, priority)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if err := application.Close(cmd.Context()); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	d := application.Director()
	runID, err := d.StartRun(ctx, specs)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	logger.Info("run started", zap.String("run_id", runID), zap.Int("jobs", len(specs)))

	if err := d.WaitRun(ctx, runID); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("wait for run: %w", err)
	}

	snap, err := d.Status(runID)
	if err != nil {
		return fmt.Errorf("run status: %w", err)
	}
	logger.Info("run finished",
		zap.String("run_id", runID),
		zap.Int("total", snap.Total),
		zap.Int("succeeded", snap.Succeeded),
		zap.Int("failed", snap.Failed),
		zap.Int("persist_errors", snap.PersistErrors),
		zap.Duration("mean_job_duration", snap.MeanJobDuration),
	)
	if snap.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", snap.Failed, snap.Total)
	}
	return nil
}

// jobEntry is the jobs-file row shape; priority names match the API's.
type jobEntry struct {
	ClientKey string `json:"client_key"`
	Priority  string `json:"priority"`
}

func collectJobSpecs(args []string, jobsFile, priority string) ([]fleet.JobSpec, error) {
	if jobsFile == "" && len(args) == 0 {
		return nil, errors.New("provide client keys as arguments or a --jobs file")
	}

	var entries []jobEntry
	if jobsFile != "" {
		data, err := os.ReadFile(jobsFile)
		if err != nil {
			return nil, fmt.Errorf("read jobs file: %w", err)
		}
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse jobs file: %w", err)
		}
	}
	for _, key := range args {
		entries = append(entries, jobEntry{ClientKey: key, Priority: priority})
	}

	specs := make([]fleet.JobSpec, 0, len(entries))
	for i, e := range entries {
		if e.ClientKey == "" {
			return nil, fmt.Errorf("job %d: client_key is required", i)
		}
		prio := fleet.PriorityMedium
		if e.Priority != "" {
			var ok bool
			prio, ok = fleet.ParsePriority(e.Priority)
			if !ok {
				return nil, fmt.Errorf("job %d: unknown priority %q", i, e.Priority)
			}
		}
		specs = append(specs, fleet.JobSpec{ClientKey: e.ClientKey, Priority: prio})
	}
	return specs, nil
}
