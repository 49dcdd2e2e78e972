// Command pulmocode is a thin wrapper over the coding pipeline: it reads
// procedure notes, runs the orchestrator, and prints the produced payload.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pulmocode/internal/config"
	"pulmocode/internal/correct"
	"pulmocode/internal/logging"
	"pulmocode/internal/perception"
	"pulmocode/internal/pipeline"
	"pulmocode/internal/store"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	root := &cobra.Command{
		Use:   "pulmocode",
		Short: "Derive audited billing codes from procedure notes",
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(codeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func codeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code <note-file> [note-file...]",
		Short: "Process one or more notes and print payloads as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if flagDebug {
				cfg.Debug = true
			}
			if err := logging.Initialize(cfg.Debug); err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer logging.Sync()
			log := logging.Get(logging.CategoryPipeline)

			ctx := cmd.Context()
			orch, cleanup, err := buildOrchestrator(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer cleanup()

			notes := make([]string, 0, len(args))
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read note %s: %w", path, err)
				}
				notes = append(notes, string(data))
			}

			results, errs := orch.RunBatch(ctx, notes)
			exitErr := false
			for i, res := range results {
				if errs[i] != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", args[i], errs[i])
					exitErr = true
					continue
				}
				payload := orch.BuildPayload(res, notes[i])
				out, err := payload.MarshalIndent()
				if err != nil {
					return err
				}
				fmt.Println(string(out))
			}
			if exitErr {
				return fmt.Errorf("one or more notes failed")
			}
			return nil
		},
	}
	return cmd
}

// buildOrchestrator wires the real external clients from config.
func buildOrchestrator(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (*pipeline.Orchestrator, func(), error) {
	extractor := perception.NewHTTPExtractor(perception.ExtractorConfig{
		BaseURL: cfg.Services.ExtractorURL,
		Timeout: cfg.Services.ExtractorTimeout,
	})
	httpClassifier := perception.NewHTTPClassifier(perception.ClassifierConfig{
		BaseURL: cfg.Services.ClassifierURL,
		Timeout: cfg.Services.ClassifierTimeout,
	})

	cache, err := store.OpenCache(cfg.Storage.CachePath)
	if err != nil {
		return nil, nil, err
	}
	classifier := store.NewCachedClassifier(httpClassifier, cache)

	var judge correct.Judge
	if cfg.Services.JudgeAPIKey != "" {
		j, err := perception.NewGenAIJudge(ctx, perception.JudgeConfig{
			APIKey: cfg.Services.JudgeAPIKey,
			Model:  cfg.Services.JudgeModel,
		})
		if err != nil {
			cache.Close()
			return nil, nil, err
		}
		judge = j
	} else {
		log.Warn("no judge API key configured; self-correction disabled")
	}

	auditLog, err := logging.OpenCorrectionLog(cfg.Storage.CorrectionLogPath)
	if err != nil {
		cache.Close()
		return nil, nil, err
	}

	orch := pipeline.New(cfg, extractor, classifier, judge, auditLog)
	cleanup := func() {
		auditLog.Close()
		cache.Close()
	}
	return orch, cleanup, nil
}
