package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wae-forge/internal/config"
	"wae-forge/internal/dataset"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wae-forge",
		Short:         "Train Wasserstein autoencoders on image shards",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(newTrainCmd())
	return root
}

type trainFlags struct {
	configPath string
	roots      []string
	epochs     int
	batchSize  int
	numWorkers int
	seed       int64
	logEvery   int
	device     string
	samples    int
	samplesDir string
	verbose    bool
}

func newTrainCmd() *cobra.Command {
	var f trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model from a YAML config",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, f)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.configPath, "config", "configs/demo.yaml", "Path to YAML config")
	flags.StringSliceVar(&f.roots, "train-root", nil, "Override training roots")
	flags.IntVar(&f.epochs, "epochs", 0, "Number of epochs")
	flags.IntVar(&f.batchSize, "batch-size", 0, "Batch size")
	flags.IntVar(&f.numWorkers, "num-workers", 0, "Number of shard reader workers")
	flags.Int64Var(&f.seed, "seed", 0, "PRNG seed; 0 keeps the config value, and a seed of 0 orders shards as seed 42")
	flags.IntVar(&f.logEvery, "log-every", 0, "Log every N steps")
	flags.StringVar(&f.device, "device", "", "Compute device")
	flags.IntVar(&f.samples, "samples", 0, "Generate N samples after training")
	flags.StringVar(&f.samplesDir, "samples-dir", "samples", "Directory for generated samples")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Debug logging")
	return cmd
}

func runTrain(cmd *cobra.Command, f trainFlags) error {
	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyOverrides(config.Overrides{
		TrainRoots: f.roots,
		Epochs:     f.epochs,
		BatchSize:  f.batchSize,
		NumWorkers: f.numWorkers,
		Seed:       f.seed,
		LogEvery:   f.logEvery,
		Device:     f.device,
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	roots, err := dataset.DiscoverByRoot(cfg.TrainRoots)
	if err != nil {
		return err
	}
	for root, shards := range roots {
		logger.Info("discovered shards", "root", root, "shards", len(shards))
	}

	loader, err := newLoader(cfg, roots)
	if err != nil {
		return err
	}
	ctrl, err := buildController(cfg, loader, logger)
	if err != nil {
		return err
	}

	trainErr := ctrl.Train(cmd.Context(), cfg.Epochs)
	renderEpochs(cmd.OutOrStdout(), ctrl.Records())
	if trainErr != nil {
		return fmt.Errorf("training failed: %w", trainErr)
	}

	if f.samples > 0 {
		out, err := ctrl.Sample(f.samples)
		if err != nil {
			return fmt.Errorf("sample: %w", err)
		}
		paths, err := dataset.SaveBatch(f.samplesDir, "sample", out)
		if err != nil {
			return fmt.Errorf("write samples: %w", err)
		}
		logger.Info("wrote samples", "dir", f.samplesDir, "count", len(paths))
	}
	return nil
}
