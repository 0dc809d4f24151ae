package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/emias/emias/internal/config"
	"github.com/emias/emias/internal/domain/patient"
	"github.com/emias/emias/internal/platform/metrics"
)

var version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataFile string

	rootCmd := &cobra.Command{
		Use:          "emias",
		Short:        "Patient registry with BMI statistics",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataFile, "file", "", "Patient data file (overrides DATA_FILE)")

	rootCmd.AddCommand(serveCmd(&dataFile))
	rootCmd.AddCommand(patientsCmd(&dataFile))
	rootCmd.AddCommand(statsCmd(&dataFile))
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})

	return rootCmd
}

// loadConfig reads the environment and applies the --file override.
func loadConfig(dataFile string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dataFile != "" {
		cfg.DataFile = dataFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger := zerolog.New(w).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.Level())
}

func openStore(cfg *config.Config, logger zerolog.Logger, sm *metrics.StoreMetrics) (*patient.Store, error) {
	policy, err := patient.ParseLoadFailurePolicy(cfg.OnLoadFailure)
	if err != nil {
		return nil, err
	}
	store, err := patient.OpenStore(cfg.DataFile, patient.StoreOptions{
		OnLoadFailure:    policy,
		FallbackEncoding: cfg.FallbackEncoding,
		Logger:           logger,
		Metrics:          sm,
	})
	if err != nil {
		return nil, fmt.Errorf("open patient store: %w", err)
	}
	return store, nil
}

// cliEnv is what every CLI subcommand works with. Logs go to stderr so that
// stdout carries only command output.
type cliEnv struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *patient.Store
	svc    *patient.Service
}

func newCLIEnv(cmd *cobra.Command, dataFile string) (*cliEnv, error) {
	cfg, err := loadConfig(dataFile)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	store, err := openStore(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return &cliEnv{
		cfg:    cfg,
		logger: logger,
		store:  store,
		svc:    patient.NewService(store, logger),
	}, nil
}
