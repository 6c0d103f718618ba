package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/donniecs/SunSCORM/internal/app"
	"github.com/donniecs/SunSCORM/internal/blobstore"
	"github.com/donniecs/SunSCORM/internal/config"
	"github.com/donniecs/SunSCORM/internal/logging"
	"github.com/donniecs/SunSCORM/internal/validator"
)

var (
	configFile string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sunscorm: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sunscorm",
		Short: "SunSCORM content delivery platform",
		Long: `sunscorm validates and inspects content packages, applies database
migrations and runs the API server or background worker.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("SUNSCORM_CONFIG"), "TOML configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	cmd.AddCommand(
		newValidateCmd(),
		newInspectCmd(),
		newMigrateCmd(),
		newServeCmd(),
		newWorkerCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr()), nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <archive>...",
		Short: "Check that archives are deliverable content packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				m, err := validator.Validate(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tinvalid\t%v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", path, m.Standard, m.Title)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d packages invalid", failed, len(args))
			}
			return nil
		},
	}
}

type inspection struct {
	Path     string              `json:"path"`
	Size     string              `json:"size"`
	Bytes    int64               `json:"bytes"`
	Checksum string              `json:"checksum"`
	Manifest *validator.Manifest `json:"manifest"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <archive>",
		Short: "Print descriptor metadata and the content checksum as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			m, err := validator.Validate(path)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			sum, n, err := blobstore.Checksum(f)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), inspection{
				Path:     path,
				Size:     humanize.IBytes(uint64(n)),
				Bytes:    n,
				Checksum: sum,
				Manifest: m,
			})
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.StoreDriver == "memory" {
				return errors.New("migrate requires the postgres store")
			}
			_, closeStore, err := app.OpenStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			closeStore()
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return app.RunServer(cmd.Context(), cfg, log)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued mirror and statement tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return app.RunWorker(cmd.Context(), cfg, log)
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
