// Command docstore provisions and inspects document collections in an
// external vector store.
//
// Configuration is read from a YAML file (--config, DOCSTORE_CONFIG or
// ./docstore.yaml) with environment overrides:
//
//	DOCSTORE_BACKEND         - milvus, postgres, qdrant or memory
//	DOCSTORE_HOST            - store host (default: localhost)
//	DOCSTORE_PORT            - store port (default: 19530)
//	DOCSTORE_N_DIM           - embedding dimension (required)
//	DOCSTORE_COLLECTION      - primary collection name (required unless set in the file)
//	DOCSTORE_BACKEND_PARAMS  - JSON object merged over backend.params
//	DOCSTORE_DEBUG           - debug categories
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/docstore/pkg/config"
	"github.com/rhuss/docstore/pkg/debug"

	// Backends register themselves with the storage registry.
	_ "github.com/rhuss/docstore/pkg/storage/memory"
	_ "github.com/rhuss/docstore/pkg/storage/milvus"
	_ "github.com/rhuss/docstore/pkg/storage/postgres"
	_ "github.com/rhuss/docstore/pkg/storage/qdrant"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	metricsAddr string

	// cfg is loaded before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "docstore",
	Short: "Manage document collections in external vector stores",
	Long: `docstore provisions the primary and offset2id collections of a document
store, imports documents into it and reads them back by id or offset.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
		unknown := debug.Init(debug.Options{
			Categories: cfg.Log.Debug,
			Level:      cfg.Log.Level,
			Format:     cfg.Log.Format,
		})
		if len(unknown) > 0 {
			slog.Warn("ignoring unknown debug categories", "categories", unknown, "known", debug.Known)
		}

		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		return startMetrics(cmd.Context(), cfg.Metrics)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "docstore %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while the command runs")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(provisionCmd, importCmd, getCmd, listCmd, dropCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("docstore failed", "error", err)
		os.Exit(1)
	}
}
