// Command dagnode runs a DAG full node: storage, consensus verification,
// mining, and peer sync (spec.md §6's CLI surface).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dagnode.dev/node/node"

	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := node.DefaultConfig()
	var (
		configPath string
		envPath    string
		listen     []string
		bootstrap  []string
		peerIDFile string
		network    string
		dataDir    string
		ssl        bool
		seeds      []string
	)

	root := &cobra.Command{
		Use:   "dagnode",
		Short: "Run a DAG full node",
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = node.LoadDotEnv(envPath)

			fileCfg, err := node.LoadYAML(configPath)
			if err != nil {
				return err
			}
			merged := node.Merge(cfg, fileCfg)
			merged = node.ApplyEnvOverrides(merged)

			flagCfg := node.Config{
				Network:     network,
				DataDir:     dataDir,
				Listen:      listen,
				Bootstrap:   bootstrap,
				PeerIDFile:  peerIDFile,
				SSL:         ssl,
				SeedDomains: seeds,
			}
			// Flags left at their defaults must not override env or YAML.
			if !cmd.Flags().Changed("network") {
				flagCfg.Network = ""
			}
			if !cmd.Flags().Changed("data-dir") {
				flagCfg.DataDir = ""
			}
			merged = node.Merge(merged, flagCfg)

			if err := node.ValidateConfig(merged); err != nil {
				return fmt.Errorf("startup failure: %w", err)
			}

			n, err := node.New(merged)
			if err != nil {
				return fmt.Errorf("startup failure: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return n.Run(ctx)
		},
	}

	flags := root.Flags()
	flags.StringArrayVar(&listen, "listen", nil, "dial description to bind, e.g. tcp:0.0.0.0:8080 (repeatable)")
	flags.StringArrayVar(&bootstrap, "bootstrap", nil, "peer dial description to seed the reconnection loop with (repeatable)")
	flags.StringVar(&peerIDFile, "peer-id", "", "file holding this node's persisted identity key")
	flags.StringVar(&network, "network", cfg.Network, "network name")
	flags.StringVar(&dataDir, "data-dir", cfg.DataDir, "storage directory")
	flags.BoolVar(&ssl, "ssl", false, "wrap listeners and outbound dials in TLS")
	flags.StringVar(&configPath, "config", "", "optional YAML config file")
	flags.StringVar(&envPath, "env-file", ".env", "optional .env overrides file")
	flags.StringArrayVar(&seeds, "seed", nil, "DNS domain to resolve for peer seeds (repeatable)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isStorageError(err) {
			return 2
		}
		return 1
	}
	return 0
}

// isStorageError distinguishes spec.md §6's exit code 2 ("irrecoverable
// storage error") from exit code 1 (bad configuration, bind failure). Only
// node.New's storage-open/seed-genesis paths return a *node.StorageError;
// everything else (flag parsing, config validation, bind failure) is a
// generic startup failure.
func isStorageError(err error) bool {
	var se *node.StorageError
	return errors.As(err, &se)
}
