package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentflow/internal/config"
	"agentflow/internal/contextstore"
	"agentflow/internal/queue"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "agentflow",
	Short: "Run and inspect a local pool of coding agents",
	Long: `agentflow distributes tasks from a durable queue onto a fixed number of
worker slots, each running one external agent process at a time. Agents share
results through a file-based context store.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: persistentPreRun,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./agentflow.yaml or ./config/agentflow.yaml)")
}

func persistentPreRun(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Name() == "completion" {
		return nil
	}
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg.Logging.Apply(os.Stderr)
	return nil
}

func openRepo(ctx context.Context) (queue.Repository, error) {
	return queue.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, queue.Options{
		DefaultMaxRetries:   cfg.Distributor.MaxRetries,
		StarvationThreshold: cfg.Distributor.StarvationThreshold,
		MaxConns:            cfg.Store.MaxConns,
	})
}

func openStore() (*contextstore.Store, error) {
	return contextstore.New(cfg.Context.Root,
		contextstore.WithLockTimeout(cfg.Context.LockTimeout),
		contextstore.WithStaleLockAge(cfg.Context.StaleLockAge),
	)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
