package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mohammad-safakhou/agentcore/config"
	"github.com/mohammad-safakhou/agentcore/internal/runtime"
	"github.com/mohammad-safakhou/agentcore/internal/store"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:           "agentcore",
		Short:         "Agent execution core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config.yaml)")

	root.AddCommand(serveCMD(), migrateCMD(), servicesCMD(), agentsCMD(), mcpServeCMD())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfigE(cfgPath)
}

func openStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	writeDSN, err := runtime.BuildPostgresDSN(cfg)
	if err != nil {
		return nil, err
	}
	readDSN, err := runtime.BuildReadDSN(cfg)
	if err != nil {
		return nil, err
	}
	return store.NewWithDSN(ctx, writeDSN, readDSN)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
