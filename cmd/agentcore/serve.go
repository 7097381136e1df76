package main

import (
	"github.com/mohammad-safakhou/agentcore/internal/server"
	"github.com/spf13/cobra"
)

func serveCMD() *cobra.Command {
	var addr string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the A2A server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = getenv("AGENTCORE_HTTP_ADDR", cfg.Server.Address)
			}
			return server.Run(cmd.Context(), cfg, addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	return serve
}
