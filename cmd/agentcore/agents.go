package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/agentcore/internal/agent"
	"github.com/spf13/cobra"
)

func agentsCMD() *cobra.Command {
	agents := &cobra.Command{
		Use:   "agents",
		Short: "Inspect agent descriptors",
	}

	var dir string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the agents found in the descriptor directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Agents.Dir
			}
			catalog := agent.NewDirCatalog(dir, log.New(cmd.ErrOrStderr(), "[AGENTS] ", 0))
			descs, err := catalog.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-20s %-8s %-10s %s\n", "NAME", "VERSION", "PLANNING", "MCP SERVERS")
			for _, d := range descs {
				fmt.Fprintf(out, "%-20s %-8s %-10s %s\n", d.Name, d.Version, d.PlanningMode(), strings.Join(d.MCPServers(), ","))
			}
			return nil
		},
	}
	list.Flags().StringVar(&dir, "dir", "", "descriptor directory (default agents.dir)")

	agents.AddCommand(list)
	return agents
}
