package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/mohammad-safakhou/agentcore/internal/runtime"
	"github.com/mohammad-safakhou/agentcore/internal/store"
	"github.com/mohammad-safakhou/agentcore/internal/supervisor"
	"github.com/spf13/cobra"
)

// withSupervisor opens the store and runs fn against a supervisor built
// from the services section of the config.
func withSupervisor(ctx context.Context, fn func(*supervisor.Supervisor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	env := supervisor.ChildEnv{LogLevel: cfg.General.LogLevel}
	if dsn, err := runtime.BuildPostgresDSN(cfg); err == nil {
		env.DatabaseURL = dsn
	}
	if secret, err := runtime.LoadJWTSecret(cfg); err == nil {
		env.JWTSecret = string(secret)
	}
	return fn(supervisor.New(cfg.Services, st, supervisor.WithChildEnv(env)))
}

func servicesCMD() *cobra.Command {
	services := &cobra.Command{
		Use:   "services",
		Short: "Manage supervised agent and MCP server processes",
	}

	var port int
	enable := &cobra.Command{
		Use:   "enable NAME",
		Short: "Start a registered service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSupervisor(cmd.Context(), func(s *supervisor.Supervisor) error {
				var p *int
				if port > 0 {
					p = &port
				}
				st, err := s.Enable(cmd.Context(), args[0], p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
	enable.Flags().IntVar(&port, "port", 0, "override the registered port")

	disable := &cobra.Command{
		Use:   "disable NAME",
		Short: "Stop a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSupervisor(cmd.Context(), func(s *supervisor.Supervisor) error {
				return s.Disable(cmd.Context(), args[0])
			})
		},
	}

	restart := &cobra.Command{
		Use:   "restart NAME",
		Short: "Stop and start a service on its recorded port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSupervisor(cmd.Context(), func(s *supervisor.Supervisor) error {
				st, err := s.Restart(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}

	status := &cobra.Command{
		Use:   "status NAME",
		Short: "Show the state of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSupervisor(cmd.Context(), func(s *supervisor.Supervisor) error {
				st, err := s.Status(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List every recorded service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSupervisor(cmd.Context(), func(s *supervisor.Supervisor) error {
				recs, err := s.ListAll(cmd.Context())
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-24s %-6s %-9s %-7s %-6s %s\n", "NAME", "KIND", "STATUS", "PID", "PORT", "ERROR")
				for _, r := range recs {
					fmt.Fprintf(out, "%-24s %-6s %-9s %-7s %-6d %s\n", r.Name, r.ModuleKind, r.Status, pidString(r), r.Port, r.LastError)
				}
				return nil
			})
		},
	}

	var watch bool
	var schedule string
	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Mark crashed services and report port ownership mismatches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSupervisor(cmd.Context(), func(s *supervisor.Supervisor) error {
				if watch {
					return s.RunReaper(cmd.Context(), schedule)
				}
				report, err := s.CleanupOrphans(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cleanup.Flags().BoolVar(&watch, "watch", false, "keep running on the reap schedule")
	cleanup.Flags().StringVar(&schedule, "schedule", "", "cron schedule for --watch (default services.reap_schedule)")

	verify := &cobra.Command{
		Use:   "verify-ports [PORT...]",
		Short: "Fail when a port is held by a foreign process",
		Long:  "Checks the given ports, or every registered service port when none are given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ports := make([]int, 0, len(args))
			for _, a := range args {
				p, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("invalid port %q", a)
				}
				ports = append(ports, p)
			}
			if len(ports) == 0 {
				for _, svc := range cfg.Services.Entries {
					ports = append(ports, svc.Port)
				}
				sort.Ints(ports)
			}
			// Port checks only inspect the host, so no store is opened.
			if err := supervisor.New(cfg.Services, nil).VerifyPortsAvailable(cmd.Context(), ports); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ports available: %v\n", ports)
			return nil
		},
	}

	services.AddCommand(enable, disable, restart, status, list, cleanup, verify)
	return services
}

func pidString(r store.ServiceRecord) string {
	if r.PID == 0 {
		return "-"
	}
	return strconv.Itoa(r.PID)
}
