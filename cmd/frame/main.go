// Command frame is the supervisor's single binary: every invocation
// builds a fresh Engine from persisted state and either runs the
// foreground service loop (`start`, or no subcommand) or performs one
// operation and exits, matching original_source/main.rs exactly — there
// is no separate daemon/client split.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/websoft9/framed/internal/engine"
	"github.com/websoft9/framed/internal/instance"
)

var (
	configPath string
	logLevel   string
	redisAddr  string
)

func main() {
	root := &cobra.Command{
		Use:           "frame",
		Short:         "Frame multi-tenant process supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/frame", "base configuration/state directory")
	root.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (trace,debug,info,warn,error)")
	root.PersistentFlags().StringVar(&redisAddr, "redis-addr", "", "redis address for the task dispatcher")

	root.AddCommand(
		startCmd(),
		stopCmd(),
		restartCmd(),
		statusCmd(),
		reloadCmd(),
		userCmd(),
		portCmd(),
		statsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func buildEngine() (*engine.Engine, error) {
	paths := engine.DefaultPaths(configPath)
	return engine.Build(paths, redisAddr)
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the supervisor in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground()
		},
	}
}

// runForeground is also invoked when no subcommand is given, matching
// original_source's `None | Some(Commands::Start)` arm.
func runForeground() error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}

	if err := eng.Supervisor.AutoStartSweep(context.Background(), eng.Config.Service.AutoStart); err != nil {
		log.Warn().Err(err).Msg("auto-start sweep reported partial failures")
	}

	eng.Worker.Start()
	eng.Monitor.Start()

	srv := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", eng.Config.Service.ManagerPort),
		Handler:      eng.HTTPHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	metricsTicker := time.NewTicker(15 * time.Second)
	defer metricsTicker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-metricsTicker.C:
				eng.RefreshMetrics()
			case <-done:
				return
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	close(done)

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	eng.Monitor.Stop()
	eng.Worker.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}
	return nil
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop all running instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			for _, rec := range eng.Supervisor.List() {
				_ = eng.Supervisor.Stop(rec.Username)
			}
			fmt.Println("all instances stopped")
			return nil
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart all running instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			if err := eng.Supervisor.RestartAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("all instances restarted")
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			stats := eng.Alloc.Stats()
			printJSON(map[string]interface{}{
				"instances_total":   eng.Supervisor.TotalCount(),
				"instances_running": eng.Supervisor.RunningCount(),
				"ports_allocated":   stats.Allocated,
				"ports_available":   stats.Free,
			})
			return nil
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := buildEngine(); err != nil {
				return err
			}
			fmt.Println("configuration reloaded")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "User instance management"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <username>",
			Short: "Provision a new user's instance directory",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				if err := eng.Supervisor.Create(args[0], nil); err != nil {
					return err
				}
				fmt.Printf("instance created for user: %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <username>",
			Short: "Stop and delete a user's instance entirely",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				if err := eng.Supervisor.Remove(args[0]); err != nil {
					return err
				}
				fmt.Printf("instance removed for user: %s\n", args[0])
				return nil
			},
		},
		userActionCmd("start", "Start a user's instance", func(eng *engine.Engine, username string) error {
			return eng.Supervisor.Start(username)
		}),
		userActionCmd("stop", "Stop a user's instance", func(eng *engine.Engine, username string) error {
			return eng.Supervisor.Stop(username)
		}),
		userActionCmd("restart", "Restart a user's instance", func(eng *engine.Engine, username string) error {
			return eng.Supervisor.Restart(username)
		}),
		&cobra.Command{
			Use:   "status <username>",
			Short: "Show a user's instance status",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				rec, err := eng.Supervisor.Status(args[0])
				if err != nil {
					return err
				}
				printJSON(rec)
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all user instances",
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				printJSON(eng.Supervisor.List())
				return nil
			},
		},
	)
	return cmd
}

func userActionCmd(name, short string, action func(*engine.Engine, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <username>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			username := args[0]
			if err := action(eng, username); err != nil {
				return err
			}
			fmt.Printf("instance %sed for user: %s\n", name, username)
			return nil
		},
	}
}

func portCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "port", Short: "Port management"}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "allocate <username>",
			Short: "Allocate a port for a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				port, err := eng.Alloc.Allocate(args[0])
				if err != nil {
					return err
				}
				fmt.Printf("allocated port %d for user: %s\n", port, args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "release <username>",
			Short: "Release a user's allocated port",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				if err := eng.Alloc.Release(args[0]); err != nil {
					return err
				}
				fmt.Printf("released port for user: %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List all port allocations",
			RunE: func(cmd *cobra.Command, args []string) error {
				eng, err := buildEngine()
				if err != nil {
					return err
				}
				printJSON(map[string]interface{}{
					"allocations": eng.Alloc.ListAllocations(),
					"stats":       eng.Alloc.Stats(),
				})
				return nil
			},
		},
	)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [memory|cpu|instances]",
		Short: "Show statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			eng.Supervisor.RefreshUsage()
			statType := ""
			if len(args) == 1 {
				statType = args[0]
			}
			printStats(eng, statType)
			return nil
		},
	}
}

func printStats(eng *engine.Engine, statType string) {
	records := eng.Supervisor.List()
	switch statType {
	case "memory":
		for _, r := range records {
			fmt.Printf("%-16s %s\n", r.Username, humanize.Bytes(r.MemoryUsageBytes))
		}
	case "cpu":
		for _, r := range records {
			fmt.Printf("%-16s %.1f%%\n", r.Username, r.CPUPercent)
		}
	case "instances":
		for _, r := range records {
			fmt.Printf("%-16s %s\n", r.Username, colorState(r.State))
		}
	default:
		printJSON(records)
	}
}

func colorState(state instance.State) string {
	switch state {
	case instance.Running:
		return green(state)
	case instance.Failed:
		return red(state)
	case instance.Starting, instance.Stopping:
		return yellow(state)
	default:
		return string(state)
	}
}

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)
