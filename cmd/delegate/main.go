package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/leonletto/delegate/internal/daemon"
	delegatemcp "github.com/leonletto/delegate/internal/mcp"
	"github.com/leonletto/delegate/internal/paths"
	"github.com/leonletto/delegate/internal/schema"
	"github.com/leonletto/delegate/internal/web"
)

var (
	// Build info (set via ldflags).
	Version = "dev"
	Build   = "unknown"
)

var (
	// Global flags.
	flagHome  string
	flagJSON  bool
	flagQuiet bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "delegate",
		Short: "Agent team orchestrator",
		Long: `Delegate runs teams of coding agents against real git repositories.

A background daemon dispatches agent turns, manages per-task worktrees,
and merges approved work back to main. A local HTTP API serves the
dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagHome, "home", "", "Delegate home directory (or "+paths.HomeEnvVar+" env var)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "JSON output for scripting")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "Suppress non-essential output")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("delegate v{{.Version}} (build: " + Build + ", " + goruntime.Version() + ")\n")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// resolveHome honors --home over the environment and normalizes to an
// absolute path so the detached daemon agrees with the CLI about paths.
func resolveHome() (string, error) {
	if flagHome != "" {
		abs, err := filepath.Abs(flagHome)
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return abs, nil
	}
	return paths.Home()
}

// isInteractive returns true if stdout is a terminal (not piped/redirected).
func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the Delegate daemon",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			if err := daemonStart(home); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon started")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			if err := daemonStop(home); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Println("✓ Daemon stopped")
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			running, pid, err := daemon.CheckPIDFile(paths.PIDFile(home))
			if err != nil {
				return fmt.Errorf("check daemon status: %w", err)
			}
			printStatus(home, running, pid)
			// Exit code 1 when the daemon is not running, like systemctl.
			if !running {
				os.Exit(1)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:    "run",
		Short:  "Run the daemon in the foreground (internal use)",
		Hidden: true, // used by daemon start
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			return runDaemon(home)
		},
	})

	return cmd
}

// daemonStart re-executes the current binary as "daemon run" in a new
// session so the daemon outlives the shell.
func daemonStart(home string) error {
	running, pid, err := daemon.CheckPIDFile(paths.PIDFile(home))
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if running {
		return fmt.Errorf("daemon is already running (PID %d)", pid)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	cmd := exec.Command(executable, "daemon", "run", "--home", home) //nolint:gosec // G204 - executable from os.Executable()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}

	// Wait for the pidfile to confirm the daemon came up.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running, _, _ := daemon.CheckPIDFile(paths.PIDFile(home)); running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up within 5s; run 'delegate daemon run' to see why")
}

// daemonStop sends SIGTERM and waits for the pidfile to clear. The daemon's
// own shutdown drains turns and merges, so the wait is generous.
func daemonStop(home string) error {
	running, pid, err := daemon.CheckPIDFile(paths.PIDFile(home))
	if err != nil {
		return fmt.Errorf("check daemon status: %w", err)
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for daemon to stop (PID %d still running)", pid)
		case <-ticker.C:
			if running, _, _ := daemon.CheckPIDFile(paths.PIDFile(home)); !running {
				return nil
			}
		}
	}
}

func printStatus(home string, running bool, pid int) {
	if flagJSON {
		status := "stopped"
		if running {
			status = "running"
		}
		out, _ := json.MarshalIndent(map[string]any{
			"running": running,
			"status":  status,
			"pid":     pid,
			"home":    home,
		}, "", "  ")
		fmt.Println(string(out))
		return
	}
	if isInteractive() {
		if running {
			fmt.Printf("✓ Daemon running (PID %d)\n  home: %s\n", pid, home)
		} else {
			fmt.Printf("✗ Daemon not running\n  home: %s\n", home)
		}
		return
	}
	if running {
		fmt.Printf("running %d\n", pid)
	} else {
		fmt.Println("stopped")
	}
}

// runDaemon runs the poll loop and the HTTP API in the foreground until
// SIGINT or SIGTERM.
func runDaemon(home string) error {
	// The CLI and the daemon subprocess tree agree on the home via env.
	if err := os.Setenv(paths.HomeEnvVar, home); err != nil {
		return err
	}

	d, err := daemon.New(home)
	if err != nil {
		return err
	}

	srv := web.NewServer(home, d.Cfg, d.Registry, d.Mail, d.Tasks, d.Broadcast, d.Merges, d.Exchange)
	httpSrv := &http.Server{
		Addr:              d.Cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "http: %v\n", err)
			cancel()
		}
	}()

	runErr := d.Run(ctx)

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutCancel()
	_ = httpSrv.Shutdown(shutCtx)
	return runErr
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := resolveHome()
			if err != nil {
				return err
			}
			if err := schema.Ensure(home); err != nil {
				return err
			}
			if !flagQuiet {
				fmt.Printf("✓ Database at schema version %d\n", schema.CurrentVersion())
			}
			return nil
		},
	}
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Run the agent tool server on stdin/stdout",
		Long: `Serves the agent-facing tools (send_message, check_messages,
update_task_status, add_task_comment, submit_review) over MCP stdio.

The daemon launches this for every agent session with the agent's
identity in the environment; it is not meant to be run by hand.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := delegatemcp.NewServer(delegatemcp.WithVersion(Version))
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return s.Run(ctx)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			if flagJSON {
				out, _ := json.Marshal(map[string]string{
					"version": Version,
					"build":   Build,
					"go":      goruntime.Version(),
				})
				fmt.Println(string(out))
				return
			}
			fmt.Printf("delegate v%s (build: %s, %s)\n", Version, Build, goruntime.Version())
		},
	}
}
