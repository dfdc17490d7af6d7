// Command pmboard is the dashboard UI. The bare command opens the
// connection TUI; subcommands give quick one-shot answers for scripts.
package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ss-engineer-CTG/pmboard/internal/config"
	"github.com/ss-engineer-CTG/pmboard/internal/control"
	"github.com/ss-engineer-CTG/pmboard/internal/discover"
	"github.com/ss-engineer-CTG/pmboard/internal/health"
	"github.com/ss-engineer-CTG/pmboard/internal/tui"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd, portCmd, restartCmd, eventsCmd)
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of events to show")
}

var rootCmd = &cobra.Command{
	Use:   "pmboard",
	Short: "Dashboard UI for the pmboard worker",
	Long: `pmboard - connection dashboard for the backend worker.

The bare command opens the TUI: it finds the running worker, shows
startup progress, and reconnects automatically when the worker
restarts.

Examples:
  pmboard            # Open the dashboard TUI
  pmboard status     # One-line worker status
  pmboard port       # Print the worker's port
  pmboard restart    # Ask the daemon to restart the worker
  pmboard events     # Recent worker lifecycle events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the supervised worker's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}
		defer client.Close()

		st, err := client.CurrentStatus()
		if err != nil {
			return err
		}

		fmt.Printf("state:    %s\n", st.State)
		if st.Port != 0 {
			fmt.Printf("port:     %d\n", st.Port)
			fmt.Printf("pid:      %d\n", st.PID)
		}
		if st.Degraded {
			fmt.Println("degraded: readiness unconfirmed")
		}
		if st.Progress > 0 && st.Progress < 100 {
			fmt.Printf("startup:  %d%%\n", st.Progress)
		}
		if st.RestartCount > 0 {
			fmt.Printf("restarts: %d\n", st.RestartCount)
		}
		if st.LastError != "" {
			fmt.Printf("error:    %s\n", st.LastError)
		}
		return nil
	},
}

var portCmd = &cobra.Command{
	Use:   "port",
	Short: "Print the worker's port",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := findPort()
		if err != nil {
			return err
		}
		fmt.Println(port)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Ask the daemon to restart the worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := getClient()
		if err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}
		defer client.Close()

		if err := client.Restart(); err != nil {
			return err
		}
		fmt.Println("restart requested")
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent worker lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := getClient()
		if err != nil {
			return fmt.Errorf("daemon not reachable: %w", err)
		}
		defer client.Close()

		events, err := client.RecentEvents(limit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("no events recorded")
			return nil
		}
		for _, e := range events {
			fmt.Printf("%s  %-20s %s\n", e.CreatedAt, e.Kind, e.Detail)
		}
		return nil
	},
}

func getClient() (*control.Client, error) {
	return control.NewClient(cfg.Daemon.Socket)
}

// findPort asks the daemon first and falls back to direct discovery,
// so 'pmboard port' works even when only the worker is running.
func findPort() (int, error) {
	checker := health.NewClient(cfg.Client.ProbeTimeout)
	check := checker.Alive

	var host discover.HostQuerier
	if client, err := getClient(); err == nil {
		defer client.Close()
		host = client
	}

	d := discover.NewDiscoverer(cfg.Ports, host, check)
	return d.Discover(context.Background())
}

func runTUI() error {
	checker := health.NewClient(cfg.Client.ProbeTimeout)
	check := checker.Alive

	var daemonClient *control.Client
	var host discover.HostQuerier
	if client, err := getClient(); err == nil {
		daemonClient = client
		host = client
		defer client.Close()
	}

	disc := discover.NewDiscoverer(cfg.Ports, host, check)
	machine := discover.NewMachine(cfg.Client, disc, check)
	machine.Start()
	defer machine.Stop()

	p := tea.NewProgram(
		tui.New(machine, daemonClient, checker),
		tea.WithAltScreen(),
		tea.WithReportFocus(),
	)
	_, err := p.Run()
	return err
}
