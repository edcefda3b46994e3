package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmesh/taskmesh/internal/log"
	"github.com/taskmesh/taskmesh/internal/manager"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the manager daemon",
	Long: `Run the manager as a long-lived daemon. Workers connect over the
WebSocket transport to onboard, receive task offers, and request payment
settlement. Providers submit tasks over the same protocol.

The daemon keeps serving until it receives SIGINT or SIGTERM, then
drains: offered tasks are recalled, accepted tasks get the configured
drain timeout to finish, and everything still running afterwards is
expired back to the queue.

Example:
  taskmesh serve                     # Listen on the configured port
  taskmesh serve --port 20000        # Override the p2p listen port
  taskmesh serve --no-admin          # Run without the HTTP admin surface`,
	RunE: runServe,
}

var (
	servePort      int
	serveAdminPort int
	serveNoAdmin   bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&servePort, "port", 0, "p2p listen port (overrides config)")
	serveCmd.Flags().IntVar(&serveAdminPort, "admin-port", 0, "admin HTTP port (overrides config)")
	serveCmd.Flags().BoolVar(&serveNoAdmin, "no-admin", false, "disable the HTTP admin surface")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cleanup, err := log.Init(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer cleanup()

	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("admin-port") {
		cfg.AdminPort = serveAdminPort
	}
	if serveNoAdmin {
		cfg.WithAdmin = false
	}

	m, err := manager.New(cfg, version)
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := m.Start(context.Background()); err != nil {
		return fmt.Errorf("starting manager: %w", err)
	}

	fmt.Printf("taskmesh manager %s started\n", version)
	fmt.Printf("  peer id: %s\n", m.PeerID())
	for _, addr := range m.Addrs() {
		fmt.Printf("  listening on %s\n", addr)
	}
	if addr := m.AdminAddr(); addr != "" {
		fmt.Printf("  admin http on %s\n", addr)
	}
	fmt.Println("Press Ctrl+C to stop")

	sig := <-sigCh
	fmt.Printf("\nReceived %s, draining...\n", sig)

	// Leave room for the drain window plus transport teardown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+30*time.Second)
	defer shutdownCancel()

	if err := m.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatLoop, "error stopping manager", err)
		return fmt.Errorf("stopping manager: %w", err)
	}

	fmt.Println("Manager stopped")
	return nil
}
