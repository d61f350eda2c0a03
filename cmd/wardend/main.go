package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/connectias/warden/internal/config"
	"github.com/connectias/warden/internal/daemon"
	wardenversion "github.com/connectias/warden/internal/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "wardend",
		Short:         "Warden daemon - hosts sandboxed plugins behind the security core",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}
	rootCmd.Version = wardenversion.String()
	rootCmd.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")

	rootCmd.Flags().String("instance", config.DefaultInstance, "Instance name")
	rootCmd.Flags().String("grpc-addr", "", "Plugin IPC listener address (default loopback, ephemeral port)")
	rootCmd.Flags().String("http-addr", "", "Admin API listener address (default 127.0.0.1:7711)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	instance, _ := cmd.Flags().GetString("instance")
	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")

	if err := setupLogging(instance); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise logging: %v\n", err)
	}

	if daemon.IsRunning(instance) {
		return fmt.Errorf("daemon is already running")
	}

	d, err := daemon.New(daemon.Options{
		InstanceName: instance,
		GRPCAddr:     grpcAddr,
		HTTPAddr:     httpAddr,
	})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	log.Printf("Warden daemon started (PID: %d)", os.Getpid())
	log.Printf("Plugin IPC: %s", d.GatewayInfo().Address)
	log.Printf("Admin API: %s", d.HTTPAddr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %s, shutting down...", sig)
	if err := d.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
		return err
	}

	log.Println("Daemon stopped")
	return nil
}

func setupLogging(instance string) error {
	paths, err := config.EnsureInstanceDirs(instance)
	if err != nil {
		return fmt.Errorf("initialise instance directories: %w", err)
	}

	logPath := filepath.Join(paths.Logs, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}

	multi := io.MultiWriter(os.Stdout, logFile)
	log.SetOutput(multi)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	log.Printf("=== Warden Daemon Starting (PID: %d) ===", os.Getpid())
	log.Printf("Log file: %s", logPath)
	return nil
}
