package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/connectias/warden/internal/config"
	"github.com/connectias/warden/internal/daemon"
	"github.com/connectias/warden/internal/eventbus"
	"github.com/connectias/warden/internal/procutil"
	wardenversion "github.com/connectias/warden/internal/version"
)

const defaultAdminAddr = "127.0.0.1:7711"

func newDaemonCommand() *cobra.Command {
	daemonCmd := &cobra.Command{
		Use:           "daemon",
		Short:         "Daemon management commands",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	daemonCmd.PersistentFlags().String("addr", defaultAdminAddr, "Admin API address")

	daemonStatusCmd := &cobra.Command{
		Use:           "status",
		Short:         "Get daemon status",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStatus,
	}

	daemonStopCmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonStop,
	}

	auditCmd := &cobra.Command{
		Use:           "audit",
		Short:         "Show recent security audit events",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          daemonAudit,
	}
	auditCmd.Flags().Int("limit", 50, "Maximum number of events to show")
	auditCmd.Flags().String("plugin", "", "Only show events for this plugin")

	daemonCmd.AddCommand(daemonStatusCmd, daemonStopCmd, auditCmd)
	return daemonCmd
}

func adminClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

func adminGet(cmd *cobra.Command, path string, query url.Values, v interface{}) error {
	addr, _ := cmd.Flags().GetString("addr")
	u := url.URL{Scheme: "http", Host: addr, Path: path, RawQuery: query.Encode()}

	resp, err := adminClient().Get(u.String())
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func daemonStatus(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	var status map[string]interface{}
	if err := adminGet(cmd, "/status", nil, &status); err != nil {
		return out.Error("Failed to fetch daemon status", err)
	}

	if out.jsonMode {
		return out.Print(status)
	}

	fmt.Println("Daemon Status:")
	fmt.Printf("  Version: %v\n", status["version"])
	fmt.Printf("  PID: %v\n", status["pid"])
	fmt.Printf("  Plugins: %v\n", status["plugins"])
	fmt.Printf("  Plugin IPC: %v\n", status["grpcAddress"])
	if clients, ok := status["streamClients"]; ok {
		fmt.Printf("  Stream Clients: %v\n", clients)
	}
	if uptime, ok := status["uptimeSec"]; ok {
		fmt.Printf("  Uptime: %v seconds\n", uptime)
	}
	if daemonVersion, ok := status["version"].(string); ok {
		if warning := wardenversion.CheckVersionMismatch(daemonVersion); warning != "" {
			fmt.Fprintln(os.Stderr, warning)
		}
	}
	return nil
}

// daemonStop signals the daemon via its lock file PID.
func daemonStop(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	instance := instanceName(cmd)
	if !daemon.IsRunning(instance) {
		return out.Error("Daemon is not running", nil)
	}

	paths := config.GetInstancePaths(instance)
	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return out.Error("Failed to read daemon PID", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return out.Error("Invalid daemon PID file", err)
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return out.Error("Failed to signal daemon", err)
	}

	return out.Success("Sent termination signal to daemon", map[string]interface{}{
		"pid": pid,
	})
}

func daemonAudit(cmd *cobra.Command, args []string) error {
	out := newOutputFormatter(cmd)

	limit, _ := cmd.Flags().GetInt("limit")
	plugin, _ := cmd.Flags().GetString("plugin")

	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if plugin != "" {
		query.Set("plugin", plugin)
	}

	var events []eventbus.SecurityEvent
	if err := adminGet(cmd, "/audit", query, &events); err != nil {
		return out.Error("Failed to fetch audit events", err)
	}

	if out.jsonMode {
		return out.Print(events)
	}

	if len(events) == 0 {
		fmt.Println("No audit events")
		return nil
	}
	for _, event := range events {
		pluginID := event.PluginID
		if pluginID == "" {
			pluginID = "-"
		}
		fmt.Printf("%s  %-22s  %-16s  %s\n",
			event.At.Local().Format(time.RFC3339), event.Kind, pluginID, event.Detail)
	}
	return nil
}
