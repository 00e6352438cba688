package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/streamrelay/internal/daemon"
	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Streamrelay daemon service",
	Long: `Stop the Streamrelay daemon service gracefully.
Sends SIGTERM to the daemon and waits for it to shut down, then SIGKILL
once the timeout expires.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	_, cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pid, err := daemon.ReadPID(cfg.DataDir)
	if err != nil || !daemon.ProcessAlive(pid) {
		return fmt.Errorf("daemon is not running")
	}

	if err := stopProcess(pid, time.Duration(stopTimeout)*time.Second); err != nil {
		return err
	}

	_ = os.Remove(daemon.PIDFile(cfg.DataDir))
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
	return nil
}

// stopProcess sends SIGTERM and escalates to SIGKILL after timeout
func stopProcess(pid int, timeout time.Duration) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process: %w", err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !daemon.ProcessAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	return nil
}
