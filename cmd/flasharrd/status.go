package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a flasharrd daemon is running",
	RunE:  runStatus,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running flasharrd daemon to shut down",
	RunE:  runStop,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFlag()
	if err != nil {
		return err
	}
	pid := readPID(cfg.StateDir)
	if pid == 0 || !processRunning(pid) {
		fmt.Println("flasharrd is not running")
		return nil
	}
	fmt.Printf("flasharrd is running (pid %d)\n", pid)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFlag()
	if err != nil {
		return err
	}
	pid := readPID(cfg.StateDir)
	if pid == 0 || !processRunning(pid) {
		fmt.Println("flasharrd is not running")
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling flasharrd (pid %d): %w", pid, err)
	}
	fmt.Printf("sent SIGTERM to flasharrd (pid %d)\n", pid)
	return nil
}
