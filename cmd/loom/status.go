package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// buildStatusCmd creates the "status" command: a point-in-time AgentStatus
// snapshot, printed as JSON.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print an agent status snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	a, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.status(cmd.Context())
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	return nil
}
