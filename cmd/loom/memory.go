package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildMemoryCmd creates the "memory" command group.
func buildMemoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage persistent memory",
	}
	cmd.AddCommand(buildMemoryGCCmd())
	return cmd
}

// buildMemoryGCCmd creates "memory gc": a synchronous run of the lifecycle
// controller's expiry and capacity-eviction sweep, outside its own ticker.
func buildMemoryGCCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Force a memory lifecycle cleanup pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryGC(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func runMemoryGC(cmd *cobra.Command, configPath string) error {
	a, err := newApp(configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.memory.Lifecycle().Sweep(cmd.Context()); err != nil {
		return fmt.Errorf("memory gc failed: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "memory gc complete")
	return nil
}
