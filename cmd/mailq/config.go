package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/busybox42/mailq/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
		Long:  "Commands for generating and validating mailq configuration",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate [path]",
		Short: "Generate a default configuration file, or print it when no path is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateConfig(cmd, args, force)
		},
	}
	generate.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.AddCommand(generate)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE:  validateConfig,
	})
	return cmd
}

func generateConfig(cmd *cobra.Command, args []string, force bool) error {
	cfg := config.DefaultConfig()
	if len(args) == 0 {
		return config.Generate(cmd.OutOrStdout(), cfg)
	}

	outputPath := args[0]
	if _, err := os.Stat(outputPath); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", outputPath)
	}
	if err := cfg.SaveConfig(outputPath); err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration generated at: %s\n", outputPath)
	return nil
}

// errInvalidConfig makes validate exit non-zero after printing its report
var errInvalidConfig = errors.New("configuration is invalid")

func validateConfig(cmd *cobra.Command, args []string) error {
	configFile := configPath
	if len(args) > 0 {
		configFile = args[0]
	}
	configFile, err := config.FindConfigFile(configFile)
	if err != nil {
		return err
	}

	report, err := config.CheckFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	result := report.Result

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "=== Configuration Validation Report ===\n\n")
	fmt.Fprintf(out, "File: %s\n\n", report.File)

	if result.Valid {
		fmt.Fprintf(out, "Configuration is VALID\n\n")
	} else {
		fmt.Fprintf(out, "Configuration has ERRORS\n\n")
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(out, "ERRORS (%d):\n", len(result.Errors))
		for i, err := range result.Errors {
			fmt.Fprintf(out, "  %d. %s\n", i+1, err.Error())
		}
		fmt.Fprintln(out)
	}

	if len(result.Warnings) > 0 {
		fmt.Fprintf(out, "WARNINGS (%d):\n", len(result.Warnings))
		for i, warning := range result.Warnings {
			fmt.Fprintf(out, "  %d. %s\n", i+1, warning.Error())
		}
		fmt.Fprintln(out)
	}

	if !result.Valid {
		return errInvalidConfig
	}
	return nil
}
