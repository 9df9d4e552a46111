package cmd

import (
	"fmt"
	"log/slog"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

// step wraps a devtool check as a cobra command.
func step(use, short string, run func() error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Debug("running", "step", use)
			if err := run(); err != nil {
				return fmt.Errorf("%s failed: %w", use, err)
			}
			return nil
		},
	}
}

func TestCmd() *cobra.Command {
	return step("test", "Run unit tests (no hardware needed)", func() error { return test.Test() })
}

func LintCmd() *cobra.Command {
	return step("lint", "Run linters", func() error { return test.Lint() })
}

// IntegrationTestCmd runs the suites that talk to a real panel and sensor.
func IntegrationTestCmd() *cobra.Command {
	return step("integration-test", "Run integration tests against the attached hardware", func() error { return test.Integ() })
}
