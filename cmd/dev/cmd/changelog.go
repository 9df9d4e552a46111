package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

const chglog = "git-chglog"

func ChangelogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "changelog",
		Short: "Generate CHANGELOG.md from conventional commits",
		Long: `Generate the station changelog with git-chglog.

Commits are expected in the conventional format, for example:
  feat(epd): queue partial refresh
  fix(spibus): drop entries on cancel

Install the generator with:
  go install github.com/git-chglog/git-chglog/cmd/git-chglog@latest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := exec.LookPath(chglog); err != nil {
				return fmt.Errorf("%s not installed: %w", chglog, err)
			}
			output, _ := cmd.Flags().GetString("output")
			next, _ := cmd.Flags().GetString("next")
			tag, _ := cmd.Flags().GetString("tag")

			chglogArgs := []string{"--output", output}
			if next != "" {
				chglogArgs = append(chglogArgs, "--next-tag", next)
			}
			if tag != "" {
				chglogArgs = append(chglogArgs, tag)
			}
			slog.Info("generating changelog", "args", chglogArgs)
			c := exec.Command(chglog, chglogArgs...)
			c.Stdout = os.Stdout
			c.Stderr = os.Stderr
			if err := c.Run(); err != nil {
				return fmt.Errorf("could not generate changelog: %w", err)
			}
			slog.Info("changelog written", "output", output)
			return nil
		},
	}
	cmd.Flags().String("next", "", "upcoming version tag (e.g. v0.3.0)")
	cmd.Flags().String("output", "CHANGELOG.md", "output file")
	cmd.Flags().String("tag", "", "only the given tag")
	return cmd
}
