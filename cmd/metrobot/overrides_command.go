package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"metrobot/internal/overrides"
)

func newOverridesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overrides",
		Short: "Override document utilities",
	}
	cmd.AddCommand(newOverridesCheckCommand())
	return cmd
}

func newOverridesCheckCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Validate and normalize an override document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return checkOverrides(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], quiet, time.Now())
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only report warnings and errors")
	return cmd
}

func checkOverrides(out, errOut io.Writer, path string, quiet bool, now time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	doc, warnings, err := overrides.Decode(data, now)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, w := range warnings {
		fmt.Fprintln(errOut, "warning:", w)
	}
	if quiet {
		return nil
	}
	b, err := overrides.Encode(doc)
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}
