package main

import (
	"fmt"

	"github.com/CreepyPvP/nanocl/pkg/manifest"
	"github.com/spf13/cobra"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Apply or revert state files",
}

var stateApplyCmd = &cobra.Command{
	Use:   "apply -f FILE",
	Short: "Apply a state file",
	Long: `Apply a state file: create or update every object it declares.

Objects whose configuration is unchanged are left alone, so applying the same
file twice changes nothing. Each apply that changes something is recorded and
can be undone with 'nanocl state revert'.

Examples:
  # Apply a stack
  nanocl state apply -f stack.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		m, err := manifest.ParseFile(file)
		if err != nil {
			return err
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		stop := startSpinner(cmd, "Applying "+file+"...")
		result, applyErr := c.Apply(cmd.Context(), m)
		stop()
		if result != nil {
			if err := printResult(cmd, result); err != nil {
				return err
			}
		}
		return applyErr
	},
}

var stateRevertCmd = &cobra.Command{
	Use:   "revert [-f FILE | --record ID]",
	Short: "Undo the latest apply of a state file",
	Long: `Undo the latest apply of the same set of objects.

Objects created by the apply are deleted. Objects it updated get a new
version with their previous configuration, so history is never rewritten.

Examples:
  # Undo the last apply of stack.yml
  nanocl state revert -f stack.yml

  # Undo a specific apply
  nanocl state revert --record 3f2a...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		record, _ := cmd.Flags().GetString("record")
		if (file == "") == (record == "") {
			return fmt.Errorf("exactly one of --file or --record is required")
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if record != "" {
			stop := startSpinner(cmd, "Reverting record "+record+"...")
			result, err := c.RevertRecord(cmd.Context(), record)
			stop()
			if err != nil {
				return err
			}
			return printResult(cmd, result)
		}

		m, err := manifest.ParseFile(file)
		if err != nil {
			return err
		}
		stop := startSpinner(cmd, "Reverting "+file+"...")
		result, err := c.Revert(cmd.Context(), m)
		stop()
		if err != nil {
			return err
		}
		return printResult(cmd, result)
	},
}

func init() {
	stateApplyCmd.Flags().StringP("file", "f", "", "State file to apply (required)")
	_ = stateApplyCmd.MarkFlagRequired("file")

	stateRevertCmd.Flags().StringP("file", "f", "", "State file to revert")
	stateRevertCmd.Flags().String("record", "", "Apply record ID to revert")

	stateCmd.AddCommand(stateApplyCmd)
	stateCmd.AddCommand(stateRevertCmd)
	rootCmd.AddCommand(stateCmd)
}
