package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lei/simple-analytics/internal/sqlsafety"
)

func init() {
	rootCmd.AddCommand(sqlcheckCmd)
}

var sqlcheckCmd = &cobra.Command{
	Use:   "sqlcheck [sql]",
	Short: "Normalize and classify SQL with the safety gate",
	Long:  "Reads SQL from the arguments, or stdin when none are given, and prints the normalized statement and verdict. Exits non-zero when the statement is rejected.",
	RunE:  runSQLCheck,
}

func runSQLCheck(cmd *cobra.Command, args []string) error {
	raw := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		raw = string(data)
	}

	normalized := sqlsafety.Normalize(raw)
	verdict := sqlsafety.Classify(normalized)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, normalized)
	if !verdict.Safe {
		return fmt.Errorf("%s: %s", sqlsafety.ViolationMessage, verdict.Reason)
	}
	fmt.Fprintln(out, "safe")
	return nil
}
