package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tenantstore/internal/tasks"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Work with task definition files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file.yaml>...",
		Short: "Validate task definition files offline",
		Args:  cobra.MinimumNArgs(1),
		RunE:  validateTaskFiles,
	})
	return cmd
}

func validateTaskFiles(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defs, err := tasks.Parse(f)
		f.Close()
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			failed++
			continue
		}
		for _, t := range defs {
			if err := tasks.Validate(t); err != nil {
				fmt.Fprintf(out, "%s: %s: %v\n", path, t.ID, err)
				failed++
				continue
			}
			fmt.Fprintf(out, "%s: %s: ok\n", path, t.ID)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d task definition(s) invalid", failed)
	}
	return nil
}
