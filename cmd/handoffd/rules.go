package main

import (
	"fmt"
	"strings"

	"github.com/ashureev/handoffd/internal/escalation"
	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with escalation rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check FILE",
		Short: "Validate a rules file and print what it defines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			det, err := escalation.LoadRules(args[0])
			if err != nil {
				return err
			}
			sum := det.Describe()
			out := cmd.OutOrStdout()
			for _, r := range sum.Rules {
				fmt.Fprintf(out, "%-24s %-8s %s\n", r.Name, r.Severity, strings.Join(r.Patterns, ", "))
			}
			if sum.AlwaysOpen {
				fmt.Fprintln(out, "business hours: always open")
			} else {
				fmt.Fprintf(out, "business hours: %s\n", sum.Location)
			}
			if sum.VIPFloor != "" {
				fmt.Fprintf(out, "vip severity floor: %s\n", sum.VIPFloor)
			}
			fmt.Fprintf(out, "%s: ok\n", args[0])
			return nil
		},
	})
	return cmd
}
