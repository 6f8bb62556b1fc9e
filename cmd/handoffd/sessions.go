package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ashureev/handoffd/internal/audit"
	"github.com/ashureev/handoffd/internal/clock"
	"github.com/ashureev/handoffd/internal/config"
	"github.com/ashureev/handoffd/internal/domain"
	"github.com/ashureev/handoffd/internal/query"
	"github.com/ashureev/handoffd/internal/store"
	"github.com/spf13/cobra"
)

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd(), newSessionsShowCmd(), newSessionsAuditCmd())
	return cmd
}

// openRepo opens the configured store. The caller closes it.
func openRepo() (store.Repository, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

// openQueries opens the configured store read-side. The caller closes it.
func openQueries() (*query.Service, func(), error) {
	repo, err := openRepo()
	if err != nil {
		return nil, nil, err
	}
	svc, err := query.NewService(repo, clock.Real(), 0)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	return svc, func() { _ = repo.Close() }, nil
}

func newSessionsListCmd() *cobra.Command {
	var (
		statuses []string
		agentID  string
		limit    int
		offset   int
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := openQueries()
			if err != nil {
				return err
			}
			defer closeFn()

			f := query.Filter{AgentID: agentID}
			for _, s := range statuses {
				f.Statuses = append(f.Statuses, domain.Status(s))
			}
			page, err := svc.List(cmd.Context(), f, limit, offset)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, page)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTATUS\tAGENT\tESCALATION\tWAITING\tMESSAGES\tUPDATED")
			for _, s := range page.Sessions {
				agent, reason, waiting := "-", "-", "-"
				if s.AssignedAgent != nil {
					agent = s.AssignedAgent.ID
				}
				if s.Escalation != nil {
					reason = fmt.Sprintf("%s (%s)", s.Escalation.Reason, s.Escalation.Severity)
					waiting = (time.Duration(s.Escalation.WaitingSeconds) * time.Second).String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					s.Name, s.Status, agent, reason, waiting, s.MessageCount, s.UpdatedAt.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d sessions\n", len(page.Sessions), page.Total)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status ("+statusNames()+")")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by assigned agent id")
	cmd.Flags().IntVar(&limit, "limit", query.DefaultLimit, "page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "page offset")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a session with its messages and audit trail as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, closeFn, err := openQueries()
			if err != nil {
				return err
			}
			defer closeFn()

			d, err := svc.Detail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, d)
		},
	}
}

func newSessionsAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit NAME",
		Short: "Print a session's audit trail in write order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openRepo()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			entries, err := audit.NewRecorder(repo, clock.Real()).List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("%w: session %q", domain.ErrNotFound, args[0])
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tKIND\tACTOR\tFROM\tTO\tREASON")
			for _, e := range entries {
				actor := string(e.Actor.Type)
				if e.Actor.ID != "" {
					actor += ":" + e.Actor.ID
				}
				reason := e.Reason
				if reason == "" {
					reason = "-"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.At.Format(time.RFC3339), e.Kind, actor, e.From, e.To, reason)
			}
			return tw.Flush()
		},
	}
}

func statusNames() string {
	names := make([]string, len(domain.Statuses))
	for i, s := range domain.Statuses {
		names[i] = string(s)
	}
	return strings.Join(names, "|")
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

