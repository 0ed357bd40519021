package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/triagekit/triage/internal/models"
	"github.com/triagekit/triage/internal/output"
	"github.com/triagekit/triage/internal/store"
)

var (
	sessionsProject string
	sessionsStatus  string
	sessionsLimit   int
	resolveReason   string
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List and inspect failure sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd)
	},
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List failure sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsListRun(cmd)
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsShowRun(cmd, args[0])
	},
}

var sessionsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an active session resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionsResolveRun(cmd, args[0])
	},
}

func init() {
	sessionsCmd.PersistentFlags().StringVar(&sessionsProject, "project", "", "Filter by project id")
	sessionsCmd.PersistentFlags().StringVar(&sessionsStatus, "status", "", "Filter by status (active, resolved, expired, superseded)")
	sessionsCmd.PersistentFlags().IntVar(&sessionsLimit, "limit", 50, "Maximum sessions to list")
	sessionsResolveCmd.Flags().StringVar(&resolveReason, "reason", "resolved manually", "Resolution reason")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsResolveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func sessionsListRun(cmd *cobra.Command) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	list, err := s.ListSessions(cmd.Context(), store.SessionFilter{
		ProjectID: sessionsProject,
		Status:    models.SessionStatus(sessionsStatus),
		Limit:     sessionsLimit,
	})
	if err != nil {
		return err
	}
	if len(list) == 0 {
		ui.Info("No sessions found")
		return nil
	}

	table := ui.Table([]string{"ID", "TYPE", "STATUS", "PROJECT", "BRANCH", "LAST ACTIVITY"})
	for _, session := range list {
		table.Append([]string{
			session.ID,
			output.TypeColor(string(session.Type)),
			output.StatusColor(string(session.Status)),
			session.ProjectName,
			session.Pipeline.Branch,
			session.LastActivity.Local().Format("2006-01-02 15:04"),
		})
	}
	return table.Render()
}

func sessionsShowRun(cmd *cobra.Command, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	session, err := s.GetSession(cmd.Context(), id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s / %s\n", output.Cyan(session.ID),
		output.TypeColor(string(session.Type)), output.StatusColor(string(session.Status)))
	fmt.Fprintf(ui.Out, "  Project:    %s (%s)\n", session.ProjectName, session.ProjectID)
	fmt.Fprintf(ui.Out, "  Identity:   %s\n", session.IdentityKey)
	if session.StatusReason != "" {
		fmt.Fprintf(ui.Out, "  Reason:     %s\n", session.StatusReason)
	}
	if session.SupersededBy != "" {
		fmt.Fprintf(ui.Out, "  Superseded: by %s\n", session.SupersededBy)
	}
	if session.Pipeline.PipelineID != "" {
		fmt.Fprintf(ui.Out, "  Pipeline:   #%s on %s (%s)\n",
			session.Pipeline.PipelineID, session.Pipeline.Branch, session.Pipeline.CommitSHA)
		if session.Pipeline.JobName != "" {
			fmt.Fprintf(ui.Out, "  Failed job: %s (stage %s)\n",
				session.Pipeline.JobName, session.Pipeline.FailedStage)
		}
	}
	if session.Quality.GateStatus != "" {
		fmt.Fprintf(ui.Out, "  Gate:       %s, %d failing condition(s), %d critical\n",
			session.Quality.GateStatus, session.Quality.IssuesTotal, session.Quality.IssuesCritical)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", session.CreatedAt.Local().Format(time.RFC1123))
	fmt.Fprintf(ui.Out, "  Activity:   %s\n", session.LastActivity.Local().Format(time.RFC1123))
	fmt.Fprintf(ui.Out, "  Expires:    %s\n", session.ExpiresAt.Local().Format(time.RFC1123))

	if len(session.ConversationHistory) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Conversation (%d entries):\n", len(session.ConversationHistory))
		for _, entry := range session.ConversationHistory {
			fmt.Fprintf(ui.Out, "    [%s] %s: %s\n",
				entry.Timestamp.Local().Format("15:04:05"), entry.Role, entry.Content)
		}
	}
	if len(session.AppliedFixes) > 0 {
		fmt.Fprintln(ui.Out)
		fmt.Fprintf(ui.Out, "  Applied fixes:\n")
		for _, fix := range session.AppliedFixes {
			fmt.Fprintf(ui.Out, "    %s: %s\n", fix.Branch, fix.Description)
		}
	}
	return nil
}

func sessionsResolveRun(cmd *cobra.Command, id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	session, err := s.GetSession(cmd.Context(), id)
	if err != nil {
		return err
	}
	if session.Status != models.SessionStatusActive {
		return fmt.Errorf("session %s is %s, not active", id, session.Status)
	}

	status := models.SessionStatusResolved
	if _, err := s.UpdateWithVersionCheck(cmd.Context(), id, session.Version, store.SessionPatch{
		Status:       &status,
		StatusReason: &resolveReason,
	}); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("session %s was modified concurrently, retry", id)
		}
		return err
	}
	ui.Success("Session %s resolved", id)
	return nil
}
