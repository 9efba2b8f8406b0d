package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/turnengine/internal/sessions"
	"github.com/haasonsaas/turnengine/internal/tools"
	"github.com/haasonsaas/turnengine/internal/usage"
	"github.com/haasonsaas/turnengine/pkg/models"
)

// runSessionsList handles the sessions list command.
func runSessionsList(cmd *cobra.Command, configPath string, limit int, asJSON bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	list, err := a.store.ListSessions(ctx, sessions.ListOptions{Limit: limit})
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tUPDATED\tTOKENS\tCOST")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID,
			orDash(s.Title),
			s.UpdatedAt.Format(time.RFC3339),
			orDash(usage.FormatTokenCount(s.Tokens.Total())),
			orDash(usage.FormatUSD(s.Cost)),
		)
	}
	return tw.Flush()
}

// runSessionsShow handles the sessions show command.
func runSessionsShow(cmd *cobra.Command, configPath, sessionID string, asJSON bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, configPath, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	history, err := sessions.History(ctx, a.store, sessionID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON {
		return writeJSON(out, map[string]any{"session": session, "messages": history})
	}
	printTranscript(out, session, history)
	return nil
}

func printTranscript(out io.Writer, session *models.Session, history []models.MessageWithParts) {
	fmt.Fprintf(out, "Session %s\n", session.ID)
	if session.Title != "" {
		fmt.Fprintf(out, "Title:   %s\n", session.Title)
	}
	if session.Directory != "" {
		fmt.Fprintf(out, "Dir:     %s\n", session.Directory)
	}
	if t := usage.FormatTokens(session.Tokens); t != "" {
		fmt.Fprintf(out, "Usage:   %s %s\n", t, usage.FormatUSD(session.Cost))
	}
	if s := session.Summary; s != nil && s.Files > 0 {
		fmt.Fprintf(out, "Changes: %d file(s), +%d -%d\n", s.Files, s.Additions, s.Deletions)
	}

	for _, entry := range history {
		msg := entry.Message
		header := fmt.Sprintf("\n[%s] %s", msg.Role, msg.ID)
		if msg.ModelID != "" {
			header += " " + msg.ProviderID + "/" + msg.ModelID
		}
		if msg.Summary {
			header += " (summary)"
		}
		if msg.Finish != "" {
			header += " finish=" + msg.Finish
		}
		fmt.Fprintln(out, header)
		for _, part := range entry.Parts {
			switch part.Type {
			case models.PartText:
				if part.Text != nil && part.Text.Text != "" {
					fmt.Fprintln(out, indent(part.Text.Text))
				}
			case models.PartTool:
				fmt.Fprintln(out, "  "+tools.DescribePart(part))
			case models.PartPatch:
				if part.Patch != nil && len(part.Patch.Files) > 0 {
					fmt.Fprintf(out, "  changed: %s\n", strings.Join(part.Patch.Files, ", "))
				}
			}
		}
		if msg.Error != nil {
			fmt.Fprintf(out, "  error: %s: %s\n", msg.Error.Name, msg.Error.Message)
		}
	}
}

func indent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i, line := range lines {
		lines[i] = "  " + line
	}
	return strings.Join(lines, "\n")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
