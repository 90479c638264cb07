package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/coderoom/internal/controlapi"
	"github.com/buildkite/coderoom/internal/execution"
	"github.com/olekukonko/tablewriter"
)

type SessionsCommand struct {
	List SessionsListCommand `cmd:"" default:"withargs" help:"List live sessions"`
	Show SessionsShowCommand `cmd:"" help:"Show one session's roster and state"`
}

type SessionsListCommand struct {
	clientFlags
	JSON bool `help:"Print JSON instead of a table"`
}

type SessionsShowCommand struct {
	clientFlags
	JSON      bool   `help:"Print JSON instead of text"`
	SessionID string `arg:"" name:"session-id" help:"Session to show"`
}

type ExecutionsCommand struct {
	List ExecutionsListCommand `cmd:"" default:"withargs" help:"List executions"`
	Stop ExecutionsStopCommand `cmd:"" help:"Stop a running execution"`
}

type ExecutionsListCommand struct {
	clientFlags
	Session string `help:"Only show executions for this session"`
	JSON    bool   `help:"Print JSON instead of a table"`
}

type ExecutionsStopCommand struct {
	clientFlags
	Session     string `help:"Stop the session's active execution"`
	ExecutionID string `arg:"" optional:"" name:"execution-id" help:"Execution to stop"`
}

func (c *SessionsListCommand) Run(ctx *runtimeContext) error {
	client, err := newClient(c.clientFlags)
	if err != nil {
		return err
	}
	resp, err := client.ListSessions(context.Background(), &controlapi.ListSessionsRequest{})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, resp)
	}
	renderSessionTable(ctx.Stdout, resp.Sessions)
	return nil
}

func (c *SessionsShowCommand) Run(ctx *runtimeContext) error {
	client, err := newClient(c.clientFlags)
	if err != nil {
		return err
	}
	resp, err := client.GetSession(context.Background(), &controlapi.GetSessionRequest{SessionID: c.SessionID})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, resp)
	}

	s := resp.Session
	table := newTable(ctx.Stdout)
	table.AppendBulk([][]string{
		{"session", s.ID},
		{"name", s.Name},
		{"owner", firstNonEmpty(s.OwnerID, "-")},
		{"language", s.Language},
		{"version", strconv.FormatInt(s.Version, 10)},
		{"participants", fmt.Sprintf("%d/%d", len(s.Participants), s.MaxParticipants)},
	})
	for _, p := range s.Participants {
		table.Append([]string{"", fmt.Sprintf("%s %s (%s)", p.UserID, p.Username, p.Role)})
	}
	table.Append([]string{"chat messages", strconv.Itoa(len(s.Chat))})
	table.Append([]string{"last activity", s.LastActivity.Format(time.RFC3339)})
	table.Render()
	return nil
}

func (c *ExecutionsListCommand) Run(ctx *runtimeContext) error {
	client, err := newClient(c.clientFlags)
	if err != nil {
		return err
	}
	resp, err := client.ListExecutions(context.Background(), &controlapi.ListExecutionsRequest{SessionID: c.Session})
	if err != nil {
		return err
	}
	if c.JSON {
		return writeJSONOutput(ctx.Stdout, resp)
	}
	renderExecutionTable(ctx.Stdout, resp.Executions)
	return nil
}

func (c *ExecutionsStopCommand) Run(ctx *runtimeContext) error {
	if strings.TrimSpace(c.ExecutionID) == "" && strings.TrimSpace(c.Session) == "" {
		return fmt.Errorf("either an execution id or --session is required")
	}
	client, err := newClient(c.clientFlags)
	if err != nil {
		return err
	}
	resp, err := client.StopExecution(context.Background(), &controlapi.StopExecutionRequest{
		ExecutionID: c.ExecutionID,
		SessionID:   c.Session,
	})
	if err != nil {
		return err
	}
	if !resp.Stopped {
		_, err = fmt.Fprintf(ctx.Stdout, "execution %s had already finished\n", resp.ExecutionID)
		return err
	}
	_, err = fmt.Fprintf(ctx.Stdout, "stopped execution %s\n", resp.ExecutionID)
	return err
}

// newTable returns a borderless, left-aligned table. Headers are
// upper-cased.
func newTable(out io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(out)
	if len(header) > 0 {
		table.SetHeader(header)
	}
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

func renderSessionTable(out io.Writer, sessions []controlapi.SessionSummary) {
	table := newTable(out, "ID", "Name", "Language", "Users", "Version", "Last activity")
	for _, s := range sessions {
		table.Append([]string{
			s.ID, s.Name, s.Language,
			strconv.Itoa(s.Participants),
			strconv.FormatInt(s.Version, 10),
			s.LastActivity.Format(time.RFC3339),
		})
	}
	table.Render()
}

func renderExecutionTable(out io.Writer, executions []execution.Execution) {
	table := newTable(out, "ID", "Session", "Language", "Status", "Exit", "Started")
	for _, e := range executions {
		exit := "-"
		if e.Status.Final() {
			exit = strconv.Itoa(e.ExitCode)
		}
		table.Append([]string{
			e.ID, firstNonEmpty(e.SessionID, "-"), e.Language, string(e.Status), exit,
			e.StartedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}

func writeJSONOutput(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
