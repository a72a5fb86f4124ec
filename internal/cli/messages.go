package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/replywatch/internal/api"
)

func messagesCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "messages",
		Aliases: []string{"msg"},
		Short:   "List and manage tracked messages",
	}
	cmd.AddCommand(messagesListCmd(g))
	cmd.AddCommand(messagesGetCmd(g))
	cmd.AddCommand(messagesDeferCmd(g))
	cmd.AddCommand(messagesReassignCmd(g))
	return cmd
}

func messagesListCmd(g *globals) *cobra.Command {
	var states []string
	var employee string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked messages",
		Long: `List tracked messages, oldest first.

--state accepts open, deferred, responded, missed, or awaiting (open and deferred).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := g.client().ListMessages(cmd.Context(), states, employee)
			if err != nil {
				return err
			}
			displayMessages(cmd.OutOrStdout(), msgs)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "filter by state (repeatable or comma-separated)")
	cmd.Flags().StringVar(&employee, "employee", "", "filter by assigned employee")
	return cmd
}

func messagesGetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			m, err := g.client().GetMessage(cmd.Context(), id)
			if err != nil {
				return err
			}
			displayMessage(cmd.OutOrStdout(), m)
			return nil
		},
	}
}

func messagesDeferCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "defer <id>",
		Short: "Mark an open message as deferred",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			m, err := g.client().Defer(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Message %s is now %s\n", m.ID, stateColor(m.State))
			return nil
		},
	}
}

func messagesReassignCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reassign <id> <employee>",
		Short: "Hand an awaiting message to another employee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return fmt.Errorf("invalid message id %q", args[0])
			}
			m, err := g.client().Reassign(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Message %s reassigned to %s\n", m.ID, m.EmployeeID)
			return nil
		},
	}
}

func displayMessages(out io.Writer, msgs []api.MessageView) {
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tEMPLOYEE\tCLIENT\tARRIVED\tLATENCY")
	for _, m := range msgs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			m.ID,
			stateColor(m.State),
			m.EmployeeID,
			m.ClientRef,
			humanize.RelTime(m.ArrivedAt, now(), "ago", "from now"),
			latency(m.LatencySeconds),
		)
	}
	w.Flush()
}

func displayMessage(out io.Writer, m api.MessageView) {
	fmt.Fprintf(out, "Message %s (%s)\n", m.ID, m.ExternalID)
	fmt.Fprintf(out, "  State:    %s\n", stateColor(m.State))
	fmt.Fprintf(out, "  Employee: %s\n", m.EmployeeID)
	fmt.Fprintf(out, "  Client:   %s\n", m.ClientRef)
	fmt.Fprintf(out, "  Arrived:  %s (%s)\n", m.ArrivedAt.Format(time.RFC3339), humanize.RelTime(m.ArrivedAt, now(), "ago", "from now"))
	if m.RespondedAt != nil {
		fmt.Fprintf(out, "  Replied:  %s by %s after %s\n", m.RespondedAt.Format(time.RFC3339), m.RespondedBy, latency(m.LatencySeconds))
	}
	if m.DeferredAt != nil {
		fmt.Fprintf(out, "  Deferred: %s\n", m.DeferredAt.Format(time.RFC3339))
	}
	if m.MissedAt != nil {
		fmt.Fprintf(out, "  Missed:   %s\n", m.MissedAt.Format(time.RFC3339))
	}
	if m.RemindersSent > 0 {
		fmt.Fprintf(out, "  Reminders sent: %d\n", m.RemindersSent)
	}
}

func stateColor(state string) string {
	switch state {
	case "open":
		return color.New(color.FgYellow).Sprint(state)
	case "deferred":
		return color.New(color.FgCyan).Sprint(state)
	case "responded":
		return color.New(color.FgGreen).Sprint(state)
	case "missed":
		return color.New(color.FgRed).Sprint(state)
	default:
		return state
	}
}

func latency(secs *float64) string {
	if secs == nil {
		return "-"
	}
	return (time.Duration(*secs * float64(time.Second))).Round(time.Second).String()
}
