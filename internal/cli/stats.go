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
	"github.com/tjfontaine/replywatch/internal/client"
)

type windowFlags struct {
	period string
	from   string
	to     string
}

func (f *windowFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.period, "period", "", "today, week or month (default today)")
	cmd.Flags().StringVar(&f.from, "from", "", "window start, RFC 3339")
	cmd.Flags().StringVar(&f.to, "to", "", "window end (exclusive), RFC 3339")
}

func (f *windowFlags) window() (client.Window, error) {
	w := client.Window{Period: f.period}
	if f.from == "" && f.to == "" {
		return w, nil
	}
	if f.period != "" {
		return w, fmt.Errorf("use either --period or --from/--to")
	}
	var err error
	if w.From, err = time.Parse(time.RFC3339, f.from); err != nil {
		return w, fmt.Errorf("invalid --from: %w", err)
	}
	if w.To, err = time.Parse(time.RFC3339, f.to); err != nil {
		return w, fmt.Errorf("invalid --to: %w", err)
	}
	return w, nil
}

func statsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Response statistics",
	}
	cmd.AddCommand(statsEmployeeCmd(g))
	cmd.AddCommand(statsEmployeesCmd(g))
	cmd.AddCommand(statsFleetCmd(g))
	return cmd
}

func statsEmployeeCmd(g *globals) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "employee <id>",
		Short: "Show one employee's response statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wf.window()
			if err != nil {
				return err
			}
			s, err := g.client().EmployeeStats(cmd.Context(), args[0], w)
			if err != nil {
				return err
			}
			displayEmployeeStats(cmd.OutOrStdout(), s)
			return nil
		},
	}
	wf.register(cmd)
	return cmd
}

func statsEmployeesCmd(g *globals) *cobra.Command {
	var wf windowFlags
	var ids []string
	cmd := &cobra.Command{
		Use:   "employees",
		Short: "Compare employees side by side",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wf.window()
			if err != nil {
				return err
			}
			stats, err := g.client().AllEmployeeStats(cmd.Context(), ids, w)
			if err != nil {
				return err
			}
			displayEmployeeTable(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	wf.register(cmd)
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "employees to include (default: everyone active in the window)")
	return cmd
}

func statsFleetCmd(g *globals) *cobra.Command {
	var wf windowFlags
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Summarize every employee together",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := wf.window()
			if err != nil {
				return err
			}
			f, err := g.client().FleetSummary(cmd.Context(), w)
			if err != nil {
				return err
			}
			displayFleet(cmd.OutOrStdout(), f)
			return nil
		},
	}
	wf.register(cmd)
	return cmd
}

func exportCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Run the statistics export now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := g.client().Export(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Exported %s rows to %s (%d reports queued)\n",
				humanize.Comma(int64(res.Rows)), res.Sheet, res.Reports)
			return nil
		},
	}
}

func windowLabel(start, end time.Time) string {
	return fmt.Sprintf("%s → %s", start.Format("2006-01-02 15:04"), end.Format("2006-01-02 15:04"))
}

func rateColor(rate float64, total int) string {
	s := fmt.Sprintf("%.1f%%", rate)
	switch {
	case total == 0:
		return s
	case rate >= 90:
		return color.New(color.FgGreen).Sprint(s)
	case rate >= 70:
		return color.New(color.FgYellow).Sprint(s)
	default:
		return color.New(color.FgRed).Sprint(s)
	}
}

func displayEmployeeStats(out io.Writer, s api.EmployeeStatsView) {
	fmt.Fprintf(out, "📊 %s  %s\n\n", s.EmployeeID, windowLabel(s.WindowStart, s.WindowEnd))
	fmt.Fprintf(out, "  Messages:       %s (%d clients)\n", humanize.Comma(int64(s.Total)), s.UniqueClients)
	fmt.Fprintf(out, "  Responded:      %d\n", s.Responded)
	fmt.Fprintf(out, "  Missed:         %d\n", s.Missed)
	fmt.Fprintf(out, "  In progress:    %d\n", s.InProgress)
	fmt.Fprintf(out, "  Deferred:       %d\n", s.Deferred)
	fmt.Fprintf(out, "  Response rate:  %s\n", rateColor(s.ResponseRate, s.Total))
	fmt.Fprintf(out, "  Avg latency:    %s\n", latency(s.AverageLatencySeconds))
	for _, e := range s.Exceeded {
		th := time.Duration(e.ThresholdSeconds * float64(time.Second))
		fmt.Fprintf(out, "  Slower than %s: %d\n", th, e.Count)
	}
}

func displayEmployeeTable(out io.Writer, stats []api.EmployeeStatsView) {
	if len(stats) == 0 {
		fmt.Fprintln(out, "No activity in this window.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMPLOYEE\tTOTAL\tRESPONDED\tMISSED\tIN PROGRESS\tRATE\tAVG LATENCY")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			s.EmployeeID, s.Total, s.Responded, s.Missed, s.InProgress,
			rateColor(s.ResponseRate, s.Total), latency(s.AverageLatencySeconds))
	}
	w.Flush()
}

func displayFleet(out io.Writer, f api.FleetView) {
	fmt.Fprintf(out, "📊 Fleet  %s\n\n", windowLabel(f.WindowStart, f.WindowEnd))
	fmt.Fprintf(out, "  Employees:    %d\n", f.Employees)
	fmt.Fprintf(out, "  Messages:     %s (%d clients)\n", humanize.Comma(int64(f.Total)), f.UniqueClients)
	fmt.Fprintf(out, "  Responded:    %d\n", f.Responded)
	fmt.Fprintf(out, "  Missed:       %d\n", f.Missed)
	fmt.Fprintf(out, "  In progress:  %d\n", f.InProgress)
	fmt.Fprintf(out, "  Deferred:     %d\n", f.Deferred)
	fmt.Fprintf(out, "  Avg latency:  %s\n", latency(f.AverageLatencySeconds))
}
