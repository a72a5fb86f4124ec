package notify

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tjfontaine/replywatch/internal/core/domain"
)

// Summary renders a one-line human readable description of n for chat and
// webhook payloads.
func Summary(n domain.Notification) string {
	switch n.Kind {
	case domain.NotificationReminder:
		return fmt.Sprintf("Reminder %d: client %s has been waiting %s for a reply",
			n.Stage, n.ClientRef, n.Elapsed.Round(time.Second))
	case domain.NotificationMissed:
		return fmt.Sprintf("Missed: client %s got no reply within %s (message %d)",
			n.ClientRef, n.Elapsed.Round(time.Second), n.MessageID)
	case domain.NotificationDailyReport:
		if n.Report == nil {
			return "Daily report: no data"
		}
		r := n.Report
		avg := "n/a"
		if r.HasLatency {
			avg = r.AverageLatency.Round(time.Second).String()
		}
		return fmt.Sprintf("Daily report: %s messages, %s responded (%s%%), %s missed, average reply %s",
			humanize.Comma(int64(r.Total)),
			humanize.Comma(int64(r.Responded)),
			humanize.FormatFloat("#,###.#", r.ResponseRate),
			humanize.Comma(int64(r.Missed)),
			avg)
	default:
		return fmt.Sprintf("%s notification for %s", n.Kind, n.EmployeeID)
	}
}
