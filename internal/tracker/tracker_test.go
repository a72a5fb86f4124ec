package tracker_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tjfontaine/replywatch/internal/clock"
	"github.com/tjfontaine/replywatch/internal/core/domain"
	"github.com/tjfontaine/replywatch/internal/core/ports"
	"github.com/tjfontaine/replywatch/internal/deadline"
	"github.com/tjfontaine/replywatch/internal/storage/memory"
	"github.com/tjfontaine/replywatch/internal/tracker"
)

var t0 = time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) Next() int64 { return s.n.Add(1) }

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []domain.NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.NotificationKind, len(r.sent))
	for i, n := range r.sent {
		out[i] = n.Kind
	}
	return out
}

func (r *recordingNotifier) all() []domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Notification(nil), r.sent...)
}

var _ = Describe("Tracker", func() {
	var (
		ctx      context.Context
		clk      *clock.Virtual
		notifier *recordingNotifier
		store    *memory.Store
		tr       *tracker.Tracker
		policy   deadline.Policy
		extra    []tracker.Option
	)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	build := func() *tracker.Tracker {
		opts := append([]tracker.Option{
			tracker.WithClock(clk),
			tracker.WithStore(store),
			tracker.WithNotifier(notifier),
			tracker.WithLogger(quiet),
			tracker.WithIDs(&seqIDs{}),
			tracker.WithPolicy(policy),
		}, extra...)
		t, err := tracker.New(opts...)
		Expect(err).NotTo(HaveOccurred())
		Expect(t.Start(ctx)).To(Succeed())
		return t
	}

	track := func(ext, employee, client string) domain.TrackedMessage {
		m, err := tr.TrackMessage(ctx, domain.NewMessage{
			ExternalID: ext, ClientRef: client, EmployeeID: employee,
		})
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	get := func(id int64) domain.TrackedMessage {
		m, err := tr.Get(ctx, id)
		Expect(err).NotTo(HaveOccurred())
		return m
	}

	BeforeEach(func() {
		ctx = context.Background()
		clk = clock.NewVirtual(t0)
		notifier = &recordingNotifier{}
		store = memory.New()
		policy = deadline.Policy{MissedThreshold: 5 * time.Minute}
		extra = nil
	})

	JustBeforeEach(func() {
		tr = build()
	})

	AfterEach(func() {
		Expect(tr.Shutdown(ctx)).To(Succeed())
	})

	Describe("deadlines", func() {
		It("marks an unanswered message missed at the threshold and notifies once", func() {
			m := track("ext-1", "alice", "client-1")

			clk.Advance(299 * time.Second)
			Expect(get(m.ID).State).To(Equal(domain.StateOpen))

			clk.Advance(time.Second)
			missed := get(m.ID)
			Expect(missed.State).To(Equal(domain.StateMissed))
			Expect(missed.MissedAt).To(Equal(t0.Add(5 * time.Minute)))
			Expect(missed.MissedNotifiedAt).NotTo(BeZero())

			Eventually(notifier.kinds).Should(Equal([]domain.NotificationKind{domain.NotificationMissed}))
			n := notifier.all()[0]
			Expect(n.EmployeeID).To(Equal("alice"))
			Expect(n.MessageID).To(Equal(m.ID))
			Expect(n.Elapsed).To(Equal(5 * time.Minute))

			clk.Advance(time.Hour)
			Consistently(notifier.kinds, 50*time.Millisecond).Should(HaveLen(1))
		})

		It("records a reply before the deadline and never escalates", func() {
			m := track("ext-1", "alice", "client-1")

			clk.Advance(45 * time.Second)
			res, err := tr.RecordReply(ctx, "alice", "client-1", time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Resolved).To(HaveLen(1))

			clk.Advance(10 * time.Minute)
			got := get(m.ID)
			Expect(got.State).To(Equal(domain.StateResponded))
			Expect(got.RespondedBy).To(Equal("alice"))
			latency, ok := got.ResponseLatency()
			Expect(ok).To(BeTrue())
			Expect(latency).To(Equal(45 * time.Second))
			Expect(tr.Armed()).To(BeZero())
			Consistently(notifier.kinds, 50*time.Millisecond).Should(BeEmpty())
		})

		Context("with a deferred grace period", func() {
			BeforeEach(func() {
				policy.DeferredGracePeriod = 2 * time.Minute
			})

			It("defers at the threshold and misses after the grace period", func() {
				m := track("ext-1", "alice", "client-1")

				clk.Advance(5 * time.Minute)
				deferred := get(m.ID)
				Expect(deferred.State).To(Equal(domain.StateDeferred))
				Expect(deferred.DeferredAt).To(Equal(t0.Add(5 * time.Minute)))

				clk.Advance(2 * time.Minute)
				Expect(get(m.ID).State).To(Equal(domain.StateMissed))
				Eventually(notifier.kinds).Should(Equal([]domain.NotificationKind{domain.NotificationMissed}))

				clk.Advance(time.Hour)
				Consistently(notifier.kinds, 50*time.Millisecond).Should(HaveLen(1))
			})

			It("still accepts a reply while deferred", func() {
				m := track("ext-1", "alice", "client-1")
				clk.Advance(6 * time.Minute)

				_, err := tr.RecordReply(ctx, "alice", "client-1", time.Time{})
				Expect(err).NotTo(HaveOccurred())
				Expect(get(m.ID).State).To(Equal(domain.StateResponded))

				clk.Advance(time.Hour)
				Consistently(notifier.kinds, 50*time.Millisecond).Should(BeEmpty())
			})
		})

		Context("with reminders", func() {
			BeforeEach(func() {
				policy.Reminders = []time.Duration{3 * time.Minute, time.Minute}
			})

			It("sends each reminder once, then the missed notification", func() {
				m := track("ext-1", "alice", "client-1")

				clk.Advance(5 * time.Minute)
				Expect(get(m.ID).RemindersSent).To(Equal(2))
				Eventually(notifier.kinds).Should(Equal([]domain.NotificationKind{
					domain.NotificationReminder,
					domain.NotificationReminder,
					domain.NotificationMissed,
				}))
				stages := []int{notifier.all()[0].Stage, notifier.all()[1].Stage}
				Expect(stages).To(Equal([]int{1, 2}))
			})
		})
	})

	Describe("matching", func() {
		It("resolves the oldest open message of the conversation first", func() {
			first := track("ext-1", "alice", "client-1")
			clk.Advance(10 * time.Second)
			second := track("ext-2", "alice", "client-1")
			clk.Advance(10 * time.Second)

			res, err := tr.RecordReply(ctx, "alice", "client-1", time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Resolved).To(HaveLen(1))
			Expect(res.Resolved[0].ID).To(Equal(first.ID))
			Expect(get(second.ID).State).To(Equal(domain.StateOpen))
		})

		It("treats a proactive reply as a no-op", func() {
			res, err := tr.RecordReply(ctx, "alice", "nobody", time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Matched()).To(BeFalse())
		})

		Context("with resolve_all", func() {
			BeforeEach(func() {
				extra = append(extra, tracker.WithResolveAll(true))
			})

			It("resolves every open message of the conversation", func() {
				track("ext-1", "alice", "client-1")
				track("ext-2", "alice", "client-1")
				clk.Advance(time.Second)

				res, err := tr.RecordReply(ctx, "alice", "client-1", time.Time{})
				Expect(err).NotTo(HaveOccurred())
				Expect(res.Resolved).To(HaveLen(2))
			})
		})

		It("yields exactly one terminal state when a reply races the deadline", func() {
			const n = 50
			ids := make([]int64, n)
			for i := range ids {
				ids[i] = track(fmt.Sprintf("ext-%d", i), "alice", fmt.Sprintf("client-%d", i)).ID
			}

			var wg sync.WaitGroup
			wg.Add(n + 1)
			go func() {
				defer wg.Done()
				clk.Advance(5 * time.Minute)
			}()
			for i := 0; i < n; i++ {
				go func(i int) {
					defer wg.Done()
					_, _ = tr.RecordReply(ctx, "alice", fmt.Sprintf("client-%d", i), t0.Add(5*time.Minute))
				}(i)
			}
			wg.Wait()

			missed := 0
			for _, id := range ids {
				m := get(id)
				Expect(m.State.Terminal()).To(BeTrue())
				Expect(m.RespondedAt.IsZero()).To(Equal(m.State != domain.StateResponded))
				if m.State == domain.StateMissed {
					missed++
				}
			}
			Eventually(func() int { return len(notifier.kinds()) }).Should(Equal(missed))
		})
	})

	Describe("manual operations", func() {
		It("rejects a duplicate external id", func() {
			track("ext-1", "alice", "client-1")
			_, err := tr.TrackMessage(ctx, domain.NewMessage{ExternalID: "ext-1", ClientRef: "client-1", EmployeeID: "bob"})
			Expect(err).To(MatchError(domain.ErrDuplicateMessage))
		})

		It("reassigns an open message and notifies the new employee", func() {
			m := track("ext-1", "alice", "client-1")
			got, err := tr.Reassign(ctx, m.ID, "bob")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.EmployeeID).To(Equal("bob"))

			clk.Advance(5 * time.Minute)
			Eventually(notifier.all).Should(HaveLen(1))
			Expect(notifier.all()[0].EmployeeID).To(Equal("bob"))
		})

		It("refuses to reassign a terminal message", func() {
			m := track("ext-1", "alice", "client-1")
			clk.Advance(5 * time.Minute)
			_, err := tr.Reassign(ctx, m.ID, "bob")
			Expect(err).To(MatchError(domain.ErrInvalidTransition))
		})

		It("grants the full threshold again on a manual defer without a grace period", func() {
			m := track("ext-1", "alice", "client-1")
			clk.Advance(time.Minute)
			_, err := tr.Defer(ctx, m.ID)
			Expect(err).NotTo(HaveOccurred())

			clk.Advance(5*time.Minute - time.Second)
			Expect(get(m.ID).State).To(Equal(domain.StateDeferred))
			clk.Advance(time.Second)
			Expect(get(m.ID).State).To(Equal(domain.StateMissed))
		})

		It("reports unknown messages as not found", func() {
			_, err := tr.Defer(ctx, 999)
			Expect(err).To(MatchError(domain.ErrNotFound))
		})

		It("lists messages by state", func() {
			a := track("ext-1", "alice", "client-1")
			track("ext-2", "bob", "client-2")
			_, err := tr.RecordReply(ctx, "bob", "client-2", time.Time{})
			Expect(err).NotTo(HaveOccurred())

			open, err := tr.Open(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(open).To(HaveLen(1))
			Expect(open[0].ID).To(Equal(a.ID))

			responded, err := tr.Messages(ctx, ports.MessageFilter{States: []domain.State{domain.StateResponded}})
			Expect(err).NotTo(HaveOccurred())
			Expect(responded).To(HaveLen(1))

			_, err = tr.Messages(ctx, ports.MessageFilter{States: []domain.State{"closed"}})
			Expect(err).To(MatchError(domain.ErrInvalidRequest))
		})
	})

	Describe("policy reload", func() {
		It("applies a new threshold to messages tracked afterwards", func() {
			early := track("ext-1", "alice", "client-1")
			Expect(tr.SetPolicy(deadline.Policy{MissedThreshold: 10 * time.Minute})).To(Succeed())
			late := track("ext-2", "alice", "client-2")

			clk.Advance(5 * time.Minute)
			Expect(get(early.ID).State).To(Equal(domain.StateMissed))
			Expect(get(late.ID).State).To(Equal(domain.StateOpen))

			clk.Advance(5 * time.Minute)
			Expect(get(late.ID).State).To(Equal(domain.StateMissed))
		})

		Context("with a grace period", func() {
			BeforeEach(func() {
				policy.DeferredGracePeriod = 2 * time.Minute
			})

			It("defers already tracked messages at their original deadline", func() {
				early := track("ext-1", "alice", "client-1")
				Expect(tr.SetPolicy(deadline.Policy{MissedThreshold: 10 * time.Minute})).To(Succeed())

				clk.Advance(5 * time.Minute)
				Expect(get(early.ID).State).To(Equal(domain.StateDeferred))
			})
		})

		It("rejects an invalid policy", func() {
			Expect(tr.SetPolicy(deadline.Policy{})).NotTo(Succeed())
			Expect(tr.Policy().MissedThreshold).To(Equal(5 * time.Minute))
		})
	})

	Describe("restart", func() {
		It("re-arms awaiting messages and fires overdue deadlines on start", func() {
			m := track("ext-1", "alice", "client-1")
			done := track("ext-2", "alice", "client-2")
			_, err := tr.RecordReply(ctx, "alice", "client-2", time.Time{})
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.Shutdown(ctx)).To(Succeed())

			clk.Advance(time.Hour)
			tr = build()
			Expect(get(done.ID).State).To(Equal(domain.StateResponded))
			Expect(tr.Armed()).To(Equal(1))

			clk.Advance(0)
			Expect(get(m.ID).State).To(Equal(domain.StateMissed))
			Eventually(notifier.kinds).Should(Equal([]domain.NotificationKind{domain.NotificationMissed}))
		})
	})

	Describe("statistics", func() {
		It("summarizes employees and the fleet over a window", func() {
			track("ext-1", "alice", "client-1")
			track("ext-2", "alice", "client-2")
			track("ext-3", "bob", "client-3")
			clk.Advance(30 * time.Second)
			_, err := tr.RecordReply(ctx, "alice", "client-1", time.Time{})
			Expect(err).NotTo(HaveOccurred())
			clk.Advance(5 * time.Minute)

			w, err := tr.Period("today")
			Expect(err).NotTo(HaveOccurred())

			alice, err := tr.ComputeStats(ctx, "alice", w.Start, w.End)
			Expect(err).NotTo(HaveOccurred())
			Expect(alice.Total).To(Equal(2))
			Expect(alice.Responded).To(Equal(1))
			Expect(alice.Missed).To(Equal(1))
			Expect(alice.InProgress).To(BeZero())
			Expect(alice.AverageLatency).To(Equal(30 * time.Second))

			all, err := tr.ComputeAllStats(ctx, nil, w.Start, w.End)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))
			Expect(all[1].EmployeeID).To(Equal("bob"))

			fleet, err := tr.ComputeFleetSummary(ctx, w.Start, w.End)
			Expect(err).NotTo(HaveOccurred())
			Expect(fleet.Total).To(Equal(3))
			Expect(fleet.Missed).To(Equal(2))
			Expect(fleet.InProgress).To(BeNumerically(">=", 0))
		})
	})

	Describe("metrics", func() {
		var reg *prometheus.Registry

		BeforeEach(func() {
			reg = prometheus.NewRegistry()
			extra = append(extra, tracker.WithMetrics(reg))
		})

		It("counts transitions and delivered notifications", func() {
			track("ext-1", "alice", "client-1")
			clk.Advance(5 * time.Minute)

			Eventually(notifier.kinds).Should(HaveLen(1))
			Eventually(func() int {
				n, _ := promtest.GatherAndCount(reg, "replywatch_notifications_total")
				return n
			}).Should(Equal(1))
			Expect(promtest.GatherAndCount(reg, "replywatch_message_transitions_total")).To(BeNumerically(">=", 2))
		})
	})
})
