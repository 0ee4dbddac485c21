package violationreport_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/anumate/capcore/internal/violationreport"
)

func TestViolationReport(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Violation Reporter Suite")
}

type recordingChannel struct {
	mu   sync.Mutex
	sent []violationreport.Alert
}

func (c *recordingChannel) Type() string { return "recording" }

func (c *recordingChannel) Send(ctx context.Context, alert violationreport.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, alert)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

var _ = Describe("Reporter", func() {
	var (
		reporter *violationreport.Reporter
		channel  *recordingChannel
	)

	BeforeEach(func() {
		reporter = violationreport.New(nil, nil)
		channel = &recordingChannel{}
	})

	Context("when an alert rule matches severity and policy pattern", func() {
		BeforeEach(func() {
			reporter.AddAlertRule(&violationreport.AlertRule{
				RuleID:         "prod-high",
				Name:           "prod high severity",
				Enabled:        true,
				PolicyPatterns: []string{"prod-*"},
				MinSeverity:    "HIGH",
				Channels:       []violationreport.Channel{channel},
			})
		})

		It("dispatches to the matching channel", func() {
			reporter.RecordViolation(context.Background(), violationreport.Violation{
				PolicyName: "prod-billing", ViolationType: "tool_blocked", Severity: "HIGH", Subject: "svc-a",
			})
			Expect(channel.count()).To(Equal(1))
		})

		It("skips a policy that does not match the pattern", func() {
			reporter.RecordViolation(context.Background(), violationreport.Violation{
				PolicyName: "staging-billing", ViolationType: "tool_blocked", Severity: "HIGH", Subject: "svc-a",
			})
			Expect(channel.count()).To(Equal(0))
		})

		It("skips a violation below the rule's minimum severity", func() {
			reporter.RecordViolation(context.Background(), violationreport.Violation{
				PolicyName: "prod-billing", ViolationType: "tool_blocked", Severity: "LOW", Subject: "svc-a",
			})
			Expect(channel.count()).To(Equal(0))
		})
	})

	It("tracks running statistics across recorded violations", func() {
		reporter.AddAlertRule(&violationreport.AlertRule{
			RuleID: "all", Name: "catch all", Enabled: true, Channels: []violationreport.Channel{channel},
		})
		reporter.RecordViolation(context.Background(), violationreport.Violation{PolicyName: "p1", Severity: "HIGH", Subject: "s1"})
		reporter.RecordViolation(context.Background(), violationreport.Violation{PolicyName: "p1", Severity: "HIGH", Subject: "s2"})

		stats := reporter.GetStatistics()
		Expect(stats.TotalViolations).To(Equal(2))
		Expect(stats.TotalAlertsSent).To(Equal(2))
	})

	It("removes a rule so later violations no longer dispatch to it", func() {
		reporter.AddAlertRule(&violationreport.AlertRule{
			RuleID: "temp", Name: "temp", Enabled: true, Channels: []violationreport.Channel{channel},
		})
		Expect(reporter.RemoveAlertRule("temp")).To(BeTrue())

		reporter.RecordViolation(context.Background(), violationreport.Violation{PolicyName: "p1", Severity: "HIGH", Subject: "s1"})
		Expect(channel.count()).To(Equal(0))
	})

	It("caps dispatches at the rule's per-hour rate limit", func() {
		reporter.AddAlertRule(&violationreport.AlertRule{
			RuleID: "limited", Name: "limited", Enabled: true, RateLimitPerHour: 2, Channels: []violationreport.Channel{channel},
		})
		for i := 0; i < 5; i++ {
			reporter.RecordViolation(context.Background(), violationreport.Violation{
				PolicyName: "p1", Severity: "HIGH", Subject: "s1", Timestamp: time.Now(),
			})
		}
		Expect(channel.count()).To(Equal(2))
	})
})
