package zns

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/GhostKellz/ghostbridge/utils"
)

// ==================== Alert conditions ====================

// AlertConditionKind names a supported predicate.
type AlertConditionKind string

const (
	CondErrorRateAbove    AlertConditionKind = "error_rate_above"
	CondResponseTimeAbove AlertConditionKind = "response_time_above"
	CondCacheHitRateBelow AlertConditionKind = "cache_hit_rate_below"
	CondMemoryUsageAbove  AlertConditionKind = "memory_usage_above"
	CondHealthDegraded    AlertConditionKind = "health_degraded"
)

// AlertCondition is one declarative predicate over a metrics snapshot.
type AlertCondition struct {
	Kind      AlertConditionKind
	Threshold float64
}

// Holds evaluates the predicate.
func (c AlertCondition) Holds(snap MetricsSnapshot) bool {
	switch c.Kind {
	case CondErrorRateAbove:
		return snap.ErrorRate > c.Threshold
	case CondResponseTimeAbove:
		return snap.AvgResolutionTimeMs > c.Threshold
	case CondCacheHitRateBelow:
		return snap.CacheHitRate < c.Threshold
	case CondMemoryUsageAbove:
		return float64(snap.MemoryBytes) > c.Threshold
	case CondHealthDegraded:
		return snap.Health != HealthHealthy
	default:
		return false
	}
}

// AlertRule pairs a condition with its notification channels.
type AlertRule struct {
	Name      string
	Condition AlertCondition
	Channels  []string
}

// AlertNotification is delivered to every configured channel when a rule
// fires or resolves.
type AlertNotification struct {
	Rule      string    `json:"rule"`
	State     string    `json:"state"` // firing, resolved
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ==================== Notifiers ====================

// Notifier delivers one alert notification.
type Notifier interface {
	Kind() string
	Notify(notification AlertNotification) error
}

// WebhookNotifier posts JSON to an HTTP endpoint.
type WebhookNotifier struct {
	Endpoint string
	client   *http.Client
}

func NewWebhookNotifier(endpoint string) *WebhookNotifier {
	return &WebhookNotifier{Endpoint: endpoint, client: &http.Client{Timeout: 5 * time.Second}}
}

func (n *WebhookNotifier) Kind() string { return "webhook" }

func (n *WebhookNotifier) Notify(notification AlertNotification) error {
	payload, err := json.Marshal(notification)
	if err != nil {
		return err
	}
	resp, err := n.client.Post(n.Endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier posts the Slack webhook payload shape.
type SlackNotifier struct {
	WebhookURL string
	client     *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{WebhookURL: webhookURL, client: &http.Client{Timeout: 5 * time.Second}}
}

func (n *SlackNotifier) Kind() string { return "slack" }

func (n *SlackNotifier) Notify(notification AlertNotification) error {
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s: %s", notification.State, notification.Rule, notification.Message),
	})
	if err != nil {
		return err
	}
	resp, err := n.client.Post(n.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

// EmailNotifier sends plain-text mail through an SMTP relay.
type EmailNotifier struct {
	Relay string
	From  string
	To    string
}

func NewEmailNotifier(relay, from, to string) *EmailNotifier {
	return &EmailNotifier{Relay: relay, From: from, To: to}
}

func (n *EmailNotifier) Kind() string { return "email" }

func (n *EmailNotifier) Notify(notification AlertNotification) error {
	body := fmt.Sprintf("Subject: ghostbridge alert %s [%s]\r\n\r\n%s\r\n",
		notification.Rule, notification.State, notification.Message)
	return smtp.SendMail(n.Relay, nil, n.From, []string{n.To}, []byte(body))
}

// ==================== Alert manager ====================

// AlertManager evaluates rules on each periodic pass. A rule fires when its
// predicate first becomes true and resolves when it becomes false again.
type AlertManager struct {
	mu        sync.Mutex
	rules     []AlertRule
	notifiers map[string]Notifier
	active    map[string]bool
}

// NewAlertManager creates a manager over the given rules and sinks.
func NewAlertManager(rules []AlertRule, notifiers []Notifier) *AlertManager {
	byKind := make(map[string]Notifier, len(notifiers))
	for _, n := range notifiers {
		byKind[n.Kind()] = n
	}
	return &AlertManager{
		rules:     rules,
		notifiers: byKind,
		active:    make(map[string]bool),
	}
}

// Evaluate runs every rule against the snapshot, dispatching notifications
// on state edges only.
func (am *AlertManager) Evaluate(snap MetricsSnapshot) {
	am.mu.Lock()
	defer am.mu.Unlock()

	for _, rule := range am.rules {
		holds := rule.Condition.Holds(snap)
		wasActive := am.active[rule.Name]

		switch {
		case holds && !wasActive:
			am.active[rule.Name] = true
			am.dispatch(rule, AlertNotification{
				Rule:      rule.Name,
				State:     "firing",
				Message:   describeCondition(rule.Condition, snap),
				Timestamp: time.Now(),
			})
		case !holds && wasActive:
			delete(am.active, rule.Name)
			am.dispatch(rule, AlertNotification{
				Rule:      rule.Name,
				State:     "resolved",
				Message:   describeCondition(rule.Condition, snap),
				Timestamp: time.Now(),
			})
		}
	}
}

func (am *AlertManager) dispatch(rule AlertRule, notification AlertNotification) {
	for _, channel := range rule.Channels {
		notifier, ok := am.notifiers[channel]
		if !ok {
			utils.WriteLog(utils.LogWarn, "alert rule %s references unknown channel %s", rule.Name, channel)
			continue
		}
		// Delivered inline so that a rule's firing and resolved notifications
		// reach each channel in edge order.
		func(n Notifier) {
			defer utils.HandlePanic("alert-notify", nil)
			if err := n.Notify(notification); err != nil {
				utils.WriteLog(utils.LogWarn, "alert notification via %s failed: %v", n.Kind(), err)
			}
		}(notifier)
	}

	utils.WriteLog(utils.LogInfo, "alert %s %s", notification.Rule, notification.State)
}

// ActiveAlerts returns the names of firing rules.
func (am *AlertManager) ActiveAlerts() []string {
	am.mu.Lock()
	defer am.mu.Unlock()

	names := make([]string, 0, len(am.active))
	for name := range am.active {
		names = append(names, name)
	}
	return names
}

func describeCondition(cond AlertCondition, snap MetricsSnapshot) string {
	switch cond.Kind {
	case CondErrorRateAbove:
		return fmt.Sprintf("error rate %.3f vs threshold %.3f", snap.ErrorRate, cond.Threshold)
	case CondResponseTimeAbove:
		return fmt.Sprintf("avg response %.1fms vs threshold %.1fms", snap.AvgResolutionTimeMs, cond.Threshold)
	case CondCacheHitRateBelow:
		return fmt.Sprintf("cache hit rate %.3f vs floor %.3f", snap.CacheHitRate, cond.Threshold)
	case CondMemoryUsageAbove:
		return fmt.Sprintf("memory %d bytes vs threshold %.0f", snap.MemoryBytes, cond.Threshold)
	case CondHealthDegraded:
		return fmt.Sprintf("health is %s", snap.Health)
	default:
		return string(cond.Kind)
	}
}

// ParseConditionKind validates a configured condition name.
func ParseConditionKind(s string) (AlertConditionKind, bool) {
	kind := AlertConditionKind(strings.ToLower(s))
	switch kind {
	case CondErrorRateAbove, CondResponseTimeAbove, CondCacheHitRateBelow,
		CondMemoryUsageAbove, CondHealthDegraded:
		return kind, true
	}
	return "", false
}
