package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadfunnel/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertPersistenceFailureRate AlertType = "persistence_failure_rate"
	AlertBreakerOpen            AlertType = "breaker_open"
	AlertUnknownLeadIDs         AlertType = "unknown_lead_ids"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Store failure rate, once enough calls settled to mean something.
	if snap.PersistenceAttempts >= int64(a.cfg.MinSessions) && snap.PersistenceAttempts > 0 &&
		snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertPersistenceFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Lead store failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d calls in last %s)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100,
				snap.PersistenceFailures, snap.PersistenceAttempts, snap.Interval.Round(time.Second),
			),
			Details: map[string]any{
				"failure_rate":    snap.FailureRate,
				"threshold":       a.cfg.FailureRateThreshold,
				"failed":          snap.PersistenceFailures,
				"attempts":        snap.PersistenceAttempts,
				"updates_skipped": snap.UpdatesSkipped,
			},
			Timestamp: now,
		})
	}

	if len(snap.OpenBreakers) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertBreakerOpen,
			Severity: "medium",
			Message:  fmt.Sprintf("%d outbound endpoint(s) failing: %v", len(snap.OpenBreakers), snap.OpenBreakers),
			Details: map[string]any{
				"breakers":        snap.OpenBreakers,
				"notify_failures": snap.NotifyFailures,
			},
			Timestamp: now,
		})
	}

	// Creates that return no id leave completions unsaved; usually a
	// row-level policy hiding inserted rows.
	if snap.UnknownIDs > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertUnknownLeadIDs,
			Severity: "high",
			Message: fmt.Sprintf(
				"%d lead create(s) returned no id in last %s; completions for those sessions are not saved",
				snap.UnknownIDs, snap.Interval.Round(time.Second),
			),
			Details: map[string]any{
				"unknown_ids":     snap.UnknownIDs,
				"updates_skipped": snap.UpdatesSkipped,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
