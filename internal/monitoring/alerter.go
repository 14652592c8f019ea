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

	"github.com/sells-group/usage-ledger/internal/config"
	"github.com/sells-group/usage-ledger/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate     AlertType = "ingest_failure_rate"
	AlertStaleIngestion  AlertType = "stale_ingestion"
	AlertLatestRunFailed AlertType = "latest_run_failed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds
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
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	// Failure rate needs a few runs before it means anything.
	if snap.WindowTotal >= 3 && snap.WindowFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingestion failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d in last %dh)",
				snap.WindowFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.WindowFailed, snap.WindowTotal, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":     snap.WindowFailRate,
				"threshold":        a.cfg.FailureRateThreshold,
				"failed":           snap.WindowFailed,
				"total":            snap.WindowTotal,
				"failures_by_kind": snap.FailuresByKind,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterHours > 0 {
		staleAfter := time.Duration(a.cfg.StaleAfterHours) * time.Hour
		if snap.LastCompletedAt == nil || now.Sub(*snap.LastCompletedAt) > staleAfter {
			details := map[string]any{"stale_after_hours": a.cfg.StaleAfterHours}
			msg := fmt.Sprintf("No completed ingestion recorded (threshold %dh)", a.cfg.StaleAfterHours)
			if snap.LastCompletedAt != nil {
				details["last_completed_at"] = *snap.LastCompletedAt
				msg = fmt.Sprintf("Last completed ingestion was %s ago (threshold %dh)",
					now.Sub(*snap.LastCompletedAt).Round(time.Minute), a.cfg.StaleAfterHours)
			}
			alerts = append(alerts, Alert{
				Type:      AlertStaleIngestion,
				Severity:  "high",
				Message:   msg,
				Details:   details,
				Timestamp: now,
			})
		}
	}

	if latest := snap.LatestIngestion; latest != nil && latest.Status == model.IngestionFailed {
		kind, _ := latest.Metadata[model.MetaErrorKind].(string)
		msg, _ := latest.Metadata[model.MetaErrorMessage].(string)
		alerts = append(alerts, Alert{
			Type:     AlertLatestRunFailed,
			Severity: "medium",
			Message:  fmt.Sprintf("Latest ingestion %d failed with %s", latest.ID, kind),
			Details: map[string]any{
				"ingestion_id":  latest.ID,
				"error_kind":    kind,
				"error_message": msg,
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
