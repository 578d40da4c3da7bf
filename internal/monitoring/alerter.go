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

	"github.com/sells-group/network-metrics/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertStageFailureRate AlertType = "stage_failure_rate"
	AlertStuckClaims      AlertType = "stuck_claims"
)

// minFinished keeps a couple of early failures from paging anyone.
const minFinished = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Extent    string         `json:"extent"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates stage snapshots against configured thresholds
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

// Evaluate checks each snapshot against thresholds and returns any alerts.
// prev holds the previous round's snapshots keyed by extent/stage; a stage
// whose in-progress count is unchanged while nothing finished is reported stuck.
func (a *Alerter) Evaluate(snaps []StageSnapshot, prev map[string]StageSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	for _, snap := range snaps {
		finished := snap.Finished()
		if finished >= minFinished && a.cfg.FailureRateThreshold > 0 && snap.FailRate > a.cfg.FailureRateThreshold {
			alerts = append(alerts, Alert{
				Type:     AlertStageFailureRate,
				Severity: "high",
				Extent:   snap.Extent,
				Stage:    snap.Stage,
				Message: fmt.Sprintf(
					"%s/%s failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
					snap.Extent, snap.Stage, snap.FailRate*100, a.cfg.FailureRateThreshold*100,
					snap.Failed, finished,
				),
				Details: map[string]any{
					"failure_rate": snap.FailRate,
					"threshold":    a.cfg.FailureRateThreshold,
					"failed":       snap.Failed,
					"finished":     finished,
				},
				Timestamp: now,
			})
		}

		before, ok := prev[snapshotKey(snap)]
		if ok && snap.InProgress > 0 && snap.InProgress == before.InProgress && finished == before.Finished() {
			alerts = append(alerts, Alert{
				Type:     AlertStuckClaims,
				Severity: "medium",
				Extent:   snap.Extent,
				Stage:    snap.Stage,
				Message: fmt.Sprintf(
					"%s/%s has %d boundaries in progress and made no progress since %s",
					snap.Extent, snap.Stage, snap.InProgress, before.Collected.Format(time.RFC3339),
				),
				Details: map[string]any{
					"in_progress": snap.InProgress,
					"finished":    finished,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

func snapshotKey(s StageSnapshot) string { return s.Extent + "/" + s.Stage }

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
			zap.String("extent", alert.Extent),
			zap.String("stage", alert.Stage),
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
