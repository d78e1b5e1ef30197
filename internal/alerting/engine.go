// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"grimm.is/netsentry/internal/bus"
	"grimm.is/netsentry/internal/config"
	"grimm.is/netsentry/internal/logging"
	"grimm.is/netsentry/internal/metrics"
)

const (
	maxHistory = 1000
	queueSize  = 256
)

// Engine deduplicates alerts and fans them out to configured channels.
type Engine struct {
	cfg        *config.AlertingConfig
	metrics    *metrics.Metrics
	logger     *logging.Logger
	httpClient *http.Client
	bus        bus.Bus

	events chan Alert

	mu       sync.Mutex
	lastSeen map[string]time.Time // dedup key -> last delivery
	history  []Alert

	now func() time.Time
}

// NewEngine creates the alerting engine from configuration.
func NewEngine(cfg *config.AlertingConfig, m *metrics.Metrics) *Engine {
	return &Engine{
		cfg:        cfg,
		metrics:    m,
		logger:     logging.WithComponent("alerting"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		events:     make(chan Alert, queueSize),
		lastSeen:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetBus attaches the event bus. Every delivered alert is also
// published to the alerts topic for downstream consumers.
func (e *Engine) SetBus(b bus.Bus) {
	e.bus = b
}

// Start runs the delivery worker until the context ends.
func (e *Engine) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case alert := <-e.events:
				e.handle(alert)
			}
		}
	}()
}

// Publish enqueues an alert without blocking. A full queue drops the
// alert and counts it.
func (e *Engine) Publish(alert Alert) {
	if e.cfg == nil || !e.cfg.Enabled {
		return
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.At.IsZero() {
		alert.At = e.now().UTC()
	}
	select {
	case e.events <- alert:
	default:
		e.metrics.AlertsDropped.Inc()
		e.logger.Warn("Alert queue full, dropping", "severity", string(alert.Severity), "message", alert.Message)
	}
}

func (e *Engine) handle(alert Alert) {
	if e.suppressed(alert) {
		e.metrics.AlertsDeduped.Inc()
		return
	}

	e.mu.Lock()
	e.history = append(e.history, alert)
	if len(e.history) > maxHistory {
		e.history = e.history[1:]
	}
	e.mu.Unlock()

	e.metrics.AlertsPublished.WithLabelValues(string(alert.Severity)).Inc()
	e.logger.Info("Alert", "severity", string(alert.Severity), "action", alert.Action,
		"src", alert.SrcAddr, "message", alert.Message)

	e.publishToBus(alert)

	for _, ch := range e.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if Severity(ch.MinSeverity).rank() > alert.Severity.rank() {
			continue
		}
		if err := e.deliver(ch, alert); err != nil {
			e.metrics.SinkFailures.WithLabelValues(ch.Name).Inc()
			e.logger.Warn("Alert delivery failed", "channel", ch.Name, "error", err)
		}
	}
}

// publishToBus mirrors a delivered alert onto the alerts topic, keyed
// by source address like the other pipeline topics. Bus trouble never
// blocks channel delivery.
func (e *Engine) publishToBus(alert Alert) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		e.logger.Warn("Alert encode failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.bus.Publish(ctx, bus.TopicAlerts, alert.SrcAddr, payload); err != nil {
		e.metrics.SinkFailures.WithLabelValues("bus").Inc()
		e.logger.Warn("Alert bus publish failed", "error", err)
	}
}

// suppressed applies the dedup policy: one delivery per key per
// dedup-window bucket.
func (e *Engine) suppressed(alert Alert) bool {
	window := e.cfg.DedupWindowDuration()
	if window <= 0 {
		return false
	}

	key := alert.SrcAddr
	if e.cfg.DedupKey != "src" {
		key += "|" + alert.Action
	}
	key += "|" + e.now().UTC().Truncate(window).Format(time.RFC3339)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, seen := e.lastSeen[key]; seen {
		return true
	}
	e.lastSeen[key] = e.now()

	// Old buckets can never match again.
	cutoff := e.now().Add(-2 * window)
	for k, at := range e.lastSeen {
		if at.Before(cutoff) {
			delete(e.lastSeen, k)
		}
	}
	return false
}

func (e *Engine) deliver(ch config.NotificationChannel, alert Alert) error {
	switch ch.Type {
	case "webhook", "slack":
		return e.sendWebhook(ch, alert)
	case "email":
		return e.sendEmail(ch, alert)
	case "log":
		e.logger.Warn("ALERT", "severity", string(alert.Severity), "message", alert.Message,
			"src", alert.SrcAddr, "rule", alert.RuleID)
		return nil
	}
	return fmt.Errorf("unsupported channel type %q", ch.Type)
}

func (e *Engine) sendWebhook(ch config.NotificationChannel, alert Alert) error {
	if ch.WebhookURL == "" {
		return fmt.Errorf("channel %s has no webhook_url", ch.Name)
	}

	var payload any = alert
	if ch.Type == "slack" {
		payload = map[string]string{
			"text": fmt.Sprintf("*%s*: %s", alert.Severity, alert.Message),
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, ch.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ch.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) sendEmail(ch config.NotificationChannel, alert Alert) error {
	if ch.SMTPHost == "" || len(ch.To) == 0 {
		return fmt.Errorf("channel %s has incomplete smtp configuration", ch.Name)
	}

	auth := smtp.PlainAuth("", ch.SMTPUser, string(ch.SMTPPassword), ch.SMTPHost)
	addr := fmt.Sprintf("%s:%d", ch.SMTPHost, ch.SMTPPort)

	subject := fmt.Sprintf("netsentry alert: %s %s", alert.Severity, alert.Action)
	body := fmt.Sprintf("Severity: %s\nAction: %s\nSource: %s\nMessage: %s\nTime: %s\n",
		alert.Severity, alert.Action, alert.SrcAddr, alert.Message, alert.At.Format(time.RFC3339))
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s",
		strings.Join(ch.To, ","), subject, body))

	return smtp.SendMail(addr, auth, ch.From, ch.To, msg)
}

// History returns a copy of the recent alert ring.
func (e *Engine) History() []Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Alert, len(e.history))
	copy(out, e.history)
	return out
}
