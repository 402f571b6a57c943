// Package alerts provides fire-and-forget notification sinks for risk events.
package alerts

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sink receives risk and trade notifications. Implementations must never
// block the caller for long or propagate failures into the risk decision
// that produced the alert.
type Sink interface {
	RiskAlert(category string, details map[string]any)
	TradeAlert(category string, details map[string]any)
}

// ConsoleSink logs alerts through the structured logger.
type ConsoleSink struct {
	logger *zap.Logger
}

// NewConsoleSink creates a console alert sink.
func NewConsoleSink(logger *zap.Logger) *ConsoleSink {
	return &ConsoleSink{logger: logger.Named("alerts")}
}

// RiskAlert logs a risk alert.
func (s *ConsoleSink) RiskAlert(category string, details map[string]any) {
	s.logger.Warn("Risk alert",
		zap.String("category", category),
		zap.Any("details", details))
}

// TradeAlert logs a trade alert.
func (s *ConsoleSink) TradeAlert(category string, details map[string]any) {
	s.logger.Info("Trade alert",
		zap.String("category", category),
		zap.Any("details", details))
}

// WebhookSink posts alerts as JSON to a configured URL. Delivery failures
// are logged and dropped.
type WebhookSink struct {
	logger *zap.Logger
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook alert sink.
func NewWebhookSink(logger *zap.Logger, url string) *WebhookSink {
	return &WebhookSink{
		logger: logger.Named("webhook-alerts"),
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookPayload struct {
	Kind      string         `json:"kind"`
	Category  string         `json:"category"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// RiskAlert posts a risk alert to the webhook.
func (s *WebhookSink) RiskAlert(category string, details map[string]any) {
	s.post(webhookPayload{Kind: "risk", Category: category, Details: details, Timestamp: time.Now()})
}

// TradeAlert posts a trade alert to the webhook.
func (s *WebhookSink) TradeAlert(category string, details map[string]any) {
	s.post(webhookPayload{Kind: "trade", Category: category, Details: details, Timestamp: time.Now()})
}

func (s *WebhookSink) post(payload webhookPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("Failed to encode alert", zap.Error(err))
		return
	}

	resp, err := s.client.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("Failed to deliver alert",
			zap.String("category", payload.Category),
			zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn("Alert webhook returned error status",
			zap.String("category", payload.Category),
			zap.Int("status", resp.StatusCode))
	}
}

// MultiSink fans an alert out to several sinks.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// RiskAlert forwards to every sink.
func (s *MultiSink) RiskAlert(category string, details map[string]any) {
	for _, sink := range s.sinks {
		sink.RiskAlert(category, details)
	}
}

// TradeAlert forwards to every sink.
func (s *MultiSink) TradeAlert(category string, details map[string]any) {
	for _, sink := range s.sinks {
		sink.TradeAlert(category, details)
	}
}
