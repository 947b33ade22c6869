// Package notify delivers escrow lifecycle events to external sinks. Delivery
// is fire-and-forget: the settlement path never waits on a sink.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/escrowd/internal/idgen"
)

// EventType represents the type of notification event
type EventType string

const (
	EventEscrowCreated         EventType = "escrow.created"
	EventDepositRecorded       EventType = "escrow.deposit_recorded"
	EventEscrowFunded          EventType = "escrow.funded"
	EventEscrowConfirmed       EventType = "escrow.confirmed"
	EventEscrowCompleted       EventType = "escrow.completed"
	EventEscrowRefunded        EventType = "escrow.refunded"
	EventEscrowCancelled       EventType = "escrow.cancelled"
	EventEscrowExpired         EventType = "escrow.expired"
	EventMilestoneSubmitted    EventType = "milestone.submitted"
	EventMilestoneReleased     EventType = "milestone.released"
	EventDisputeOpened         EventType = "dispute.opened"
	EventDisputeResolved       EventType = "dispute.resolved"
	EventDisputeClosed         EventType = "dispute.closed"
	EventEvidenceSubmitted     EventType = "dispute.evidence_submitted"
	EventCancellationRequested EventType = "cancellation.requested"
	EventCancellationRejected  EventType = "cancellation.rejected"
	EventMultiSigPending       EventType = "multisig.pending"
	EventMultiSigExecuted      EventType = "multisig.executed"
	EventSettlementFailed      EventType = "settlement.failed"
)

// Event is a notification payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	EscrowID  string         `json:"escrowId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Sink receives events.
type Sink interface {
	Send(ctx context.Context, event *Event) error
}

var (
	notifyTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "events_total",
		Help:      "Total notification attempts by event type.",
	}, []string{"event_type"})

	notifyErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Total notification failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyTotal, notifyErrors)
}

// Notifier dispatches events to a sink in the background.
type Notifier struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewNotifier creates a notifier. A nil sink discards events.
func NewNotifier(sink Sink, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{sink: sink, logger: logger, timeout: 30 * time.Second, now: time.Now}
}

// Notify sends an event without blocking. Errors are logged and counted.
func (n *Notifier) Notify(escrowID string, eventType EventType, data map[string]any) {
	if n == nil || n.sink == nil {
		return
	}
	notifyTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      eventType,
		EscrowID:  escrowID,
		Timestamp: n.now().UTC(),
		Data:      data,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.logger.Error("panic in notification sink", "panic", r, "event", eventType)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.sink.Send(ctx, event); err != nil {
			notifyErrors.WithLabelValues(string(eventType)).Inc()
			n.logger.Warn("notification failed", "event", eventType, "escrow_id", escrowID, "error", err)
		}
	}()
}

// Flush waits for in-flight notifications. Used on shutdown and in tests.
func (n *Notifier) Flush() {
	if n != nil {
		n.wg.Wait()
	}
}

// -----------------------------------------------------------------------------
// Sinks
// -----------------------------------------------------------------------------

// WebhookSink POSTs events as JSON, signed with HMAC-SHA256 when a secret
// is configured.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url, secret string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send implements Sink.
func (w *WebhookSink) Send(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", string(event.Type))
	req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if w.secret != "" {
		req.Header.Set("X-Escrowd-Signature", Sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LogSink writes events to a logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (l *LogSink) Send(_ context.Context, event *Event) error {
	l.logger.Info("escrow event", "event", event.Type, "event_id", event.ID, "escrow_id", event.EscrowID)
	return nil
}

// Multi fans an event out to several sinks and returns the first error.
type Multi []Sink

// Send implements Sink.
func (m Multi) Send(ctx context.Context, event *Event) error {
	var first error
	for _, s := range m {
		if err := s.Send(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
