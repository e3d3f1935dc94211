package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Mosas2000/ProphetBase-sub004/libs/events"
	"github.com/google/uuid"
	"log/slog"
)

var (
	ErrNotFound        = errors.New("alert not found")
	ErrAlreadyResolved = errors.New("alert already resolved")
	ErrNotEscalation   = errors.New("new severity must be higher")
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

func (s Severity) Valid() bool { return s.rank() >= 0 }

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
	ChannelInApp Channel = "in_app"
)

// ChannelsFor is the severity routing table.
func ChannelsFor(s Severity) []Channel {
	switch s {
	case SeverityCritical:
		return []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}
	case SeverityHigh:
		return []Channel{ChannelEmail, ChannelPush, ChannelInApp}
	case SeverityMedium:
		return []Channel{ChannelPush, ChannelInApp}
	default:
		return []Channel{ChannelInApp}
	}
}

type Alert struct {
	ID          uuid.UUID         `json:"id"`
	UserID      string            `json:"user_id"`
	Type        string            `json:"type"`
	Severity    Severity          `json:"severity"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Channels    []Channel         `json:"channels"`
	Resolved    bool              `json:"resolved"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time        `json:"resolved_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (a *Alert) clone() *Alert {
	cp := *a
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Channels = append([]Channel(nil), a.Channels...)
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// deliveryEvent is the payload published per non-in-app channel; downstream
// notifier workers own the actual email/SMS/push sends.
type deliveryEvent struct {
	events.Envelope
	Channel Channel `json:"channel"`
	Alert   *Alert  `json:"alert"`
}

// Dispatcher turns detected anomalies into severity-routed alerts and tracks
// their resolution. In-app alerts live in its own store; every other channel
// is delivered by event.
type Dispatcher struct {
	mu        sync.RWMutex
	alerts    map[uuid.UUID]*Alert
	order     []uuid.UUID
	publisher events.Publisher
	topic     string
	logger    *slog.Logger
	Clock     Clock
}

func NewDispatcher(publisher events.Publisher, topic string, logger *slog.Logger) *Dispatcher {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		alerts:    make(map[uuid.UUID]*Alert),
		publisher: publisher,
		topic:     topic,
		logger:    logger,
		Clock:     systemClock{},
	}
}

func (d *Dispatcher) Create(ctx context.Context, userID, alertType string, severity Severity, title, description string, metadata map[string]string) (*Alert, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}
	if alertType == "" {
		return nil, fmt.Errorf("alert type is required")
	}

	alert := &Alert{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        alertType,
		Severity:    severity,
		Title:       title,
		Description: description,
		Metadata:    metadata,
		Channels:    ChannelsFor(severity),
		CreatedAt:   d.Clock.Now().UTC(),
	}

	d.mu.Lock()
	d.alerts[alert.ID] = alert
	d.order = append(d.order, alert.ID)
	d.mu.Unlock()

	d.deliver(ctx, alert.clone(), alert.Channels)
	d.logger.Info("security alert created",
		"alert_id", alert.ID.String(),
		"user_id", userID,
		"type", alertType,
		"severity", string(severity),
	)
	return alert.clone(), nil
}

func (d *Dispatcher) deliver(ctx context.Context, alert *Alert, channels []Channel) {
	for _, ch := range channels {
		if ch == ChannelInApp {
			continue
		}
		env, err := events.NewEnvelope("security.alert", 1, alert.ID.String())
		if err != nil {
			d.logger.Error("alert envelope failed", "error", err)
			continue
		}
		env.EventID = events.DeterministicEventID(alert.ID.String(), string(ch), string(alert.Severity))
		evt := deliveryEvent{Envelope: env, Channel: ch, Alert: alert}
		if _, _, err := d.publisher.PublishJSON(ctx, d.topic, alert.UserID, evt); err != nil {
			// Delivery is best effort; the in-app record is authoritative.
			d.logger.Error("alert delivery failed", "channel", string(ch), "error", err)
		}
	}
}

func (d *Dispatcher) Get(id uuid.UUID) (*Alert, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	alert, ok := d.alerts[id]
	if !ok {
		return nil, false
	}
	return alert.clone(), true
}

// List returns a user's alerts, newest first.
func (d *Dispatcher) List(userID string, includeResolved bool) []Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Alert
	for i := len(d.order) - 1; i >= 0; i-- {
		alert := d.alerts[d.order[i]]
		if alert.UserID != userID {
			continue
		}
		if !includeResolved && alert.Resolved {
			continue
		}
		out = append(out, *alert.clone())
	}
	return out
}

func (d *Dispatcher) Resolve(id uuid.UUID, resolvedBy string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	alert, ok := d.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if alert.Resolved {
		return ErrAlreadyResolved
	}
	now := d.Clock.Now().UTC()
	alert.Resolved = true
	alert.ResolvedBy = resolvedBy
	alert.ResolvedAt = &now
	return nil
}

// Escalate raises severity and re-delivers on the wider channel set.
func (d *Dispatcher) Escalate(ctx context.Context, id uuid.UUID, severity Severity) (*Alert, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("invalid severity %q", severity)
	}

	d.mu.Lock()
	alert, ok := d.alerts[id]
	if !ok {
		d.mu.Unlock()
		return nil, ErrNotFound
	}
	if alert.Resolved {
		d.mu.Unlock()
		return nil, ErrAlreadyResolved
	}
	if severity.rank() <= alert.Severity.rank() {
		d.mu.Unlock()
		return nil, ErrNotEscalation
	}
	alert.Severity = severity
	alert.Channels = ChannelsFor(severity)
	cp := alert.clone()
	d.mu.Unlock()

	d.deliver(ctx, cp, cp.Channels)
	return cp, nil
}

func (d *Dispatcher) BulkResolve(userID, resolvedBy string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.Clock.Now().UTC()
	resolved := 0
	for _, alert := range d.alerts {
		if alert.UserID != userID || alert.Resolved {
			continue
		}
		alert.Resolved = true
		alert.ResolvedBy = resolvedBy
		alert.ResolvedAt = &now
		resolved++
	}
	return resolved
}
