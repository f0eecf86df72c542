package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/sweeney/asterisk-panel/internal/ami"
	"github.com/sweeney/asterisk-panel/internal/lifecycle"
	"github.com/sweeney/asterisk-panel/internal/publisher"
)

// mqttPayload is the JSON structure published to MQTT.
type mqttPayload struct {
	Event            string   `json:"event"`
	Description      string   `json:"description"`
	CallID           string   `json:"call_id"`
	From             endpoint `json:"from"`
	To               endpoint `json:"to"`
	Timestamp        string   `json:"timestamp"`
	RingDuration     *float64 `json:"ring_duration_seconds,omitempty"`
	Cause            string   `json:"cause,omitempty"`
	CauseDescription string   `json:"cause_description,omitempty"`
	CauseCode        *int     `json:"cause_code,omitempty"`
	DialStatus       string   `json:"dial_status,omitempty"`
	TalkDuration     *float64 `json:"talk_duration_seconds,omitempty"`
	TotalDuration    *float64 `json:"total_duration_seconds,omitempty"`
}

type endpoint struct {
	Extension string `json:"extension"`
	Name      string `json:"name,omitempty"`
}

var phaseDescriptions = map[lifecycle.Phase]string{
	lifecycle.PhaseRinging:  "A call is ringing and waiting to be answered",
	lifecycle.PhaseAnswered: "The call has been answered and parties are now connected",
	lifecycle.PhaseHungUp:   "The call has ended",
}

func publishChange(ctx context.Context, pub publisher.Publisher, prefix string, change lifecycle.Change) error {
	topic := fmt.Sprintf("%s/call/%s/%s", prefix, change.CallID, change.Phase)

	payload := mqttPayload{
		Event:       string(change.Phase),
		Description: phaseDescriptions[change.Phase],
		CallID:      change.CallID,
		From:        endpoint(change.From),
		To:          endpoint(change.To),
		Timestamp:   change.Timestamp.UTC().Format(time.RFC3339),
	}

	switch change.Phase {
	case lifecycle.PhaseAnswered:
		payload.RingDuration = &change.RingDuration
	case lifecycle.PhaseHungUp:
		payload.Cause = change.Cause
		payload.CauseDescription = change.CauseDescription
		payload.CauseCode = &change.CauseCode
		payload.DialStatus = change.DialStatus
		payload.TalkDuration = &change.TalkDuration
		payload.TotalDuration = &change.TotalDuration
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return pub.Publish(ctx, topic, data)
}

// bridge feeds the event stream through the call tracker and publishes
// each change. Without a publisher changes are only logged.
type bridge struct {
	pub     publisher.Publisher
	prefix  string
	tracker *lifecycle.Tracker
	log     *slog.Logger
}

func newBridge(pub publisher.Publisher, prefix string, tracker *lifecycle.Tracker, log *slog.Logger) *bridge {
	return &bridge{pub: pub, prefix: prefix, tracker: tracker, log: log}
}

// process runs on the monitor's observer goroutine.
func (b *bridge) process(ctx context.Context, f ami.Frame) {
	for _, change := range b.tracker.Process(f) {
		b.log.Info("call "+string(change.Phase),
			"call_id", change.CallID,
			"from", change.From.Extension,
			"to", change.To.Extension,
			"cause", change.Cause)
		if b.pub == nil {
			continue
		}
		if err := publishChange(ctx, b.pub, b.prefix, change); err != nil {
			b.log.Warn("publish failed", "call_id", change.CallID, "event", change.Phase, "err", err)
		}
	}
}

// setStatus publishes a retained value under prefix/topic.
func (b *bridge) setStatus(ctx context.Context, topic, value string) {
	if b.pub == nil {
		return
	}
	if err := b.pub.PublishRetained(ctx, b.prefix+"/"+topic, []byte(value)); err != nil {
		b.log.Warn("publish status failed", "topic", topic, "value", value, "err", err)
	}
}
