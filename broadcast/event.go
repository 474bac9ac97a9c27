// Package broadcast is the event fabric: an in-process per-channel fan-out
// with bounded, evictable subscriber buffers, bridged across process
// replicas over NATS core subjects.
package broadcast

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Channel name constructors. Channels use a "<kind>:<id>" shape on the wire
// to clients; NATS subjects use dots instead.
func WorkflowChannel(slug string) string { return "workflow:" + slug }
func ExecutionChannel(id string) string  { return "execution:" + id }
func EpicChannel(id string) string       { return "epic:" + id }

// subjectPrefix roots all bridged event subjects.
const subjectPrefix = "pipelit.events."

// Event is the broadcast envelope. Timestamp is fractional seconds since the
// Unix epoch.
type Event struct {
	Type      string         `json:"type"`
	Channel   string         `json:"channel"`
	Timestamp float64        `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent stamps an event with the current time.
func NewEvent(eventType, channel string, data map[string]any) Event {
	return Event{
		Type:      eventType,
		Channel:   channel,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Data:      data,
	}
}

// Encode serializes the envelope.
func (e Event) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Type, err)
	}
	return data, nil
}

// SubjectFor maps a channel name to its NATS subject. Colons are not legal
// in subject tokens.
func SubjectFor(channel string) string {
	return subjectPrefix + strings.ReplaceAll(channel, ":", ".")
}

// ChannelFromSubject inverts SubjectFor. Channel ids never contain dots, so
// only the first separator is rewritten.
func ChannelFromSubject(subject string) string {
	rest := strings.TrimPrefix(subject, subjectPrefix)
	return strings.Replace(rest, ".", ":", 1)
}
