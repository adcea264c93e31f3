// Package bus implements the durable event bus: typed events serialised as
// self-describing JSON, routed through named broker list-queues to batch
// handlers with at-least-once delivery up to the pop.
package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Recognised event types. Each binds to exactly one queue at runtime.
const (
	ArticlesEvent = "ARTICLES_EVENT"
	MetricsEvent  = "METRICS_EVENT"
)

// Event is the wire envelope. Content is an event-type-specific payload kept
// raw until a handler decodes it.
type Event struct {
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Content   json.RawMessage `json:"content"`
}

// NewEvent wraps a payload in an envelope stamped with the current UTC time.
func NewEvent(eventType string, content any) (Event, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s content: %w", eventType, err)
	}
	return Event{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Content:   raw,
	}, nil
}

// Marshal serialises the envelope for the broker wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// decodeEvent parses a broker payload into an envelope. A payload that is not
// valid JSON or carries no event_type is malformed.
func decodeEvent(payload []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.EventType == "" {
		return Event{}, fmt.Errorf("decode event: missing event_type")
	}
	return e, nil
}

// ArticleID accepts the three wire spellings of an article id: a plain
// string, a Mongo extended-JSON ObjectId ({"$oid": "..."}), or a number.
type ArticleID string

func (id *ArticleID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*id = ArticleID(s)
		return nil
	}
	var oid struct {
		OID string `json:"$oid"`
	}
	if err := json.Unmarshal(b, &oid); err == nil && oid.OID != "" {
		*id = ArticleID(oid.OID)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*id = ArticleID(n.String())
		return nil
	}
	return fmt.Errorf("article id: unsupported form %s", string(b))
}

func (id ArticleID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// ArticlePayload is the content of an ARTICLES_EVENT.
type ArticlePayload struct {
	ID          ArticleID `json:"id"`
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
}

// Text concatenates title and description for inference input.
func (a ArticlePayload) Text() string {
	title, desc := "", ""
	if a.Title != nil {
		title = *a.Title
	}
	if a.Description != nil {
		desc = *a.Description
	}
	return title + " " + desc
}

// MetricPayload is the content of a METRICS_EVENT.
type MetricPayload struct {
	MetricName  string            `json:"metric_name"`
	MetricValue float64           `json:"metric_value"`
	Tags        map[string]string `json:"tags"`
}

// Article decodes the envelope content as an article payload.
func (e Event) Article() (ArticlePayload, error) {
	var p ArticlePayload
	if err := json.Unmarshal(e.Content, &p); err != nil {
		return ArticlePayload{}, fmt.Errorf("decode article payload: %w", err)
	}
	if p.ID == "" {
		return ArticlePayload{}, fmt.Errorf("decode article payload: missing id")
	}
	return p, nil
}

// Metric decodes the envelope content as a metric payload.
func (e Event) Metric() (MetricPayload, error) {
	var p MetricPayload
	if err := json.Unmarshal(e.Content, &p); err != nil {
		return MetricPayload{}, fmt.Errorf("decode metric payload: %w", err)
	}
	if p.MetricName == "" {
		return MetricPayload{}, fmt.Errorf("decode metric payload: missing metric_name")
	}
	return p, nil
}
