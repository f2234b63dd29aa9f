package postgres

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewDeadLetter(t *testing.T) {
	lastErr := "broker unavailable"
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entry := &OutboxEntry{
		ID:          7,
		AggregateID: "calc_1",
		EventType:   "calculation.completed",
		Payload:     json.RawMessage(`{"id":"calc_1"}`),
		KafkaTopic:  "calculation.events",
		KafkaKey:    "user-1",
		CreatedAt:   created,
		RetryCount:  5,
		LastError:   &lastErr,
	}

	dead := time.Date(2026, 3, 1, 13, 0, 0, 0, time.FixedZone("EST", -5*3600))
	dl := NewDeadLetter(entry, dead)
	if dl.OriginalTopic != "calculation.events" || dl.RetryCount != 5 || dl.LastError != lastErr {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.DeadAt.Location() != time.UTC {
		t.Errorf("dead_at not UTC: %v", dl.DeadAt)
	}

	raw, err := json.Marshal(dl)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	payload, ok := decoded["payload"].(map[string]any)
	if !ok || payload["id"] != "calc_1" {
		t.Errorf("payload must be embedded as JSON, got %s", raw)
	}
}

func TestNewDeadLetterWithoutError(t *testing.T) {
	dl := NewDeadLetter(&OutboxEntry{Payload: json.RawMessage(`{}`)}, time.Now())
	raw, _ := json.Marshal(dl)
	var decoded map[string]any
	json.Unmarshal(raw, &decoded)
	if _, ok := decoded["last_error"]; ok {
		t.Errorf("last_error should be omitted: %s", raw)
	}
}

func TestNewOutboxDefaults(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{}, nil, nil)
	def := DefaultOutboxConfig()
	if o.config.BatchSize != def.BatchSize || o.config.DeadLetterTopic != def.DeadLetterTopic || o.config.MaxRetries != def.MaxRetries {
		t.Errorf("config = %+v", o.config)
	}
}
