package calculation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventCalculationCompleted EventType = "CalculationCompleted"
	EventCalculationRequested EventType = "CalculationRequested"
)

// AggregateType is the outbox aggregate type for calculation events
const AggregateType = "Calculation"

// Event is the envelope written to the outbox and published on the stream
type Event struct {
	ID          string          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	EventType   EventType       `json:"event_type"`
	EventData   json.RawMessage `json:"event_data"`
	Timestamp   time.Time       `json:"timestamp"`
	UserID      string          `json:"user_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:          uuid.New().String(),
		AggregateID: aggregateID,
		EventType:   eventType,
		EventData:   eventData,
		Timestamp:   time.Now().UTC(),
	}, nil
}

// CompletedData summarizes a finished calculation for downstream consumers
type CompletedData struct {
	CalculationID       string    `json:"calculation_id"`
	UserID              string    `json:"user_id"`
	DrugName            string    `json:"drug_name"`
	RxCUI               string    `json:"rxcui"`
	DaysSupply          int       `json:"days_supply"`
	TotalQuantityNeeded float64   `json:"total_quantity_needed"`
	RecommendedNDCs     []string  `json:"recommended_ndcs"`
	ActivePackages      int       `json:"active_packages"`
	InactivePackages    int       `json:"inactive_packages"`
	HighWarnings        int       `json:"high_warnings"`
	CompletedAt         time.Time `json:"completed_at"`
}

// CompletedEvent builds the completion payload for a persisted result
func CompletedEvent(r *Result) CompletedData {
	ndcs := make([]string, 0, len(r.Optimization.RecommendedPackages))
	for _, p := range r.Optimization.RecommendedPackages {
		ndcs = append(ndcs, p.PackageCode)
	}
	high := 0
	for _, w := range r.Warnings {
		if w.Severity == SeverityHigh {
			high++
		}
	}
	return CompletedData{
		CalculationID:       r.ID,
		UserID:              r.UserID,
		DrugName:            r.Drug.CanonicalName,
		RxCUI:               r.Drug.CanonicalID,
		DaysSupply:          r.Input.DaysSupply,
		TotalQuantityNeeded: r.Quantity.TotalQuantityNeeded,
		RecommendedNDCs:     ndcs,
		ActivePackages:      len(r.ActivePackages),
		InactivePackages:    len(r.InactivePackages),
		HighWarnings:        high,
		CompletedAt:         r.CreatedAt,
	}
}

// Request is an asynchronous calculation request placed on the stream
type Request struct {
	RequestID   string    `json:"request_id"`
	UserID      string    `json:"user_id"`
	Input       Input     `json:"input"`
	RequestedAt time.Time `json:"requested_at"`
}
