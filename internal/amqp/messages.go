package amqp

import (
	"encoding/json"
	"time"
)

const (
	EventMovementApplied  = "movement.applied"
	EventMovementReversed = "movement.reversed"
)

// MovementEvent tells the worker that a movement changed state. It carries
// only the ID; the worker reads the full row from the database, so a stale
// or duplicated event is harmless.
type MovementEvent struct {
	Kind       string    `json:"kind"`
	MovementID string    `json:"movement_id"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewMovementEvent(kind, movementID string) *MovementEvent {
	return &MovementEvent{
		Kind:       kind,
		MovementID: movementID,
		Timestamp:  time.Now(),
	}
}

func (e *MovementEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

func MovementEventFromJSON(data []byte) (*MovementEvent, error) {
	var e MovementEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
