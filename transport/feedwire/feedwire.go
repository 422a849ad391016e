// Package feedwire defines the JSON frame the change feed transports share.
// Both the WebSocket and SSE feeds deliver the same frame; only the carrier
// differs.
package feedwire

import (
	"encoding/json"
	"fmt"
	"time"

	possync "github.com/tillworks/possync"
	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
)

// Event is the wire form of one change feed event.
type Event struct {
	Type       string          `json:"type"` // insert, update, delete
	Collection string          `json:"collection"`
	New        json.RawMessage `json:"new,omitempty"`
	Old        json.RawMessage `json:"old,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Cursor     uint64          `json:"cursor"`
}

// Decode parses a wire frame into the engine's event type.
func Decode(data []byte) (possync.ChangeEvent, error) {
	var w Event
	if err := json.Unmarshal(data, &w); err != nil {
		return possync.ChangeEvent{}, fmt.Errorf("decode feed frame: %w", err)
	}

	var evType possync.ChangeEventType
	switch w.Type {
	case "insert":
		evType = possync.EventInsert
	case "update":
		evType = possync.EventUpdate
	case "delete":
		evType = possync.EventDelete
	default:
		return possync.ChangeEvent{}, fmt.Errorf("unknown feed event type %q", w.Type)
	}

	c := entity.Collection(w.Collection)
	ev := possync.ChangeEvent{
		Type:       evType,
		Collection: c,
		Timestamp:  w.Timestamp,
		Cursor:     cursor.New(w.Cursor),
	}
	if len(w.New) > 0 {
		rec, err := entity.Decode(c, w.New)
		if err != nil {
			return possync.ChangeEvent{}, fmt.Errorf("decode feed record: %w", err)
		}
		ev.New = rec
	}
	if len(w.Old) > 0 {
		rec, err := entity.Decode(c, w.Old)
		if err != nil {
			return possync.ChangeEvent{}, fmt.Errorf("decode feed record: %w", err)
		}
		ev.Old = rec
	}
	return ev, nil
}
