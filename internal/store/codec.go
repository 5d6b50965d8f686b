package store

import (
	"encoding/json"
	"fmt"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

type cellJSON struct {
	Value     json.RawMessage `json:"value"`
	Timestamp hlc.Timestamp   `json:"timestamp"`
}

// MarshalCells encodes projected cells as a JSON object keyed by column.
// Encoding/json sorts map keys, so the output is deterministic.
func MarshalCells(cells map[string]Cell) ([]byte, error) {
	out := make(map[string]cellJSON, len(cells))
	for col, c := range cells {
		v, err := c.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal cell %q: %w", col, err)
		}
		out[col] = cellJSON{Value: v, Timestamp: c.Timestamp}
	}
	return json.Marshal(out)
}

// UnmarshalCells decodes the output of MarshalCells.
func UnmarshalCells(data []byte) (map[string]Cell, error) {
	var in map[string]cellJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("unmarshal cells: %w", err)
	}
	cells := make(map[string]Cell, len(in))
	for col, c := range in {
		v, err := message.DecodeValue(col, c.Value)
		if err != nil {
			return nil, fmt.Errorf("unmarshal cell %q: %w", col, err)
		}
		cells[col] = Cell{Value: v, Timestamp: c.Timestamp}
	}
	return cells, nil
}

// MarshalMessage encodes a message for storage backends that keep the log as
// opaque values.
func MarshalMessage(m message.Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message %s: %w", m.Timestamp, err)
	}
	return data, nil
}

// UnmarshalMessage decodes the output of MarshalMessage.
func UnmarshalMessage(data []byte) (message.Message, error) {
	var m message.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return message.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return m, nil
}
