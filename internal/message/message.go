// Package message defines the unit of replication: a single field
// assignment stamped with a hybrid logical clock timestamp.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
)

// TombstoneColumn marks a row as deleted (1) or live (0).
const TombstoneColumn = "tombstone"

// OrderColumn holds the numeric sort key of a row.
const OrderColumn = "order"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid message")

// Message assigns Value to Column of Row in Dataset at Timestamp.
// Messages are immutable and unique by Timestamp.
type Message struct {
	Dataset   string        `json:"dataset"`
	Row       string        `json:"row"`
	Column    string        `json:"column"`
	Value     Value         `json:"value"`
	Timestamp hlc.Timestamp `json:"timestamp"`
}

// Validate checks structural well-formedness.
func (m Message) Validate() error {
	switch {
	case m.Dataset == "":
		return fmt.Errorf("%w: empty dataset", ErrInvalid)
	case m.Row == "":
		return fmt.Errorf("%w: empty row", ErrInvalid)
	case m.Column == "":
		return fmt.Errorf("%w: empty column", ErrInvalid)
	case m.Column == "id":
		return fmt.Errorf("%w: column \"id\" is reserved", ErrInvalid)
	case !m.Value.IsValid():
		return fmt.Errorf("%w: %s value for %s.%s", ErrInvalid, m.Value.Kind(), m.Dataset, m.Column)
	case m.Column == TombstoneColumn && m.Value.Kind() != KindFlag:
		return fmt.Errorf("%w: %s must be a flag", ErrInvalid, TombstoneColumn)
	case m.Column != TombstoneColumn && m.Value.Kind() == KindFlag:
		return fmt.Errorf("%w: flag value outside %s for %s.%s", ErrInvalid, TombstoneColumn, m.Dataset, m.Column)
	}
	if err := hlc.ValidateNode(m.Timestamp.Node); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s/%s.%s=%s", m.Timestamp, m.Dataset, m.Row, m.Column, m.Value)
}

type wireMessage struct {
	Dataset   string          `json:"dataset"`
	Row       string          `json:"row"`
	Column    string          `json:"column"`
	Value     json.RawMessage `json:"value"`
	Timestamp hlc.Timestamp   `json:"timestamp"`
}

// UnmarshalJSON decodes a wire message, interpreting the value in the
// context of its column.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if len(w.Value) == 0 {
		return fmt.Errorf("%w: missing value", ErrInvalid)
	}
	v, err := DecodeValue(w.Column, w.Value)
	if err != nil {
		return fmt.Errorf("%w: %s.%s: %v", ErrInvalid, w.Dataset, w.Column, err)
	}
	*m = Message{
		Dataset:   w.Dataset,
		Row:       w.Row,
		Column:    w.Column,
		Value:     v,
		Timestamp: w.Timestamp,
	}
	return nil
}
