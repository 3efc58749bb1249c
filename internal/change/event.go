// Package change holds the change event model shared by the detector, the
// override store, the coordinator and the announcer, plus the bounded history.
package change

import (
	"time"

	"metrobot/internal/status"
)

type Kind string

const (
	KindLine          Kind = "line"
	KindStation       Kind = "station"
	KindOverrideField Kind = "override-field"
)

type Field string

const (
	FieldStatus                  Field = "status"
	FieldExpressSuppressed       Field = "expressSuppressed"
	FieldTransferOperational     Field = "isTransferOperational"
	FieldAccessPointsOperational Field = "accessPointsOperational"
)

type Metadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
}

// Event is one field-level change on a line or station.
// From/To are set for FieldStatus; Previous/Current for the boolean fields.
type Event struct {
	Kind           Kind              `json:"kind"`
	Target         status.TargetKind `json:"target"`
	Field          Field             `json:"field"`
	TargetID       string            `json:"targetId"`
	LineID         string            `json:"lineId,omitempty"`
	From           status.Status     `json:"from"`
	To             status.Status     `json:"to"`
	Previous       bool              `json:"previous,omitempty"`
	Current        bool              `json:"current,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       Metadata          `json:"metadata"`
	ConnectedLines []string          `json:"connectedLines,omitempty"`
}

// Clone returns e with its own copy of ConnectedLines.
func (e Event) Clone() Event {
	if e.ConnectedLines != nil {
		e.ConnectedLines = append([]string(nil), e.ConnectedLines...)
	}
	return e
}

func (e Event) IsStatus() bool { return e.Field == FieldStatus }

func (e Event) IsLineLevel() bool { return e.Target == status.TargetLine }

func (e Event) IsStationLevel() bool { return e.Target == status.TargetStation }
