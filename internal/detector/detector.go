// Package detector turns two successive states into field-level change events.
//
// Both diffs are pure: they never read the clock, and their output is ordered by
// line id, then station id, then field.
package detector

import (
	"metrobot/internal/change"
	"metrobot/internal/overrides"
	"metrobot/internal/status"
)

// Detector is stateless; the zero value is ready to use.
type Detector struct{}

func New() *Detector { return &Detector{} }

// DiffSnapshots compares the tracked fields of lines and stations present in
// both snapshots. Targets that only exist in next emit nothing.
func (Detector) DiffSnapshots(prev, next status.Snapshot) []change.Event {
	var out []change.Event
	at := next.TakenAt

	for _, id := range next.LineIDs() {
		cur := next.Lines[id]
		old, ok := prev.Lines[id]
		if !ok {
			continue
		}
		base := change.Event{
			Kind:      change.KindLine,
			Target:    status.TargetLine,
			TargetID:  id,
			LineID:    id,
			Reason:    cur.Message,
			Timestamp: at,
			Metadata:  change.Metadata{LastUpdated: at},
		}
		if old.Status != cur.Status {
			ev := base
			ev.Field = change.FieldStatus
			ev.From, ev.To = old.Status, cur.Status
			out = append(out, ev)
		}
		out = appendFlag(out, base, change.FieldExpressSuppressed, cur.Status, old.ExpressSuppressed, cur.ExpressSuppressed)
	}

	for _, id := range next.StationIDs() {
		cur := next.Stations[id]
		old, ok := prev.Stations[id]
		if !ok {
			continue
		}
		lineID := cur.Line
		if lineID == "" {
			lineID = next.LineOf(id)
		}
		base := change.Event{
			Kind:           change.KindStation,
			Target:         status.TargetStation,
			TargetID:       id,
			LineID:         lineID,
			Reason:         cur.Description,
			Timestamp:      at,
			Metadata:       change.Metadata{LastUpdated: at},
			ConnectedLines: append([]string(nil), cur.TransferLines...),
		}
		if old.Status != cur.Status {
			ev := base
			ev.Field = change.FieldStatus
			ev.From, ev.To = old.Status, cur.Status
			out = append(out, ev)
		}
		out = appendFlag(out, base, change.FieldTransferOperational, cur.Status, old.TransferOperational, cur.TransferOperational)
		out = appendFlag(out, base, change.FieldAccessPointsOperational, cur.Status, old.AccessPointsOperational, cur.AccessPointsOperational)
	}
	return out
}

// DiffOverrides compares two override documents. Only records enabled on both
// sides are compared: a disabled record does not touch the network, and
// turning a record on or off shows up in the snapshot diff instead. Events
// carry the metadata of the newer override record.
func (Detector) DiffOverrides(prev, next overrides.Document) []change.Event {
	var out []change.Event

	for _, id := range next.LineIDs() {
		cur := next.Lines[id]
		old, ok := prev.Lines[id]
		if !ok || !old.Enabled || !cur.Enabled {
			continue
		}
		base := change.Event{
			Kind:      change.KindOverrideField,
			Target:    status.TargetLine,
			TargetID:  id,
			LineID:    id,
			Reason:    cur.Message,
			Timestamp: cur.Metadata.LastUpdated,
			Metadata:  cur.Metadata,
		}
		if old.Status != cur.Status {
			ev := base
			ev.Field = change.FieldStatus
			ev.From, ev.To = old.Status, cur.Status
			out = append(out, ev)
		}
		out = appendFlag(out, base, change.FieldExpressSuppressed, cur.Status, old.ExpressSuppressed, cur.ExpressSuppressed)
	}

	for _, id := range next.StationIDs() {
		cur := next.Stations[id]
		old, ok := prev.Stations[id]
		if !ok || !old.Enabled || !cur.Enabled {
			continue
		}
		lines := next.LinesListing(id)
		lineID := ""
		if len(lines) > 0 {
			lineID = lines[0]
		}
		base := change.Event{
			Kind:           change.KindOverrideField,
			Target:         status.TargetStation,
			TargetID:       id,
			LineID:         lineID,
			Reason:         cur.Description,
			Timestamp:      cur.Metadata.LastUpdated,
			Metadata:       cur.Metadata,
			ConnectedLines: lines,
		}
		if old.Status != cur.Status {
			ev := base
			ev.Field = change.FieldStatus
			ev.From, ev.To = old.Status, cur.Status
			out = append(out, ev)
		}
		out = appendFlag(out, base, change.FieldTransferOperational, cur.Status, old.TransferOperational, cur.TransferOperational)
		out = appendFlag(out, base, change.FieldAccessPointsOperational, cur.Status, old.AccessPointsOperational, cur.AccessPointsOperational)
	}
	return out
}

func appendFlag(out []change.Event, base change.Event, field change.Field, st status.Status, prev, cur bool) []change.Event {
	if prev == cur {
		return out
	}
	ev := base
	ev.Field = field
	ev.From, ev.To = st, st
	ev.Previous, ev.Current = prev, cur
	return append(out, ev)
}
