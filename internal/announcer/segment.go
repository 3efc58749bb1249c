package announcer

import (
	"sort"

	"metrobot/internal/change"
	"metrobot/internal/status"
)

// Group holds the events of one line, split by what they describe.
type Group struct {
	LineID         string
	LineChanges    []change.Event
	StationChanges []change.Event
	FlagChanges    []change.Event
}

// Segment is a maximal run of changed stations that are adjacent in the line's
// canonical order.
type Segment struct {
	First   string
	Last    string
	Count   int
	Changes []change.Event
}

// GroupByLine buckets events by normalized line id; groups are sorted by id and
// events keep their input order.
func GroupByLine(events []change.Event) []Group {
	idx := map[string]*Group{}
	var ids []string
	for _, ev := range events {
		id := status.NormalizeLineID(ev.LineID)
		g, ok := idx[id]
		if !ok {
			g = &Group{LineID: id}
			idx[id] = g
			ids = append(ids, id)
		}
		switch {
		case !ev.IsStatus():
			g.FlagChanges = append(g.FlagChanges, ev)
		case ev.IsLineLevel():
			g.LineChanges = append(g.LineChanges, ev)
		default:
			g.StationChanges = append(g.StationChanges, ev)
		}
	}
	sort.Strings(ids)
	out := make([]Group, 0, len(ids))
	for _, id := range ids {
		out = append(out, *idx[id])
	}
	return out
}

// shareStations adds to each group the station changes owned by other lines
// that its line also lists, such as transfer stations. Those stations then
// join the line's segments and are not reported as unchanged.
func shareStations(groups []Group, snap status.Snapshot) []Group {
	byID := map[string]change.Event{}
	for _, g := range groups {
		for _, ev := range g.StationChanges {
			byID[ev.TargetID] = ev
		}
	}
	if len(byID) == 0 {
		return groups
	}
	for i := range groups {
		g := &groups[i]
		own := make(map[string]struct{}, len(g.StationChanges))
		for _, ev := range g.StationChanges {
			own[ev.TargetID] = struct{}{}
		}
		for _, id := range snap.Lines[g.LineID].Stations {
			ev, ok := byID[id]
			if !ok {
				continue
			}
			if _, dup := own[id]; dup {
				continue
			}
			own[id] = struct{}{}
			g.StationChanges = append(g.StationChanges, ev)
		}
	}
	return groups
}

// Segments walks order and cuts it into runs of stations present in changes.
// A later change for the same station replaces an earlier one. Changed stations
// missing from order become single-station segments after the ordered ones.
func Segments(order []string, changes []change.Event) []Segment {
	byID := make(map[string]change.Event, len(changes))
	for _, ev := range changes {
		byID[ev.TargetID] = ev
	}

	var (
		out  []Segment
		cur  *Segment
		seen = make(map[string]struct{}, len(byID))
	)
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, id := range order {
		ev, ok := byID[id]
		if !ok {
			flush()
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if cur == nil {
			cur = &Segment{First: id}
		}
		cur.Last = id
		cur.Count++
		cur.Changes = append(cur.Changes, ev)
	}
	flush()

	var stray []string
	for id := range byID {
		if _, ok := seen[id]; !ok {
			stray = append(stray, id)
		}
	}
	sort.Strings(stray)
	for _, id := range stray {
		out = append(out, Segment{First: id, Last: id, Count: 1, Changes: []change.Event{byID[id]}})
	}
	return out
}

// uniform reports whether every change shares the same transition and reason.
func (s Segment) uniform() bool {
	if len(s.Changes) == 0 {
		return false
	}
	first := s.Changes[0]
	for _, ev := range s.Changes[1:] {
		if ev.From != first.From || ev.To != first.To || ev.Reason != first.Reason {
			return false
		}
	}
	return true
}
