package announcer

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"metrobot/internal/change"
	"metrobot/internal/status"
	logx "metrobot/pkg/logx"
)

var spanishLower = cases.Lower(language.Spanish)

// GeneratePlain renders one short text per line group for chat targets without
// rich formatting. Transitions from or to scheduled closure are never announced.
func (a *Announcer) GeneratePlain(events []change.Event, snap status.Snapshot) []string {
	groups := shareStations(GroupByLine(resolveLines(events, snap)), snap)
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if err := validate(g); err != nil {
			a.log.Warn("plain announcement skipped", logx.String("line", g.LineID), logx.Err(err))
			continue
		}
		if text := plainGroup(g, snap); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func touchesScheduledClosure(ev change.Event) bool {
	return ev.From == status.ScheduledClosed || ev.To == status.ScheduledClosed
}

func plainGroup(g Group, snap status.Snapshot) string {
	for _, ev := range g.LineChanges {
		if touchesScheduledClosure(ev) {
			return ""
		}
	}
	line := snap.Lines[g.LineID]
	tag := "#" + status.LineLabel(g.LineID)
	if g.LineID == "" {
		tag = "#Red"
	}

	var parts []string
	if n := len(g.LineChanges); n > 0 {
		lc := g.LineChanges[n-1]
		emoji := info(lc.To).emoji
		if lc.To == status.Operational {
			text := emoji + " Servicio en " + tag + " se encuentra normalizado"
			if v, ok := victoryMessages[lc.From]; ok {
				text += "\n" + v
			}
			parts = append(parts, text)
		} else {
			text := emoji + " Informamos que *" + tag + " " + spanishLower.String(info(lc.To).line) + "*"
			if lc.Reason != "" {
				text += "\n" + lc.Reason
			}
			parts = append(parts, text)
		}
	}

	var relevant []change.Event
	for _, ev := range g.StationChanges {
		if touchesScheduledClosure(ev) {
			continue
		}
		if ev.To == status.Closed || ev.To == status.Partial {
			relevant = append(relevant, ev)
		}
	}
	if len(relevant) > 0 {
		var closed, partial []string
		for _, seg := range Segments(line.Stations, relevant) {
			for _, ev := range seg.Changes {
				name := snap.StationName(ev.TargetID)
				if ev.To == status.Closed {
					closed = append(closed, "❌ "+name)
				} else {
					partial = append(partial, "🟡 "+name)
				}
			}
		}
		var b strings.Builder
		if len(g.LineChanges) == 0 {
			b.WriteString(lineEmoji(g.LineID) + " " + tag + "\n\n")
		}
		if len(closed) > 0 {
			b.WriteString("Las siguientes estaciones se encuentran sin servicio:\n\n")
			b.WriteString(strings.Join(closed, "\n"))
		}
		if len(partial) > 0 {
			if len(closed) > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString("Estaciones con accesos cerrados:\n\n")
			b.WriteString(strings.Join(partial, "\n"))
		}
		if reason := commonReason(relevant); reason != "" {
			b.WriteString("\n\nℹ️ Motivo: " + reason)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n\n")
}

func commonReason(events []change.Event) string {
	if len(events) == 0 {
		return ""
	}
	r := events[0].Reason
	for _, ev := range events[1:] {
		if ev.Reason != r {
			return ""
		}
	}
	return r
}

// NetworkSummary lists every line with its status and the stations that are not
// operational-like, in plain text.
func (a *Announcer) NetworkSummary(snap status.Snapshot) string {
	if snap.Empty() {
		return "Sin datos de la red todavía."
	}
	cfg := a.config()
	ok := make(map[status.Status]bool, len(cfg.OperationalLike))
	for _, s := range cfg.OperationalLike {
		ok[s] = true
	}

	var b strings.Builder
	b.WriteString("*Estado de la Red*\n")
	for _, id := range snap.LineIDs() {
		line := snap.Lines[id]
		b.WriteString("\n" + lineEmoji(id) + " " + lineName(id, line.DisplayName) + ": " + lineText(line.Status))
		for _, code := range line.Stations {
			st := snap.Stations[code]
			if st.Line != id || ok[st.Status] {
				continue
			}
			b.WriteString("\n   " + stationText(st.Status) + " " + snap.StationName(code))
		}
	}
	b.WriteString("\n\n" + formatTime(cfg, snap.TakenAt))
	return b.String()
}
