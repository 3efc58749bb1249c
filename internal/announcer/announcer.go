// Package announcer renders change events into target-agnostic messages.
//
// Events are grouped per line. Each group becomes one rich message with a
// headline for the line, one block per station segment, optional flag blocks
// and a block listing degraded stations that did not change. Rendering never
// reads the clock and iterates maps in sorted order, so the same input always
// produces byte-identical output.
package announcer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"metrobot/internal/change"
	"metrobot/internal/status"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

// DefaultSegmentThreshold is the segment size above which uniform runs are summarized.
const DefaultSegmentThreshold = 5

// DefaultOperationalLike lists statuses that are not reported as problems.
func DefaultOperationalLike() []status.Status {
	return []status.Status{status.Operational, status.ScheduledClosed, status.Extended}
}

type Config struct {
	SegmentThreshold int
	OperationalLike  []status.Status
	Location         *time.Location
	Footer           string
}

func DefaultConfig() Config {
	return Config{
		SegmentThreshold: DefaultSegmentThreshold,
		OperationalLike:  DefaultOperationalLike(),
		Location:         time.UTC,
		Footer:           footerText,
	}
}

func (c Config) normalized() Config {
	if c.SegmentThreshold <= 0 {
		c.SegmentThreshold = DefaultSegmentThreshold
	}
	if c.OperationalLike == nil {
		c.OperationalLike = DefaultOperationalLike()
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Footer == "" {
		c.Footer = footerText
	}
	return c
}

// RenderError reports a group that could not be rendered.
type RenderError struct {
	LineID string
	Err    error
}

func (e *RenderError) Error() string {
	return "render line " + e.LineID + ": " + e.Err.Error()
}

func (e *RenderError) Unwrap() error { return e.Err }

type Announcer struct {
	log logx.Logger

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, log logx.Logger) *Announcer {
	return &Announcer{cfg: cfg.normalized(), log: log.With(logx.String("comp", "announcer"))}
}

// SetConfig swaps thresholds and presentation settings.
func (a *Announcer) SetConfig(cfg Config) {
	a.mu.Lock()
	a.cfg = cfg.normalized()
	a.mu.Unlock()
}

func (a *Announcer) config() Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Generate renders one message per line group. A group that fails to render is
// replaced by an error message; the other groups are unaffected.
func (a *Announcer) Generate(events []change.Event, snap status.Snapshot) []transport.Message {
	cfg := a.config()
	groups := shareStations(GroupByLine(resolveLines(events, snap)), snap)
	out := make([]transport.Message, 0, len(groups))
	for _, g := range groups {
		msg, err := renderGroup(cfg, g, snap)
		if err != nil {
			a.log.Warn("line announcement failed", logx.String("line", g.LineID), logx.Err(err))
			msg = errorMessage(cfg, g, snap, err)
		}
		out = append(out, msg)
	}
	return out
}

// resolveLines fills the owning line of station events from the snapshot.
func resolveLines(events []change.Event, snap status.Snapshot) []change.Event {
	out := make([]change.Event, len(events))
	for i, ev := range events {
		if ev.LineID == "" && ev.IsStationLevel() {
			ev.LineID = snap.LineOf(ev.TargetID)
		}
		out[i] = ev
	}
	return out
}

func validate(g Group) error {
	all := make([]change.Event, 0, len(g.LineChanges)+len(g.StationChanges)+len(g.FlagChanges))
	all = append(all, g.LineChanges...)
	all = append(all, g.StationChanges...)
	all = append(all, g.FlagChanges...)
	for _, ev := range all {
		if strings.TrimSpace(ev.TargetID) == "" {
			return errors.New("event without target")
		}
		if !ev.From.Valid() || !ev.To.Valid() {
			return fmt.Errorf("event %s: invalid status %d -> %d", ev.TargetID, ev.From, ev.To)
		}
		if ev.Target != status.TargetLine && ev.Target != status.TargetStation {
			return fmt.Errorf("event %s: unknown target kind", ev.TargetID)
		}
	}
	return nil
}

func renderGroup(cfg Config, g Group, snap status.Snapshot) (msg transport.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RenderError{LineID: g.LineID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := validate(g); err != nil {
		return transport.Message{}, &RenderError{LineID: g.LineID, Err: err}
	}

	line, hasLine := snap.Lines[g.LineID]
	msg = transport.Message{
		Title:  groupTitle(g.LineID, line.DisplayName),
		Color:  groupColor(g),
		Footer: cfg.Footer,
	}
	if hasClosedStations(g, line, snap) {
		msg.Title += closedSuffix
	}

	if n := len(g.LineChanges); n > 0 {
		lc := g.LineChanges[n-1]
		msg.Description = headline(lc)
		if lc.Reason != "" {
			msg.Fields = append(msg.Fields, transport.Field{Name: "📌 Motivo", Value: lc.Reason})
		}
		msg.Fields = append(msg.Fields, transport.Field{
			Name:  "📋 Historial de cambios",
			Value: "📝 Estado anterior: " + lineText(lc.From) + "\n*Actualizado: " + formatTime(cfg, lc.Timestamp) + "*",
		})
	} else if hasLine {
		msg.Description = "**Estado actual:** " + lineText(line.Status)
	}

	if len(g.StationChanges) > 0 {
		segments := Segments(line.Stations, g.StationChanges)
		total := 0
		for _, seg := range segments {
			msg.Fields = append(msg.Fields, segmentFields(cfg, seg, snap)...)
			total += seg.Count
		}
		msg.Fields = append(msg.Fields, transport.Field{
			Name:  "📊 Resumen",
			Value: "Total de estaciones afectadas: " + strconv.Itoa(total),
		})
	}

	for _, ev := range g.FlagChanges {
		msg.Fields = append(msg.Fields, flagField(cfg, ev, snap))
	}

	if f, ok := unaffectedField(cfg, g, line, snap); ok {
		msg.Fields = append(msg.Fields, f)
	}
	return msg, nil
}

func groupTitle(lineID, display string) string {
	if lineID == "" {
		return "🚇 Red Metro"
	}
	return lineEmoji(lineID) + " " + lineName(lineID, display)
}

// groupColor derives the colour from the worst status any event moved to.
func groupColor(g Group) int {
	worst := status.Operational
	for _, evs := range [][]change.Event{g.LineChanges, g.StationChanges, g.FlagChanges} {
		for _, ev := range evs {
			worst = worse(worst, ev.To)
		}
	}
	return info(worst).color
}

func hasClosedStations(g Group, line status.LineState, snap status.Snapshot) bool {
	for _, ev := range g.StationChanges {
		if ev.To == status.Closed {
			return true
		}
	}
	for _, id := range line.Stations {
		if snap.StationStatus(id) == status.Closed {
			return true
		}
	}
	return false
}

// headline picks the victory copy when a line recovers from closure, partial
// service or delays, and the neutral change title otherwise.
func headline(ev change.Event) string {
	title := info(ev.To).lineTitle
	if ev.To == status.Operational {
		if v, ok := victoryMessages[ev.From]; ok {
			return "🎉 **" + title + "** 🎉\n" + v
		}
	}
	return "**" + title + "**"
}

func segmentFields(cfg Config, seg Segment, snap status.Snapshot) []transport.Field {
	if seg.Count > cfg.SegmentThreshold && seg.uniform() {
		first := seg.Changes[0]
		cur, prev := info(first.To), info(first.From)
		var b strings.Builder
		b.WriteString(cur.emoji + " **" + strconv.Itoa(seg.Count) + " estaciones afectadas**")
		b.WriteString("\n↳ **Estado actual:** " + cur.station)
		b.WriteString("\n↳ **Estado anterior:** " + prev.station + " " + prev.emoji)
		if first.Reason != "" {
			b.WriteString("\n↳ **Motivo:** " + first.Reason)
		}
		return []transport.Field{{
			Name: fmt.Sprintf("⛔ Tramo afectado: %s → %s (%d estaciones)",
				snap.StationName(seg.First), snap.StationName(seg.Last), seg.Count),
			Value: b.String(),
		}}
	}

	out := make([]transport.Field, 0, len(seg.Changes))
	for _, ev := range seg.Changes {
		out = append(out, stationField(ev, snap))
	}
	return out
}

func stationField(ev change.Event, snap status.Snapshot) transport.Field {
	name := snap.StationName(ev.TargetID)
	st := snap.Stations[ev.TargetID]
	cur, prev := info(ev.To), info(ev.From)

	var b strings.Builder
	b.WriteString(directionIcon(ev.From, ev.To) + " **" + name + "**")
	b.WriteString("\n   ↳ **Estado actual:** " + cur.emoji + " " + cur.station)
	b.WriteString("\n   ↳ **Estado anterior:** " + prev.station + " " + prev.emoji)
	if ev.Reason != "" {
		b.WriteString("\n   ↳ **Descripción:** " + ev.Reason)
	}
	if lines := transferLabels(st.TransferLines); lines != "" {
		if impact, ok := transferImpact[ev.To]; ok {
			b.WriteString("\n   ↳ 🔄 **Transbordos:** " + impact + " (" + lines + ")")
		} else if !st.TransferOperational {
			b.WriteString("\n   ↳ 🔄 **Transbordos:** Combinación no operativa (" + lines + ")")
		}
	}
	if note := strings.TrimSpace(st.AppDescription); note != "" && note != ev.Reason {
		b.WriteString("\n   ↳ 📢 **Nota:** " + note)
	}
	if sev, ok := severityLabels[ev.To]; ok {
		b.WriteString("\n   ↳ ⚠️ **Severidad:** " + sev)
	}
	return transport.Field{Name: "⚠️ Cambio de estado: " + name, Value: b.String()}
}

func flagField(cfg Config, ev change.Event, snap status.Snapshot) transport.Field {
	var name, value string
	switch ev.Field {
	case change.FieldExpressSuppressed:
		name = "🚄 Ruta expresa"
		if ev.Current {
			value = "Suspendida"
		} else {
			value = "Operativa"
		}
	case change.FieldTransferOperational:
		name = "🔄 Transbordo: " + snap.StationName(ev.TargetID)
		value = "Combinación " + yesNo(ev.Current) + " (antes: " + yesNo(ev.Previous) + ")"
	case change.FieldAccessPointsOperational:
		name = "🚪 Accesos: " + snap.StationName(ev.TargetID)
		value = "Accesos " + yesNo(ev.Current) + "s (antes: " + yesNo(ev.Previous) + "s)"
	default:
		name = "ℹ️ " + string(ev.Field)
		value = strconv.FormatBool(ev.Current)
	}
	if ev.Reason != "" {
		value += "\n↳ **Motivo:** " + ev.Reason
	}
	if ev.Kind == change.KindOverrideField && ev.Metadata.UpdatedBy != "" {
		value += "\n*Actualizado por " + ev.Metadata.UpdatedBy + " el " + formatTime(cfg, ev.Timestamp) + "*"
	}
	return transport.Field{Name: name, Value: value}
}

// unaffectedField lists degraded stations of the line that are not part of the
// change set, grouped by status in canonical order.
func unaffectedField(cfg Config, g Group, line status.LineState, snap status.Snapshot) (transport.Field, bool) {
	changed := make(map[string]struct{}, len(g.StationChanges))
	for _, ev := range g.StationChanges {
		changed[ev.TargetID] = struct{}{}
	}
	okStatus := make(map[status.Status]struct{}, len(cfg.OperationalLike))
	for _, s := range cfg.OperationalLike {
		okStatus[s] = struct{}{}
	}

	var keys []string
	names := map[string][]string{}
	for _, id := range line.Stations {
		if _, ok := changed[id]; ok {
			continue
		}
		st := snap.StationStatus(id)
		if _, ok := okStatus[st]; ok {
			continue
		}
		key := stationText(st)
		if _, ok := names[key]; !ok {
			keys = append(keys, key)
		}
		names[key] = append(names[key], snap.StationName(id))
	}
	if len(keys) == 0 {
		return transport.Field{}, false
	}
	var b strings.Builder
	b.WriteString("**Estaciones con problemas (no modificadas):**")
	for _, k := range keys {
		b.WriteString("\n- " + k + ": " + strings.Join(names[k], ", "))
	}
	return transport.Field{Name: "ℹ️ Estado de estaciones no afectadas", Value: b.String()}, true
}

func errorMessage(cfg Config, g Group, snap status.Snapshot, err error) transport.Message {
	line := snap.Lines[g.LineID]
	return transport.Message{
		Title:       errorTitle,
		Description: "No se pudo generar el anuncio para " + lineName(g.LineID, line.DisplayName) + ".",
		Fields:      []transport.Field{{Name: "Detalle", Value: err.Error()}},
		Color:       info(status.Closed).color,
		Footer:      cfg.Footer,
	}
}

func transferLabels(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	labels := make([]string, len(lines))
	for i, l := range lines {
		labels[i] = status.LineLabel(l)
	}
	return strings.Join(labels, ", ")
}

func formatTime(cfg Config, t time.Time) string {
	if t.IsZero() {
		return "sin fecha"
	}
	return t.In(cfg.Location).Format(timestampLayout)
}
