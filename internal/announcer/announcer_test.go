package announcer

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"metrobot/internal/change"
	"metrobot/internal/status"
	"metrobot/internal/transport"
	logx "metrobot/pkg/logx"
)

var at = time.Date(2024, 6, 3, 12, 30, 0, 0, time.UTC)

func newAnnouncer() *Announcer { return New(DefaultConfig(), logx.Nop()) }

// network builds a line with the given station ids, all operational.
func network(lineID string, status0 status.Status, stations ...string) status.Snapshot {
	snap := status.NewSnapshot(at)
	snap.Lines[lineID] = status.LineState{ID: lineID, DisplayName: "Línea " + strings.TrimPrefix(lineID, "l"), Status: status0, Stations: stations}
	for _, id := range stations {
		snap.Stations[id] = status.StationState{ID: id, DisplayName: strings.ToUpper(id), Line: lineID, Status: status.Operational, TransferOperational: true, AccessPointsOperational: true}
	}
	return snap
}

func stationEvent(lineID, id string, from, to status.Status, reason string) change.Event {
	return change.Event{
		Kind: change.KindStation, Target: status.TargetStation, Field: change.FieldStatus,
		TargetID: id, LineID: lineID, From: from, To: to, Reason: reason, Timestamp: at,
	}
}

func lineEvent(lineID string, from, to status.Status, reason string) change.Event {
	return change.Event{
		Kind: change.KindLine, Target: status.TargetLine, Field: change.FieldStatus,
		TargetID: lineID, LineID: lineID, From: from, To: to, Reason: reason, Timestamp: at,
	}
}

func TestSegmentsFollowCanonicalOrder(t *testing.T) {
	order := []string{"a", "b", "c", "d", "e", "f"}
	evs := []change.Event{
		stationEvent("l1", "d", 1, 2, ""),
		stationEvent("l1", "b", 1, 2, ""),
		stationEvent("l1", "c", 1, 2, ""),
	}
	segs := Segments(order, evs)
	if len(segs) != 1 {
		t.Fatalf("segments = %+v", segs)
	}
	if segs[0].First != "b" || segs[0].Last != "d" || segs[0].Count != 3 {
		t.Fatalf("segment = %+v", segs[0])
	}
}

func TestSegmentsSplitOnGaps(t *testing.T) {
	order := []string{"a", "b", "c", "d", "e"}
	evs := []change.Event{
		stationEvent("l1", "a", 1, 2, ""),
		stationEvent("l1", "c", 1, 2, ""),
		stationEvent("l1", "d", 1, 2, ""),
		stationEvent("l1", "zz", 1, 2, ""),
	}
	got := Segments(order, evs)
	var spans []string
	for _, s := range got {
		spans = append(spans, fmt.Sprintf("%s-%s/%d", s.First, s.Last, s.Count))
	}
	if diff := cmp.Diff([]string{"a-a/1", "c-d/2", "zz-zz/1"}, spans); diff != "" {
		t.Fatalf("spans (-want +got):\n%s", diff)
	}
}

func TestGroupingThreshold(t *testing.T) {
	ids := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	cases := []struct {
		name       string
		affected   []string
		reasons    []string
		wantFields int
		summarized bool
	}{
		{name: "six uniform stations summarize", affected: ids, wantFields: 1, summarized: true},
		{name: "five stations render individually", affected: ids[:5], wantFields: 5},
		{
			name:       "mixed reasons render individually",
			affected:   ids,
			reasons:    []string{"a", "a", "a", "a", "a", "b"},
			wantFields: 6,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			snap := network("l2", status.Operational, ids...)
			var evs []change.Event
			for i, id := range tc.affected {
				reason := "Falla eléctrica"
				if tc.reasons != nil {
					reason = tc.reasons[i]
				}
				evs = append(evs, stationEvent("l2", id, status.Operational, status.Closed, reason))
			}
			msgs := newAnnouncer().Generate(evs, snap)
			if len(msgs) != 1 {
				t.Fatalf("messages = %d", len(msgs))
			}
			var segFields []transport.Field
			for _, f := range msgs[0].Fields {
				if strings.HasPrefix(f.Name, "⛔") || strings.HasPrefix(f.Name, "⚠️ Cambio") {
					segFields = append(segFields, f)
				}
			}
			if len(segFields) != tc.wantFields {
				t.Fatalf("segment fields = %d, want %d: %+v", len(segFields), tc.wantFields, segFields)
			}
			if tc.summarized && !strings.Contains(segFields[0].Name, "Tramo afectado: S1 → S6 (6 estaciones)") {
				t.Fatalf("summary title = %q", segFields[0].Name)
			}
		})
	}
}

func TestTransferStationJoinsEveryListingLine(t *testing.T) {
	snap := network("l4", status.Operational, "b", "x", "c")
	l1 := network("l1", status.Operational, "x")
	snap.Lines["l1"] = l1.Lines["l1"]
	x := snap.Stations["x"]
	x.Line, x.DisplayName = "l1", "Transfer X"
	snap.Stations["x"] = x
	for _, id := range []string{"b", "x", "c"} {
		st := snap.Stations[id]
		st.Status = status.Closed
		snap.Stations[id] = st
	}

	evs := []change.Event{
		stationEvent("l1", "x", status.Operational, status.Closed, "Falla"),
		stationEvent("l4", "b", status.Operational, status.Closed, "Falla"),
		stationEvent("l4", "c", status.Operational, status.Closed, "Falla"),
	}
	a := New(Config{SegmentThreshold: 2}, logx.Nop())
	msgs := a.Generate(evs, snap)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	l4 := msgs[1]
	var names []string
	for _, f := range l4.Fields {
		names = append(names, f.Name)
		if strings.Contains(f.Value, "no modificadas") {
			t.Fatalf("shared station listed as unchanged: %q", f.Value)
		}
	}
	want := []string{"⛔ Tramo afectado: B → C (3 estaciones)", "📊 Resumen"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Fatalf("line 4 fields (-want +got):\n%s", diff)
	}
}

func TestVictorySelection(t *testing.T) {
	headlines := map[status.Status]string{}
	for _, from := range []status.Status{status.Closed, status.Partial, status.Delayed, status.ScheduledClosed, status.Extended} {
		headlines[from] = headline(lineEvent("l1", from, status.Operational, ""))
	}
	victories := []string{headlines[status.Closed], headlines[status.Partial], headlines[status.Delayed]}
	for i, h := range victories {
		if !strings.HasPrefix(h, "🎉") {
			t.Fatalf("victory %d = %q", i, h)
		}
		for j := i + 1; j < len(victories); j++ {
			if h == victories[j] {
				t.Fatalf("victory variants %d and %d are identical", i, j)
			}
		}
	}
	neutral := "**Línea Operativa Nuevamente**"
	if headlines[status.ScheduledClosed] != neutral || headlines[status.Extended] != neutral {
		t.Fatalf("neutral headlines = %q / %q", headlines[status.ScheduledClosed], headlines[status.Extended])
	}
	if got := headline(lineEvent("l1", status.Operational, status.Delayed, "")); got != "**Demoras en Línea**" {
		t.Fatalf("change headline = %q", got)
	}
}

func TestLineRecoveryWithDegradedStation(t *testing.T) {
	snap := network("l4", status.Operational, "tobalaba", "manuel_montt", "los_orientales")
	mm := snap.Stations["manuel_montt"]
	mm.DisplayName = "Manuel Montt"
	mm.Status = status.Partial
	snap.Stations["manuel_montt"] = mm

	msgs := newAnnouncer().Generate([]change.Event{lineEvent("l4", status.Closed, status.Operational, "")}, snap)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d", len(msgs))
	}
	msg := msgs[0]
	if !strings.Contains(msg.Description, victoryMessages[status.Closed]) {
		t.Fatalf("description = %q", msg.Description)
	}
	var block *transport.Field
	for i := range msg.Fields {
		if msg.Fields[i].Name == "ℹ️ Estado de estaciones no afectadas" {
			block = &msg.Fields[i]
		}
	}
	if block == nil {
		t.Fatalf("missing unaffected block: %+v", msg.Fields)
	}
	want := "**Estaciones con problemas (no modificadas):**\n- 🟨 Cierre Parcial: Manuel Montt"
	if block.Value != want {
		t.Fatalf("unaffected block = %q", block.Value)
	}
	if msg.Color != 0x00AA00 {
		t.Fatalf("color = %#x", msg.Color)
	}
}

func TestUnaffectedSkipsOperationalLike(t *testing.T) {
	snap := network("l1", status.Operational, "a", "b", "c", "d")
	for id, st := range map[string]status.Status{"a": status.ScheduledClosed, "b": status.Extended, "c": status.Delayed} {
		s := snap.Stations[id]
		s.Status = st
		snap.Stations[id] = s
	}
	msgs := newAnnouncer().Generate([]change.Event{stationEvent("l1", "d", status.Operational, status.Closed, "")}, snap)
	var got string
	for _, f := range msgs[0].Fields {
		if strings.HasPrefix(f.Name, "ℹ️ Estado") {
			got = f.Value
		}
	}
	if !strings.Contains(got, "Retrasos en Frecuencia: C") || strings.Contains(got, "A") || strings.Contains(got, ": B") {
		t.Fatalf("unaffected block = %q", got)
	}
	if !strings.HasSuffix(msgs[0].Title, closedSuffix) {
		t.Fatalf("title = %q", msgs[0].Title)
	}
	if msgs[0].Color != 0xFF0000 {
		t.Fatalf("color = %#x", msgs[0].Color)
	}
}

func TestGenerateIsDeterministic(t *testing.T) {
	snap := network("l5", status.Delayed, "a", "b", "c", "d", "e", "f", "g")
	snap.Lines["l1"] = status.LineState{ID: "l1", Status: status.Operational, Stations: []string{"x"}}
	snap.Stations["x"] = status.StationState{ID: "x", Line: "l1", Status: status.Partial}
	evs := []change.Event{
		lineEvent("l5", status.Operational, status.Delayed, "Menor frecuencia"),
		stationEvent("l5", "a", status.Operational, status.Closed, "Manifestación"),
		stationEvent("l5", "b", status.Operational, status.Closed, "Manifestación"),
		stationEvent("l5", "f", status.Operational, status.Partial, ""),
		stationEvent("", "x", status.Operational, status.Partial, ""),
	}
	a := newAnnouncer()
	first := a.Generate(evs, snap)
	plain := a.GeneratePlain(evs, snap)
	for i := 0; i < 20; i++ {
		if diff := cmp.Diff(first, a.Generate(evs, snap.Clone())); diff != "" {
			t.Fatalf("run %d differs:\n%s", i, diff)
		}
		if diff := cmp.Diff(plain, a.GeneratePlain(evs, snap.Clone())); diff != "" {
			t.Fatalf("plain run %d differs:\n%s", i, diff)
		}
	}
	if len(first) != 2 || !strings.Contains(first[0].Title, "Línea 1") {
		t.Fatalf("expected l1 then l5 groups, got %+v", first)
	}
}

func TestRenderErrorIsolatedToGroup(t *testing.T) {
	snap := network("l1", status.Operational, "a")
	snap.Lines["l2"] = status.LineState{ID: "l2", Status: status.Operational}
	bad := lineEvent("l1", status.Operational, status.Status(42), "")
	good := lineEvent("l2", status.Operational, status.Closed, "")

	msgs := newAnnouncer().Generate([]change.Event{bad, good}, snap)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d", len(msgs))
	}
	if msgs[0].Title != errorTitle {
		t.Fatalf("first message should be the error block, got %q", msgs[0].Title)
	}
	if msgs[1].Description != "**Línea Cerrada**" {
		t.Fatalf("second message = %+v", msgs[1])
	}

	_, err := renderGroup(DefaultConfig(), GroupByLine([]change.Event{bad})[0], snap)
	var re *RenderError
	if !errors.As(err, &re) || re.LineID != "l1" {
		t.Fatalf("expected RenderError for l1, got %v", err)
	}
}

func TestGeneratePlain(t *testing.T) {
	snap := network("l3", status.Operational, "a", "b", "c")
	evs := []change.Event{
		lineEvent("l3", status.Operational, status.Closed, "Falla en vía"),
		stationEvent("l3", "b", status.Operational, status.Partial, "Obras"),
		stationEvent("l3", "a", status.Operational, status.Closed, "Obras"),
	}
	got := newAnnouncer().GeneratePlain(evs, snap)
	want := "🟥 Informamos que *#L3 cerrada*\nFalla en vía\n\n" +
		"Las siguientes estaciones se encuentran sin servicio:\n\n❌ A\n\n" +
		"Estaciones con accesos cerrados:\n\n🟡 B\n\nℹ️ Motivo: Obras"
	if diff := cmp.Diff([]string{want}, got); diff != "" {
		t.Fatalf("plain (-want +got):\n%s", diff)
	}
}

func TestGeneratePlainSkipsScheduledClosure(t *testing.T) {
	snap := network("l1", status.Operational, "a")
	snap.Lines["l2"] = status.LineState{ID: "l2", Status: status.Operational}
	evs := []change.Event{
		lineEvent("l1", status.ScheduledClosed, status.Operational, ""),
		lineEvent("l2", status.Delayed, status.Operational, ""),
	}
	got := newAnnouncer().GeneratePlain(evs, snap)
	if len(got) != 1 {
		t.Fatalf("plain = %q", got)
	}
	want := "🟩 Servicio en #L2 se encuentra normalizado\n" + victoryMessages[status.Delayed]
	if got[0] != want {
		t.Fatalf("plain = %q", got[0])
	}
}

func TestNetworkSummary(t *testing.T) {
	a := newAnnouncer()
	if got := a.NetworkSummary(status.Snapshot{}); got != "Sin datos de la red todavía." {
		t.Fatalf("empty summary = %q", got)
	}
	snap := network("l4", status.Partial, "tob", "mmo")
	mmo := snap.Stations["mmo"]
	mmo.Status = status.Closed
	snap.Stations["mmo"] = mmo

	want := "*Estado de la Red*\n" +
		"\n🔵 Línea 4: 🟨 Cierre Parcial" +
		"\n   🟥 Cierre Temporal MMO" +
		"\n\n03/06/2024, 12:30:00"
	if got := a.NetworkSummary(snap); got != want {
		t.Fatalf("summary:\n%s\nwant:\n%s", got, want)
	}
}
