package overrides

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"metrobot/internal/change"
	"metrobot/internal/status"
)

const defaultUpdatedBy = "system"

// Decode parses an override file. Comments and trailing commas are accepted.
// The result is normalized with now as the default metadata timestamp.
func Decode(data []byte, now time.Time) (Document, []string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(data)) == 0 {
		return EmptyDocument(), nil, nil
	}
	std, err := hujson.Standardize(data)
	if err != nil {
		return Document{}, nil, &ParseError{Err: err}
	}
	var w wireDocument
	dec := json.NewDecoder(bytes.NewReader(std))
	if err := dec.Decode(&w); err != nil {
		return Document{}, nil, &ParseError{Err: err}
	}

	doc := EmptyDocument()
	var warnings []string
	for id, wl := range w.Lines {
		st, ok := parseEstado(wl.Estado)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("line %s: invalid estado %s, using operational", id, rawString(wl.Estado)))
		}
		doc.Lines[id] = LineOverride{
			Status:            st,
			Message:           rawString(wl.Mensaje),
			AppMessage:        rawString(wl.MensajeApp),
			Enabled:           truthy(wl.Enabled),
			ExpressSuppressed: strictTrue(wl.ExpressSuppressed),
			Stations:          wl.Stations,
			Metadata:          metadataFromWire(wl.Metadata),
		}
	}
	for id, ws := range w.Stations {
		st, ok := parseEstado(ws.Estado)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("station %s: invalid estado %s, using operational", id, rawString(ws.Estado)))
		}
		doc.Stations[id] = StationOverride{
			Status:                  st,
			Description:             rawString(ws.Descripcion),
			AppDescription:          rawString(ws.DescripcionApp),
			Enabled:                 truthy(ws.Enabled),
			TransferOperational:     strictTrue(ws.TransferOperational),
			AccessPointsOperational: strictTrue(ws.AccessPointsOperational),
			Metadata:                metadataFromWire(ws.Metadata),
		}
	}
	doc, more := Normalize(doc, now)
	return doc, append(warnings, more...), nil
}

// Normalize canonicalizes keys and fills metadata defaults. Line keys that do not
// name a known line are dropped and reported.
func Normalize(in Document, now time.Time) (Document, []string) {
	out := EmptyDocument()
	var warnings []string
	for _, rawID := range in.LineIDs() {
		l := in.Lines[rawID]
		id := status.NormalizeLineID(rawID)
		if !status.ValidLineID(id) {
			warnings = append(warnings, fmt.Sprintf("line %q: not a valid line id, dropped", rawID))
			continue
		}
		if !l.Status.Valid() {
			l.Status = status.Operational
		}
		stations := make([]string, 0, len(l.Stations))
		for _, code := range l.Stations {
			if c := status.NormalizeStationID(code); c != "" {
				stations = append(stations, c)
			}
		}
		l.Stations = stations
		l.Metadata = defaultMetadata(l.Metadata, now)
		out.Lines[id] = l
	}
	for _, rawID := range in.StationIDs() {
		s := in.Stations[rawID]
		id := status.NormalizeStationID(rawID)
		if id == "" {
			warnings = append(warnings, "station with empty code dropped")
			continue
		}
		if !s.Status.Valid() {
			s.Status = status.Operational
		}
		s.Metadata = defaultMetadata(s.Metadata, now)
		out.Stations[id] = s
	}
	return out, warnings
}

// Encode renders the document as indented JSON with sorted keys.
func Encode(doc Document) ([]byte, error) {
	if doc.Lines == nil {
		doc.Lines = map[string]LineOverride{}
	}
	if doc.Stations == nil {
		doc.Stations = map[string]StationOverride{}
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode overrides: %w", err)
	}
	return append(b, '\n'), nil
}

func defaultMetadata(m change.Metadata, now time.Time) change.Metadata {
	if m.LastUpdated.IsZero() {
		m.LastUpdated = now.UTC()
	}
	if strings.TrimSpace(m.UpdatedBy) == "" {
		m.UpdatedBy = defaultUpdatedBy
	}
	return m
}

func metadataFromWire(w *wireMetadata) change.Metadata {
	if w == nil {
		return change.Metadata{}
	}
	m := change.Metadata{UpdatedBy: strings.TrimSpace(w.UpdatedBy)}
	if s := strings.TrimSpace(w.LastUpdated); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			m.LastUpdated = t.UTC()
		}
	}
	return m
}
