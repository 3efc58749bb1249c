package overrides

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"metrobot/internal/change"
	"metrobot/internal/status"
)

// Document is the normalized override file: manual corrections keyed by line id
// and by lowercase station code.
type Document struct {
	Lines    map[string]LineOverride    `json:"lines"`
	Stations map[string]StationOverride `json:"stations"`
}

type LineOverride struct {
	Status            status.Status
	Message           string
	AppMessage        string
	Enabled           bool
	ExpressSuppressed bool
	Stations          []string
	Metadata          change.Metadata
}

type StationOverride struct {
	Status                  status.Status
	Description             string
	AppDescription          string
	Enabled                 bool
	TransferOperational     bool
	AccessPointsOperational bool
	Metadata                change.Metadata
}

// wire forms keep the persisted field names and the string-coded "estado".

type wireMetadata struct {
	LastUpdated string `json:"lastUpdated,omitempty"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
}

type wireLine struct {
	Estado            json.RawMessage `json:"estado,omitempty"`
	Mensaje           json.RawMessage `json:"mensaje,omitempty"`
	MensajeApp        json.RawMessage `json:"mensaje_app,omitempty"`
	Enabled           json.RawMessage `json:"enabled,omitempty"`
	ExpressSuppressed json.RawMessage `json:"expressSupressed,omitempty"`
	Stations          []string        `json:"stations,omitempty"`
	Metadata          *wireMetadata   `json:"metadata,omitempty"`
}

type wireStation struct {
	Estado                  json.RawMessage `json:"estado,omitempty"`
	Descripcion             json.RawMessage `json:"descripcion,omitempty"`
	DescripcionApp          json.RawMessage `json:"descripcion_app,omitempty"`
	Enabled                 json.RawMessage `json:"enabled,omitempty"`
	TransferOperational     json.RawMessage `json:"isTransferOperational,omitempty"`
	AccessPointsOperational json.RawMessage `json:"accessPointsOperational,omitempty"`
	Metadata                *wireMetadata   `json:"metadata,omitempty"`
}

type wireDocument struct {
	Lines    map[string]wireLine    `json:"lines"`
	Stations map[string]wireStation `json:"stations"`
}

// EmptyDocument returns {lines:{}, stations:{}}.
func EmptyDocument() Document {
	return Document{Lines: map[string]LineOverride{}, Stations: map[string]StationOverride{}}
}

// Clone deep-copies the document.
func (d Document) Clone() Document {
	out := EmptyDocument()
	for id, l := range d.Lines {
		l.Stations = append([]string(nil), l.Stations...)
		out.Lines[id] = l
	}
	for id, s := range d.Stations {
		out.Stations[id] = s
	}
	return out
}

// LineIDs returns the line keys sorted.
func (d Document) LineIDs() []string {
	ids := make([]string, 0, len(d.Lines))
	for id := range d.Lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StationIDs returns the station keys sorted.
func (d Document) StationIDs() []string {
	ids := make([]string, 0, len(d.Stations))
	for id := range d.Stations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LinesListing returns the sorted line ids whose override lists the station.
func (d Document) LinesListing(stationID string) []string {
	var out []string
	for _, id := range d.LineIDs() {
		for _, code := range d.Lines[id].Stations {
			if code == stationID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (l LineOverride) MarshalJSON() ([]byte, error) {
	type out struct {
		Estado            string       `json:"estado"`
		Mensaje           string       `json:"mensaje"`
		MensajeApp        string       `json:"mensaje_app"`
		Enabled           bool         `json:"enabled"`
		ExpressSuppressed bool         `json:"expressSupressed"`
		Stations          []string     `json:"stations"`
		Metadata          wireMetadata `json:"metadata"`
	}
	stations := l.Stations
	if stations == nil {
		stations = []string{}
	}
	return json.Marshal(out{
		Estado:            strconv.Itoa(int(l.Status)),
		Mensaje:           l.Message,
		MensajeApp:        l.AppMessage,
		Enabled:           l.Enabled,
		ExpressSuppressed: l.ExpressSuppressed,
		Stations:          stations,
		Metadata:          metadataToWire(l.Metadata),
	})
}

func (s StationOverride) MarshalJSON() ([]byte, error) {
	type out struct {
		Estado                  string       `json:"estado"`
		Descripcion             string       `json:"descripcion"`
		DescripcionApp          string       `json:"descripcion_app"`
		Enabled                 bool         `json:"enabled"`
		TransferOperational     bool         `json:"isTransferOperational"`
		AccessPointsOperational bool         `json:"accessPointsOperational"`
		Metadata                wireMetadata `json:"metadata"`
	}
	return json.Marshal(out{
		Estado:                  strconv.Itoa(int(s.Status)),
		Descripcion:             s.Description,
		DescripcionApp:          s.AppDescription,
		Enabled:                 s.Enabled,
		TransferOperational:     s.TransferOperational,
		AccessPointsOperational: s.AccessPointsOperational,
		Metadata:                metadataToWire(s.Metadata),
	})
}

func metadataToWire(m change.Metadata) wireMetadata {
	w := wireMetadata{UpdatedBy: m.UpdatedBy}
	if !m.LastUpdated.IsZero() {
		w.LastUpdated = m.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	return w
}

// rawString mirrors a String(x) coercion: strings pass through, numbers and
// booleans are formatted, null and absent become "".
func rawString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// truthy coerces like a double negation: false, 0, "", null and absent are false.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "false", "null", "0", `""`, "0.0":
		return false
	}
	return true
}

// strictTrue is true only for a literal JSON true.
func strictTrue(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("true"))
}

func parseEstado(raw json.RawMessage) (status.Status, bool) {
	s := strings.TrimSpace(rawString(raw))
	if s == "" {
		return status.Operational, true
	}
	st, err := status.ParseStatus(s)
	if err != nil {
		return status.Operational, false
	}
	return st, true
}
