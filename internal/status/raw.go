package status

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// RawNetwork is the feed payload keyed by line id, before topology is merged in.
type RawNetwork map[string]RawLine

type RawLine struct {
	Name              string       `json:"nombre"`
	Status            Status       `json:"estado"`
	Message           string       `json:"mensaje"`
	AppMessage        string       `json:"mensaje_app"`
	ExpressSuppressed bool         `json:"expressSupressed,omitempty"`
	Stations          []RawStation `json:"estaciones"`
}

type RawStation struct {
	Code                    string       `json:"codigo"`
	Name                    string       `json:"nombre"`
	Status                  Status       `json:"estado"`
	Description             string       `json:"descripcion"`
	AppDescription          string       `json:"descripcion_app"`
	Transfer                TransferList `json:"combinacion,omitempty"`
	TransferOperational     *bool        `json:"isTransferOperational,omitempty"`
	AccessPointsOperational *bool        `json:"accessPointsOperational,omitempty"`
}

// UnmarshalJSON treats a line without "estado" as operational.
func (l *RawLine) UnmarshalJSON(b []byte) error {
	type wire RawLine
	w := wire{Status: Operational}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*l = RawLine(w)
	return nil
}

// UnmarshalJSON treats a station without "estado" as operational.
func (s *RawStation) UnmarshalJSON(b []byte) error {
	type wire RawStation
	w := wire{Status: Operational}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = RawStation(w)
	return nil
}

// TransferList accepts either a single line ("L1") or a list of lines.
type TransferList []string

func (t *TransferList) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*t = NormalizeLineSet(list)
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	parts := strings.FieldsFunc(one, func(r rune) bool { return r == ',' || r == ' ' || r == '/' })
	*t = NormalizeLineSet(parts)
	return nil
}

// ParseRaw decodes a feed payload. Line ids and station codes are normalized here
// so that nothing downstream sees the loose forms.
func ParseRaw(data []byte) (RawNetwork, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	var in map[string]RawLine
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode raw payload: %w", err)
	}
	out := make(RawNetwork, len(in))
	for id, line := range in {
		lid := NormalizeLineID(id)
		if lid == "" {
			continue
		}
		for i := range line.Stations {
			line.Stations[i].Code = NormalizeStationID(line.Stations[i].Code)
		}
		out[lid] = line
	}
	return out, nil
}

// Clone deep-copies the payload.
func (r RawNetwork) Clone() RawNetwork {
	out := make(RawNetwork, len(r))
	for id, line := range r {
		stations := make([]RawStation, len(line.Stations))
		for i, st := range line.Stations {
			st.Transfer = append(TransferList(nil), st.Transfer...)
			st.TransferOperational = cloneBool(st.TransferOperational)
			st.AccessPointsOperational = cloneBool(st.AccessPointsOperational)
			stations[i] = st
		}
		line.Stations = stations
		out[id] = line
	}
	return out
}

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}
