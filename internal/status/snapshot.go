package status

import (
	"sort"
	"time"
)

type LineState struct {
	ID                string    `json:"id"`
	DisplayName       string    `json:"displayName"`
	Status            Status    `json:"status"`
	Message           string    `json:"message,omitempty"`
	AppMessage        string    `json:"appMessage,omitempty"`
	ExpressSuppressed bool      `json:"expressSuppressed"`
	Stations          []string  `json:"stations"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

type StationState struct {
	ID                      string    `json:"id"`
	DisplayName             string    `json:"displayName"`
	Line                    string    `json:"line"`
	Status                  Status    `json:"status"`
	Description             string    `json:"description,omitempty"`
	AppDescription          string    `json:"appDescription,omitempty"`
	TransferLines           []string  `json:"transferLines,omitempty"`
	TransferOperational     bool      `json:"transferOperational"`
	AccessPointsOperational bool      `json:"accessPointsOperational"`
	LastUpdated             time.Time `json:"lastUpdated"`
}

// Snapshot is the normalized state of the whole network at one poll.
// It is treated as immutable once handed to the detector.
type Snapshot struct {
	TakenAt  time.Time               `json:"takenAt"`
	Lines    map[string]LineState    `json:"lines"`
	Stations map[string]StationState `json:"stations"`
}

func NewSnapshot(at time.Time) Snapshot {
	return Snapshot{
		TakenAt:  at,
		Lines:    map[string]LineState{},
		Stations: map[string]StationState{},
	}
}

// LineIDs returns the line ids in sorted order.
func (s Snapshot) LineIDs() []string {
	out := make([]string, 0, len(s.Lines))
	for id := range s.Lines {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StationIDs returns the station ids in sorted order.
func (s Snapshot) StationIDs() []string {
	out := make([]string, 0, len(s.Stations))
	for id := range s.Stations {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StationStatus returns the station's status, or Operational when unknown.
func (s Snapshot) StationStatus(id string) Status {
	if st, ok := s.Stations[id]; ok {
		return st.Status
	}
	return Operational
}

// StationName returns the display name or the id when the station is unknown.
func (s Snapshot) StationName(id string) string {
	if st, ok := s.Stations[id]; ok && st.DisplayName != "" {
		return st.DisplayName
	}
	return id
}

// LineOf returns the line that lists the station, checking the station record first.
func (s Snapshot) LineOf(stationID string) string {
	if st, ok := s.Stations[stationID]; ok && st.Line != "" {
		return st.Line
	}
	for _, id := range s.LineIDs() {
		for _, code := range s.Lines[id].Stations {
			if code == stationID {
				return id
			}
		}
	}
	return ""
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		TakenAt:  s.TakenAt,
		Lines:    make(map[string]LineState, len(s.Lines)),
		Stations: make(map[string]StationState, len(s.Stations)),
	}
	for id, l := range s.Lines {
		l.Stations = append([]string(nil), l.Stations...)
		out.Lines[id] = l
	}
	for id, st := range s.Stations {
		st.TransferLines = append([]string(nil), st.TransferLines...)
		out.Stations[id] = st
	}
	return out
}

func (s Snapshot) Empty() bool { return len(s.Lines) == 0 && len(s.Stations) == 0 }
