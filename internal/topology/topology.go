// Package topology merges the static network description (line names,
// canonical station order, station names, transfers) into the raw feed to build
// normalized snapshots.
package topology

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	"metrobot/internal/status"
)

// Topology is the static description of the network.
type Topology struct {
	Lines    map[string]Line    `yaml:"lines"`
	Stations map[string]Station `yaml:"stations"`
}

type Line struct {
	Name     string   `yaml:"name"`
	Stations []string `yaml:"stations"`
}

type Station struct {
	Name      string   `yaml:"name"`
	Transfers []string `yaml:"transfers"`
}

// Load reads a YAML topology file. An empty path yields an empty topology.
func Load(path string) (Topology, error) {
	if strings.TrimSpace(path) == "" {
		return Topology{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	return Parse(b)
}

// Parse decodes and normalizes a YAML topology. Unknown keys are rejected.
func Parse(data []byte) (Topology, error) {
	var raw Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Topology{}, fmt.Errorf("decode topology: %w", err)
	}

	out := Topology{
		Lines:    make(map[string]Line, len(raw.Lines)),
		Stations: make(map[string]Station, len(raw.Stations)),
	}
	for id, l := range raw.Lines {
		lid := status.NormalizeLineID(id)
		if !status.ValidLineID(lid) {
			return Topology{}, fmt.Errorf("topology: invalid line id %q", id)
		}
		if _, dup := out.Lines[lid]; dup {
			return Topology{}, fmt.Errorf("topology: line %q declared twice", lid)
		}
		order := make([]string, 0, len(l.Stations))
		seen := make(map[string]struct{}, len(l.Stations))
		for _, code := range l.Stations {
			sid := status.NormalizeStationID(code)
			if sid == "" {
				continue
			}
			if _, dup := seen[sid]; dup {
				return Topology{}, fmt.Errorf("topology: station %q repeated on %s", sid, lid)
			}
			seen[sid] = struct{}{}
			order = append(order, sid)
		}
		out.Lines[lid] = Line{Name: strings.TrimSpace(l.Name), Stations: order}
	}
	for code, st := range raw.Stations {
		sid := status.NormalizeStationID(code)
		if sid == "" {
			continue
		}
		out.Stations[sid] = Station{
			Name:      strings.TrimSpace(st.Name),
			Transfers: status.NormalizeLineSet(st.Transfers),
		}
	}
	return out, nil
}

// Combiner builds snapshots from raw payloads.
type Combiner struct {
	topo Topology
}

func NewCombiner(topo Topology) *Combiner {
	return &Combiner{topo: topo}
}

// Combine returns the normalized snapshot for raw taken at at.
//
// Station order follows the topology; stations the topology does not list keep
// their feed order after the known ones. A station listed by several lines is
// owned by the first line in id order. Missing operational flags default to true.
func (c *Combiner) Combine(raw status.RawNetwork, at time.Time) status.Snapshot {
	snap := status.NewSnapshot(at)

	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, lid := range ids {
		rl := raw[lid]
		tl := c.topo.Lines[lid]

		byCode := make(map[string]status.RawStation, len(rl.Stations))
		var feedOrder []string
		for _, rs := range rl.Stations {
			code := status.NormalizeStationID(rs.Code)
			if code == "" {
				continue
			}
			if _, dup := byCode[code]; !dup {
				feedOrder = append(feedOrder, code)
			}
			byCode[code] = rs
		}

		order := make([]string, 0, len(feedOrder))
		placed := make(map[string]struct{}, len(feedOrder))
		for _, code := range tl.Stations {
			if _, ok := byCode[code]; ok {
				order = append(order, code)
				placed[code] = struct{}{}
			}
		}
		for _, code := range feedOrder {
			if _, ok := placed[code]; !ok {
				order = append(order, code)
			}
		}

		snap.Lines[lid] = status.LineState{
			ID:                lid,
			DisplayName:       firstNonEmpty(tl.Name, rl.Name, "Línea "+strings.TrimPrefix(lid, "l")),
			Status:            rl.Status,
			Message:           rl.Message,
			AppMessage:        rl.AppMessage,
			ExpressSuppressed: rl.ExpressSuppressed,
			Stations:          order,
			LastUpdated:       at,
		}

		for _, code := range order {
			if _, owned := snap.Stations[code]; owned {
				continue
			}
			rs := byCode[code]
			ts := c.topo.Stations[code]
			snap.Stations[code] = status.StationState{
				ID:                      code,
				DisplayName:             firstNonEmpty(ts.Name, rs.Name, code),
				Line:                    lid,
				Status:                  rs.Status,
				Description:             rs.Description,
				AppDescription:          rs.AppDescription,
				TransferLines:           transfers(lid, rs.Transfer, ts.Transfers),
				TransferOperational:     flag(rs.TransferOperational),
				AccessPointsOperational: flag(rs.AccessPointsOperational),
				LastUpdated:             at,
			}
		}
	}
	return snap
}

func transfers(own string, feed, static []string) []string {
	all := status.NormalizeLineSet(append(append([]string(nil), feed...), static...))
	out := all[:0]
	for _, l := range all {
		if l != own {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func flag(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
