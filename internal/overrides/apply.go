package overrides

import (
	"sort"

	"metrobot/internal/status"
	logx "metrobot/pkg/logx"
)

// Apply returns a copy of raw with every enabled override applied. Station
// overrides apply wherever the station appears, on every line.
func (s *Store) Apply(raw status.RawNetwork) status.RawNetwork {
	s.mu.RLock()
	doc := s.doc
	s.mu.RUnlock()
	return applyDocument(doc, raw, s.log)
}

func applyDocument(doc Document, raw status.RawNetwork, log logx.Logger) status.RawNetwork {
	out := raw.Clone()

	for _, id := range doc.LineIDs() {
		o := doc.Lines[id]
		if !o.Enabled {
			continue
		}
		line, ok := out[id]
		if !ok {
			log.Debug("line override skipped", logx.String("line", id), logx.Err(ErrNotFound))
			continue
		}
		line.Status = o.Status
		if o.Message != "" {
			line.Message = o.Message
		}
		if o.AppMessage != "" {
			line.AppMessage = o.AppMessage
		}
		line.ExpressSuppressed = o.ExpressSuppressed
		out[id] = line
	}

	lineIDs := make([]string, 0, len(out))
	for id := range out {
		lineIDs = append(lineIDs, id)
	}
	sort.Strings(lineIDs)

	for _, code := range doc.StationIDs() {
		o := doc.Stations[code]
		if !o.Enabled {
			continue
		}
		found := false
		for _, lid := range lineIDs {
			line := out[lid]
			for i := range line.Stations {
				st := &line.Stations[i]
				if st.Code != code {
					continue
				}
				found = true
				st.Status = o.Status
				if o.Description != "" {
					st.Description = o.Description
				}
				if o.AppDescription != "" {
					st.AppDescription = o.AppDescription
				}
				transfer, access := o.TransferOperational, o.AccessPointsOperational
				st.TransferOperational = &transfer
				st.AccessPointsOperational = &access
			}
		}
		if !found {
			log.Debug("station override skipped", logx.String("station", code), logx.Err(ErrNotFound))
		}
	}
	return out
}
