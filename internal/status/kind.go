package status

import "fmt"

// TargetKind is the closed set of elements that carry a status.
type TargetKind uint8

const (
	TargetLine TargetKind = iota + 1
	TargetStation
)

type kindInfo struct {
	name       string
	storageKey string
}

// kindTable maps each kind to its name and the key of its collection in the
// override document and the change log.
var kindTable = map[TargetKind]kindInfo{
	TargetLine:    {name: "line", storageKey: "lines"},
	TargetStation: {name: "station", storageKey: "stations"},
}

func (k TargetKind) String() string {
	if info, ok := kindTable[k]; ok {
		return info.name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// StorageKey returns the collection key for k ("lines", "stations").
func (k TargetKind) StorageKey() string { return kindTable[k].storageKey }

func ParseTargetKind(s string) (TargetKind, error) {
	for k, info := range kindTable {
		if info.name == s || info.storageKey == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown target kind %q", s)
}

func (k TargetKind) MarshalText() ([]byte, error) {
	if _, ok := kindTable[k]; !ok {
		return nil, fmt.Errorf("unknown target kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *TargetKind) UnmarshalText(b []byte) error {
	v, err := ParseTargetKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}
