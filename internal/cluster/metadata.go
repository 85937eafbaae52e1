package cluster

import (
	"encoding/json"
	"reflect"
	"sort"

	"golang.org/x/exp/maps"
)

type IndexState string

const (
	IndexOpen  IndexState = "open"
	IndexClose IndexState = "close"
)

// Settings is a flat map of index setting keys to their string values.
type Settings map[string]string

// Get returns the value for key and whether it is set.
func (s Settings) Get(key string) (string, bool) {
	v, ok := s[key]
	return v, ok
}

// Equal reports whether both settings hold exactly the same keys and values.
// A nil Settings equals an empty one.
func (s Settings) Equal(other Settings) bool {
	return maps.Equal(s, other)
}

// Filter returns the settings whose key satisfies keep.
func (s Settings) Filter(keep func(key string) bool) Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		if keep(k) {
			out[k] = v
		}
	}
	return out
}

// Keys returns the setting keys sorted.
func (s Settings) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s Settings) Clone() Settings {
	return maps.Clone(s)
}

// MappingMetadata is the full mapping of an index.
type MappingMetadata struct {
	Source map[string]any `json:"source"`
}

func (m *MappingMetadata) Clone() *MappingMetadata {
	if m == nil {
		return nil
	}
	return &MappingMetadata{Source: cloneSource(m.Source)}
}

// AliasMetadata describes one alias pointing at an index.
//
// WriteIndex is a pointer so that "unset" can be distinguished from "false".
// Follower indices always carry an explicit false.
type AliasMetadata struct {
	Alias         string `json:"alias"`
	Filter        string `json:"filter,omitempty"`
	IndexRouting  string `json:"index_routing,omitempty"`
	SearchRouting string `json:"search_routing,omitempty"`
	WriteIndex    *bool  `json:"is_write_index,omitempty"`
}

// Equal compares all fields including the write index flag.
func (a AliasMetadata) Equal(b AliasMetadata) bool {
	if a.Alias != b.Alias || a.Filter != b.Filter ||
		a.IndexRouting != b.IndexRouting || a.SearchRouting != b.SearchRouting {
		return false
	}
	switch {
	case a.WriteIndex == nil && b.WriteIndex == nil:
		return true
	case a.WriteIndex == nil || b.WriteIndex == nil:
		return false
	default:
		return *a.WriteIndex == *b.WriteIndex
	}
}

// IndexMetadata is the cluster-state view of one index.
type IndexMetadata struct {
	Index           Index                        `json:"index"`
	State           IndexState                   `json:"state"`
	NumberOfShards  int                          `json:"number_of_shards"`
	Settings        Settings                     `json:"settings"`
	Mapping         *MappingMetadata             `json:"mapping,omitempty"`
	Aliases         map[string]AliasMetadata     `json:"aliases,omitempty"`
	MappingVersion  int64                        `json:"mapping_version"`
	SettingsVersion int64                        `json:"settings_version"`
	AliasesVersion  int64                        `json:"aliases_version"`
	Custom          map[string]map[string]string `json:"custom,omitempty"`
}

// CustomData returns the custom metadata stored under key, or nil.
func (m *IndexMetadata) CustomData(key string) map[string]string {
	if m.Custom == nil {
		return nil
	}
	return m.Custom[key]
}

// Clone returns a deep copy so callers can mutate it without touching a
// published snapshot.
func (m *IndexMetadata) Clone() *IndexMetadata {
	if m == nil {
		return nil
	}
	out := *m
	out.Settings = m.Settings.Clone()
	out.Mapping = m.Mapping.Clone()
	if m.Aliases != nil {
		out.Aliases = make(map[string]AliasMetadata, len(m.Aliases))
		for k, v := range m.Aliases {
			if v.WriteIndex != nil {
				w := *v.WriteIndex
				v.WriteIndex = &w
			}
			out.Aliases[k] = v
		}
	}
	if m.Custom != nil {
		out.Custom = make(map[string]map[string]string, len(m.Custom))
		for k, v := range m.Custom {
			out.Custom[k] = maps.Clone(v)
		}
	}
	return &out
}

// MappingEqual reports whether two mapping sources are structurally equal.
func MappingEqual(a, b *MappingMetadata) bool {
	if a == nil || b == nil {
		return a == b
	}
	return reflect.DeepEqual(normalize(a.Source), normalize(b.Source))
}

func cloneSource(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	b, err := json.Marshal(src)
	if err != nil {
		return maps.Clone(src)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return maps.Clone(src)
	}
	return out
}

// normalize round-trips through JSON so that numeric types compare equal
// regardless of how the map was built.
func normalize(src map[string]any) map[string]any {
	return cloneSource(src)
}

// Metadata holds every index known to a cluster, keyed by index name.
type Metadata struct {
	Indices map[string]*IndexMetadata `json:"indices"`
}

// Index returns the metadata for idx only if the UUID matches.
func (m Metadata) Index(idx Index) *IndexMetadata {
	md, ok := m.Indices[idx.Name]
	if !ok || (idx.UUID != "" && md.Index.UUID != idx.UUID) {
		return nil
	}
	return md
}

// IndexSafe is like Index but fails with KindIndexNotFound.
func (m Metadata) IndexSafe(idx Index) (*IndexMetadata, error) {
	md := m.Index(idx)
	if md == nil {
		return nil, Errorf(KindIndexNotFound, "no such index %s", idx)
	}
	return md, nil
}

// State is an immutable snapshot of a cluster. Producers must never mutate
// a State after publishing it.
type State struct {
	ClusterName string       `json:"cluster_name"`
	Version     int64        `json:"version"`
	Nodes       []NodeInfo   `json:"nodes"`
	Metadata    Metadata     `json:"metadata"`
	Routing     RoutingTable `json:"routing"`
}

// Node looks up a node by id.
func (s *State) Node(id string) (NodeInfo, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeInfo{}, false
}
