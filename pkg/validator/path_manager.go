package validator

import (
	"sort"
	"strings"
)

// PathManager handles dotted field paths such as "anschluss.spannung".
type PathManager struct{}

// NewPathManager creates a new path manager instance
func NewPathManager() *PathManager {
	return &PathManager{}
}

// GetPathComponents splits a path into its components, dropping empty segments.
func (pm *PathManager) GetPathComponents(path string) []string {
	if strings.TrimSpace(path) == "" {
		return []string{}
	}
	var components []string
	for _, part := range strings.Split(path, ".") {
		part = strings.TrimSpace(part)
		if part != "" {
			components = append(components, part)
		}
	}
	return components
}

// Expand turns a flat map with dotted keys into nested maps. Keys are
// processed shortest first so "a" followed by "a.b" keeps the nested group;
// a scalar that collides with a group is kept under the group's "" key.
func (pm *PathManager) Expand(flat map[string]string) map[string]any {
	keys := make([]string, 0, len(flat))
	for key := range flat {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		di, dj := strings.Count(keys[i], "."), strings.Count(keys[j], ".")
		if di != dj {
			return di < dj
		}
		return keys[i] < keys[j]
	})

	out := make(map[string]any, len(flat))
	for _, key := range keys {
		components := pm.GetPathComponents(key)
		if len(components) == 0 {
			continue
		}
		pm.set(out, components, flat[key])
	}
	return out
}

func (pm *PathManager) set(target map[string]any, components []string, value string) {
	head := components[0]
	if len(components) == 1 {
		if group, ok := target[head].(map[string]any); ok {
			group[""] = value
			return
		}
		target[head] = value
		return
	}
	group, ok := target[head].(map[string]any)
	if !ok {
		group = map[string]any{}
		if scalar, isScalar := target[head].(string); isScalar && scalar != "" {
			group[""] = scalar
		}
		target[head] = group
	}
	pm.set(group, components[1:], value)
}
