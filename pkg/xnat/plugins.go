package xnat

import (
	"context"
	"fmt"
	"sort"
)

// Plugin describes an installed XNAT plugin.
type Plugin struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	PluginClass string `json:"pluginClass"`
	Description string `json:"description,omitempty"`
}

// Plugins returns the installed plugins keyed by id.
func (s *Session) Plugins(ctx context.Context) (map[string]Plugin, error) {
	plugins := map[string]Plugin{}
	if err := s.getJSON(ctx, pathPlugins, nil, &plugins); err != nil {
		return nil, fmt.Errorf("listing plugins: %w", err)
	}
	return plugins, nil
}

// Plugin returns one installed plugin. A missing plugin is reported with an
// error for which IsNotFound is true.
func (s *Session) Plugin(ctx context.Context, id string) (Plugin, error) {
	p, err := expand(tmplPlugin, "plugin", id)
	if err != nil {
		return Plugin{}, err
	}
	var plugin Plugin
	if err := s.getJSON(ctx, p, nil, &plugin); err != nil {
		return Plugin{}, fmt.Errorf("reading plugin %s: %w", id, err)
	}
	return plugin, nil
}

// PluginIDs returns the installed plugin ids in sorted order.
func PluginIDs(plugins map[string]Plugin) []string {
	ids := make([]string, 0, len(plugins))
	for id := range plugins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
