// Package diff compares two StackConfig documents and maps every
// changed leaf field to the services it affects, grounded on
// original_source/orchestrator/converge/diff.py.
package diff

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"orchestrator/internal/config"
)

// Change is one field-level configuration change.
type Change struct {
	Path             string
	OldValue         interface{}
	NewValue         interface{}
	AffectedServices []string
}

// Diff is the result of comparing two StackConfigs.
type Diff struct {
	Changes               []Change
	ServicesToRestart     []string
	ServicesToReconfigure []string
}

// HasChanges reports whether any leaf value differs between the two configs.
func (d Diff) HasChanges() bool {
	return len(d.Changes) > 0
}

// SummaryLines renders a human-readable description of the diff, one
// line per changed path plus the restart/reconfigure service sets.
func (d Diff) SummaryLines() []string {
	if !d.HasChanges() {
		return []string{"No changes detected"}
	}
	lines := make([]string, 0, len(d.Changes)+2)
	for _, c := range d.Changes {
		lines = append(lines, fmt.Sprintf("%s: %s -> %s", c.Path, formatValue(c.OldValue), formatValue(c.NewValue)))
	}
	if len(d.ServicesToRestart) > 0 {
		lines = append(lines, "Services to restart: "+strings.Join(d.ServicesToRestart, ", "))
	}
	if len(d.ServicesToReconfigure) > 0 {
		lines = append(lines, "Services to reconfigure: "+strings.Join(d.ServicesToReconfigure, ", "))
	}
	return lines
}

// allMediaServices is the fixed set of managed services, the pipeline
// worker included, that whole-tree changes restart; the orchestrator UI
// is never a restart target.
var allMediaServices = []string{"qbittorrent", "radarr", "sonarr", "prowlarr", "jellyfin", "jellyseerr", "pipeline"}

type impact struct {
	restart     []string
	reconfigure []string
}

// changeImpact maps a config path to the services a change there
// affects, and how. Longest-prefix matching resolves a path against
// this table: "services.radarr.port" is checked before
// "services.radarr" before "services".
var changeImpact = map[string]impact{
	"paths.pool":    {restart: allMediaServices},
	"paths.scratch": {restart: []string{"qbittorrent", "pipeline"}},
	"paths.appdata": {restart: []string{"qbittorrent", "radarr", "sonarr", "prowlarr", "jellyfin", "jellyseerr"}},

	"services.qbittorrent.port": {restart: []string{"qbittorrent"}, reconfigure: []string{"radarr", "sonarr"}},
	"services.radarr.port":      {restart: []string{"radarr"}, reconfigure: []string{"prowlarr", "jellyseerr"}},
	"services.sonarr.port":      {restart: []string{"sonarr"}, reconfigure: []string{"prowlarr", "jellyseerr"}},
	"services.prowlarr.port":    {restart: []string{"prowlarr"}},
	"services.jellyfin.port":    {restart: []string{"jellyfin"}, reconfigure: []string{"jellyseerr"}},
	"services.jellyseerr.port":  {restart: []string{"jellyseerr"}},

	"services.qbittorrent.enabled": {restart: []string{"qbittorrent"}, reconfigure: []string{"radarr", "sonarr"}},
	"services.radarr.enabled":      {restart: []string{"radarr"}, reconfigure: []string{"prowlarr", "jellyseerr"}},
	"services.sonarr.enabled":      {restart: []string{"sonarr"}, reconfigure: []string{"prowlarr", "jellyseerr"}},
	"services.prowlarr.enabled":    {restart: []string{"prowlarr"}},
	"services.jellyfin.enabled":    {restart: []string{"jellyfin"}, reconfigure: []string{"jellyseerr"}},
	"services.jellyseerr.enabled":  {restart: []string{"jellyseerr"}},
	"services.pipeline.enabled":    {restart: []string{"pipeline"}},

	"services.qbittorrent.username":            {reconfigure: []string{"qbittorrent"}},
	"services.qbittorrent.password":            {reconfigure: []string{"qbittorrent"}},
	"services.qbittorrent.stop_after_download": {reconfigure: []string{"qbittorrent"}},

	"services.prowlarr.language_filter": {reconfigure: []string{"prowlarr"}},

	"services.qbittorrent.proxy_url": {restart: []string{"qbittorrent"}},
	"services.radarr.proxy_url":      {restart: []string{"radarr"}},
	"services.sonarr.proxy_url":      {restart: []string{"sonarr"}},
	"services.prowlarr.proxy_url":    {restart: []string{"prowlarr"}},
	"services.jellyfin.proxy_url":    {restart: []string{"jellyfin"}},
	"services.jellyseerr.proxy_url":  {restart: []string{"jellyseerr"}},

	"download_policy": {reconfigure: []string{"qbittorrent", "radarr", "sonarr"}},
	"media_policy":     {reconfigure: []string{"pipeline"}},
	"quality":          {reconfigure: []string{"radarr", "sonarr"}},

	"proxy":   {restart: allMediaServices},
	"runtime": {restart: allMediaServices},

	"ui.port": {restart: []string{}},
}

// Compute compares old and new and returns the structured diff.
func Compute(old, new config.StackConfig) Diff {
	oldLeaves := map[string]interface{}{}
	newLeaves := map[string]interface{}{}
	flatten(reflect.ValueOf(old), "", oldLeaves)
	flatten(reflect.ValueOf(new), "", newLeaves)

	allPaths := map[string]bool{}
	for p := range oldLeaves {
		allPaths[p] = true
	}
	for p := range newLeaves {
		allPaths[p] = true
	}
	paths := make([]string, 0, len(allPaths))
	for p := range allPaths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var changes []Change
	restart := map[string]bool{}
	reconfigure := map[string]bool{}

	for _, path := range paths {
		oldVal, newVal := oldLeaves[path], newLeaves[path]
		if reflect.DeepEqual(oldVal, newVal) {
			continue
		}

		im := resolveImpact(path)
		affected := map[string]bool{}
		for _, s := range im.restart {
			affected[s] = true
			restart[s] = true
		}
		for _, s := range im.reconfigure {
			affected[s] = true
			reconfigure[s] = true
		}

		changes = append(changes, Change{
			Path:             path,
			OldValue:         oldVal,
			NewValue:         newVal,
			AffectedServices: sortedKeys(affected),
		})
	}

	// Services that need a restart don't also need separate
	// reconfigure — restart implies a full re-ensure cycle.
	for s := range restart {
		delete(reconfigure, s)
	}

	return Diff{
		Changes:               changes,
		ServicesToRestart:     sortedKeys(restart),
		ServicesToReconfigure: sortedKeys(reconfigure),
	}
}

func resolveImpact(path string) impact {
	parts := strings.Split(path, ".")
	for i := len(parts); i > 0; i-- {
		candidate := strings.Join(parts[:i], ".")
		if im, ok := changeImpact[candidate]; ok {
			return im
		}
	}
	return impact{}
}

// flatten walks a StackConfig (or any nested struct within it) using
// its yaml tags to build dot-separated leaf paths, mirroring
// diff.py's _flatten over a model_dump()'d dict. Inline-embedded
// structs (ServiceBase) do not add a path segment of their own.
// Slices are leaf values, not diffed element-by-element.
func flatten(v reflect.Value, prefix string, out map[string]interface{}) {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}
		name, inline := parseYAMLTag(field.Tag.Get("yaml"), field.Name)
		fv := v.Field(i)

		path := prefix
		if !inline {
			if prefix == "" {
				path = name
			} else {
				path = prefix + "." + name
			}
		}

		if fv.Kind() == reflect.Struct {
			flatten(fv, path, out)
			continue
		}
		out[path] = fv.Interface()
	}
}

func parseYAMLTag(tag, fieldName string) (name string, inline bool) {
	if tag == "" {
		return strings.ToLower(fieldName), false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	for _, opt := range parts[1:] {
		if opt == "inline" {
			inline = true
		}
	}
	if name == "" {
		name = strings.ToLower(fieldName)
	}
	return name, inline
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func formatValue(v interface{}) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case bool:
		if val {
			return "true"
		}
		return "false"
	case string:
		return fmt.Sprintf("%q", val)
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			n := rv.Len()
			if n == 0 {
				return "[]"
			}
			if n <= 3 {
				parts := make([]string, n)
				for i := 0; i < n; i++ {
					parts[i] = formatValue(rv.Index(i).Interface())
				}
				return "[" + strings.Join(parts, ", ") + "]"
			}
			return fmt.Sprintf("[%d items]", n)
		}
		return fmt.Sprintf("%v", v)
	}
}
