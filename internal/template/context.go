package template

import "orchestrator/internal/config"

// ServiceView is the per-service projection handed to templates: the
// fields a compose/env template needs, independent of which concrete
// config struct backs it.
type ServiceView struct {
	Name    string
	Enabled bool
	Port    int
	Image   string
}

// Context is the full set of data available to a render. It mirrors
// the original renderer's dict of {config, secrets} but as a typed
// struct so a bad field reference fails the render with an execution
// error rather than silently rendering "<no value>".
type Context struct {
	Config   config.StackConfig
	Services []ServiceView
	Secrets  map[string]map[string]string
	Hash     string
}

// images maps each managed service to the container image the
// generated compose file runs it from.
var images = map[string]string{
	"qbittorrent": "lscr.io/linuxserver/qbittorrent:latest",
	"radarr":      "lscr.io/linuxserver/radarr:latest",
	"sonarr":      "lscr.io/linuxserver/sonarr:latest",
	"prowlarr":    "lscr.io/linuxserver/prowlarr:latest",
	"jellyfin":    "lscr.io/linuxserver/jellyfin:latest",
	"jellyseerr":  "fallenbagel/jellyseerr:latest",
}

// BuildContext assembles the render context for cfg and the current
// secrets snapshot. hash is a caller-supplied fingerprint of cfg (the
// apply runner derives it from the version and path roots) carried
// through so templates can stamp it into their output; the env
// template writes it as CONFIG_HASH.
func BuildContext(cfg config.StackConfig, secrets map[string]map[string]string, hash string) Context {
	names := config.ServiceNames()
	services := make([]ServiceView, 0, len(names))
	for _, name := range names {
		if name == "pipeline" {
			continue
		}
		services = append(services, ServiceView{
			Name:    name,
			Enabled: cfg.Services.Enabled(name),
			Port:    cfg.Services.Port(name),
			Image:   images[name],
		})
	}

	if secrets == nil {
		secrets = map[string]map[string]string{}
	}

	return Context{Config: cfg, Services: services, Secrets: secrets, Hash: hash}
}

// MergeContexts merges multiple string-keyed maps into one, with later
// maps overriding earlier ones on key collision. Used by callers that
// build auxiliary template data (e.g. env var overlays) outside the
// main Context struct.
func MergeContexts(contexts ...map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	for _, ctx := range contexts {
		for key, value := range ctx {
			result[key] = value
		}
	}
	return result
}
