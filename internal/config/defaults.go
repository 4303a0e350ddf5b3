package config

// Default internal container ports for the managed services, grounded on
// original_source/orchestrator/models.py's per-service pydantic defaults.
const (
	DefaultQbittorrentPort = 8080
	DefaultRadarrPort      = 7878
	DefaultSonarrPort      = 8989
	DefaultProwlarrPort    = 9696
	DefaultJellyfinPort    = 8096
	DefaultJellyseerrPort  = 5055
	DefaultUIPort          = 8443
)

// Default reverse-proxy (Traefik) ports and image.
const (
	DefaultProxyHTTPPort  = 80
	DefaultProxyHTTPSPort = 443
	DefaultProxyImage     = "traefik:v3.1"
)

// DefaultConfig returns a fresh StackConfig populated with the same
// defaults as the upstream pydantic model tree.
func DefaultConfig() StackConfig {
	return StackConfig{
		Version: CurrentVersion,
		Runtime: Runtime{
			UID:      1000,
			GID:      1000,
			Timezone: "UTC",
		},
		Services: Services{
			Qbittorrent: QbittorrentConfig{
				ServiceBase: ServiceBase{Enabled: true, Port: DefaultQbittorrentPort},
			},
			Radarr: RadarrConfig{
				ServiceBase: ServiceBase{Enabled: true, Port: DefaultRadarrPort},
			},
			Sonarr: SonarrConfig{
				ServiceBase: ServiceBase{Enabled: true, Port: DefaultSonarrPort},
			},
			Prowlarr: ProwlarrConfig{
				ServiceBase:    ServiceBase{Enabled: true, Port: DefaultProwlarrPort},
				LanguageFilter: true,
			},
			Jellyfin: JellyfinConfig{
				ServiceBase: ServiceBase{Enabled: true, Port: DefaultJellyfinPort},
			},
			Jellyseerr: JellyseerrConfig{
				ServiceBase: ServiceBase{Enabled: true, Port: DefaultJellyseerrPort},
			},
			Pipeline: PipelineConfig{Enabled: true},
		},
		DownloadPolicy: DownloadPolicy{
			Categories: DownloadCategories{
				Radarr: "movies",
				Sonarr: "tv",
				Anime:  "anime",
			},
		},
		MediaPolicy: MediaPolicy{
			Movies: MediaPolicyEntry{KeepAudio: []string{"eng", "und"}, KeepSubs: []string{"eng"}},
			TV:     MediaPolicyEntry{KeepAudio: []string{"eng", "und"}, KeepSubs: []string{"eng"}},
			Anime:  MediaPolicyEntry{KeepAudio: []string{"jpn", "eng", "und"}, KeepSubs: []string{"eng"}},
		},
		Quality: Quality{
			Preset:    QualityPresetStandard,
			Extension: "mkv",
		},
		Proxy: Proxy{
			Enabled:   false,
			Image:     DefaultProxyImage,
			HTTPPort:  DefaultProxyHTTPPort,
			HTTPSPort: DefaultProxyHTTPSPort,
		},
		UI: UIConfig{Port: DefaultUIPort},
	}
}
