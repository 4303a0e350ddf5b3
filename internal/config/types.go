package config

// CurrentVersion is the highest config document version this build
// understands. Loaders reject any document whose Version field exceeds it.
const CurrentVersion = 1

// StackConfig is the root declarative document. It is versioned; readers
// must reject unknown major versions.
type StackConfig struct {
	Version        int            `yaml:"version"`
	Paths          Paths          `yaml:"paths"`
	Runtime        Runtime        `yaml:"runtime"`
	Services       Services       `yaml:"services"`
	DownloadPolicy DownloadPolicy `yaml:"download_policy"`
	MediaPolicy    MediaPolicy    `yaml:"media_policy"`
	Quality        Quality        `yaml:"quality"`
	Proxy          Proxy          `yaml:"proxy"`
	UI             UIConfig       `yaml:"ui"`
	Users          []UserEntry    `yaml:"users,omitempty"`
}

// Paths carries the three host directory roots the stack mounts into its
// containers. Pool and Appdata are required and absolute; Scratch is
// optional (defaults to pool/downloads when unset).
type Paths struct {
	Pool    string `yaml:"pool"`
	Scratch string `yaml:"scratch,omitempty"`
	Appdata string `yaml:"appdata"`
}

// Runtime carries the POSIX identity and timezone every managed container
// runs as.
type Runtime struct {
	UID      int    `yaml:"uid"`
	GID      int    `yaml:"gid"`
	Timezone string `yaml:"timezone"`
}

// ServiceBase is embedded by every per-service config entry.
type ServiceBase struct {
	Enabled  bool   `yaml:"enabled"`
	Port     int    `yaml:"port"`
	ProxyURL string `yaml:"proxy_url,omitempty"`
}

// QbittorrentConfig is the torrent client's service entry.
type QbittorrentConfig struct {
	ServiceBase       `yaml:",inline"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	StopAfterDownload bool   `yaml:"stop_after_download"`
}

// RadarrConfig / SonarrConfig are the two library manager entries. They
// carry no service-specific fields beyond ServiceBase.
type RadarrConfig struct {
	ServiceBase `yaml:",inline"`
}

type SonarrConfig struct {
	ServiceBase `yaml:",inline"`
}

// ProwlarrConfig is the indexer aggregator's service entry.
type ProwlarrConfig struct {
	ServiceBase    `yaml:",inline"`
	LanguageFilter bool `yaml:"language_filter"`
}

type JellyfinConfig struct {
	ServiceBase `yaml:",inline"`
}

type JellyseerrConfig struct {
	ServiceBase `yaml:",inline"`
}

// PipelineConfig has no host port — the pipeline worker is an internal
// loop, not an HTTP service.
type PipelineConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Services is the fixed map of managed services.
type Services struct {
	Qbittorrent QbittorrentConfig `yaml:"qbittorrent"`
	Radarr      RadarrConfig      `yaml:"radarr"`
	Sonarr      SonarrConfig      `yaml:"sonarr"`
	Prowlarr    ProwlarrConfig    `yaml:"prowlarr"`
	Jellyfin    JellyfinConfig    `yaml:"jellyfin"`
	Jellyseerr  JellyseerrConfig  `yaml:"jellyseerr"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

// DownloadCategories maps each managed library to the category label
// shared between the torrent client and the library managers.
type DownloadCategories struct {
	Radarr string `yaml:"radarr"`
	Sonarr string `yaml:"sonarr"`
	Anime  string `yaml:"anime"`
}

type DownloadPolicy struct {
	Categories DownloadCategories `yaml:"categories"`
}

// MediaPolicyEntry is an ordered pair of ISO-639-2 language lists: audio
// tracks to keep, subtitle tracks to keep. The literal token "forced" in
// the subtitle list means "also keep any track flagged forced".
type MediaPolicyEntry struct {
	KeepAudio []string `yaml:"keep_audio"`
	KeepSubs  []string `yaml:"keep_subs"`
}

// MediaPolicy carries one entry per content class. Anime is kept distinct
// from TV per the richer upstream variant (SPEC_FULL §9, decision 2).
type MediaPolicy struct {
	Movies MediaPolicyEntry `yaml:"movies"`
	TV     MediaPolicyEntry `yaml:"tv"`
	Anime  MediaPolicyEntry `yaml:"anime"`
}

type QualityPreset string

const (
	QualityPresetStandard QualityPreset = "standard"
	QualityPresetHigh     QualityPreset = "high"
	QualityPresetArchival QualityPreset = "archival"
)

type ResolutionPreset string

const (
	Resolution1080p ResolutionPreset = "1080p"
	Resolution2160p ResolutionPreset = "2160p"
	Resolution720p  ResolutionPreset = "720p"
)

type Quality struct {
	Preset     QualityPreset    `yaml:"preset"`
	Resolution ResolutionPreset `yaml:"resolution,omitempty"`
	MaxBitrate int              `yaml:"max_bitrate,omitempty"`
	Extension  string           `yaml:"extension"`
}

// Proxy configures the optional Traefik reverse proxy in front of every
// managed service.
type Proxy struct {
	Enabled         bool     `yaml:"enabled"`
	Image           string   `yaml:"image"`
	HTTPPort        int      `yaml:"http_port"`
	HTTPSPort       int      `yaml:"https_port"`
	Dashboard       bool     `yaml:"dashboard"`
	AdditionalArgs  []string `yaml:"additional_args,omitempty"`
}

type UIConfig struct {
	Port int `yaml:"port"`
}

type UserRole string

const (
	RoleOwner  UserRole = "owner"
	RoleAdmin  UserRole = "admin"
	RoleEditor UserRole = "editor"
	RoleViewer UserRole = "viewer"
)

type UserEntry struct {
	Username string   `yaml:"username"`
	Email    string   `yaml:"email,omitempty"`
	Role     UserRole `yaml:"role"`
}

// ValidRole reports whether r is one of the four known roles.
func (r UserRole) ValidRole() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer:
		return true
	default:
		return false
	}
}

// ServiceNames returns the fixed, ordered set of managed service names.
// This is the canonical ordering used by the dependency scheduler (§4.5).
func ServiceNames() []string {
	return []string{"qbittorrent", "radarr", "sonarr", "prowlarr", "jellyfin", "jellyseerr", "pipeline"}
}

// Enabled reports whether the named service is enabled in this config.
// Unknown names report false.
func (s Services) Enabled(name string) bool {
	switch name {
	case "qbittorrent":
		return s.Qbittorrent.Enabled
	case "radarr":
		return s.Radarr.Enabled
	case "sonarr":
		return s.Sonarr.Enabled
	case "prowlarr":
		return s.Prowlarr.Enabled
	case "jellyfin":
		return s.Jellyfin.Enabled
	case "jellyseerr":
		return s.Jellyseerr.Enabled
	case "pipeline":
		return s.Pipeline.Enabled
	default:
		return false
	}
}

// Port returns the configured host port for the named service, or 0 if
// the service has no port (pipeline) or the name is unknown.
func (s Services) Port(name string) int {
	switch name {
	case "qbittorrent":
		return s.Qbittorrent.Port
	case "radarr":
		return s.Radarr.Port
	case "sonarr":
		return s.Sonarr.Port
	case "prowlarr":
		return s.Prowlarr.Port
	case "jellyfin":
		return s.Jellyfin.Port
	case "jellyseerr":
		return s.Jellyseerr.Port
	default:
		return 0
	}
}
