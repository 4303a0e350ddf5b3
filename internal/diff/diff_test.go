package diff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
)

func baseConfig() config.StackConfig {
	var cfg config.StackConfig
	cfg.Version = 1
	cfg.Paths.Pool = "/mnt/pool"
	cfg.Paths.Appdata = "/mnt/pool/appdata"
	cfg.Services.Qbittorrent.Enabled = true
	cfg.Services.Qbittorrent.Port = 8080
	cfg.Services.Radarr.Enabled = true
	cfg.Services.Radarr.Port = 7878
	cfg.Services.Prowlarr.LanguageFilter = true
	return cfg
}

func TestCompute_NoChanges(t *testing.T) {
	cfg := baseConfig()
	d := Compute(cfg, cfg)
	assert.False(t, d.HasChanges())
	assert.Empty(t, d.ServicesToRestart)
	assert.Empty(t, d.ServicesToReconfigure)
	assert.Equal(t, []string{"No changes detected"}, d.SummaryLines())
}

func TestCompute_PortChangeRestartsOwnerReconfiguresDependents(t *testing.T) {
	old := baseConfig()
	updated := old
	updated.Services.Radarr.Port = 7879

	d := Compute(old, updated)
	require.True(t, d.HasChanges())
	require.Len(t, d.Changes, 1)
	assert.Equal(t, "services.radarr.port", d.Changes[0].Path)
	assert.Equal(t, 7878, d.Changes[0].OldValue)
	assert.Equal(t, 7879, d.Changes[0].NewValue)
	assert.ElementsMatch(t, []string{"jellyseerr", "prowlarr", "radarr"}, d.Changes[0].AffectedServices)

	assert.Equal(t, []string{"radarr"}, d.ServicesToRestart)
	assert.ElementsMatch(t, []string{"jellyseerr", "prowlarr"}, d.ServicesToReconfigure)
}

func TestCompute_PoolPathChangeRestartsEverything(t *testing.T) {
	old := baseConfig()
	updated := old
	updated.Paths.Pool = "/mnt/other-pool"

	d := Compute(old, updated)
	require.Len(t, d.Changes, 1)
	assert.ElementsMatch(t, allMediaServices, d.ServicesToRestart)
	assert.Empty(t, d.ServicesToReconfigure)
}

func TestCompute_RestartWinsOverReconfigureForSameService(t *testing.T) {
	old := baseConfig()
	old.Services.Qbittorrent.Port = 8080
	updated := old
	// Changing qbittorrent's port restarts qbittorrent and reconfigures
	// radarr/sonarr; changing radarr's port as well restarts radarr.
	// Verify a service in the restart set is not also left in
	// reconfigure.
	updated.Services.Qbittorrent.Port = 8081
	updated.Services.Radarr.Port = 7879

	d := Compute(old, updated)
	assert.Contains(t, d.ServicesToRestart, "radarr")
	assert.NotContains(t, d.ServicesToReconfigure, "radarr")
}

func TestCompute_LanguageFilterOnlyReconfiguresProwlarr(t *testing.T) {
	old := baseConfig()
	updated := old
	updated.Services.Prowlarr.LanguageFilter = false

	d := Compute(old, updated)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, "services.prowlarr.language_filter", d.Changes[0].Path)
	assert.Empty(t, d.ServicesToRestart)
	assert.Equal(t, []string{"prowlarr"}, d.ServicesToReconfigure)
}

func TestCompute_DownloadPolicyNestedFieldUsesPrefixMatch(t *testing.T) {
	old := baseConfig()
	updated := old
	updated.DownloadPolicy.Categories.Radarr = "movies-4k"

	d := Compute(old, updated)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, "download_policy.categories.radarr", d.Changes[0].Path)
	assert.ElementsMatch(t, []string{"qbittorrent", "radarr", "sonarr"}, d.Changes[0].AffectedServices)
	assert.ElementsMatch(t, []string{"qbittorrent", "radarr", "sonarr"}, d.ServicesToReconfigure)
}

func TestCompute_UIPortChangeAffectsNoService(t *testing.T) {
	old := baseConfig()
	updated := old
	updated.UI.Port = 9999

	d := Compute(old, updated)
	require.Len(t, d.Changes, 1)
	assert.Empty(t, d.Changes[0].AffectedServices)
	assert.Empty(t, d.ServicesToRestart)
	assert.Empty(t, d.ServicesToReconfigure)
}

func TestCompute_SliceFieldTreatedAsAtomicLeaf(t *testing.T) {
	old := baseConfig()
	old.MediaPolicy.Movies.KeepAudio = []string{"eng"}
	updated := old
	updated.MediaPolicy.Movies.KeepAudio = []string{"eng", "jpn"}

	d := Compute(old, updated)
	require.Len(t, d.Changes, 1)
	assert.Equal(t, "media_policy.movies.keep_audio", d.Changes[0].Path)
	assert.Equal(t, []string{"pipeline"}, d.ServicesToReconfigure)
}

func TestResolveImpact_LongestPrefixWins(t *testing.T) {
	im := resolveImpact("services.radarr.port")
	assert.Equal(t, []string{"radarr"}, im.restart)

	im = resolveImpact("services.radarr.proxy_url")
	assert.Equal(t, []string{"radarr"}, im.restart)

	im = resolveImpact("quality.resolution")
	assert.Equal(t, []string{"radarr", "sonarr"}, im.reconfigure)
}

func TestSummaryLines_IncludesPathAndServiceSets(t *testing.T) {
	old := baseConfig()
	updated := old
	updated.Services.Radarr.Port = 7879

	lines := Compute(old, updated).SummaryLines()
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "services.radarr.port")
	found := false
	for _, l := range lines {
		if l == "Services to restart: radarr" {
			found = true
		}
	}
	assert.True(t, found)
}
