package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
)

func newSonarrTestClient(t *testing.T, srv *httptest.Server) (*SonarrClient, *config.Store) {
	t.Helper()
	appdata := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(appdata, sonarrSubsystem), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(appdata, sonarrSubsystem, "config.xml"),
		[]byte("<Config><ApiKey>sonarr-api-key</ApiKey></Config>"),
		0o644,
	))

	cfg := config.StackConfig{}
	cfg.Paths.Appdata = appdata
	cfg.Services.Sonarr.Port = serverPort(t, srv)
	cfg.Services.Qbittorrent.Port = 18080
	cfg.DownloadPolicy.Categories.Sonarr = "tv"

	store := config.NewStore(t.TempDir())
	return NewSonarrClient(cfg, store), store
}

func TestSonarrClient_Ensure_SyncsHostSettingsAndCreatesFolders(t *testing.T) {
	var hostConfigPut map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/system/status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"version":"4.0.0"}`))
	})
	mux.HandleFunc("/api/v3/config/host", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"authenticationMethod":"none","authenticationRequired":"disabledForLocalAddresses","analyticsEnabled":true,"username":""}`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &hostConfigPut)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v3/rootfolder", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`[]`))
		case http.MethodPost:
			w.Write([]byte(`{"id": 11}`))
		}
	})
	mux.HandleFunc("/api/v3/qualityprofile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 1, "name": "HD-1080p"}]`))
	})
	mux.HandleFunc("/api/v3/languageprofile", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id": 1, "name": "English"}]`))
	})
	mux.HandleFunc("/api/v3/downloadclient", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id": 21}`))
			return
		}
		w.Write([]byte(`[]`))
	})
	mux.HandleFunc("/api/v3/downloadclient/schema", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"implementation": "QBitTorrent", "fields": [{"name": "host"}, {"name": "port"}, {"name": "category"}]}]`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, store := newSonarrTestClient(t, srv)
	detail, err := client.Ensure(context.Background())
	require.NoError(t, err)
	assert.Contains(t, detail, "online (v4.0.0)")
	assert.Contains(t, detail, "ui credentials synced")

	require.NotNil(t, hostConfigPut)
	assert.Equal(t, "forms", hostConfigPut["authenticationMethod"])
	assert.Equal(t, "enabled", hostConfigPut["authenticationRequired"])
	assert.Equal(t, false, hostConfigPut["analyticsEnabled"])

	services, err := store.LoadServices()
	require.NoError(t, err)
	assert.EqualValues(t, 11, services[sonarrSubsystem]["root_tv_id"])
	assert.EqualValues(t, 11, services[sonarrSubsystem]["root_anime_id"])
	assert.EqualValues(t, 21, services[sonarrSubsystem]["download_client_id"])
}

func TestSelectQualityProfileID_MatchesResolutionToken(t *testing.T) {
	profiles := []map[string]interface{}{
		{"id": float64(1), "name": "SD"},
		{"id": float64(2), "name": "HD-1080p"},
	}
	quality := config.Quality{Resolution: config.Resolution1080p}
	assert.Equal(t, 2, selectQualityProfileID(profiles, quality))
}

func TestSelectQualityProfileID_FallsBackToFirst(t *testing.T) {
	profiles := []map[string]interface{}{{"id": float64(5), "name": "Any"}}
	assert.Equal(t, 5, selectQualityProfileID(profiles, config.Quality{}))
}

func TestSelectLanguageProfileID_MatchesPreferredAudio(t *testing.T) {
	profiles := []map[string]interface{}{
		{"id": float64(1), "name": "English"},
		{"id": float64(2), "name": "Japanese"},
	}
	assert.Equal(t, 2, selectLanguageProfileID(profiles, []string{"jpn"}))
}

func TestSelectLanguageProfileID_NoPreferredFallsBackToFirst(t *testing.T) {
	profiles := []map[string]interface{}{{"id": float64(9), "name": "Any"}}
	assert.Equal(t, 9, selectLanguageProfileID(profiles, nil))
}
