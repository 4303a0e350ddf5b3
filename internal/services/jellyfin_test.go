package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
)

func newJellyfinTestClient(t *testing.T, srv *httptest.Server) (*JellyfinClient, *config.Store) {
	t.Helper()
	cfg := config.StackConfig{}
	cfg.Paths.Pool = "/mnt/pool"
	cfg.Services.Jellyfin.Port = serverPort(t, srv)
	store := config.NewStore(t.TempDir())
	return NewJellyfinClient(cfg, store), store
}

func TestJellyfinClient_Ensure_RunsWizardAndCreatesLibraries(t *testing.T) {
	var createdFolders []string
	var authedUser string

	mux := http.NewServeMux()
	mux.HandleFunc("/System/Ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"Jellyfin Server"`))
	})
	mux.HandleFunc("/System/Info/Public", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"StartupWizardCompleted": false}`))
	})
	mux.HandleFunc("/Startup/Configuration", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/Startup/RemoteAccess", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/Startup/FirstUser", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"Name": "admin"}`))
	})
	mux.HandleFunc("/Startup/User", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/Startup/Complete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		authedUser = r.Header.Get("X-Emby-Authorization")
		w.Write([]byte(`{"AccessToken": "session-token"}`))
	})
	mux.HandleFunc("/Library/VirtualFolders", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.Write([]byte(`[]`))
		case http.MethodPost:
			createdFolders = append(createdFolders, r.URL.Query().Get("name"))
			w.WriteHeader(http.StatusOK)
		}
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, store := newJellyfinTestClient(t, srv)
	detail, err := client.Ensure(context.Background())
	require.NoError(t, err)
	assert.Contains(t, detail, "wizard completed")
	assert.Contains(t, detail, "libraries=created:")
	assert.NotEmpty(t, authedUser)
	assert.ElementsMatch(t, []string{"Movies", "TV", "Anime"}, createdFolders)

	secrets, err := store.LoadSecrets()
	require.NoError(t, err)
	assert.Equal(t, "admin", secrets[jellyfinSubsystem]["admin_username"])
	assert.NotEmpty(t, secrets[jellyfinSubsystem]["admin_password"])
}

func TestJellyfinClient_Ensure_SkipsWizardAndLibrariesWhenAlreadyDone(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/System/Ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"Jellyfin Server"`))
	})
	mux.HandleFunc("/System/Info/Public", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"StartupWizardCompleted": true}`))
	})
	mux.HandleFunc("/Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"AccessToken": "session-token"}`))
	})
	mux.HandleFunc("/Library/VirtualFolders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			t.Fatal("unexpected library creation when libraries already exist")
		}
		w.Write([]byte(`[
			{"Locations": ["/data/media/movies"]},
			{"Locations": ["/data/media/tv"]},
			{"Locations": ["/data/media/anime"]}
		]`))
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, _ := newJellyfinTestClient(t, srv)
	detail, err := client.Ensure(context.Background())
	require.NoError(t, err)
	assert.Contains(t, detail, "wizard already completed")
	assert.Contains(t, detail, "libraries=ready")
}

func TestJellyfinClient_Verify_FailsWhenWizardIncomplete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/System/Info/Public", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"StartupWizardCompleted": false}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, store := newJellyfinTestClient(t, srv)
	require.NoError(t, store.SetSecret(jellyfinSubsystem, "admin_username", "admin"))
	require.NoError(t, store.SetSecret(jellyfinSubsystem, "admin_password", "secret"))

	_, err := client.Verify(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wizard incomplete")
}

func TestJellyfinClient_Verify_FailsWithoutRecordedPassword(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux())
	defer srv.Close()

	client, _ := newJellyfinTestClient(t, srv)
	_, err := client.Verify(context.Background())
	require.Error(t, err)
}

func TestJellyfinClient_Verify_OkWhenWizardCompleteAndAuthSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/System/Info/Public", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"StartupWizardCompleted": true}`))
	})
	mux.HandleFunc("/Users/AuthenticateByName", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"AccessToken": "session-token"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, store := newJellyfinTestClient(t, srv)
	require.NoError(t, store.SetSecret(jellyfinSubsystem, "admin_username", "admin"))
	require.NoError(t, store.SetSecret(jellyfinSubsystem, "admin_password", "secret"))

	detail, err := client.Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "online, wizard complete", detail)
}

func TestJellyfinQueryEscape_EscapesSpacesAndSlashes(t *testing.T) {
	assert.Equal(t, "%2Fdata%2Fmedia%2Ftv", jellyfinQueryEscape("/data/media/tv"))
	assert.Equal(t, "TV+Shows", jellyfinQueryEscape("TV Shows"))
}
