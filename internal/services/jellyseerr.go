package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"path/filepath"
	"time"

	"orchestrator/internal/config"
)

const jellyseerrSubsystem = "jellyseerr"

// jellyseerrInternalPort is Jellyseerr's container-to-container port,
// grounded on original_source/orchestrator/clients/jellyseerr.py's
// JellyseerrClient.INTERNAL_PORT.
const jellyseerrInternalPort = 5055

// JellyseerrClient runs Jellyseerr's first-run initialization (wiring
// it to Jellyfin) and links it to the enabled library managers,
// grounded on original_source/orchestrator/clients/jellyseerr.py.
type JellyseerrClient struct {
	Config config.StackConfig
	Store  *config.Store

	// internalHost overrides the compose service hostname used to
	// build hostBaseURL. Tests point it at 127.0.0.1 to reach an
	// httptest.Server; production leaves it empty to use "jellyseerr".
	internalHost string
}

// NewJellyseerrClient builds a client for the jellyseerr service entry in cfg.
func NewJellyseerrClient(cfg config.StackConfig, store *config.Store) *JellyseerrClient {
	return &JellyseerrClient{Config: cfg, Store: store}
}

// hostBaseURL is the address the orchestrator itself uses to reach
// Jellyseerr, grounded on
// original_source/orchestrator/clients/jellyseerr.py's base_url, which
// addresses Jellyseerr by its compose service name rather than a
// host-published port.
func (c *JellyseerrClient) hostBaseURL() string {
	host := c.internalHost
	if host == "" {
		host = "jellyseerr"
	}
	port := jellyseerrInternalPort
	if host != "jellyseerr" {
		port = c.Config.Services.Jellyseerr.Port
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// Ensure waits for Jellyseerr to come up, completes its first-run
// initialization against Jellyfin if needed, then links the enabled
// Radarr and Sonarr instances.
func (c *JellyseerrClient) Ensure(ctx context.Context) (string, error) {
	baseURL := c.hostBaseURL()
	statusURL := baseURL + "/api/v1/status"
	ok, detail := WaitForReady(ctx, statusURL, 180*time.Second, 5*time.Second)
	if !ok {
		return "", config.NewReadinessTimeoutError(jellyseerrSubsystem, detail)
	}

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	jellySecrets := secrets[jellyseerrSubsystem]
	adminUsername := firstNonEmpty(jellySecrets["admin_username"], "admin")
	adminPassword := firstNonEmpty(jellySecrets["admin_password"], "adminadmin")

	var detailParts []string
	var changed bool

	public, err := c.getPublicSettings(ctx, baseURL)
	if err != nil {
		return "", fmt.Errorf("jellyseerr unreachable: %w", err)
	}

	initialized, _ := public["initialized"].(bool)
	if !initialized {
		startupChanged, startupDetail, err := c.completeStartup(ctx, baseURL, adminUsername, adminPassword)
		if err != nil {
			return "", fmt.Errorf("jellyseerr startup: %w", err)
		}
		changed = changed || startupChanged
		if startupDetail != "" {
			detailParts = append(detailParts, startupDetail)
		}
	}

	apiKey := c.readAPIKey()
	if apiKey == "" {
		return "", config.NewCredentialError(jellyseerrSubsystem, "api key missing")
	}

	radarrChanged, radarrDetail, err := c.ensureRadarr(ctx, baseURL, apiKey, secrets)
	if err != nil {
		return "", fmt.Errorf("jellyseerr radarr link: %w", err)
	}
	changed = changed || radarrChanged
	if radarrDetail != "" {
		detailParts = append(detailParts, radarrDetail)
	}

	sonarrChanged, sonarrDetail, err := c.ensureSonarr(ctx, baseURL, apiKey, secrets)
	if err != nil {
		return "", fmt.Errorf("jellyseerr sonarr link: %w", err)
	}
	changed = changed || sonarrChanged
	if sonarrDetail != "" {
		detailParts = append(detailParts, sonarrDetail)
	}

	_, aggregated := DescribeChanges(collectChangeSteps(detailParts, changed)...)
	if aggregated == "" {
		return "ok", nil
	}
	return aggregated, nil
}

func collectChangeSteps(messages []string, changed bool) []ChangeStep {
	steps := make([]ChangeStep, 0, len(messages))
	for i, m := range messages {
		steps = append(steps, ChangeStep{Changed: changed && i == 0, Message: m})
	}
	return steps
}

// Verify reports whether Jellyseerr has completed initialization and
// the enabled library managers are linked.
func (c *JellyseerrClient) Verify(ctx context.Context) (string, error) {
	apiKey := c.readAPIKey()
	if apiKey == "" {
		return "", config.NewCredentialError(jellyseerrSubsystem, "api key missing")
	}

	baseURL := c.hostBaseURL()
	var public map[string]interface{}
	if err := jellyseerrGetJSON(ctx, baseURL+"/api/v1/settings/public", apiKey, &public); err != nil {
		return "", fmt.Errorf("jellyseerr unreachable: %w", err)
	}
	initialized, _ := public["initialized"].(bool)
	if !initialized {
		return "", fmt.Errorf("startup incomplete")
	}

	var failures []string

	if c.Config.Services.Radarr.Enabled {
		var entries []map[string]interface{}
		if err := jellyseerrGetJSON(ctx, baseURL+"/api/v1/settings/radarr", apiKey, &entries); err != nil {
			return "", fmt.Errorf("jellyseerr radarr settings: %w", err)
		}
		if !jellyseerrEntryExists(entries, "radarr", c.Config.Services.Radarr.Port) {
			failures = append(failures, "radarr")
		}
	}

	if c.Config.Services.Sonarr.Enabled {
		var entries []map[string]interface{}
		if err := jellyseerrGetJSON(ctx, baseURL+"/api/v1/settings/sonarr", apiKey, &entries); err != nil {
			return "", fmt.Errorf("jellyseerr sonarr settings: %w", err)
		}
		if !jellyseerrEntryExists(entries, "sonarr", c.Config.Services.Sonarr.Port) {
			failures = append(failures, "sonarr")
		}
	}

	if len(failures) > 0 {
		detail := "missing links:"
		for _, f := range failures {
			detail += " " + f
		}
		return "", fmt.Errorf("%s", detail)
	}
	return "settings ok", nil
}

func (c *JellyseerrClient) getPublicSettings(ctx context.Context, baseURL string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := jellyseerrGetJSON(ctx, baseURL+"/api/v1/settings/public", "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// completeStartup logs in to (or sets up) the Jellyfin connection and
// marks initialization complete. Jellyseerr keys this off a session
// cookie returned by the auth call; a plain httpClient here keeps that
// cookie across the two requests.
func (c *JellyseerrClient) completeStartup(ctx context.Context, baseURL, username, password string) (bool, string, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return false, "", err
	}
	client := &http.Client{Timeout: 30 * time.Second, Jar: jar}

	var settings map[string]interface{}
	if err := jellyseerrClientGetJSON(ctx, client, baseURL+"/api/v1/settings/public", &settings); err != nil {
		return false, "", err
	}

	// MediaServerType: 1=Plex, 2=Jellyfin, 3=Emby, 4=None.
	jellyfinConfigured := asInt(settings["mediaServerType"]) == 2

	if jellyfinConfigured {
		payload := map[string]interface{}{
			"username": username,
			"password": password,
		}
		if err := jellyseerrClientPostJSON(ctx, client, baseURL+"/api/v1/auth/jellyfin", payload, nil); err != nil {
			return false, "", fmt.Errorf("login: %w", err)
		}
	} else {
		payload := map[string]interface{}{
			"hostname": "jellyfin",
			"port":     jellyfinInternalPort,
			"useSsl":   false,
			"urlBase":  "",
			"serverType": 2,
			"username":   username,
			"password":   password,
			"email":      username + "@example.com",
		}
		if err := jellyseerrClientPostJSON(ctx, client, baseURL+"/api/v1/auth/jellyfin", payload, nil); err != nil {
			return false, "", fmt.Errorf("connect jellyfin: %w", err)
		}
	}

	if err := jellyseerrClientPostJSON(ctx, client, baseURL+"/api/v1/settings/initialize", map[string]interface{}{}, nil); err != nil {
		return false, "", fmt.Errorf("initialize: %w", err)
	}

	return true, "startup=completed", nil
}

// readAPIKey reads Jellyseerr's own settings.json, the same source
// original_source/orchestrator/clients/jellyseerr.py reads the api
// key from rather than generating one itself.
func (c *JellyseerrClient) readAPIKey() string {
	settingsPath := filepath.Join(c.Config.Paths.Appdata, jellyseerrSubsystem, "settings.json")
	data, err := os.ReadFile(settingsPath)
	if err != nil {
		return ""
	}
	var doc struct {
		Main struct {
			APIKey string `json:"apiKey"`
		} `json:"main"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Main.APIKey
}

func jellyseerrEntryExists(entries []map[string]interface{}, host string, port int) bool {
	for _, e := range entries {
		if asStringOrEmpty(e["hostname"]) == host && asInt(e["port"]) == port {
			return true
		}
	}
	return false
}

func (c *JellyseerrClient) ensureRadarr(ctx context.Context, baseURL, apiKey string, secrets config.SecretsState) (bool, string, error) {
	if !c.Config.Services.Radarr.Enabled {
		return false, "radarr=skipped (disabled)", nil
	}
	radarrAPIKey := secrets[radarrSubsystem]["api_key"]
	if radarrAPIKey == "" {
		return false, "radarr=skipped (no api key)", nil
	}

	targetHost := "radarr"
	targetPort := c.Config.Services.Radarr.Port

	var existing []map[string]interface{}
	if err := jellyseerrGetJSON(ctx, baseURL+"/api/v1/settings/radarr", apiKey, &existing); err != nil {
		return false, "", err
	}
	if jellyseerrEntryExists(existing, targetHost, targetPort) {
		return false, "radarr=ready", nil
	}

	testPayload := map[string]interface{}{
		"hostname": targetHost,
		"port":     targetPort,
		"apiKey":   radarrAPIKey,
		"useSsl":   false,
		"baseUrl":  "",
	}
	var body map[string]interface{}
	if err := jellyseerrPostJSON(ctx, baseURL+"/api/v1/settings/radarr/test", apiKey, testPayload, &body); err != nil {
		return false, "", err
	}

	profile := jellyseerrPickFirst(body["profiles"])
	rootDir := jellyseerrSelectRoot(body["rootFolders"], "/data/media/movies")
	if profile == nil || rootDir == "" {
		return false, "radarr=incomplete (profiles or root folders missing)", nil
	}

	createPayload := map[string]interface{}{
		"name":              "Radarr",
		"hostname":          targetHost,
		"port":              targetPort,
		"apiKey":            radarrAPIKey,
		"useSsl":            false,
		"baseUrl":           stringOr(body["urlBase"], ""),
		"activeProfileId":   profile["id"],
		"activeProfileName": profile["name"],
		"activeDirectory":   rootDir,
		"is4k":              false,
		"minimumAvailability": "announced",
		"isDefault":           true,
		"externalUrl":         "",
		"syncEnabled":         true,
		"preventSearch":       false,
	}
	if err := jellyseerrPostJSON(ctx, baseURL+"/api/v1/settings/radarr", apiKey, createPayload, nil); err != nil {
		return false, "", err
	}
	return true, "radarr=linked", nil
}

func (c *JellyseerrClient) ensureSonarr(ctx context.Context, baseURL, apiKey string, secrets config.SecretsState) (bool, string, error) {
	if !c.Config.Services.Sonarr.Enabled {
		return false, "sonarr=skipped (disabled)", nil
	}
	sonarrAPIKey := secrets[sonarrSubsystem]["api_key"]
	if sonarrAPIKey == "" {
		return false, "sonarr=skipped (no api key)", nil
	}

	targetHost := "sonarr"
	targetPort := c.Config.Services.Sonarr.Port

	var existing []map[string]interface{}
	if err := jellyseerrGetJSON(ctx, baseURL+"/api/v1/settings/sonarr", apiKey, &existing); err != nil {
		return false, "", err
	}
	if jellyseerrEntryExists(existing, targetHost, targetPort) {
		return false, "sonarr=ready", nil
	}

	testPayload := map[string]interface{}{
		"hostname": targetHost,
		"port":     targetPort,
		"apiKey":   sonarrAPIKey,
		"useSsl":   false,
		"baseUrl":  "",
	}
	var body map[string]interface{}
	if err := jellyseerrPostJSON(ctx, baseURL+"/api/v1/settings/sonarr/test", apiKey, testPayload, &body); err != nil {
		return false, "", err
	}

	profile := jellyseerrPickFirst(body["profiles"])
	languageProfile := jellyseerrPickFirst(body["languageProfiles"])
	rootDir := jellyseerrSelectRoot(body["rootFolders"], "/data/media/tv")
	if profile == nil || rootDir == "" {
		return false, "sonarr=incomplete (profiles or root folders missing)", nil
	}

	languageProfileID := interface{}(1)
	if languageProfile != nil {
		languageProfileID = languageProfile["id"]
	}

	createPayload := map[string]interface{}{
		"name":                     "Sonarr",
		"hostname":                 targetHost,
		"port":                     targetPort,
		"apiKey":                   sonarrAPIKey,
		"useSsl":                   false,
		"baseUrl":                  stringOr(body["urlBase"], ""),
		"activeProfileId":          profile["id"],
		"activeProfileName":        profile["name"],
		"activeDirectory":          rootDir,
		"activeLanguageProfileId":  languageProfileID,
		"is4k":                     false,
		"enableSeasonFolders":      true,
		"isDefault":                true,
		"externalUrl":              "",
		"syncEnabled":              true,
		"preventSearch":            false,
		"activeAnimeDirectory":     nil,
		"activeAnimeProfileId":     nil,
		"activeAnimeProfileName":   nil,
		"activeAnimeLanguageProfileId": nil,
	}
	if err := jellyseerrPostJSON(ctx, baseURL+"/api/v1/settings/sonarr", apiKey, createPayload, nil); err != nil {
		return false, "", err
	}
	return true, "sonarr=linked", nil
}

func jellyseerrPickFirst(raw interface{}) map[string]interface{} {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return nil
	}
	m, _ := list[0].(map[string]interface{})
	return m
}

func jellyseerrSelectRoot(raw interface{}, desired string) string {
	list, ok := raw.([]interface{})
	if !ok || len(list) == 0 {
		return desired
	}
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if asStringOrEmpty(m["path"]) == desired {
			return desired
		}
	}
	first, _ := list[0].(map[string]interface{})
	if first == nil {
		return desired
	}
	return asStringOrEmpty(first["path"])
}

// --- minimal HTTP helpers using Jellyseerr's X-Api-Key scheme, plus a
// cookie-jar variant for the startup flow, which needs a session
// cookie across two requests rather than an API key.

var jellyseerrHTTPClient = &http.Client{Timeout: 20 * time.Second}

func jellyseerrGetJSON(ctx context.Context, url, apiKey string, out interface{}) error {
	return jellyseerrDo(ctx, jellyseerrHTTPClient, http.MethodGet, url, apiKey, nil, out)
}

func jellyseerrPostJSON(ctx context.Context, url, apiKey string, body, out interface{}) error {
	return jellyseerrDo(ctx, jellyseerrHTTPClient, http.MethodPost, url, apiKey, body, out)
}

func jellyseerrClientGetJSON(ctx context.Context, client *http.Client, url string, out interface{}) error {
	return jellyseerrDo(ctx, client, http.MethodGet, url, "", nil, out)
}

func jellyseerrClientPostJSON(ctx context.Context, client *http.Client, url string, body, out interface{}) error {
	return jellyseerrDo(ctx, client, http.MethodPost, url, "", body, out)
}

func jellyseerrDo(ctx context.Context, client *http.Client, method, url, apiKey string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: http %d: %s", method, url, resp.StatusCode, string(data))
	}
	return decodeIfPresent(resp, out)
}
