package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"orchestrator/internal/config"
)

const jellyfinSubsystem = "jellyfin"

// jellyfinInternalPort is Jellyfin's container-to-container port,
// grounded on original_source/orchestrator/clients/jellyfin.py's
// JellyfinClient.INTERNAL_PORT.
const jellyfinInternalPort = 8096

// JellyfinClient drives Jellyfin's first-run startup wizard and then
// keeps its movies/TV/anime virtual libraries in sync with the
// configured media paths, grounded on
// original_source/orchestrator/clients/jellyfin.py.
type JellyfinClient struct {
	Config config.StackConfig
	Store  *config.Store
}

// NewJellyfinClient builds a client for the jellyfin service entry in cfg.
func NewJellyfinClient(cfg config.StackConfig, store *config.Store) *JellyfinClient {
	return &JellyfinClient{Config: cfg, Store: store}
}

func (c *JellyfinClient) baseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.Config.Services.Jellyfin.Port)
}

// Ensure waits for Jellyfin to come up, completes its first-run
// startup wizard if not already done, then reconciles the movies, TV
// and anime virtual libraries against the admin session.
func (c *JellyfinClient) Ensure(ctx context.Context) (string, error) {
	baseURL := c.baseURL()
	ok, detail := WaitForReady(ctx, baseURL+"/System/Ping", 180*time.Second, 5*time.Second)
	if !ok {
		return "", config.NewReadinessTimeoutError(jellyfinSubsystem, detail)
	}

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	jfSecrets := secrets[jellyfinSubsystem]
	adminUsername := firstNonEmpty(jfSecrets["admin_username"], "admin")
	adminPassword, err := c.ensureAdminPassword(jfSecrets)
	if err != nil {
		return "", err
	}

	wizardChanged, wizardDetail, err := c.ensureStartupWizard(ctx, baseURL, adminUsername, adminPassword)
	if err != nil {
		return "", fmt.Errorf("startup wizard: %w", err)
	}

	token, err := c.authenticate(ctx, baseURL, adminUsername, adminPassword)
	if err != nil {
		return "", fmt.Errorf("jellyfin authenticate: %w", err)
	}

	libChanged, libDetail, err := c.ensureLibraries(ctx, baseURL, token)
	if err != nil {
		return "", fmt.Errorf("jellyfin libraries: %w", err)
	}

	_, aggregated := DescribeChanges(
		ChangeStep{Changed: wizardChanged, Message: wizardDetail},
		ChangeStep{Changed: libChanged, Message: libDetail},
	)
	if aggregated == "" {
		return "ok", nil
	}
	return aggregated, nil
}

// Verify reports whether the admin session can authenticate and the
// startup wizard has completed.
func (c *JellyfinClient) Verify(ctx context.Context) (string, error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	jfSecrets := secrets[jellyfinSubsystem]
	adminUsername := firstNonEmpty(jfSecrets["admin_username"], "admin")
	adminPassword := jfSecrets["admin_password"]
	if adminPassword == "" {
		return "", config.NewCredentialError(jellyfinSubsystem, "no admin password recorded")
	}

	status, err := c.systemStatus(ctx, c.baseURL())
	if err != nil {
		return "", fmt.Errorf("jellyfin unreachable: %w", err)
	}
	if !status.StartupWizardCompleted {
		return "", fmt.Errorf("startup wizard incomplete")
	}

	if _, err := c.authenticate(ctx, c.baseURL(), adminUsername, adminPassword); err != nil {
		return "", fmt.Errorf("jellyfin authenticate: %w", err)
	}
	return "online, wizard complete", nil
}

func (c *JellyfinClient) ensureAdminPassword(jfSecrets map[string]string) (string, error) {
	if password := jfSecrets["admin_password"]; password != "" {
		return password, nil
	}
	password, err := randomToken(16)
	if err != nil {
		return "", fmt.Errorf("generate admin password: %w", err)
	}
	if err := c.Store.SetSecret(jellyfinSubsystem, "admin_username", "admin"); err != nil {
		return "", fmt.Errorf("persist admin username: %w", err)
	}
	if err := c.Store.SetSecret(jellyfinSubsystem, "admin_password", password); err != nil {
		return "", fmt.Errorf("persist admin password: %w", err)
	}
	return password, nil
}

type jellyfinPublicInfo struct {
	StartupWizardCompleted bool `json:"StartupWizardCompleted"`
}

func (c *JellyfinClient) systemStatus(ctx context.Context, baseURL string) (jellyfinPublicInfo, error) {
	var info jellyfinPublicInfo
	err := jellyfinGetJSON(ctx, baseURL+"/System/Info/Public", &info)
	return info, err
}

// ensureStartupWizard runs Jellyfin's first-run sequence: startup
// configuration, remote access, the first admin user, then the
// "complete" marker. A wizard already completed is a no-op.
func (c *JellyfinClient) ensureStartupWizard(ctx context.Context, baseURL, username, password string) (bool, string, error) {
	status, err := c.systemStatus(ctx, baseURL)
	if err != nil {
		return false, "", err
	}
	if status.StartupWizardCompleted {
		return false, "wizard already completed", nil
	}

	configPayload := map[string]interface{}{
		"ServerName":                fmt.Sprintf("Orchestrator (%s)", path.Base(c.Config.Paths.Pool)),
		"UICulture":                 "en-US",
		"MetadataCountryCode":       "US",
		"PreferredMetadataLanguage": "en",
	}
	if err := jellyfinPostJSON(ctx, baseURL+"/Startup/Configuration", configPayload, nil, nil); err != nil {
		return false, "", fmt.Errorf("startup configuration: %w", err)
	}

	remoteAccessPayload := map[string]interface{}{
		"EnableRemoteAccess":         true,
		"EnableAutomaticPortMapping": false,
	}
	if err := jellyfinPostJSON(ctx, baseURL+"/Startup/RemoteAccess", remoteAccessPayload, nil, nil); err != nil {
		return false, "", fmt.Errorf("startup remote access: %w", err)
	}

	var firstUser map[string]interface{}
	if err := jellyfinGetJSON(ctx, baseURL+"/Startup/FirstUser", &firstUser); err != nil {
		return false, "", fmt.Errorf("startup first user: %w", err)
	}

	userPayload := map[string]interface{}{
		"Name":     username,
		"Password": password,
	}
	if err := jellyfinPostJSON(ctx, baseURL+"/Startup/User", userPayload, nil, nil); err != nil {
		return false, "", fmt.Errorf("startup user: %w", err)
	}

	if err := jellyfinPostJSON(ctx, baseURL+"/Startup/Complete", nil, nil, nil); err != nil {
		return false, "", fmt.Errorf("startup complete: %w", err)
	}

	return true, "wizard completed", nil
}

// authenticate logs in as the admin user via the classic
// X-Emby-Authorization header flow and returns the session access
// token.
func (c *JellyfinClient) authenticate(ctx context.Context, baseURL, username, password string) (string, error) {
	payload := map[string]interface{}{
		"Username": username,
		"Pw":       password,
	}
	var result struct {
		AccessToken string `json:"AccessToken"`
	}
	headers := map[string]string{
		"X-Emby-Authorization": jellyfinAuthHeader(),
	}
	if err := jellyfinPostJSON(ctx, baseURL+"/Users/AuthenticateByName", payload, headers, &result); err != nil {
		return "", err
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return result.AccessToken, nil
}

func jellyfinAuthHeader() string {
	return `MediaBrowser Client="Orchestrator", Device="orchestrator", DeviceId="orchestrator", Version="1.0.0"`
}

type jellyfinLibraryTarget struct {
	name         string
	collectionTy string
	path         string
}

func (c *JellyfinClient) libraryTargets() []jellyfinLibraryTarget {
	return []jellyfinLibraryTarget{
		{name: "Movies", collectionTy: "movies", path: "/data/media/movies"},
		{name: "TV", collectionTy: "tvshows", path: "/data/media/tv"},
		{name: "Anime", collectionTy: "tvshows", path: "/data/media/anime"},
	}
}

// ensureLibraries adds each target virtual library not already
// present, matched by the library's configured path (its Locations
// entry), not by name.
func (c *JellyfinClient) ensureLibraries(ctx context.Context, baseURL, token string) (bool, string, error) {
	var existing []struct {
		Locations []string `json:"Locations"`
	}
	if err := jellyfinAuthedGetJSON(ctx, baseURL+"/Library/VirtualFolders", token, &existing); err != nil {
		return false, "", err
	}
	present := map[string]bool{}
	for _, lib := range existing {
		for _, loc := range lib.Locations {
			present[loc] = true
		}
	}

	var added []string
	for _, target := range c.libraryTargets() {
		if present[target.path] {
			continue
		}
		if err := c.createVirtualFolder(ctx, baseURL, token, target); err != nil {
			return false, "", fmt.Errorf("create library %s: %w", target.name, err)
		}
		added = append(added, target.name)
	}

	if len(added) == 0 {
		return false, "libraries=ready", nil
	}
	detail := "libraries=created:"
	for i, name := range added {
		if i > 0 {
			detail += ","
		}
		detail += name
	}
	return true, detail, nil
}

func (c *JellyfinClient) createVirtualFolder(ctx context.Context, baseURL, token string, target jellyfinLibraryTarget) error {
	url := fmt.Sprintf("%s/Library/VirtualFolders?name=%s&collectionType=%s&Paths=%s&refreshLibrary=false",
		baseURL, jellyfinQueryEscape(target.name), jellyfinQueryEscape(target.collectionTy), jellyfinQueryEscape(target.path))

	payload := map[string]interface{}{"LibraryOptions": map[string]interface{}{}}
	return jellyfinAuthedPostJSON(ctx, url, token, payload, nil)
}

// --- minimal HTTP helpers: Jellyfin's auth headers (X-Emby-*) differ
// from the X-Api-Key scheme ArrAPI uses, so this client carries its
// own small request helpers instead of reusing ArrAPI.

var jellyfinHTTPClient = &http.Client{Timeout: 20 * time.Second}

func jellyfinGetJSON(ctx context.Context, url string, out interface{}) error {
	return jellyfinDo(ctx, http.MethodGet, url, nil, nil, out)
}

func jellyfinPostJSON(ctx context.Context, url string, body interface{}, headers map[string]string, out interface{}) error {
	return jellyfinDo(ctx, http.MethodPost, url, body, headers, out)
}

func jellyfinAuthedGetJSON(ctx context.Context, url, token string, out interface{}) error {
	return jellyfinDo(ctx, http.MethodGet, url, nil, map[string]string{"X-Emby-Token": token}, out)
}

func jellyfinAuthedPostJSON(ctx context.Context, url, token string, body interface{}, out interface{}) error {
	return jellyfinDo(ctx, http.MethodPost, url, body, map[string]string{"X-Emby-Token": token}, out)
}

func jellyfinDo(ctx context.Context, method, url string, body interface{}, headers map[string]string, out interface{}) error {
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
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := jellyfinHTTPClient.Do(req)
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

func jellyfinQueryEscape(s string) string {
	return url.QueryEscape(s)
}
