package services

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"orchestrator/internal/config"
)

const radarrSubsystem = "radarr"

// RadarrClient provisions and configures Radarr via its v3 HTTP API:
// API-key bootstrap from config.xml, the movies root folder, and the
// qBittorrent download client.
type RadarrClient struct {
	Config config.StackConfig
	Store  *config.Store
}

// NewRadarrClient builds a client for the radarr service entry in cfg.
func NewRadarrClient(cfg config.StackConfig, store *config.Store) *RadarrClient {
	return &RadarrClient{Config: cfg, Store: store}
}

// Ensure waits for Radarr's config.xml to appear, captures its API
// key on first run, then reconciles the movies root folder and the
// qBittorrent download client.
func (c *RadarrClient) Ensure(ctx context.Context) (string, error) {
	apiKey, err := bootstrapArrAPIKey(ctx, c.Store, radarrSubsystem, c.configDir())
	if err != nil {
		return "", err
	}

	api := NewArrAPI(fmt.Sprintf("http://127.0.0.1:%d/api/v3", c.Config.Services.Radarr.Port), apiKey)

	var status struct {
		Version string `json:"version"`
	}
	if err := api.GetJSON(ctx, "/system/status", &status); err != nil {
		return "", fmt.Errorf("radarr unreachable: %w", err)
	}
	onlineMsg := "online"
	if status.Version != "" {
		onlineMsg = fmt.Sprintf("online (v%s)", status.Version)
	}

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	qbSecrets := secrets[qbittorrentSubsystem]
	qbUsername := firstNonEmpty(qbSecrets["username"], c.Config.Services.Qbittorrent.Username)
	qbPassword := firstNonEmpty(qbSecrets["password"], c.Config.Services.Qbittorrent.Password)

	rfChanged, rfMsg, folderID, err := c.ensureRootFolder(ctx, api)
	if err != nil {
		return "", fmt.Errorf("radarr root folder: %w", err)
	}
	dlChanged, dlMsg, clientID, err := c.ensureDownloadClient(ctx, api, qbUsername, qbPassword)
	if err != nil {
		return "", fmt.Errorf("radarr download client: %w", err)
	}

	changed, aggregated := DescribeChanges(
		ChangeStep{Changed: rfChanged, Message: rfMsg},
		ChangeStep{Changed: dlChanged, Message: dlMsg},
	)

	services, err := c.Store.LoadServices()
	if err != nil {
		return "", fmt.Errorf("load services state: %w", err)
	}
	entry := servicesEntry(services, radarrSubsystem)
	if folderID != 0 {
		entry["root_folder_id"] = folderID
	}
	if clientID != 0 {
		entry["download_client_id"] = clientID
	}
	services[radarrSubsystem] = entry
	if err := c.Store.SaveServices(services); err != nil {
		return "", fmt.Errorf("save services state: %w", err)
	}

	_ = changed
	if aggregated == "" {
		return onlineMsg, nil
	}
	return onlineMsg + "; " + aggregated, nil
}

// Verify reports whether Radarr is reachable with its stored API key.
func (c *RadarrClient) Verify(ctx context.Context) (string, error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	apiKey := secrets[radarrSubsystem]["api_key"]
	if apiKey == "" {
		return "", config.NewCredentialError(radarrSubsystem, "no API key recorded")
	}

	api := NewArrAPI(fmt.Sprintf("http://127.0.0.1:%d/api/v3", c.Config.Services.Radarr.Port), apiKey)
	var status struct {
		Version string `json:"version"`
	}
	if err := api.GetJSON(ctx, "/system/status", &status); err != nil {
		return "", fmt.Errorf("radarr unreachable: %w", err)
	}
	return "online (v" + status.Version + ")", nil
}

func (c *RadarrClient) configDir() string {
	return filepath.Join(c.Config.Paths.Appdata, radarrSubsystem)
}

const radarrLibraryPath = "/data/media/movies"

func (c *RadarrClient) ensureRootFolder(ctx context.Context, api *ArrAPI) (changed bool, detail string, folderID int, err error) {
	var existing []struct {
		ID   int    `json:"id"`
		Path string `json:"path"`
	}
	if err := api.GetJSON(ctx, "/rootfolder", &existing); err != nil {
		return false, "", 0, err
	}
	for _, entry := range existing {
		if entry.Path == radarrLibraryPath {
			return false, fmt.Sprintf("root folder ready %s", radarrLibraryPath), entry.ID, nil
		}
	}

	var profiles []struct {
		ID int `json:"id"`
	}
	if err := api.GetJSON(ctx, "/qualityprofile", &profiles); err != nil {
		return false, "", 0, err
	}
	qualityID := 1
	if len(profiles) > 0 {
		qualityID = profiles[0].ID
	}

	var metaProfiles []struct {
		ID int `json:"id"`
	}
	_ = api.GetJSON(ctx, "/metadataprofile", &metaProfiles) // optional endpoint on some builds
	metadataID := 1
	if len(metaProfiles) > 0 {
		metadataID = metaProfiles[0].ID
	}

	payload := map[string]interface{}{
		"path":                     radarrLibraryPath,
		"name":                     nameFor(radarrLibraryPath, "Movies"),
		"defaultQualityProfileId":  qualityID,
		"defaultMetadataProfileId": metadataID,
		"defaultTags":              []int{},
	}
	var created struct {
		ID int `json:"id"`
	}
	if err := api.PostJSON(ctx, "/rootfolder", payload, &created); err != nil {
		return false, "", 0, err
	}
	return true, fmt.Sprintf("root folder created %s", radarrLibraryPath), created.ID, nil
}

func (c *RadarrClient) ensureDownloadClient(ctx context.Context, api *ArrAPI, username, password string) (changed bool, detail string, clientID int, err error) {
	desired := map[string]interface{}{
		"host":     "qbittorrent",
		"port":     c.Config.Services.Qbittorrent.Port,
		"useSsl":   false,
		"urlBase":  "",
		"username": username,
		"password": password,
		"category": c.Config.DownloadPolicy.Categories.Radarr,
	}

	var clients []map[string]interface{}
	if err := api.GetJSON(ctx, "/downloadclient", &clients); err != nil {
		return false, "", 0, err
	}

	for _, client := range clients {
		if asLowerString(client["implementation"]) != "qbittorrent" {
			continue
		}
		id := asInt(client["id"])
		current := fieldValues(client["fields"])
		if current["host"] == "qbittorrent" &&
			strconv.Itoa(c.Config.Services.Qbittorrent.Port) == fmt.Sprint(current["port"]) &&
			current["category"] == c.Config.DownloadPolicy.Categories.Radarr {
			return false, "download client ready", id, nil
		}

		client["enable"] = true
		client["fields"] = mergeFieldValues(client["fields"], desired)
		if err := api.PutJSON(ctx, fmt.Sprintf("/downloadclient/%d", id), client, nil); err != nil {
			return false, "", 0, err
		}
		return true, fmt.Sprintf("updated download client %d", id), id, nil
	}

	var schema []map[string]interface{}
	if err := api.GetJSON(ctx, "/downloadclient/schema", &schema); err != nil {
		return false, "", 0, err
	}
	var template map[string]interface{}
	for _, entry := range schema {
		if asLowerString(entry["implementation"]) == "qbittorrent" {
			template = entry
			break
		}
	}
	if template == nil {
		return false, "qBittorrent schema unavailable", 0, nil
	}

	payload := map[string]interface{}{
		"name":                     "qBittorrent",
		"implementation":           stringOr(template["implementation"], "QBitTorrent"),
		"implementationName":       stringOr(template["implementationName"], "qBittorrent"),
		"protocol":                 stringOr(template["protocol"], "torrent"),
		"configContract":           stringOr(template["configContract"], "QBitTorrentSettings"),
		"enable":                   true,
		"priority":                 1,
		"removeCompletedDownloads": true,
		"fields":                   mergeFieldValues(template["fields"], desired),
		"tags":                     []int{},
	}
	var created struct {
		ID int `json:"id"`
	}
	if err := api.PostJSON(ctx, "/downloadclient", payload, &created); err != nil {
		return false, "", 0, err
	}
	return true, "created download client", created.ID, nil
}

// bootstrapArrAPIKey waits for configDir/config.xml to appear, then
// extracts and persists the arr application's API key on first run.
// Subsequent calls return the stored key without touching the
// filesystem.
func bootstrapArrAPIKey(ctx context.Context, store *config.Store, service, configDir string) (string, error) {
	secrets, err := store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	if key := secrets[service]["api_key"]; key != "" {
		return key, nil
	}

	if err := ensureDir(configDir); err != nil {
		return "", err
	}

	key, err := WaitForCredentialFile(ctx, configDir, "config.xml", 180*time.Second, extractArrAPIKey)
	if err != nil {
		return "", config.NewReadinessTimeoutError(service, configDir+"/config.xml")
	}
	if err := store.SetSecret(service, "api_key", key); err != nil {
		return "", fmt.Errorf("persist api key: %w", err)
	}
	return key, nil
}

func servicesEntry(st config.ServicesState, name string) map[string]interface{} {
	if st[name] == nil {
		return map[string]interface{}{}
	}
	return st[name]
}

func nameFor(target, fallback string) string {
	if base := path.Base(target); base != "." && base != "/" {
		return base
	}
	return fallback
}

func fieldValues(raw interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	list, ok := raw.([]interface{})
	if !ok {
		return out
	}
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		if name != "" {
			out[name] = m["value"]
		}
	}
	return out
}

func mergeFieldValues(raw interface{}, overrides map[string]interface{}) []map[string]interface{} {
	list, _ := raw.([]interface{})
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		copied := map[string]interface{}{}
		for k, v := range m {
			copied[k] = v
		}
		if name, _ := copied["name"].(string); name != "" {
			if v, ok := overrides[name]; ok {
				copied["value"] = v
			}
		}
		out = append(out, copied)
	}
	return out
}

func asLowerString(v interface{}) string {
	s, _ := v.(string)
	return toLower(s)
}

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func asInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

func stringOr(v interface{}, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
