package services

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"orchestrator/internal/config"
)

const sonarrSubsystem = "sonarr"

// sonarrQbittorrentPort is the container-to-container port qBittorrent
// listens on, distinct from the host-published port in config: Sonarr
// reaches qBittorrent over the compose network by service name.
const sonarrQbittorrentPort = 8080

// languageProfileNames maps ISO-639-2 codes to the profile name
// fragments Sonarr ships by default, used to pick a language profile
// matching a media policy's keep_audio preference.
var languageProfileNames = map[string]string{
	"eng": "english",
	"jpn": "japanese",
	"spa": "spanish",
	"fra": "french",
	"deu": "german",
	"ita": "italian",
	"kor": "korean",
	"chi": "chinese",
	"por": "portuguese",
	"rus": "russian",
}

// SonarrClient provisions and configures Sonarr: API-key bootstrap,
// UI authentication (forced on, since Sonarr ships with auth
// disabled), the tv and anime root folders, and the qBittorrent
// download client.
type SonarrClient struct {
	Config config.StackConfig
	Store  *config.Store
}

func NewSonarrClient(cfg config.StackConfig, store *config.Store) *SonarrClient {
	return &SonarrClient{Config: cfg, Store: store}
}

func (c *SonarrClient) configDir() string {
	return filepath.Join(c.Config.Paths.Appdata, sonarrSubsystem)
}

func (c *SonarrClient) Ensure(ctx context.Context) (string, error) {
	apiKey, err := bootstrapArrAPIKey(ctx, c.Store, sonarrSubsystem, c.configDir())
	if err != nil {
		return "", err
	}

	uiUsername, uiPassword, err := c.bootstrapUICredentials()
	if err != nil {
		return "", err
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d/api/v3", c.Config.Services.Sonarr.Port)
	if ok, detail := WaitForReady(ctx, baseURL+"/system/status", 180*time.Second, 5*time.Second); !ok {
		return "", config.NewReadinessTimeoutError(sonarrSubsystem, detail)
	}

	var messages []string
	changed := false

	hostChanged, err := c.ensureHostSettings(ctx, baseURL, apiKey, uiUsername, uiPassword)
	if err != nil {
		return "", fmt.Errorf("sonarr host settings: %w", err)
	}
	if hostChanged {
		messages = append(messages, "ui credentials synced")
		changed = true
	}

	api := NewArrAPI(baseURL, apiKey)
	var status struct {
		Version string `json:"version"`
	}
	if err := api.GetJSON(ctx, "/system/status", &status); err != nil {
		return "", fmt.Errorf("sonarr unreachable: %w", err)
	}
	onlineMsg := "online"
	if status.Version != "" {
		onlineMsg = fmt.Sprintf("online (v%s)", status.Version)
	}
	messages = append([]string{onlineMsg}, messages...)

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	qbSecrets := secrets[qbittorrentSubsystem]
	qbUsername := firstNonEmpty(qbSecrets["username"], c.Config.Services.Qbittorrent.Username)
	qbPassword := firstNonEmpty(qbSecrets["password"], c.Config.Services.Qbittorrent.Password)

	tvChanged, tvMsg, tvID, err := c.ensureRootFolder(ctx, api, "/data/media/tv", c.Config.MediaPolicy.TV.KeepAudio)
	if err != nil {
		return "", fmt.Errorf("sonarr tv root folder: %w", err)
	}
	animeChanged, animeMsg, animeID, err := c.ensureRootFolder(ctx, api, "/data/media/anime", c.Config.MediaPolicy.Anime.KeepAudio)
	if err != nil {
		return "", fmt.Errorf("sonarr anime root folder: %w", err)
	}
	dlChanged, dlMsg, clientID, err := c.ensureDownloadClient(ctx, api, qbUsername, qbPassword)
	if err != nil {
		return "", fmt.Errorf("sonarr download client: %w", err)
	}

	anyChanged, aggregated := DescribeChanges(
		ChangeStep{Changed: tvChanged, Message: tvMsg},
		ChangeStep{Changed: animeChanged, Message: animeMsg},
		ChangeStep{Changed: dlChanged, Message: dlMsg},
	)
	changed = changed || anyChanged
	if aggregated != "" {
		messages = append(messages, aggregated)
	}

	services, err := c.Store.LoadServices()
	if err != nil {
		return "", fmt.Errorf("load services state: %w", err)
	}
	entry := servicesEntry(services, sonarrSubsystem)
	if tvID != 0 {
		entry["root_tv_id"] = tvID
	}
	if animeID != 0 {
		entry["root_anime_id"] = animeID
	}
	if clientID != 0 {
		entry["download_client_id"] = clientID
	}
	entry["download_client_username"] = qbUsername
	entry["download_client_password"] = qbPassword
	services[sonarrSubsystem] = entry
	if err := c.Store.SaveServices(services); err != nil {
		return "", fmt.Errorf("save services state: %w", err)
	}

	_ = changed
	return strings.Join(messages, "; "), nil
}

// Verify checks that Sonarr's qBittorrent download client is wired
// with the expected host, port, and category, without writing
// anything.
func (c *SonarrClient) Verify(ctx context.Context) (string, error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	apiKey := secrets[sonarrSubsystem]["api_key"]
	if apiKey == "" {
		return "", config.NewCredentialError(sonarrSubsystem, "missing api key")
	}

	qbUsername := firstNonEmpty(secrets[qbittorrentSubsystem]["username"], c.Config.Services.Qbittorrent.Username)
	baseURL := fmt.Sprintf("http://127.0.0.1:%d/api/v3", c.Config.Services.Sonarr.Port)
	api := NewArrAPI(baseURL, apiKey)

	var clients []map[string]interface{}
	if err := api.GetJSON(ctx, "/downloadclient", &clients); err != nil {
		return "", fmt.Errorf("sonarr unreachable: %w", err)
	}

	desired := map[string]interface{}{
		"host":     "qbittorrent",
		"port":     sonarrQbittorrentPort,
		"useSsl":   false,
		"urlBase":  "",
		"username": qbUsername,
		"category": c.Config.DownloadPolicy.Categories.Sonarr,
	}

	for _, client := range clients {
		if asLowerString(client["implementation"]) != "qbittorrent" {
			continue
		}
		current := fieldValues(client["fields"])
		var mismatches []string
		for key, expected := range desired {
			if fmt.Sprint(current[key]) != fmt.Sprint(expected) {
				mismatches = append(mismatches, fmt.Sprintf("%s=%v", key, current[key]))
			}
		}
		if len(mismatches) > 0 {
			return "", fmt.Errorf("download client mismatch: %s", strings.Join(mismatches, ", "))
		}
		return "download client ok", nil
	}
	return "", fmt.Errorf("download client missing (qbittorrent)")
}

// bootstrapUICredentials assigns a fixed UI username and a generated
// password on first run, persisting both so subsequent applies reuse
// them instead of rotating credentials every run.
func (c *SonarrClient) bootstrapUICredentials() (username, password string, err error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", "", fmt.Errorf("load secrets: %w", err)
	}
	sonarrSecrets := secrets[sonarrSubsystem]

	username = sonarrSecrets["ui_username"]
	if username == "" {
		username = "sonarr-admin"
		if err := c.Store.SetSecret(sonarrSubsystem, "ui_username", username); err != nil {
			return "", "", fmt.Errorf("persist ui username: %w", err)
		}
	}

	password = sonarrSecrets["ui_password"]
	if password == "" {
		password, err = randomToken(12)
		if err != nil {
			return "", "", fmt.Errorf("generate ui password: %w", err)
		}
		if err := c.Store.SetSecret(sonarrSubsystem, "ui_password", password); err != nil {
			return "", "", fmt.Errorf("persist ui password: %w", err)
		}
	}
	return username, password, nil
}

// ensureHostSettings forces forms authentication on and syncs the UI
// username/password, skipping the write if the application's own
// database already holds the desired credential pair.
func (c *SonarrClient) ensureHostSettings(ctx context.Context, baseURL, apiKey, username, password string) (bool, error) {
	api := NewArrAPI(baseURL, apiKey)

	var hostConfig map[string]interface{}
	if err := api.GetJSON(ctx, "/config/host", &hostConfig); err != nil {
		return false, err
	}

	dbPath := filepath.Join(c.configDir(), sonarrSubsystem+".db")
	passwordMatches := arrPasswordMatches(dbPath, username, password)

	needsUpdate := hostConfig["authenticationMethod"] != "forms" ||
		hostConfig["authenticationRequired"] != "enabled" ||
		hostConfig["username"] != username ||
		asBool(hostConfig["analyticsEnabled"]) ||
		!passwordMatches
	if !needsUpdate {
		return false, nil
	}

	hostConfig["authenticationMethod"] = "forms"
	hostConfig["authenticationRequired"] = "enabled"
	hostConfig["analyticsEnabled"] = false
	hostConfig["username"] = username
	hostConfig["password"] = password
	hostConfig["passwordConfirmation"] = password

	if err := api.PutJSON(ctx, "/config/host", hostConfig, nil); err != nil {
		return false, err
	}

	statusURL := fmt.Sprintf("http://127.0.0.1:%d/api/v3/system/status", c.Config.Services.Sonarr.Port)
	if ok, detail := WaitForReady(ctx, statusURL, 120*time.Second, 5*time.Second); !ok {
		return false, fmt.Errorf("host settings sync failed (%s)", detail)
	}
	return true, nil
}

func (c *SonarrClient) ensureRootFolder(ctx context.Context, api *ArrAPI, target string, preferredAudio []string) (changed bool, detail string, folderID int, err error) {
	var existing []struct {
		ID   int    `json:"id"`
		Path string `json:"path"`
	}
	if err := api.GetJSON(ctx, "/rootfolder", &existing); err != nil {
		return false, "", 0, err
	}
	for _, entry := range existing {
		if entry.Path == target {
			return false, fmt.Sprintf("root folder ready %s", target), entry.ID, nil
		}
	}

	var qualityProfiles []map[string]interface{}
	if err := api.GetJSON(ctx, "/qualityprofile", &qualityProfiles); err != nil {
		return false, "", 0, err
	}
	var languageProfiles []map[string]interface{}
	_ = api.GetJSON(ctx, "/languageprofile", &languageProfiles) // absent on some Sonarr v4 builds

	qualityID := selectQualityProfileID(qualityProfiles, c.Config.Quality)
	languageID := selectLanguageProfileID(languageProfiles, preferredAudio)

	payload := map[string]interface{}{
		"path":                     target,
		"name":                     nameFor(target, "Series"),
		"defaultQualityProfileId":  qualityID,
		"defaultLanguageProfileId": languageID,
		"defaultTags":              []int{},
	}
	var created struct {
		ID int `json:"id"`
	}
	if err := api.PostJSON(ctx, "/rootfolder", payload, &created); err != nil {
		return false, "", 0, err
	}
	return true, fmt.Sprintf("root folder created %s", target), created.ID, nil
}

func (c *SonarrClient) ensureDownloadClient(ctx context.Context, api *ArrAPI, username, password string) (changed bool, detail string, clientID int, err error) {
	category := c.Config.DownloadPolicy.Categories.Sonarr
	desired := map[string]interface{}{
		"host":     "qbittorrent",
		"port":     sonarrQbittorrentPort,
		"useSsl":   false,
		"urlBase":  "",
		"username": username,
		"password": password,
		"category": category,
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
		ready := current["host"] == "qbittorrent" &&
			fmt.Sprint(current["port"]) == fmt.Sprint(sonarrQbittorrentPort) &&
			current["category"] == category &&
			asStringOrEmpty(current["urlBase"]) == "" &&
			current["username"] == username
		if ready {
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
		"configContract":           stringOr(template["configContract"], "QbittorrentSettings"),
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

// selectQualityProfileID picks a quality profile whose name contains
// the configured resolution or preset token, falling back to the
// first profile Sonarr reports.
func selectQualityProfileID(profiles []map[string]interface{}, quality config.Quality) int {
	if len(profiles) == 0 {
		return 1
	}
	fallback := asInt(profiles[0]["id"])

	tryToken := func(token string) (int, bool) {
		token = strings.ToLower(token)
		if token == "" {
			return 0, false
		}
		for _, profile := range profiles {
			name := strings.ToLower(fmt.Sprint(profile["name"]))
			if strings.Contains(name, token) || strings.Contains(name, strings.ReplaceAll(token, "p", "")) {
				return asInt(profile["id"]), true
			}
		}
		return 0, false
	}

	if id, ok := tryToken(string(quality.Resolution)); ok {
		return id
	}
	if quality.Preset != "" && quality.Preset != config.QualityPresetStandard {
		if id, ok := tryToken(string(quality.Preset)); ok {
			return id
		}
	}
	return fallback
}

// selectLanguageProfileID picks a language profile matching one of the
// preferred audio codes' full names, falling back to the first
// profile Sonarr reports.
func selectLanguageProfileID(profiles []map[string]interface{}, preferred []string) int {
	if len(profiles) == 0 {
		return 1
	}
	if len(preferred) == 0 {
		return asInt(profiles[0]["id"])
	}

	wanted := map[string]bool{}
	for _, code := range preferred {
		name := languageProfileNames[code]
		if name == "" {
			name = code
		}
		wanted[strings.ToLower(name)] = true
	}

	for _, profile := range profiles {
		name := strings.ToLower(fmt.Sprint(profile["name"]))
		for token := range wanted {
			if strings.Contains(name, token) {
				return asInt(profile["id"])
			}
		}
	}
	return asInt(profiles[0]["id"])
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asStringOrEmpty(v interface{}) string {
	s, _ := v.(string)
	return s
}
