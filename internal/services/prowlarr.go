package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"orchestrator/internal/config"
)

const prowlarrSubsystem = "prowlarr"

// prowlarrCategoryMovies / prowlarrCategoryTV are Prowlarr's built-in
// Newznab/Torznab category ids for the two content classes the stack
// auto-populates indexers for.
const (
	prowlarrCategoryMovies = 2000
	prowlarrCategoryTV     = 5000
)

// LanguageMap maps ISO-639-2 audio language codes to the indexer
// language-tag prefixes Prowlarr reports (e.g. "en-US", "en-GB"),
// used by AutoPopulateIndexers when the language filter is enabled.
var LanguageMap = map[string][]string{
	"eng": {"en-"},
	"jpn": {"ja-"},
	"spa": {"es-"},
	"fre": {"fr-"},
	"ger": {"de-"},
	"ita": {"it-"},
	"por": {"pt-"},
	"rus": {"ru-"},
	"chi": {"zh-"},
	"kor": {"ko-"},
	"ara": {"ar-"},
	"hin": {"hi-"},
	"pol": {"pl-"},
	"dut": {"nl-"},
	"swe": {"sv-"},
	"nor": {"no-", "nb-", "nn-"},
	"dan": {"da-"},
	"fin": {"fi-"},
	"tur": {"tr-"},
	"vie": {"vi-"},
	"tha": {"th-"},
	"ind": {"id-"},
	"und": {},
}

// IndexerSchema describes one indexer definition Prowlarr can add.
type IndexerSchema struct {
	Name             string
	Implementation   string
	Description      string
	Language         string
	Privacy          string
	Protocol         string
	SupportsRSS      bool
	SupportsSearch   bool
	CategoryIDs      []int
	ConfigContract   string
	ImplementationNm string
	Fields           []Field
}

// ProwlarrClient provisions Prowlarr and links it to the enabled
// library managers.
type ProwlarrClient struct {
	Config config.StackConfig
	Store  *config.Store

	// internalHost overrides the compose service hostname used to
	// build internalBaseURL. Tests point it at 127.0.0.1 to reach an
	// httptest.Server; production leaves it empty to use "prowlarr".
	internalHost string
}

func NewProwlarrClient(cfg config.StackConfig, store *config.Store) *ProwlarrClient {
	return &ProwlarrClient{Config: cfg, Store: store}
}

func (c *ProwlarrClient) configDir() string {
	return filepath.Join(c.Config.Paths.Appdata, prowlarrSubsystem)
}

// internalBaseURL is the container-network address of Prowlarr's v1
// API that this client calls: the compose service name with the
// configured Prowlarr port.
func (c *ProwlarrClient) internalBaseURL() string {
	host := c.internalHost
	if host == "" {
		host = "prowlarr"
	}
	return fmt.Sprintf("http://%s:%d/api/v1", host, c.Config.Services.Prowlarr.Port)
}

func (c *ProwlarrClient) Ensure(ctx context.Context) (string, error) {
	if err := ensureDir(c.configDir()); err != nil {
		return "", err
	}
	apiKey, err := WaitForCredentialFile(ctx, c.configDir(), "config.xml", 180*time.Second, extractArrAPIKey)
	if err != nil {
		return "", config.NewReadinessTimeoutError(prowlarrSubsystem, c.configDir()+"/config.xml")
	}

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	var messages []string
	changed := false
	if secrets[prowlarrSubsystem]["api_key"] != apiKey {
		if err := c.Store.SetSecret(prowlarrSubsystem, "api_key", apiKey); err != nil {
			return "", fmt.Errorf("persist api key: %w", err)
		}
		messages = append(messages, "refreshed API key from config.xml")
	}

	uiUsername, uiPassword, err := c.bootstrapUICredentials()
	if err != nil {
		return "", err
	}

	radarrKey := secrets[radarrSubsystem]["api_key"]
	sonarrKey := secrets[sonarrSubsystem]["api_key"]
	if c.Config.Services.Radarr.Enabled && radarrKey == "" {
		return "", fmt.Errorf("waiting for Radarr API key")
	}
	if c.Config.Services.Sonarr.Enabled && sonarrKey == "" {
		return "", fmt.Errorf("waiting for Sonarr API key")
	}

	baseURL := c.internalBaseURL()
	if ok, detail := WaitForReady(ctx, baseURL+"/system/status", 180*time.Second, 5*time.Second); !ok {
		return "", config.NewReadinessTimeoutError(prowlarrSubsystem, detail)
	}

	hostChanged, err := c.ensureHostSettings(ctx, baseURL, apiKey, uiUsername, uiPassword)
	if err != nil {
		return "", fmt.Errorf("prowlarr host settings: %w", err)
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
		return "", fmt.Errorf("prowlarr unreachable: %w", err)
	}
	onlineMsg := "online"
	if status.Version != "" {
		onlineMsg = fmt.Sprintf("online (v%s)", status.Version)
	}
	messages = append([]string{onlineMsg}, messages...)

	if c.Config.Services.Radarr.Enabled && radarrKey != "" {
		appChanged, msg, err := c.ensureApplication(ctx, api, "Radarr", radarrSubsystem, radarrKey, c.Config.Services.Radarr.Port)
		if err != nil {
			return "", fmt.Errorf("prowlarr radarr application: %w", err)
		}
		if msg != "" {
			messages = append(messages, msg)
		}
		changed = changed || appChanged
	}
	if c.Config.Services.Sonarr.Enabled && sonarrKey != "" {
		appChanged, msg, err := c.ensureApplication(ctx, api, "Sonarr", sonarrSubsystem, sonarrKey, c.Config.Services.Sonarr.Port)
		if err != nil {
			return "", fmt.Errorf("prowlarr sonarr application: %w", err)
		}
		if msg != "" {
			messages = append(messages, msg)
		}
		changed = changed || appChanged
	}

	services, err := c.Store.LoadServices()
	if err != nil {
		return "", fmt.Errorf("load services state: %w", err)
	}
	entry := servicesEntry(services, prowlarrSubsystem)
	if populated, _ := entry["indexers_populated"].(bool); !populated {
		added, skipped, _, err := c.AutoPopulateIndexers(ctx)
		if err != nil {
			return "", fmt.Errorf("prowlarr indexer population: %w", err)
		}
		if len(added) > 0 {
			messages = append(messages, fmt.Sprintf("added %d indexers", len(added)))
			changed = true
		}
		if len(added) > 0 || len(skipped) > 0 {
			entry["indexers_populated"] = true
			services[prowlarrSubsystem] = entry
			if err := c.Store.SaveServices(services); err != nil {
				return "", fmt.Errorf("save services state: %w", err)
			}
		}
	}

	_ = changed
	return strings.Join(messages, "; "), nil
}

// Verify checks that each enabled library manager has a linked
// application entry, matched by implementation name only; the entries'
// URLs and API keys are not compared.
func (c *ProwlarrClient) Verify(ctx context.Context) (string, error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	apiKey := secrets[prowlarrSubsystem]["api_key"]
	if apiKey == "" {
		return "", config.NewCredentialError(prowlarrSubsystem, "missing api key")
	}

	api := NewArrAPI(c.internalBaseURL(), apiKey)
	var existing []map[string]interface{}
	if err := api.GetJSON(ctx, "/applications", &existing); err != nil {
		return "", fmt.Errorf("prowlarr unreachable: %w", err)
	}

	type expectedApp struct {
		display string
		port    int
	}
	var expected []expectedApp
	if c.Config.Services.Radarr.Enabled {
		expected = append(expected, expectedApp{"Radarr", c.Config.Services.Radarr.Port})
	}
	if c.Config.Services.Sonarr.Enabled {
		expected = append(expected, expectedApp{"Sonarr", c.Config.Services.Sonarr.Port})
	}

	var missing []string
	for _, exp := range expected {
		found := false
		for _, entry := range existing {
			if asLowerString(entry["implementation"]) == strings.ToLower(exp.display) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, exp.display)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing apps: %s", strings.Join(missing, ", "))
	}
	return "applications ok", nil
}

func (c *ProwlarrClient) bootstrapUICredentials() (username, password string, err error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", "", fmt.Errorf("load secrets: %w", err)
	}
	stored := secrets[prowlarrSubsystem]

	username = stored["ui_username"]
	if username == "" {
		username = "prowlarr-admin"
		if err := c.Store.SetSecret(prowlarrSubsystem, "ui_username", username); err != nil {
			return "", "", err
		}
	}
	password = stored["ui_password"]
	if password == "" {
		password, err = randomToken(12)
		if err != nil {
			return "", "", err
		}
		if err := c.Store.SetSecret(prowlarrSubsystem, "ui_password", password); err != nil {
			return "", "", err
		}
	}
	return username, password, nil
}

func (c *ProwlarrClient) ensureHostSettings(ctx context.Context, baseURL, apiKey, username, password string) (bool, error) {
	api := NewArrAPI(baseURL, apiKey)

	var hostConfig map[string]interface{}
	if err := api.GetJSON(ctx, "/config/host", &hostConfig); err != nil {
		return false, err
	}

	dbPath := filepath.Join(c.configDir(), prowlarrSubsystem+".db")
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

	if ok, detail := WaitForReady(ctx, baseURL+"/system/status", 120*time.Second, 5*time.Second); !ok {
		return false, fmt.Errorf("host settings sync failed (%s)", detail)
	}
	return true, nil
}

// ensureApplication upserts the application linkage for one library
// manager, matching by implementation name.
func (c *ProwlarrClient) ensureApplication(ctx context.Context, api *ArrAPI, displayName, serviceName, apiKey string, servicePort int) (bool, string, error) {
	serviceURL := fmt.Sprintf("http://%s:%d", serviceName, servicePort)
	desired := map[string]interface{}{
		"prowlarrUrl": fmt.Sprintf("http://prowlarr:%d", c.Config.Services.Prowlarr.Port),
		"baseUrl":     serviceURL,
		"apiKey":      apiKey,
	}

	var existing []map[string]interface{}
	if err := api.GetJSON(ctx, "/applications", &existing); err != nil {
		return false, "", err
	}

	for _, entry := range existing {
		if asLowerString(entry["implementation"]) != strings.ToLower(displayName) {
			continue
		}
		id := asInt(entry["id"])
		fields := fieldValues(entry["fields"])
		if normalizeBaseURL(fmt.Sprint(fields["baseUrl"])) == normalizeBaseURL(serviceURL) &&
			fields["apiKey"] == apiKey {
			return false, fmt.Sprintf("application %s ready", displayName), nil
		}

		entry["fields"] = mergeFieldValues(entry["fields"], desired)
		if err := api.PutJSON(ctx, fmt.Sprintf("/applications/%d", id), entry, nil); err != nil {
			return false, "", err
		}
		return true, fmt.Sprintf("updated %s application", displayName), nil
	}

	var schema []map[string]interface{}
	if err := api.GetJSON(ctx, "/applications/schema", &schema); err != nil {
		return false, "", err
	}
	var template map[string]interface{}
	for _, entry := range schema {
		if asLowerString(entry["implementation"]) == strings.ToLower(displayName) {
			template = entry
			break
		}
	}
	if template == nil {
		return false, fmt.Sprintf("schema for %s not found", displayName), nil
	}

	payload := map[string]interface{}{
		"name":               displayName,
		"implementation":     stringOr(template["implementation"], displayName),
		"implementationName": stringOr(template["implementationName"], displayName),
		"protocol":           stringOr(template["protocol"], "torrent"),
		"configContract":     template["configContract"],
		"enable":             true,
		"syncProfileId":      1,
		"tags":               []int{},
		"fields":             mergeFieldValues(template["fields"], desired),
	}
	if err := api.PostJSON(ctx, "/applications", payload, nil); err != nil {
		return false, "", err
	}
	return true, fmt.Sprintf("created %s application", displayName), nil
}

func normalizeBaseURL(value string) string {
	v := strings.TrimSpace(value)
	if v == "" || v == "/" {
		return ""
	}
	return strings.TrimRight(v, "/")
}

// AutoPopulateIndexers adds every public indexer definition that
// supports the Movies or TV categories and at least one of RSS/search,
// optionally filtered by the configured audio languages. It is safe to
// call repeatedly: already-configured indexers are reported as
// skipped rather than re-added.
func (c *ProwlarrClient) AutoPopulateIndexers(ctx context.Context) (added, skipped, failed []string, err error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load secrets: %w", err)
	}
	apiKey := secrets[prowlarrSubsystem]["api_key"]
	if apiKey == "" {
		return nil, nil, nil, config.NewCredentialError(prowlarrSubsystem, "missing api key")
	}

	api := NewArrAPI(c.internalBaseURL(), apiKey)
	schemas, err := c.fetchIndexerSchemas(ctx, api)
	if err != nil {
		return nil, nil, nil, err
	}

	var existing []map[string]interface{}
	if err := api.GetJSON(ctx, "/indexer", &existing); err != nil {
		return nil, nil, nil, err
	}
	existingNames := map[string]bool{}
	for _, idx := range existing {
		existingNames[strings.ToLower(fmt.Sprint(idx["name"]))] = true
		existingNames[strings.ToLower(fmt.Sprint(idx["implementation"]))] = true
	}

	languageFilter := c.Config.Services.Prowlarr.LanguageFilter
	userLanguages := c.userLanguages()
	candidates := filterIndexerCandidates(schemas, userLanguages, languageFilter)

	for _, schema := range candidates {
		key := strings.ToLower(schema.Name)
		if existingNames[key] {
			skipped = append(skipped, schema.Name)
			continue
		}
		if err := api.PostJSON(ctx, "/indexer", buildIndexerPayload(schema), nil); err != nil {
			failed = append(failed, schema.Name)
			continue
		}
		added = append(added, schema.Name)
		existingNames[key] = true
	}

	sort.Strings(added)
	sort.Strings(skipped)
	sort.Strings(failed)
	return added, skipped, failed, nil
}

// GetAvailableIndexers lists every public indexer schema Prowlarr can
// add, sorted by name, for the out-of-scope UI layer.
func (c *ProwlarrClient) GetAvailableIndexers(ctx context.Context) ([]IndexerSchema, error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return nil, err
	}
	apiKey := secrets[prowlarrSubsystem]["api_key"]
	if apiKey == "" {
		return nil, config.NewCredentialError(prowlarrSubsystem, "missing api key")
	}
	api := NewArrAPI(c.internalBaseURL(), apiKey)
	schemas, err := c.fetchIndexerSchemas(ctx, api)
	if err != nil {
		return nil, err
	}
	var public []IndexerSchema
	for _, s := range schemas {
		if s.Privacy == "public" {
			public = append(public, s)
		}
	}
	sort.Slice(public, func(i, j int) bool { return strings.ToLower(public[i].Name) < strings.ToLower(public[j].Name) })
	return public, nil
}

// GetConfiguredIndexers lists the indexers currently present in
// Prowlarr, for the out-of-scope UI layer.
func (c *ProwlarrClient) GetConfiguredIndexers(ctx context.Context) ([]map[string]interface{}, error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return nil, err
	}
	apiKey := secrets[prowlarrSubsystem]["api_key"]
	if apiKey == "" {
		return nil, config.NewCredentialError(prowlarrSubsystem, "missing api key")
	}
	api := NewArrAPI(c.internalBaseURL(), apiKey)
	var indexers []map[string]interface{}
	if err := api.GetJSON(ctx, "/indexer", &indexers); err != nil {
		return nil, err
	}
	return indexers, nil
}

// AddIndexers adds indexers by their schema definition name, for the
// out-of-scope UI layer. Returns the names successfully added (or
// already present) and the names that failed.
func (c *ProwlarrClient) AddIndexers(ctx context.Context, names []string) (added, failed []string, err error) {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return nil, nil, err
	}
	apiKey := secrets[prowlarrSubsystem]["api_key"]
	if apiKey == "" {
		return nil, names, config.NewCredentialError(prowlarrSubsystem, "missing api key")
	}
	api := NewArrAPI(c.internalBaseURL(), apiKey)
	schemas, err := c.fetchIndexerSchemas(ctx, api)
	if err != nil {
		return nil, nil, err
	}
	byName := map[string]IndexerSchema{}
	for _, s := range schemas {
		byName[strings.ToLower(s.Name)] = s
	}

	var existing []map[string]interface{}
	if err := api.GetJSON(ctx, "/indexer", &existing); err != nil {
		return nil, nil, err
	}
	existingNames := map[string]bool{}
	for _, idx := range existing {
		existingNames[strings.ToLower(fmt.Sprint(idx["name"]))] = true
		existingNames[strings.ToLower(fmt.Sprint(idx["implementation"]))] = true
	}

	for _, name := range names {
		key := strings.ToLower(name)
		schema, ok := byName[key]
		if !ok {
			failed = append(failed, name)
			continue
		}
		if existingNames[key] {
			added = append(added, name)
			continue
		}
		if err := api.PostJSON(ctx, "/indexer", buildIndexerPayload(schema), nil); err != nil {
			failed = append(failed, name)
			continue
		}
		added = append(added, name)
	}
	return added, failed, nil
}

// RemoveIndexer deletes one indexer by id, for the out-of-scope UI
// layer.
func (c *ProwlarrClient) RemoveIndexer(ctx context.Context, indexerID int) error {
	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return err
	}
	apiKey := secrets[prowlarrSubsystem]["api_key"]
	if apiKey == "" {
		return config.NewCredentialError(prowlarrSubsystem, "missing api key")
	}
	api := NewArrAPI(c.internalBaseURL(), apiKey)
	return api.Delete(ctx, fmt.Sprintf("/indexer/%d", indexerID))
}

func (c *ProwlarrClient) fetchIndexerSchemas(ctx context.Context, api *ArrAPI) ([]IndexerSchema, error) {
	var raw []map[string]interface{}
	if err := api.GetJSON(ctx, "/indexer/schema", &raw); err != nil {
		return nil, err
	}
	schemas := make([]IndexerSchema, 0, len(raw))
	for _, entry := range raw {
		schemas = append(schemas, parseIndexerSchema(entry))
	}
	return schemas, nil
}

func parseIndexerSchema(entry map[string]interface{}) IndexerSchema {
	caps, _ := entry["capabilities"].(map[string]interface{})
	var categoryIDs []int
	if caps != nil {
		if cats, ok := caps["categories"].([]interface{}); ok {
			for _, cat := range cats {
				if m, ok := cat.(map[string]interface{}); ok {
					categoryIDs = append(categoryIDs, asInt(m["id"]))
				}
			}
		}
	}

	var fields []Field
	if raw, ok := entry["fields"].([]interface{}); ok {
		for _, f := range raw {
			if m, ok := f.(map[string]interface{}); ok {
				name, _ := m["name"].(string)
				value := m["value"]
				if value == nil {
					value = m["default"]
				}
				fields = append(fields, Field{Name: name, Value: value})
			}
		}
	}

	return IndexerSchema{
		Name:             fmt.Sprint(entry["name"]),
		Implementation:   stringOr(entry["implementation"], fmt.Sprint(entry["name"])),
		ImplementationNm: stringOr(entry["implementationName"], fmt.Sprint(entry["name"])),
		Description:      fmt.Sprint(entry["description"]),
		Language:         fmt.Sprint(entry["language"]),
		Privacy:          strings.ToLower(fmt.Sprint(entry["privacy"])),
		Protocol:         stringOr(entry["protocol"], "torrent"),
		ConfigContract:   fmt.Sprint(entry["configContract"]),
		SupportsRSS:      asBool(entry["supportsRss"]),
		SupportsSearch:   asBool(entry["supportsSearch"]),
		CategoryIDs:      categoryIDs,
		Fields:           fields,
	}
}

func buildIndexerPayload(schema IndexerSchema) map[string]interface{} {
	fields := make([]map[string]interface{}, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		fields = append(fields, map[string]interface{}{"name": f.Name, "value": f.Value})
	}
	return map[string]interface{}{
		"name":               schema.Name,
		"implementation":     schema.Implementation,
		"implementationName": schema.ImplementationNm,
		"configContract":     schema.ConfigContract,
		"protocol":           schema.Protocol,
		"privacy":            schema.Privacy,
		"enable":             true,
		"priority":           25,
		"appProfileId":       1,
		"tags":               []int{},
		"fields":             fields,
	}
}

func filterIndexerCandidates(schemas []IndexerSchema, userLanguages []string, languageFilter bool) []IndexerSchema {
	var candidates []IndexerSchema
	for _, s := range schemas {
		if s.Privacy != "public" {
			continue
		}
		supportsMovies := containsInt(s.CategoryIDs, prowlarrCategoryMovies)
		supportsTV := containsInt(s.CategoryIDs, prowlarrCategoryTV)
		if !supportsMovies && !supportsTV {
			continue
		}
		if languageFilter && !languageMatches(s.Language, userLanguages) {
			continue
		}
		if !s.SupportsRSS && !s.SupportsSearch {
			continue
		}
		candidates = append(candidates, s)
	}
	return candidates
}

func languageMatches(indexerLanguage string, userLanguages []string) bool {
	if indexerLanguage == "" {
		return true
	}
	lower := strings.ToLower(indexerLanguage)
	for _, code := range userLanguages {
		patterns, known := LanguageMap[code]
		if !known {
			if len(code) >= 2 && strings.HasPrefix(lower, strings.ToLower(code[:2])) {
				return true
			}
			continue
		}
		for _, p := range patterns {
			if strings.HasPrefix(lower, strings.ToLower(p)) {
				return true
			}
		}
	}
	return false
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

// userLanguages extracts the unique audio language codes from the
// movies media policy, defaulting to English when none are set.
func (c *ProwlarrClient) userLanguages() []string {
	seen := map[string]bool{}
	var out []string
	for _, code := range c.Config.MediaPolicy.Movies.KeepAudio {
		if code == "und" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	if len(out) == 0 {
		return []string{"eng"}
	}
	return out
}
