package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"orchestrator/internal/config"
	"orchestrator/internal/containerizer"
	"orchestrator/pkg/logging"
)

const qbittorrentSubsystem = "qbittorrent"

// Disk-level credential repair timing: how long to wait for the
// container to come back up after a restart before retrying login.
const (
	repairReadinessTimeout  = 180 * time.Second
	repairReadinessInterval = 3 * time.Second
)

// restartContainer is a seam over containerizer.RestartContainer so
// tests can stub the credential repair path's container bounce without
// shelling out to docker.
var restartContainer = containerizer.RestartContainer

// tempPasswordPattern matches the session password qBittorrent logs on
// first start when no Web UI credentials have been configured yet.
var tempPasswordPattern = regexp.MustCompile(`(?i)temporary password (?:is provided )?for this session: (\S+)`)

// QbittorrentClient configures qBittorrent's Web API: login, Web UI
// credentials, save paths, and the three download categories shared
// with radarr/sonarr.
type QbittorrentClient struct {
	Config      config.StackConfig
	Store       *config.Store
	ContainerID string // docker container name to read the temp-password log line from

	httpClient func() *http.Client
}

// NewQbittorrentClient builds a client for the torrent service entry in
// cfg, persisting discovered/generated credentials through store.
func NewQbittorrentClient(cfg config.StackConfig, store *config.Store) *QbittorrentClient {
	return &QbittorrentClient{Config: cfg, Store: store, ContainerID: "qbittorrent"}
}

func (c *QbittorrentClient) newClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient()
	}
	jar, _ := cookiejar.New(nil)
	return &http.Client{Jar: jar, Timeout: 10 * time.Second}
}

// Ensure logs in with the best available credentials, applies the
// desired Web UI username/password and save paths, and creates or
// updates the three download categories.
func (c *QbittorrentClient) Ensure(ctx context.Context) (string, error) {
	qbCfg := c.Config.Services.Qbittorrent
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", qbCfg.Port)

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	stored := secrets[qbittorrentSubsystem]

	storedUsername := stored["username"]
	if storedUsername == "" {
		storedUsername = qbCfg.Username
	}
	storedPassword := stored["password"]

	candidates := loginCandidates(qbCfg.Username, qbCfg.Password, storedUsername, storedPassword)
	if temp := c.fetchTemporaryPassword(ctx); temp != "" {
		candidates = append(candidates, credentialPair{username: "admin", password: temp})
	}

	client := c.newClient()
	activeUsername, activePassword, err := authenticate(ctx, client, baseURL, candidates)
	if err != nil {
		activeUsername, activePassword, err = c.repairAndRetry(ctx, client, baseURL, qbCfg)
		if err != nil {
			return "", fmt.Errorf("authentication failed (unable to login with known credentials): %w", err)
		}
	}

	targetPassword := qbCfg.Password
	if targetPassword == "" {
		targetPassword = activePassword
	}
	if targetPassword == "" {
		targetPassword, err = randomToken(16)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
	}

	prefsChanged, err := c.configurePreferences(ctx, client, baseURL, qbCfg, targetPassword)
	if err != nil {
		return "", err
	}

	categoriesChanged, err := c.ensureCategories(ctx, client, baseURL)
	if err != nil {
		return "", err
	}

	stateDirty := false
	if stored["username"] != qbCfg.Username {
		if err := c.Store.SetSecret(qbittorrentSubsystem, "username", qbCfg.Username); err != nil {
			return "", fmt.Errorf("persist username: %w", err)
		}
		stateDirty = true
	}
	if stored["password"] != targetPassword {
		if err := c.Store.SetSecret(qbittorrentSubsystem, "password", targetPassword); err != nil {
			return "", fmt.Errorf("persist password: %w", err)
		}
		stateDirty = true
	}
	_ = activeUsername // only used to authenticate; the desired username is what we persist

	categories := c.Config.DownloadPolicy.Categories
	detail := fmt.Sprintf(
		"user=%s categories=radarr:%s,sonarr:%s,anime:%s",
		qbCfg.Username, categories.Radarr, categories.Sonarr, categories.Anime,
	)
	_ = prefsChanged || categoriesChanged || stateDirty
	return detail, nil
}

// Verify logs in with the stored credentials and reports whether the
// API is reachable and authenticated, without changing anything.
func (c *QbittorrentClient) Verify(ctx context.Context) (string, error) {
	qbCfg := c.Config.Services.Qbittorrent
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", qbCfg.Port)

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return "", fmt.Errorf("load secrets: %w", err)
	}
	stored := secrets[qbittorrentSubsystem]

	username := stored["username"]
	if username == "" {
		username = qbCfg.Username
	}
	candidates := []credentialPair{{username: username, password: stored["password"]}}

	client := c.newClient()
	if _, _, err := authenticate(ctx, client, baseURL, candidates); err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	return "authenticated", nil
}

type credentialPair struct {
	username string
	password string
}

// loginCandidates orders the set of credential pairs worth trying: the
// stored session wins first, then the desired configured credentials,
// then the two default fallbacks qBittorrent ships with.
func loginCandidates(desiredUsername, desiredPassword, storedUsername, storedPassword string) []credentialPair {
	var candidates []credentialPair
	seen := map[credentialPair]bool{}
	add := func(p credentialPair) {
		if p.password == "" || seen[p] {
			return
		}
		seen[p] = true
		candidates = append(candidates, p)
	}

	add(credentialPair{username: storedUsername, password: storedPassword})
	add(credentialPair{username: desiredUsername, password: desiredPassword})
	add(credentialPair{username: desiredUsername, password: "adminadmin"})
	add(credentialPair{username: "admin", password: "adminadmin"})
	return candidates
}

// repairAndRetry implements the §4.4.1 disk-level credential repair
// path: every login candidate has failed, so the desired username and
// a PBKDF2-HMAC-SHA512 hash of the desired (or freshly generated)
// password are written directly into qBittorrent's own config file,
// the container is restarted, and login is retried once the Web UI
// answers again.
func (c *QbittorrentClient) repairAndRetry(ctx context.Context, client *http.Client, baseURL string, qbCfg config.QbittorrentConfig) (string, string, error) {
	username := qbCfg.Username
	if username == "" {
		username = "admin"
	}
	password := qbCfg.Password
	if password == "" {
		var err error
		password, err = randomToken(16)
		if err != nil {
			return "", "", fmt.Errorf("generate repair password: %w", err)
		}
	}

	logging.Warn(qbittorrentSubsystem, "no known credential authenticated, repairing credentials on disk")

	if err := repairCredentialsOnDisk(c.configPath(), username, password); err != nil {
		return "", "", fmt.Errorf("repair credentials on disk: %w", err)
	}

	if ok, detail := restartContainer(ctx, c.ContainerID); !ok {
		return "", "", fmt.Errorf("restart container after credential repair: %s", detail)
	}

	if ok, detail := WaitForReady(ctx, baseURL+"/api/v2/app/version", repairReadinessTimeout, repairReadinessInterval); !ok {
		return "", "", fmt.Errorf("service did not become ready after credential repair: %s", detail)
	}

	return authenticate(ctx, client, baseURL, []credentialPair{{username: username, password: password}})
}

func authenticate(ctx context.Context, client *http.Client, baseURL string, candidates []credentialPair) (string, string, error) {
	for _, cred := range candidates {
		form := url.Values{"username": {cred.username}, "password": {cred.password}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v2/auth/login", strings.NewReader(form.Encode()))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Referer", baseURL+"/")
		req.Header.Set("Origin", baseURL)
		req.Header.Set("User-Agent", "orchestrator/1.0")

		resp, err := client.Do(req)
		if err != nil {
			continue
		}
		body := readAndClose(resp)
		if resp.StatusCode == http.StatusOK && strings.TrimSpace(body) == "Ok." {
			return cred.username, cred.password, nil
		}
	}
	return "", "", config.NewCredentialError(qbittorrentSubsystem, "no known credential pair authenticated")
}

// fetchTemporaryPassword reads the container's recent log lines,
// looking for the one-shot session password qBittorrent prints on a
// fresh data directory. A failure to read logs (daemon unreachable,
// container not yet started) is not itself an error: it just means no
// candidate was found this way.
func (c *QbittorrentClient) fetchTemporaryPassword(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "docker", "logs", c.ContainerID, "--tail", "200").CombinedOutput()
	if err != nil {
		logging.Debug(qbittorrentSubsystem, "unable to read container logs for %s: %v", c.ContainerID, err)
		return ""
	}
	lines := strings.Split(string(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if m := tempPasswordPattern.FindStringSubmatch(lines[i]); m != nil {
			logging.Debug(qbittorrentSubsystem, "captured temporary password from container logs")
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func (c *QbittorrentClient) configurePreferences(ctx context.Context, client *http.Client, baseURL string, qbCfg config.QbittorrentConfig, targetPassword string) (bool, error) {
	const downloadsRoot = "/downloads"
	completePath := downloadsRoot + "/complete"
	incompletePath := downloadsRoot + "/incomplete"

	prefs := map[string]interface{}{
		"save_path":           completePath,
		"temp_path_enabled":   true,
		"temp_path":           incompletePath,
		"max_ratio_enabled":   qbCfg.StopAfterDownload,
		"max_ratio":           0,
		"max_ratio_action":    0,
		"auto_tmm_enabled":    false,
		"scan_dirs":           map[string]int{completePath: 0},
		"web_ui_username":     qbCfg.Username,
		"web_ui_password":     targetPassword,
	}
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return false, fmt.Errorf("encode preferences: %w", err)
	}

	form := url.Values{"json": {string(encoded)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v2/app/setPreferences", strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", baseURL+"/")

	resp, err := client.Do(req)
	if err != nil {
		return false, fmt.Errorf("set preferences: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, config.NewAPIError(qbittorrentSubsystem, resp.StatusCode, readAndClose(resp))
	}
	return true, nil
}

func (c *QbittorrentClient) ensureCategories(ctx context.Context, client *http.Client, baseURL string) (bool, error) {
	categories := c.Config.DownloadPolicy.Categories
	mapping := map[string]string{
		categories.Radarr: "/downloads/complete/movies",
		categories.Sonarr: "/downloads/complete/tv",
		categories.Anime:  "/downloads/complete/anime",
	}

	changed := false
	for name, savePath := range mapping {
		if name == "" {
			continue
		}
		wasChanged, err := c.createOrUpdateCategory(ctx, client, baseURL, name, savePath)
		if err != nil {
			return changed, err
		}
		changed = changed || wasChanged
	}
	return changed, nil
}

// createOrUpdateCategory creates the category; if it already exists
// (409), falls back to editing it in place.
func (c *QbittorrentClient) createOrUpdateCategory(ctx context.Context, client *http.Client, baseURL, name, savePath string) (bool, error) {
	form := url.Values{"category": {name}, "savePath": {savePath}}
	status, err := c.postForm(ctx, client, baseURL+"/api/v2/torrents/createCategory", form)
	if err != nil {
		return false, err
	}
	if status == http.StatusOK {
		return true, nil
	}
	if status != http.StatusConflict {
		return false, config.NewAPIError(qbittorrentSubsystem, status, "createCategory")
	}

	status, err = c.postForm(ctx, client, baseURL+"/api/v2/torrents/editCategory", form)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK && status != http.StatusConflict {
		return false, config.NewAPIError(qbittorrentSubsystem, status, "editCategory")
	}
	return status == http.StatusOK, nil
}

func (c *QbittorrentClient) postForm(ctx context.Context, client *http.Client, target string, form url.Values) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// TorrentEntry is one row from the torrent client's completed-downloads
// listing, trimmed to the fields the media pipeline worker needs.
type TorrentEntry struct {
	Hash        string
	Name        string
	Category    string
	ContentPath string
}

// TorrentFile is one file belonging to a torrent, relative to its
// content path.
type TorrentFile struct {
	Name string
	Size int64
}

// Session is an authenticated handle the pipeline worker reuses across
// a single tick's listing/file/delete calls, avoiding a fresh login per
// call the way Ensure/Verify each perform their own.
type Session struct {
	client  *http.Client
	baseURL string
}

// Authenticate logs in with the best available stored credentials and
// returns a Session for subsequent torrent queries.
func (c *QbittorrentClient) Authenticate(ctx context.Context) (*Session, error) {
	qbCfg := c.Config.Services.Qbittorrent
	baseURL := fmt.Sprintf("http://127.0.0.1:%d", qbCfg.Port)

	secrets, err := c.Store.LoadSecrets()
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	stored := secrets[qbittorrentSubsystem]
	username := stored["username"]
	if username == "" {
		username = qbCfg.Username
	}
	candidates := loginCandidates(qbCfg.Username, qbCfg.Password, username, stored["password"])

	client := c.newClient()
	if _, _, err := authenticate(ctx, client, baseURL, candidates); err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return &Session{client: client, baseURL: baseURL}, nil
}

// ListCompleted returns every torrent the client reports in the
// "completed" filter state.
func (s *Session) ListCompleted(ctx context.Context) ([]TorrentEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v2/torrents/info?filter=completed", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, config.NewAPIError(qbittorrentSubsystem, resp.StatusCode, "torrents/info")
	}

	var raw []struct {
		Hash        string `json:"hash"`
		Name        string `json:"name"`
		Category    string `json:"category"`
		ContentPath string `json:"content_path"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode torrents/info: %w", err)
	}

	entries := make([]TorrentEntry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, TorrentEntry{
			Hash:        r.Hash,
			Name:        r.Name,
			Category:    r.Category,
			ContentPath: r.ContentPath,
		})
	}
	return entries, nil
}

// Files lists the files belonging to a torrent by hash.
func (s *Session) Files(ctx context.Context, hash string) ([]TorrentFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v2/torrents/files?hash="+url.QueryEscape(hash), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, config.NewAPIError(qbittorrentSubsystem, resp.StatusCode, "torrents/files")
	}

	var raw []struct {
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode torrents/files: %w", err)
	}

	files := make([]TorrentFile, 0, len(raw))
	for _, r := range raw {
		files = append(files, TorrentFile{Name: r.Name, Size: r.Size})
	}
	return files, nil
}

// Delete removes a torrent from the client without deleting its files,
// once the pipeline worker has moved the remuxed output out.
func (s *Session) Delete(ctx context.Context, hash string) error {
	form := url.Values{"hashes": {hash}, "deleteFiles": {"false"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v2/torrents/delete", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return config.NewAPIError(qbittorrentSubsystem, resp.StatusCode, "torrents/delete")
	}
	return nil
}

func readAndClose(resp *http.Response) string {
	defer resp.Body.Close()
	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n])
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
