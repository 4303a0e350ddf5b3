// Package apply drives the fourteen-stage converge run: validate the
// incoming config, prepare the host filesystem and TLS assets, render
// the compose bundle, bring the stack up, wait for every enabled
// service to accept connections, then reconcile each service's own
// configuration through the dependency scheduler.
package apply

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"orchestrator/internal/config"
	"orchestrator/internal/containerizer"
	"orchestrator/internal/dependency"
	"orchestrator/internal/diff"
	"orchestrator/internal/services"
	"orchestrator/internal/template"
	"orchestrator/pkg/logging"
)

const applySubsystem = "apply"

// readinessTimeout bounds how long wait.<service> stages poll a
// service's port before the run fails, grounded on
// original_source/orchestrator/converge/runner.py's
// ApplyRunner._wait_for_services (timeout=180).
const readinessTimeout = 180 * time.Second

// readinessRetryInterval is the pause between readiness connect
// attempts, matching _wait_for_port's time.sleep(3).
const readinessRetryInterval = 3 * time.Second

const (
	adminUsername = "admin"
	adminPassword = "adminadmin"
)

// Runner executes apply runs against a single config store. Concurrent
// calls to Run are serialized through a singleflight group keyed on a
// constant, so two overlapping apply requests against the same store
// collapse into one run rather than racing its state-section writes
// (SPEC_FULL §5).
type Runner struct {
	Store    *config.Store
	Engine   *template.Engine
	RootDir  string // directory the generated/ compose bundle is rendered under

	group singleflight.Group
}

// NewRunner builds a Runner rooted at rootDir, rendering the generated
// compose bundle into rootDir/generated.
func NewRunner(store *config.Store, rootDir string) *Runner {
	return &Runner{Store: store, Engine: template.New(), RootDir: rootDir}
}

// Result is the outcome of one apply run.
type Result struct {
	RunID  string
	OK     bool
	Events []config.StageEvent
}

// Run executes the fourteen-stage sequence against cfg. A call made while
// another apply is in flight on the same Runner does not start a run of
// its own: it waits for and returns the in-flight run's Result, whatever
// cfg that run was given. It never returns an
// error itself; failures are reported through Result.OK and the
// recorded stage events, matching the Python original's (bool, events)
// return shape.
func (r *Runner) Run(ctx context.Context, cfg config.StackConfig) (Result, error) {
	v, err, _ := r.group.Do("apply", func() (interface{}, error) {
		return r.run(ctx, cfg), nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (r *Runner) run(ctx context.Context, cfg config.StackConfig) Result {
	runID := uuid.NewString()
	res := Result{RunID: runID}

	if err := r.Store.StartRun(runID); err != nil {
		logging.Error(applySubsystem, err, "start run %s", runID)
		return res
	}

	// Stage 1: diff. Advisory only - it never fails the run, it just
	// records what changed relative to the previously persisted config.
	r.record(&res, "diff", config.StageStarted, "")
	if old, ok, err := r.Store.LoadConfig(); err == nil && ok {
		d := diff.Compute(old, cfg)
		r.record(&res, "diff", config.StageOK, strings.Join(d.SummaryLines(), "; "))
	} else {
		r.record(&res, "diff", config.StageOK, "no prior config to compare")
	}

	// Stage 2: validate.
	r.record(&res, "validate", config.StageStarted, "")
	if verrs := config.NewValidator(cfg).Validate(); verrs != nil {
		r.record(&res, "validate", config.StageFailed, verrs.Error())
		r.finalize(runID, &res, false, "Validation failed")
		return res
	}
	r.record(&res, "validate", config.StageOK, "all checks passed")

	// Stage 3: prepare.paths.
	r.record(&res, "prepare.paths", config.StageStarted, "")
	dirs, err := r.Store.EnsureDirs(cfg)
	if err != nil {
		r.record(&res, "prepare.paths", config.StageFailed, err.Error())
		r.finalize(runID, &res, false, "Directory preparation failed")
		return res
	}
	r.record(&res, "prepare.paths", config.StageOK, fmt.Sprintf("%d directories ready", len(dirs)))

	// Stage 4: prepare.proxy.
	r.record(&res, "prepare.proxy", config.StageStarted, "")
	_, proxyDetail := ensureTraefikAssets(cfg)
	r.record(&res, "prepare.proxy", config.StageOK, proxyDetail)

	// Stage 5: prepare.secrets.
	r.record(&res, "prepare.secrets", config.StageStarted, "")
	secretsDetail, secretValues, err := r.ensureSecrets(cfg)
	if err != nil {
		r.record(&res, "prepare.secrets", config.StageFailed, err.Error())
		r.finalize(runID, &res, false, "Secrets preparation failed")
		return res
	}
	r.record(&res, "prepare.secrets", config.StageOK, secretsDetail)

	// Stage 6: render.
	r.record(&res, "render", config.StageStarted, "")
	outputDir := r.generatedDir()
	result, err := r.Engine.Render(cfg, secretValues, configHash(cfg), outputDir)
	if err != nil {
		r.record(&res, "render", config.StageFailed, err.Error())
		r.finalize(runID, &res, false, "Render failed")
		return res
	}
	renderDetail := "docker-compose.yml, .env"
	if len(result.SecretFiles) > 0 {
		renderDetail = fmt.Sprintf("%s, %d secrets", renderDetail, len(result.SecretFiles))
	}
	r.record(&res, "render", config.StageOK, renderDetail)

	// Stage 7: persist. The rendered config becomes the new authoritative
	// copy only once it has successfully produced a compose bundle.
	r.record(&res, "persist", config.StageStarted, "")
	if err := r.Store.SaveConfig(cfg); err != nil {
		r.record(&res, "persist", config.StageFailed, err.Error())
		r.finalize(runID, &res, false, "Persisting config failed")
		return res
	}
	r.record(&res, "persist", config.StageOK, "stack.yaml")

	// Stage 8: prepare.conflicts. Best-effort, never fatal.
	r.record(&res, "prepare.conflicts", config.StageStarted, "")
	stopped := containerizer.StopConflictingDevServices(ctx, enabledServiceNames(cfg))
	conflictDetail := "no conflicting dev containers"
	if len(stopped) > 0 {
		conflictDetail = fmt.Sprintf("stopped %s", strings.Join(stopped, ", "))
	}
	r.record(&res, "prepare.conflicts", config.StageOK, conflictDetail)

	// Stage 9: deploy.compose.
	driver := containerizer.NewComposeDriver(result.ComposePath, "orchestrator")
	r.record(&res, "deploy.compose", config.StageStarted, "")
	composeOK, composeDetail := driver.Up(ctx)
	if !composeOK {
		r.record(&res, "deploy.compose", config.StageFailed, composeDetail)
		r.finalize(runID, &res, false, "Compose up failed")
		return res
	}
	r.record(&res, "deploy.compose", config.StageOK, composeDetail)

	// Stage 10: wait.<service> per enabled service with a host port.
	if !r.waitForServices(ctx, &res, cfg) {
		r.finalize(runID, &res, false, "Service readiness failed")
		return res
	}

	// Stage 11: scheduler ensure phase.
	scheduler := r.scheduler(cfg)
	var configured []string
	for _, stage := range scheduler.Ensure(ctx) {
		r.record(&res, "configure."+stage.Service, config.StageStarted, "")
		r.record(&res, "configure."+stage.Service, schedulerStatus(stage.Status), stage.Detail)
		if stage.Status == dependency.StatusOK && !strings.HasPrefix(stage.Detail, "skipped") && stage.Detail != "no client" {
			configured = append(configured, stage.Service)
		}
	}

	// Stage 12: conditional render.secrets re-render.
	latestSecrets, err := r.Store.LoadSecrets()
	if err == nil && !secretsEqual(latestSecrets, secretValues) {
		r.record(&res, "render.secrets", config.StageStarted, "")
		_, secretFiles, rerenderErr := r.Engine.RenderSecrets(cfg, latestSecrets, configHash(cfg), outputDir)
		if rerenderErr != nil {
			r.record(&res, "render.secrets", config.StageFailed, rerenderErr.Error())
		} else {
			r.record(&res, "render.secrets", config.StageOK, fmt.Sprintf("%d secrets refreshed", len(secretFiles)))
		}
	}

	// Stage 13: scheduler verify phase.
	anyFailed := false
	for _, stage := range scheduler.Verify(ctx) {
		r.record(&res, "verify."+stage.Service, config.StageStarted, "")
		status := schedulerStatus(stage.Status)
		r.record(&res, "verify."+stage.Service, status, stage.Detail)
		if stage.Status == dependency.StatusFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		r.finalize(runID, &res, false, "Verification failed")
		return res
	}

	// Stage 14: finalize.
	summary := "Rendered compose bundle"
	if len(configured) > 0 {
		summary += fmt.Sprintf("; configured %s", strings.Join(configured, ", "))
	}
	r.finalize(runID, &res, true, summary)
	return res
}

// ensureSecrets harmonizes torrent-client credentials from config into
// the secrets section, and derives the media-server admin credentials
// every fresh Jellyfin/Jellyseerr install needs, grounded on
// original_source/orchestrator/converge/runner.py's _ensure_secrets.
func (r *Runner) ensureSecrets(cfg config.StackConfig) (string, map[string]map[string]string, error) {
	var details []string

	set := func(service, key, value string) error {
		if value == "" {
			return nil
		}
		current, err := r.Store.LoadSecrets()
		if err != nil {
			return err
		}
		if current[service][key] == value {
			return nil
		}
		if err := r.Store.SetSecret(service, key, value); err != nil {
			return err
		}
		details = append(details, fmt.Sprintf("%s %s set", service, key))
		return nil
	}

	if err := set("qbittorrent", "username", cfg.Services.Qbittorrent.Username); err != nil {
		return "", nil, err
	}
	if err := set("qbittorrent", "password", cfg.Services.Qbittorrent.Password); err != nil {
		return "", nil, err
	}
	if err := set("jellyseerr", "admin_username", adminUsername); err != nil {
		return "", nil, err
	}
	if err := set("jellyseerr", "admin_password", adminPassword); err != nil {
		return "", nil, err
	}
	if err := set("jellyfin", "admin_username", adminUsername); err != nil {
		return "", nil, err
	}
	if err := set("jellyfin", "admin_password", adminPassword); err != nil {
		return "", nil, err
	}

	secrets, err := r.Store.LoadSecrets()
	if err != nil {
		return "", nil, err
	}

	detail := "secrets unchanged"
	if len(details) > 0 {
		detail = strings.Join(details, ", ")
	}
	return detail, secrets, nil
}

// waitForServices polls every enabled, ported service's host port until
// it accepts a TCP connection or readinessTimeout elapses, recording one
// wait.<service> stage per service.
func (r *Runner) waitForServices(ctx context.Context, res *Result, cfg config.StackConfig) bool {
	for _, name := range dependency.FixedOrder {
		if name == "pipeline" || !cfg.Services.Enabled(name) {
			continue
		}
		port := cfg.Services.Port(name)
		if port == 0 {
			continue
		}

		stage := "wait." + name
		r.record(res, stage, config.StageStarted, fmt.Sprintf("port=%d", port))
		ok, detail := waitForPort(ctx, "127.0.0.1", port, readinessTimeout)
		if !ok {
			r.record(res, stage, config.StageFailed, detail)
			return false
		}
		r.record(res, stage, config.StageOK, detail)
	}
	return true
}

func waitForPort(ctx context.Context, host string, port int, timeout time.Duration) (bool, string) {
	address := fmt.Sprintf("%s:%d", host, port)
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", address, 5*time.Second)
		if err == nil {
			conn.Close()
			return true, "ready"
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return false, ctx.Err().Error()
		case <-time.After(readinessRetryInterval):
		}
	}

	detail := "no response"
	if lastErr != nil {
		detail = lastErr.Error()
	}
	return false, fmt.Sprintf("timeout waiting for %s (%s)", address, detail)
}

// scheduler builds the dependency.Scheduler bound to cfg's per-service
// clients, matching the fixed qbittorrent/radarr/sonarr/prowlarr/
// jellyfin/jellyseerr/pipeline ordering.
func (r *Runner) scheduler(cfg config.StackConfig) *dependency.Scheduler {
	clients := map[string]dependency.ServiceClient{
		"qbittorrent": services.NewQbittorrentClient(cfg, r.Store),
		"radarr":      services.NewRadarrClient(cfg, r.Store),
		"sonarr":      services.NewSonarrClient(cfg, r.Store),
		"prowlarr":    services.NewProwlarrClient(cfg, r.Store),
		"jellyfin":    services.NewJellyfinClient(cfg, r.Store),
		"jellyseerr":  services.NewJellyseerrClient(cfg, r.Store),
	}
	return &dependency.Scheduler{
		Enabled: cfg.Services.Enabled,
		Client: func(name string) dependency.ServiceClient {
			return clients[name]
		},
	}
}

func (r *Runner) generatedDir() string {
	return filepath.Join(r.RootDir, "generated")
}

func (r *Runner) record(res *Result, stage string, status config.StageStatus, detail string) {
	event := config.StageEvent{Stage: stage, Status: status, Detail: detail}
	res.Events = append(res.Events, event)
	if err := r.Store.AppendEvent(res.RunID, event); err != nil {
		logging.Warn(applySubsystem, "append event for run %s: %v", res.RunID, err)
	}
}

func (r *Runner) finalize(runID string, res *Result, ok bool, summary string) {
	res.OK = ok
	if err := r.Store.FinalizeRun(runID, ok, summary); err != nil {
		logging.Error(applySubsystem, err, "finalize run %s", runID)
	}
}

func schedulerStatus(s dependency.StageStatus) config.StageStatus {
	switch s {
	case dependency.StatusFailed:
		return config.StageFailed
	default:
		return config.StageOK
	}
}

func enabledServiceNames(cfg config.StackConfig) []string {
	var names []string
	for _, name := range dependency.FixedOrder {
		if name != "pipeline" && cfg.Services.Enabled(name) {
			names = append(names, name)
		}
	}
	return names
}

func secretsEqual(a, b map[string]map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for service, keys := range a {
		other, ok := b[service]
		if !ok || len(keys) != len(other) {
			return false
		}
		for k, v := range keys {
			if other[k] != v {
				return false
			}
		}
	}
	return true
}

// configHash fingerprints cfg for the render context, which the env
// template writes out as CONFIG_HASH. It is derived from the version
// and path roots only, not a full serialization, so a change to any
// other field leaves it unchanged.
func configHash(cfg config.StackConfig) string {
	return fmt.Sprintf("%d-%x", cfg.Version, []byte(cfg.Paths.Pool+cfg.Paths.Appdata))
}
