package apply

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
	"orchestrator/internal/dependency"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	dir := t.TempDir()
	return NewRunner(config.NewStore(dir), dir)
}

func TestRun_FailsAtValidateStageOnBadConfig(t *testing.T) {
	r := testRunner(t)
	cfg := config.DefaultConfig()
	cfg.Paths.Pool = "" // fails the required-path check

	result, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	assert.False(t, result.OK)
	require.NotEmpty(t, result.Events)

	last := result.Events[len(result.Events)-1]
	assert.Equal(t, "validate", last.Stage)
	assert.Equal(t, config.StageFailed, last.Status)

	run, err := r.Store.GetRun(result.RunID)
	require.NoError(t, err)
	require.NotNil(t, run.OK)
	assert.False(t, *run.OK)
	assert.Equal(t, "Validation failed", run.Summary)
}

func TestRun_DiffStageRecordsNoPriorConfigOnFirstRun(t *testing.T) {
	r := testRunner(t)
	cfg := config.DefaultConfig()
	cfg.Paths.Pool = ""

	result, _ := r.Run(context.Background(), cfg)
	require.True(t, len(result.Events) >= 2)
	assert.Equal(t, "diff", result.Events[0].Stage)
	assert.Equal(t, config.StageStarted, result.Events[0].Status)
	assert.Equal(t, "diff", result.Events[1].Stage)
	assert.Equal(t, config.StageOK, result.Events[1].Status)
	assert.Equal(t, "no prior config to compare", result.Events[1].Detail)
}

func TestEnsureSecrets_HarmonizesQbittorrentAndDerivesAdminCreds(t *testing.T) {
	r := testRunner(t)
	cfg := config.DefaultConfig()
	cfg.Services.Qbittorrent.Username = "torrentuser"
	cfg.Services.Qbittorrent.Password = "torrentpass"

	detail, secrets, err := r.ensureSecrets(cfg)
	require.NoError(t, err)
	assert.Contains(t, detail, "qbittorrent username set")
	assert.Equal(t, "torrentuser", secrets["qbittorrent"]["username"])
	assert.Equal(t, "adminadmin", secrets["jellyfin"]["admin_password"])
	assert.Equal(t, "admin", secrets["jellyseerr"]["admin_username"])
}

func TestEnsureSecrets_SecondCallReportsUnchanged(t *testing.T) {
	r := testRunner(t)
	cfg := config.DefaultConfig()
	cfg.Services.Qbittorrent.Username = "torrentuser"
	cfg.Services.Qbittorrent.Password = "torrentpass"

	_, _, err := r.ensureSecrets(cfg)
	require.NoError(t, err)

	detail, _, err := r.ensureSecrets(cfg)
	require.NoError(t, err)
	assert.Equal(t, "secrets unchanged", detail)
}

func TestWaitForPort_SucceedsAgainstOpenListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	ok, detail := waitForPort(context.Background(), "127.0.0.1", port, 2*time.Second)
	assert.True(t, ok)
	assert.Equal(t, "ready", detail)
}

func TestWaitForPort_TimesOutOnClosedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close() // nothing listens now

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	ok, detail := waitForPort(ctx, "127.0.0.1", port, 2*time.Second)
	assert.False(t, ok)
	assert.NotEmpty(t, detail)
}

func TestSchedulerStatus_MapsFailedAndOK(t *testing.T) {
	assert.Equal(t, config.StageFailed, schedulerStatus(dependency.StatusFailed))
	assert.Equal(t, config.StageOK, schedulerStatus(dependency.StatusOK))
	assert.Equal(t, config.StageOK, schedulerStatus(dependency.StatusSkipped))
}

func TestEnabledServiceNames_ExcludesPipelineAndDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Services.Qbittorrent.Enabled = true
	cfg.Services.Radarr.Enabled = false
	cfg.Services.Pipeline.Enabled = true

	names := enabledServiceNames(cfg)
	assert.Contains(t, names, "qbittorrent")
	assert.NotContains(t, names, "radarr")
	assert.NotContains(t, names, "pipeline")
}

// TestRun_EveryStageEmitsStartedBeforeItsTerminalEvent is the regression
// test for the hard invariant that no stage's ok/failed event appears
// without a started event recorded first for that same stage.
func TestRun_EveryStageEmitsStartedBeforeItsTerminalEvent(t *testing.T) {
	r := testRunner(t)
	cfg := config.DefaultConfig()
	cfg.Paths.Pool = t.TempDir()
	cfg.Paths.Appdata = t.TempDir()

	result, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, result.Events)

	started := map[string]bool{}
	seenTerminal := false
	for _, ev := range result.Events {
		switch ev.Status {
		case config.StageStarted:
			started[ev.Stage] = true
		case config.StageOK, config.StageFailed:
			assert.True(t, started[ev.Stage], "stage %s emitted %v without a prior started event", ev.Stage, ev.Status)
			seenTerminal = true
		}
	}
	assert.True(t, seenTerminal, "expected at least one terminal event to validate the invariant against")
}

func TestSecretsEqual(t *testing.T) {
	a := map[string]map[string]string{"qbittorrent": {"username": "x"}}
	b := map[string]map[string]string{"qbittorrent": {"username": "x"}}
	c := map[string]map[string]string{"qbittorrent": {"username": "y"}}

	assert.True(t, secretsEqual(a, b))
	assert.False(t, secretsEqual(a, c))
	assert.False(t, secretsEqual(a, map[string]map[string]string{}))
}
