// Package containerizer wraps the host container-compose CLI, the
// driver the apply runner uses to bring the generated stack up or
// down.
package containerizer

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"orchestrator/pkg/logging"
)

const dockerSubsystem = "docker"

// devServiceSuffix marks a locally-running development container as a
// candidate for StopConflictingDevServices: anything named with this
// suffix is assumed to be a developer's manual `docker run` of a
// service the generated compose file is about to publish ports for.
const devServiceSuffix = "-dev"

// execCommandContext is a variable to allow mocking in tests.
var execCommandContext = exec.CommandContext

// ComposeDriver runs docker compose against a single generated
// compose file, scoped to one project name.
type ComposeDriver struct {
	ComposePath string
	ProjectName string
}

// NewComposeDriver builds a driver rooted at the given compose file's
// directory. projectName becomes COMPOSE_PROJECT_NAME and the
// `--project-name` flag, isolating container/network names from any
// other compose project on the host.
func NewComposeDriver(composePath, projectName string) *ComposeDriver {
	if projectName == "" {
		projectName = "orchestrator"
	}
	return &ComposeDriver{ComposePath: composePath, ProjectName: projectName}
}

// Available reports whether the docker CLI is on PATH and the daemon
// is reachable.
func Available(ctx context.Context) error {
	if _, err := exec.LookPath("docker"); err != nil {
		return fmt.Errorf("docker command not found in PATH: %w", err)
	}
	cmd := execCommandContext(ctx, "docker", "info")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// Up runs `docker compose up -d --remove-orphans` against the
// generated compose file.
func (d *ComposeDriver) Up(ctx context.Context) (ok bool, detail string) {
	return d.run(ctx, "up", "-d", "--remove-orphans")
}

// Down runs `docker compose down`.
func (d *ComposeDriver) Down(ctx context.Context) (ok bool, detail string) {
	return d.run(ctx, "down")
}

func (d *ComposeDriver) run(ctx context.Context, args ...string) (bool, string) {
	full := append([]string{"compose", "-f", d.ComposePath, "--project-name", d.ProjectName}, args...)
	logging.Debug(dockerSubsystem, "running docker %s", strings.Join(full, " "))

	cmd := execCommandContext(ctx, "docker", full...)
	cmd.Dir = filepath.Dir(d.ComposePath)
	cmd.Env = append(os.Environ(), "COMPOSE_PROJECT_NAME="+d.ProjectName)

	stdout, stderr, err := runCaptured(cmd)
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		logging.Warn(dockerSubsystem, "docker %s failed: %s", args[0], detail)
		return false, detail
	}

	detail := strings.TrimSpace(stdout)
	if detail == "" {
		detail = "ok"
	}
	return true, detail
}

// RestartContainer restarts a single named container directly (not
// through a ComposeDriver, which only knows how to bring an entire
// project up or down). Used by service clients that need to bounce a
// container after rewriting its on-disk config, e.g. qBittorrent's
// credential repair path.
func RestartContainer(ctx context.Context, name string) (bool, string) {
	cmd := execCommandContext(ctx, "docker", "restart", name)
	stdout, stderr, err := runCaptured(cmd)
	if err != nil {
		detail := strings.TrimSpace(stderr)
		if detail == "" {
			detail = err.Error()
		}
		logging.Warn(dockerSubsystem, "docker restart %s failed: %s", name, detail)
		return false, detail
	}
	detail := strings.TrimSpace(stdout)
	if detail == "" {
		detail = "restarted"
	}
	return true, detail
}

// StopConflictingDevServices stops any running container whose name
// ends in "-dev" and matches one of the enabled service names, so a
// developer's ad-hoc `docker run` does not hold the port the generated
// compose file is about to publish. It returns the names it stopped.
func StopConflictingDevServices(ctx context.Context, enabled []string) []string {
	var stopped []string
	for _, name := range enabled {
		devName := name + devServiceSuffix
		checkCmd := execCommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", devName)
		if out, err := checkCmd.Output(); err != nil || strings.TrimSpace(string(out)) != "true" {
			continue
		}

		logging.Info(dockerSubsystem, "stopping conflicting dev container %s", devName)
		stopCmd := execCommandContext(ctx, "docker", "stop", devName)
		if err := stopCmd.Run(); err != nil {
			logging.Warn(dockerSubsystem, "failed to stop conflicting dev container %s: %v", devName, err)
			continue
		}
		stopped = append(stopped, devName)
	}
	return stopped
}

// runCaptured runs cmd and returns its stdout/stderr as strings
// without interleaving them, unlike CombinedOutput.
func runCaptured(cmd *exec.Cmd) (stdout, stderr string, err error) {
	var outBuf, errBuf strings.Builder
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
