package dependency

import (
	"context"
	"fmt"
	"strings"

	"orchestrator/pkg/logging"
)

// FixedOrder is the scheduler's canonical topological order, matching
// the DAG qbittorrent -> radarr, sonarr -> prowlarr, (jellyfin) ->
// jellyseerr, (pipeline). It never changes at runtime.
var FixedOrder = []string{"qbittorrent", "radarr", "sonarr", "prowlarr", "jellyfin", "jellyseerr", "pipeline"}

// fixedDeps lists each service's immediate upstream dependencies.
var fixedDeps = map[string][]string{
	"qbittorrent": nil,
	"radarr":      {"qbittorrent"},
	"sonarr":      {"qbittorrent"},
	"prowlarr":    {"radarr", "sonarr"},
	"jellyfin":    nil,
	"jellyseerr":  {"radarr", "sonarr", "jellyfin"},
	"pipeline":    nil,
}

// NewFixedGraph builds the Graph primitive for the fixed service DAG.
func NewFixedGraph() *Graph {
	g := New()
	for _, name := range FixedOrder {
		var deps []NodeID
		for _, d := range fixedDeps[name] {
			deps = append(deps, NodeID(d))
		}
		g.AddNode(Node{ID: NodeID(name), FriendlyName: name, Kind: KindService, DependsOn: deps})
	}
	return g
}

// ServiceClient is the per-service reconciliation contract the
// scheduler invokes. Ensure converges the service toward its declared
// state; Verify reports drift without changing anything.
type ServiceClient interface {
	Ensure(ctx context.Context) (detail string, err error)
	Verify(ctx context.Context) (detail string, err error)
}

// StageStatus mirrors config.StageStatus without importing the config
// package, so the scheduler stays usable independent of persistence.
type StageStatus string

const (
	StatusOK      StageStatus = "ok"
	StatusFailed  StageStatus = "failed"
	StatusSkipped StageStatus = "skipped"
)

// StageResult is one service's outcome from a scheduler walk.
type StageResult struct {
	Service string
	Status  StageStatus
	Detail  string
}

// Scheduler walks FixedOrder invoking a caller-supplied client resolver
// and enabled-check for each service.
type Scheduler struct {
	// Enabled reports whether the named service is enabled in the
	// active config. A disabled service is skipped without invoking its
	// client.
	Enabled func(service string) bool
	// Client resolves the ServiceClient for a service name. Returning
	// nil means the service has no client (the pipeline worker is
	// driven separately and never reaches the scheduler with a client).
	Client func(service string) ServiceClient
}

// Ensure walks FixedOrder once, converging each enabled service in
// turn. A failed service blocks every service that (directly or
// transitively, through the fixed chain) depends on it: those
// dependents are marked failed with a detail naming the blocking
// ancestor, without their clients ever being invoked.
func (s *Scheduler) Ensure(ctx context.Context) []StageResult {
	failed := map[string]bool{}
	results := make([]StageResult, 0, len(FixedOrder))

	for _, name := range FixedOrder {
		if s.Enabled != nil && !s.Enabled(name) {
			results = append(results, StageResult{Service: name, Status: StatusOK, Detail: "skipped (disabled)"})
			continue
		}

		if blockers := blockedBy(name, failed); len(blockers) > 0 {
			detail := fmt.Sprintf("blocked by failed dependency: %s", strings.Join(blockers, ", "))
			logging.Warn("scheduler", "%s %s", name, detail)
			results = append(results, StageResult{Service: name, Status: StatusFailed, Detail: detail})
			failed[name] = true
			continue
		}

		client := s.clientFor(name)
		if client == nil {
			results = append(results, StageResult{Service: name, Status: StatusOK, Detail: "no client"})
			continue
		}

		detail, err := client.Ensure(ctx)
		if err != nil {
			logging.Error("scheduler", err, "ensure failed for %s", name)
			results = append(results, StageResult{Service: name, Status: StatusFailed, Detail: err.Error()})
			failed[name] = true
			continue
		}
		results = append(results, StageResult{Service: name, Status: StatusOK, Detail: detail})
	}

	return results
}

// Verify walks FixedOrder checking every enabled service regardless of
// any other service's outcome, since the point of verify is to report
// the complete health picture rather than to stop at the first failure.
func (s *Scheduler) Verify(ctx context.Context) []StageResult {
	results := make([]StageResult, 0, len(FixedOrder))

	for _, name := range FixedOrder {
		if s.Enabled != nil && !s.Enabled(name) {
			results = append(results, StageResult{Service: name, Status: StatusSkipped, Detail: "disabled"})
			continue
		}

		client := s.clientFor(name)
		if client == nil {
			results = append(results, StageResult{Service: name, Status: StatusOK, Detail: "no client"})
			continue
		}

		detail, err := client.Verify(ctx)
		if err != nil {
			results = append(results, StageResult{Service: name, Status: StatusFailed, Detail: err.Error()})
			continue
		}
		results = append(results, StageResult{Service: name, Status: StatusOK, Detail: detail})
	}

	return results
}

func (s *Scheduler) clientFor(name string) ServiceClient {
	if s.Client == nil {
		return nil
	}
	return s.Client(name)
}

// blockedBy returns the direct upstream dependencies of name that are
// present in failed, in FixedOrder order. A service is blocked as soon
// as one direct dependency failed; the failed set is seeded
// transitively because every blocked descendant is itself added to
// failed before the scheduler advances.
func blockedBy(name string, failed map[string]bool) []string {
	var blockers []string
	for _, dep := range fixedDeps[name] {
		if failed[dep] {
			blockers = append(blockers, dep)
		}
	}
	return blockers
}
