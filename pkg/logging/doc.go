// Package logging provides the orchestrator's structured logging: a thin
// wrapper over log/slog with subsystem tagging and a dedicated audit-line
// format for credential and authentication events.
//
// InitForCLI must be called once at startup. Debug/Info/Warn/Error each
// take a subsystem tag (e.g. "containerizer", "prowlarr", "pipeline")
// that is attached to every record, so logs from concurrent service
// reconciliation stay attributable to their origin.
package logging
