// Package config owns the orchestrator's declarative stack document and
// its on-disk state: loading and defaulting the document, persisting the
// five state sections atomically, and validating a config before apply.
//
// # Layout
//
// Everything lives under ORCH_ROOT (default: the working directory):
//
//	stack.yaml      the declarative document (StackConfig)
//	auth.yaml       operator accounts and sessions
//	secrets.yaml    generated or discovered per-service credentials
//	services.yaml   per-service reconciliation bookkeeping
//	runs.yaml       the bounded apply run log
//	pipeline.yaml   the media pipeline's processed-hash ledger
//
// Each file is written independently through Store, so a crash mid-apply
// never corrupts a section unrelated to the write in flight.
//
// # Validation
//
// Validator runs the pre-flight checks described in the pipeline's
// apply stage: required paths exist and are writable, service ports are
// in range, unused, and non-conflicting, and every configured user has a
// valid role with at least one owner present.
package config
