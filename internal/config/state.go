package config

import "time"

// SectionName identifies one of the five independently-persisted state
// sections. Writes to one section never touch another file.
type SectionName string

const (
	SectionAuth     SectionName = "auth"
	SectionSecrets  SectionName = "secrets"
	SectionServices SectionName = "services"
	SectionRuns     SectionName = "runs"
	SectionPipeline SectionName = "pipeline"
)

// AllSections is the fixed, ordered list of state section names.
func AllSections() []SectionName {
	return []SectionName{SectionAuth, SectionSecrets, SectionServices, SectionRuns, SectionPipeline}
}

// AuthUser is one operator account.
type AuthUser struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Salt         string   `yaml:"salt"`
	Role         UserRole `yaml:"role"`
}

// AuthSession is one active login session, optionally carrying an
// elevated-privilege expiry distinct from the session's own expiry.
type AuthSession struct {
	Token            string     `yaml:"token"`
	Username         string     `yaml:"username"`
	Expiry           time.Time  `yaml:"expiry"`
	ElevatedUntil    *time.Time `yaml:"elevated_until,omitempty"`
}

// AuthState is the `auth` section document.
type AuthState struct {
	Users    []AuthUser    `yaml:"users"`
	Sessions []AuthSession `yaml:"sessions"`
}

// SecretsState is the `secrets` section document: per-service credential
// maps the orchestrator discovered or generated.
type SecretsState map[string]map[string]string

// ServicesState is the `services` section document: per-service
// reconciliation bookkeeping (root folder ids, download client ids,
// one-shot gate flags). Shape varies per service, so values are opaque.
type ServicesState map[string]map[string]interface{}

// StageStatus is the status of one stage event.
type StageStatus string

const (
	StageStarted StageStatus = "started"
	StageOK      StageStatus = "ok"
	StageFailed  StageStatus = "failed"
)

// StageEvent is one unit of apply-run progress.
type StageEvent struct {
	Stage  string      `yaml:"stage"`
	Status StageStatus `yaml:"status"`
	Detail string      `yaml:"detail"`
}

// RunRecord is one entry in the bounded run-log ring buffer.
type RunRecord struct {
	RunID   string       `yaml:"run_id"`
	OK      *bool        `yaml:"ok"` // nil while in progress
	Events  []StageEvent `yaml:"events"`
	Summary string       `yaml:"summary,omitempty"`
}

// MaxRunLogEntries bounds the runs section ring buffer (§3 invariant).
const MaxRunLogEntries = 20

// RunsState is the `runs` section document.
type RunsState struct {
	Runs []RunRecord `yaml:"runs"`
}

// PipelineStatus is the terminal (or transient-failure) state of one
// torrent hash in the pipeline ledger.
type PipelineStatus string

const (
	PipelineOK           PipelineStatus = "ok"
	PipelineFFmpegFailed PipelineStatus = "ffmpeg_failed"
)

// PipelineLedgerEntry records the last outcome the pipeline worker
// produced for a torrent hash.
type PipelineLedgerEntry struct {
	Status    PipelineStatus `yaml:"status"`
	Timestamp time.Time      `yaml:"timestamp"`
}

// PipelineState is the `pipeline` section document: hash -> ledger entry.
type PipelineState map[string]PipelineLedgerEntry
