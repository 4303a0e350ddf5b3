package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"orchestrator/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	configFileName       = "stack.yaml"
	legacyStateFileName  = "state.yaml"
)

func sectionFileName(s SectionName) string {
	return string(s) + ".yaml"
}

// Store is the orchestrator's on-disk persistence layer: one file for the
// declarative stack document, one file per state section. Every write
// goes through a temp-file-in-the-same-directory, fsync, rename sequence
// so a crash mid-write never leaves a section file half-written.
//
// A single mutex serializes all reads and writes across sections; section
// files are small enough that contention is not a concern.
type Store struct {
	mu   sync.Mutex
	root string
}

// NewStore opens a store rooted at dir. dir must already exist for writes
// to succeed; Load creates it before opening the store.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// atomicWrite writes data to path by first writing to a sibling temp file,
// fsyncing it, then renaming it over path. Rename within the same
// directory is atomic on every POSIX filesystem the orchestrator targets.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed away

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// readYAMLWithRecovery reads and unmarshals path into out. If the file is
// missing, out is left untouched and ok is reported as false with a nil
// error. If the file exists but fails to parse, it attempts a best-effort
// recovery by truncating to the longest balanced prefix (ported from the
// original implementation's JSON brace-matching recovery, generalized to
// flow-collection braces/brackets) before giving up; the corrupt original
// is preserved alongside as path+".corrupted" either way. A successful
// recovery also rewrites path with the recovered document, the same way
// the original implementation's save_state(recovered) leaves the store
// clean after a crash rather than re-parsing the same truncated file on
// every subsequent load.
func readYAMLWithRecovery(path string, out interface{}) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, out); err == nil {
		return true, nil
	}

	if recovered := recoverTruncated(data); recovered != nil {
		if err := yaml.Unmarshal(recovered, out); err == nil {
			backupCorrupted(path, data)
			if rewritten, marshalErr := yaml.Marshal(out); marshalErr == nil {
				if writeErr := atomicWrite(path, rewritten); writeErr != nil {
					logging.Warn("store", "could not persist recovered document for %s: %v", path, writeErr)
				}
			} else {
				logging.Warn("store", "could not re-marshal recovered document for %s: %v", path, marshalErr)
			}
			return true, NewCorruptStateError(filepath.Base(path), fmt.Errorf("recovered truncated document"))
		}
	}

	backupCorrupted(path, data)
	return false, NewCorruptStateError(filepath.Base(path), fmt.Errorf("unrecoverable"))
}

// backupCorrupted best-effort copies the broken file next to itself with
// a .corrupted suffix so an operator can inspect what was lost. Failure
// to write the backup is not itself an error the caller needs to see.
func backupCorrupted(path string, data []byte) {
	if err := os.WriteFile(path+".corrupted", data, 0o644); err != nil {
		logging.Warn("store", "could not write corruption backup for %s: %v", path, err)
	}
}

// recoverTruncated scans data for the longest prefix whose braces and
// brackets balance at a line boundary, on the theory that a crash
// mid-write truncates a well-formed document rather than scrambling it.
// Returns nil if no balanced, non-empty prefix is found.
func recoverTruncated(data []byte) []byte {
	var depth int
	var inString bool
	var escaped bool
	lastBalanced := -1

	for i, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		case '\n':
			if depth == 0 {
				lastBalanced = i
			}
		}
	}

	if lastBalanced <= 0 {
		return nil
	}
	candidate := bytes.TrimSpace(data[:lastBalanced])
	if len(candidate) == 0 {
		return nil
	}
	return candidate
}

// LoadConfig reads the declarative stack document. If it does not exist,
// returns DefaultConfig with ok=false so callers can decide whether to
// write the defaults back out.
func (s *Store) LoadConfig() (StackConfig, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := DefaultConfig()
	ok, err := readYAMLWithRecovery(filepath.Join(s.root, configFileName), &cfg)
	if err != nil {
		if _, isCorrupt := err.(*OrchestratorError); !isCorrupt {
			return StackConfig{}, false, err
		}
		logging.Error("store", err, "stack document recovery")
	}
	if cfg.Version > CurrentVersion {
		return StackConfig{}, false, fmt.Errorf("stack document version %d is newer than supported version %d", cfg.Version, CurrentVersion)
	}
	return cfg, ok, nil
}

// SaveConfig atomically writes the declarative stack document.
func (s *Store) SaveConfig(cfg StackConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal stack config: %w", err)
	}
	return atomicWrite(filepath.Join(s.root, configFileName), data)
}

// loadSection reads one state section file into out, leaving out at its
// caller-provided zero value if the section has never been written.
func (s *Store) loadSection(name SectionName, out interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := readYAMLWithRecovery(filepath.Join(s.root, sectionFileName(name)), out)
	if oerr, isCorrupt := err.(*OrchestratorError); isCorrupt {
		logging.Error("store", oerr, "state section recovery")
		return nil
	}
	return err
}

func (s *Store) saveSection(name SectionName, in interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal section %s: %w", name, err)
	}
	return atomicWrite(filepath.Join(s.root, sectionFileName(name)), data)
}

func (s *Store) LoadAuth() (AuthState, error) {
	var st AuthState
	err := s.loadSection(SectionAuth, &st)
	return st, err
}

func (s *Store) SaveAuth(st AuthState) error {
	return s.saveSection(SectionAuth, st)
}

func (s *Store) LoadSecrets() (SecretsState, error) {
	st := SecretsState{}
	err := s.loadSection(SectionSecrets, &st)
	return st, err
}

func (s *Store) SaveSecrets(st SecretsState) error {
	return s.saveSection(SectionSecrets, st)
}

func (s *Store) LoadServices() (ServicesState, error) {
	st := ServicesState{}
	err := s.loadSection(SectionServices, &st)
	return st, err
}

func (s *Store) SaveServices(st ServicesState) error {
	return s.saveSection(SectionServices, st)
}

func (s *Store) LoadRuns() (RunsState, error) {
	var st RunsState
	err := s.loadSection(SectionRuns, &st)
	return st, err
}

func (s *Store) SaveRuns(st RunsState) error {
	return s.saveSection(SectionRuns, st)
}

func (s *Store) LoadPipeline() (PipelineState, error) {
	st := PipelineState{}
	err := s.loadSection(SectionPipeline, &st)
	return st, err
}

func (s *Store) SavePipeline(st PipelineState) error {
	return s.saveSection(SectionPipeline, st)
}

// EnsureSecret returns the stored secret for service/key, generating and
// persisting one via generator if it does not yet exist.
func (s *Store) EnsureSecret(service, key string, generator func() string) (string, error) {
	secrets, err := s.LoadSecrets()
	if err != nil {
		return "", err
	}
	if svc, ok := secrets[service]; ok {
		if v, ok := svc[key]; ok && v != "" {
			return v, nil
		}
	}
	value := generator()
	if err := s.SetSecret(service, key, value); err != nil {
		return "", err
	}
	return value, nil
}

// SetSecret unconditionally overwrites one secret value.
func (s *Store) SetSecret(service, key, value string) error {
	secrets, err := s.LoadSecrets()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][key] = value
	return s.SaveSecrets(secrets)
}

// StartRun appends a new in-progress run record, evicting the oldest
// entry once the log exceeds MaxRunLogEntries.
func (s *Store) StartRun(runID string) error {
	runs, err := s.LoadRuns()
	if err != nil {
		return err
	}
	runs.Runs = append(runs.Runs, RunRecord{RunID: runID})
	if len(runs.Runs) > MaxRunLogEntries {
		runs.Runs = runs.Runs[len(runs.Runs)-MaxRunLogEntries:]
	}
	return s.SaveRuns(runs)
}

// AppendEvent appends one stage event to an in-progress run.
func (s *Store) AppendEvent(runID string, event StageEvent) error {
	runs, err := s.LoadRuns()
	if err != nil {
		return err
	}
	for i := range runs.Runs {
		if runs.Runs[i].RunID == runID {
			runs.Runs[i].Events = append(runs.Runs[i].Events, event)
			return s.SaveRuns(runs)
		}
	}
	return fmt.Errorf("run %s not found", runID)
}

// FinalizeRun marks a run terminal with its overall outcome and a one-line
// summary for the CLI runs table.
func (s *Store) FinalizeRun(runID string, ok bool, summary string) error {
	runs, err := s.LoadRuns()
	if err != nil {
		return err
	}
	for i := range runs.Runs {
		if runs.Runs[i].RunID == runID {
			runs.Runs[i].OK = &ok
			runs.Runs[i].Summary = summary
			return s.SaveRuns(runs)
		}
	}
	return fmt.Errorf("run %s not found", runID)
}

// GetRun returns one run record by id, or nil with a nil error when no
// run has that id.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	runs, err := s.LoadRuns()
	if err != nil {
		return nil, err
	}
	for i := range runs.Runs {
		if runs.Runs[i].RunID == runID {
			return &runs.Runs[i], nil
		}
	}
	return nil, nil
}

// ListRuns returns up to limit most-recent runs, newest first. limit<=0
// means no limit.
func (s *Store) ListRuns(limit int) ([]RunRecord, error) {
	runs, err := s.LoadRuns()
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, len(runs.Runs))
	for i, r := range runs.Runs {
		out[len(runs.Runs)-1-i] = r
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordPipelineOutcome updates the ledger entry for a torrent hash. The
// pipeline worker consults this before reprocessing a completed download.
func (s *Store) RecordPipelineOutcome(hash string, status PipelineStatus, at time.Time) error {
	st, err := s.LoadPipeline()
	if err != nil {
		return err
	}
	st[hash] = PipelineLedgerEntry{Status: status, Timestamp: at}
	return s.SavePipeline(st)
}

// PipelineOutcome reports whether hash has a recorded ledger entry.
func (s *Store) PipelineOutcome(hash string) (PipelineLedgerEntry, bool, error) {
	st, err := s.LoadPipeline()
	if err != nil {
		return PipelineLedgerEntry{}, false, err
	}
	entry, ok := st[hash]
	return entry, ok, nil
}

// MigrateLegacyState checks for a pre-section-split monolithic state file
// at root/state.yaml and, if present, best-effort fans its top-level keys
// out into the new per-section files, then renames it to
// state.yaml.migrated so it is not migrated again. An unparsable legacy
// file is backed up with a .corrupted suffix and removed. Absence of the
// legacy file is not an error.
func (s *Store) MigrateLegacyState() error {
	s.mu.Lock()
	legacyPath := filepath.Join(s.root, legacyStateFileName)
	data, err := os.ReadFile(legacyPath)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read legacy state %s: %w", legacyPath, err)
	}

	var legacy struct {
		Auth     AuthState     `yaml:"auth"`
		Secrets  SecretsState  `yaml:"secrets"`
		Services ServicesState `yaml:"services"`
		Runs     RunsState     `yaml:"runs"`
		Pipeline PipelineState `yaml:"pipeline"`
	}
	if err := yaml.Unmarshal(data, &legacy); err != nil {
		backupCorrupted(legacyPath, data)
		logging.Warn("store", "legacy state file %s unreadable, leaving sections at defaults: %v", legacyPath, err)
		return os.Remove(legacyPath)
	}

	if len(legacy.Auth.Users) > 0 || len(legacy.Auth.Sessions) > 0 {
		if err := s.SaveAuth(legacy.Auth); err != nil {
			return err
		}
	}
	if len(legacy.Secrets) > 0 {
		if err := s.SaveSecrets(legacy.Secrets); err != nil {
			return err
		}
	}
	if len(legacy.Services) > 0 {
		if err := s.SaveServices(legacy.Services); err != nil {
			return err
		}
	}
	if len(legacy.Runs.Runs) > 0 {
		if err := s.SaveRuns(legacy.Runs); err != nil {
			return err
		}
	}
	if len(legacy.Pipeline) > 0 {
		if err := s.SavePipeline(legacy.Pipeline); err != nil {
			return err
		}
	}

	logging.Info("store", "migrated legacy state file %s into section files", legacyPath)
	return os.Rename(legacyPath, legacyPath+".migrated")
}

// EnsureDirs creates every host directory the compose render mounts into
// containers, then chowns and chmods them to the configured runtime
// identity. On failure it returns a filesystem error carrying the exact
// remediation command (§7).
func (s *Store) EnsureDirs(cfg StackConfig) ([]string, error) {
	scratch := cfg.Paths.Scratch
	if scratch == "" {
		scratch = filepath.Join(cfg.Paths.Pool, "downloads")
	}

	dirs := []string{
		cfg.Paths.Pool,
		cfg.Paths.Appdata,
		scratch,
		filepath.Join(scratch, "incomplete"),
		filepath.Join(scratch, "complete"),
		filepath.Join(scratch, "complete", cfg.DownloadPolicy.Categories.Radarr),
		filepath.Join(scratch, "complete", cfg.DownloadPolicy.Categories.Sonarr),
		filepath.Join(scratch, "complete", cfg.DownloadPolicy.Categories.Anime),
		filepath.Join(scratch, "postproc"),
		filepath.Join(scratch, "transcode"),
		filepath.Join(cfg.Paths.Pool, "media", "movies"),
		filepath.Join(cfg.Paths.Pool, "media", "tv"),
	}
	for _, name := range ServiceNames() {
		dirs = append(dirs, filepath.Join(cfg.Paths.Appdata, name))
	}
	if cfg.Proxy.Enabled {
		dirs = append(dirs,
			filepath.Join(cfg.Paths.Appdata, "traefik"),
			filepath.Join(cfg.Paths.Appdata, "traefik", "certs"),
		)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o775); err != nil {
			return nil, NewFilesystemError(dir, cfg.Runtime.UID, cfg.Runtime.GID, err)
		}
		if err := os.Chmod(dir, 0o775); err != nil {
			return nil, NewFilesystemError(dir, cfg.Runtime.UID, cfg.Runtime.GID, err)
		}
		if err := os.Chown(dir, cfg.Runtime.UID, cfg.Runtime.GID); err != nil {
			logging.Warn("store", "chown %s to %d:%d failed (may require root): %v", dir, cfg.Runtime.UID, cfg.Runtime.GID, err)
		}
	}
	return dirs, nil
}
