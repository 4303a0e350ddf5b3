// Package pipeline drives the media post-processing loop: it watches
// the torrent client for completed downloads, remuxes them to strip
// unwanted audio/subtitle tracks, and files the result into the movie
// or TV library layout.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"orchestrator/internal/config"
	"orchestrator/internal/services"
	"orchestrator/pkg/logging"
)

const pipelineSubsystem = "pipeline"

// videoExtensions is the set of container extensions the worker treats
// as candidate primary files within a torrent's payload.
var videoExtensions = map[string]bool{
	".mkv": true, ".mp4": true, ".avi": true, ".mov": true, ".ts": true, ".m2ts": true,
}

// Worker runs the pipeline loop described in SPEC_FULL §4.8: list
// completed torrents, remux the primary video file, and file it into
// the library layout under the resolved pool root.
type Worker struct {
	Config config.StackConfig
	Store  *config.Store
	Client *services.QbittorrentClient

	poolRoot    string
	scratchRoot string
}

// NewWorker builds a Worker for cfg, resolving container-mount
// candidates for the pool and scratch roots the way the original
// implementation prefers conventional in-container mountpoints over
// the host paths recorded in the config.
func NewWorker(cfg config.StackConfig, store *config.Store) *Worker {
	return &Worker{
		Config:      cfg,
		Store:       store,
		Client:      services.NewQbittorrentClient(cfg, store),
		poolRoot:    resolvePoolRoot(cfg),
		scratchRoot: resolveScratchRoot(cfg),
	}
}

// resolvePoolRoot and resolveScratchRoot probe conventional in-container
// mountpoints. ORCH_PATH_* overrides are applied earlier, to cfg.Paths
// itself, by config.ApplyPathOverrides before NewWorker is constructed.
func resolvePoolRoot(cfg config.StackConfig) string {
	if pathExists("/data") {
		return "/data"
	}
	return cfg.Paths.Pool
}

func resolveScratchRoot(cfg config.StackConfig) string {
	for _, candidate := range []string{"/downloads", "/scratch"} {
		if pathExists(candidate) {
			return candidate
		}
	}
	if cfg.Paths.Scratch != "" {
		return cfg.Paths.Scratch
	}
	return filepath.Join(cfg.Paths.Pool, "downloads")
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Run executes ticks at the given interval until ctx is canceled. A
// tick's own panics and errors are logged and swallowed; the loop
// itself never exits early except via ctx cancellation.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one pass: authenticate, list completed torrents, process
// every one not yet in the ledger. Errors are logged; the loop always
// proceeds to the next tick.
func (w *Worker) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(pipelineSubsystem, fmt.Errorf("%v", r), "tick panicked, continuing")
		}
	}()

	if !w.Config.Services.Pipeline.Enabled {
		return
	}

	session, err := w.Client.Authenticate(ctx)
	if err != nil {
		logging.Warn(pipelineSubsystem, "authenticate: %v", err)
		return
	}

	entries, err := session.ListCompleted(ctx)
	if err != nil {
		logging.Warn(pipelineSubsystem, "list completed torrents: %v", err)
		return
	}

	categories := w.Config.DownloadPolicy.Categories
	known := map[string]bool{categories.Radarr: true, categories.Sonarr: true, categories.Anime: true}

	for _, entry := range entries {
		normalized := NormalizeCategory(entry.Category)
		if !known[normalized] {
			continue
		}
		if _, seen, err := w.Store.PipelineOutcome(entry.Hash); err != nil {
			logging.Warn(pipelineSubsystem, "ledger lookup for %s: %v", entry.Hash, err)
			continue
		} else if seen {
			continue
		}

		if err := w.processTorrent(ctx, session, entry); err != nil {
			logging.Warn(pipelineSubsystem, "process %s (%s): %v", entry.Name, entry.Hash, err)
		}
	}
}

func (w *Worker) processTorrent(ctx context.Context, session *services.Session, entry services.TorrentEntry) error {
	files, err := session.Files(ctx, entry.Hash)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	source, err := w.selectPrimaryFile(entry, files)
	if err != nil {
		return err
	}

	normalized := NormalizeCategory(entry.Category)
	selection := w.trackSelectionFor(normalized)

	stagingDir := filepath.Join(w.scratchRoot, "postproc", entry.Hash)
	if err := os.MkdirAll(stagingDir, 0o775); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	stagingOutput := filepath.Join(stagingDir, trimExt(filepath.Base(source))+".mkv")

	finalOutput, err := w.finalOutputPath(entry, normalized, stagingOutput)
	if err != nil {
		return err
	}

	command := BuildFFmpegCommand(ctx, source, stagingOutput, selection)
	ok, stderr := RunFFmpeg(ctx, command)
	if !ok {
		if err := w.Store.RecordPipelineOutcome(entry.Hash, config.PipelineFFmpegFailed, now()); err != nil {
			logging.Warn(pipelineSubsystem, "record ffmpeg failure for %s: %v", entry.Hash, err)
		}
		return fmt.Errorf("ffmpeg failed: %s", stderr)
	}

	if err := os.MkdirAll(filepath.Dir(finalOutput), 0o775); err != nil {
		return fmt.Errorf("create final dir: %w", err)
	}
	if err := os.Rename(stagingOutput, finalOutput); err != nil {
		return fmt.Errorf("move staged output: %w", err)
	}
	os.RemoveAll(stagingDir)

	if err := session.Delete(ctx, entry.Hash); err != nil {
		logging.Warn(pipelineSubsystem, "delete torrent %s from client: %v", entry.Hash, err)
	}

	return w.Store.RecordPipelineOutcome(entry.Hash, config.PipelineOK, now())
}

// selectPrimaryFile picks the largest listed file whose extension is a
// recognized video container, joined against the torrent's content
// path the way qBittorrent reports file names relative to it.
func (w *Worker) selectPrimaryFile(entry services.TorrentEntry, files []services.TorrentFile) (string, error) {
	var best services.TorrentFile
	found := false
	for _, f := range files {
		if !videoExtensions[strings.ToLower(filepath.Ext(f.Name))] {
			continue
		}
		if !found || f.Size > best.Size {
			best = f
			found = true
		}
	}
	if !found {
		return "", fmt.Errorf("no video files found in torrent payload")
	}
	return w.resolveFilePath(entry, best.Name), nil
}

// resolveFilePath joins a listed file name against the torrent's
// content path. A single-file torrent's content_path already names the
// file directly; a multi-file torrent's content_path is the containing
// directory.
func (w *Worker) resolveFilePath(entry services.TorrentEntry, fileName string) string {
	if filepath.Base(entry.ContentPath) == filepath.Base(fileName) {
		return entry.ContentPath
	}
	return filepath.Join(entry.ContentPath, fileName)
}

func (w *Worker) trackSelectionFor(normalizedCategory string) TrackSelection {
	categories := w.Config.DownloadPolicy.Categories
	var entry config.MediaPolicyEntry
	switch normalizedCategory {
	case categories.Sonarr:
		entry = w.Config.MediaPolicy.TV
	case categories.Anime:
		entry = w.Config.MediaPolicy.Anime
	default:
		entry = w.Config.MediaPolicy.Movies
	}
	return TrackSelection{Audio: entry.KeepAudio, Subtitles: entry.KeepSubs}
}

func (w *Worker) finalOutputPath(entry services.TorrentEntry, normalizedCategory, stagingOutput string) (string, error) {
	categories := w.Config.DownloadPolicy.Categories

	switch normalizedCategory {
	case categories.Radarr:
		title, year := ParseMovieName(entry.Name)
		folder := MovieFolderName(title, year)
		dir := filepath.Join(w.poolRoot, "media", "movies", folder)
		return filepath.Join(dir, folder+".mkv"), nil

	case categories.Sonarr:
		ep, ok := ParseTVEpisode(entry.Name)
		if !ok {
			dir := filepath.Join(w.poolRoot, "media", "tv")
			return filepath.Join(dir, filepath.Base(stagingOutput)), nil
		}
		dir := filepath.Join(w.poolRoot, "media", "tv", ep.Show, SeasonDirName(ep.Season))
		return filepath.Join(dir, EpisodeFileName(ep)+".mkv"), nil

	case categories.Anime:
		ep, ok := ParseTVEpisode(entry.Name)
		if !ok {
			dir := filepath.Join(w.poolRoot, "media", "anime")
			return filepath.Join(dir, filepath.Base(stagingOutput)), nil
		}
		dir := filepath.Join(w.poolRoot, "media", "anime", ep.Show, SeasonDirName(ep.Season))
		return filepath.Join(dir, EpisodeFileName(ep)+".mkv"), nil

	default:
		dir := filepath.Join(w.poolRoot, "media", normalizedCategory)
		return filepath.Join(dir, filepath.Base(stagingOutput)), nil
	}
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func now() time.Time {
	return time.Now()
}
