package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchestrator/internal/config"
	"orchestrator/internal/services"
)

func testWorker(t *testing.T) *Worker {
	t.Helper()
	dir := t.TempDir()
	store := config.NewStore(dir)

	cfg := config.DefaultConfig()
	cfg.Paths.Pool = "/mnt/pool"
	cfg.Paths.Scratch = "/mnt/scratch"
	cfg.DownloadPolicy.Categories = config.DownloadCategories{Radarr: "movies", Sonarr: "tv", Anime: "anime"}

	return NewWorker(cfg, store)
}

func TestResolvePoolRoot_FallsBackToConfigWhenNoContainerMount(t *testing.T) {
	// /data does not exist on the test host, so the resolver falls back
	// to the configured pool path.
	assert.Equal(t, "/mnt/pool", resolvePoolRoot(config.StackConfig{Paths: config.Paths{Pool: "/mnt/pool"}}))
}

func TestResolveScratchRoot_FallsBackToConfigWhenNoContainerMount(t *testing.T) {
	cfg := config.StackConfig{Paths: config.Paths{Pool: "/mnt/pool", Scratch: "/mnt/scratch"}}
	assert.Equal(t, "/mnt/scratch", resolveScratchRoot(cfg))
}

func TestResolveScratchRoot_DerivesFromPoolWhenScratchUnset(t *testing.T) {
	cfg := config.StackConfig{Paths: config.Paths{Pool: "/mnt/pool"}}
	assert.Equal(t, "/mnt/pool/downloads", resolveScratchRoot(cfg))
}

func TestSelectPrimaryFile_PicksLargestVideoExtensionBySize(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{ContentPath: "/downloads/show"}
	files := []services.TorrentFile{
		{Name: "show.nfo", Size: 1},
		{Name: "sample.mkv", Size: 100},
		{Name: "episode.mkv", Size: 900},
	}
	path, err := w.selectPrimaryFile(entry, files)
	require.NoError(t, err)
	assert.Equal(t, "/downloads/show/episode.mkv", path)
}

func TestSelectPrimaryFile_ErrorsWhenNoVideoFile(t *testing.T) {
	w := testWorker(t)
	_, err := w.selectPrimaryFile(services.TorrentEntry{}, []services.TorrentFile{{Name: "readme.txt", Size: 10}})
	assert.Error(t, err)
}

func TestResolveFilePath_SingleFileTorrentUsesContentPathDirectly(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{ContentPath: "/downloads/Movie.2020.mkv"}
	assert.Equal(t, "/downloads/Movie.2020.mkv", w.resolveFilePath(entry, "Movie.2020.mkv"))
}

func TestResolveFilePath_MultiFileTorrentJoinsAgainstDir(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{ContentPath: "/downloads/Show.S01"}
	assert.Equal(t, "/downloads/Show.S01/ep1.mkv", w.resolveFilePath(entry, "ep1.mkv"))
}

func TestTrackSelectionFor_UsesDistinctPolicyPerCategory(t *testing.T) {
	w := testWorker(t)

	movies := w.trackSelectionFor("movies")
	tv := w.trackSelectionFor("tv")
	anime := w.trackSelectionFor("anime")

	assert.ElementsMatch(t, []string{"eng", "und"}, movies.Audio)
	assert.ElementsMatch(t, []string{"eng", "und"}, tv.Audio)
	assert.ElementsMatch(t, []string{"jpn", "eng", "und"}, anime.Audio)
}

func TestFinalOutputPath_Movie(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{Name: "Good.Will.Hunting.1997.1080p.BluRay"}
	path, err := w.finalOutputPath(entry, "movies", "/scratch/postproc/abc/x.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/pool/media/movies/Good Will Hunting (1997)/Good Will Hunting (1997).mkv", path)
}

func TestFinalOutputPath_TVEpisode(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{Name: "The Office US S09E22"}
	path, err := w.finalOutputPath(entry, "tv", "/scratch/postproc/abc/x.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/pool/media/tv/The Office US/Season 9/The Office US - S09E22.mkv", path)
}

func TestFinalOutputPath_TVFallsBackToFlatLayoutWhenUnparsed(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{Name: "mystery-release"}
	path, err := w.finalOutputPath(entry, "tv", "/scratch/postproc/abc/x.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/pool/media/tv/x.mkv", path)
}

func TestFinalOutputPath_AnimeEpisode(t *testing.T) {
	w := testWorker(t)
	entry := services.TorrentEntry{Name: "Jujutsu.Kaisen 3x04"}
	path, err := w.finalOutputPath(entry, "anime", "/scratch/postproc/abc/x.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/pool/media/anime/Jujutsu Kaisen/Season 3/Jujutsu Kaisen - S03E04.mkv", path)
}

func TestFinalOutputPath_UnknownCategoryUsesFlatLayout(t *testing.T) {
	w := testWorker(t)
	path, err := w.finalOutputPath(services.TorrentEntry{Name: "misc"}, "books", "/scratch/postproc/abc/x.mkv")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/pool/media/books/x.mkv", path)
}

func TestTrimExt_StripsExtensionOnly(t *testing.T) {
	assert.Equal(t, "episode", trimExt("episode.mkv"))
	assert.Equal(t, "archive.tar", trimExt("archive.tar.gz"))
}
