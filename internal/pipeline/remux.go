package pipeline

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ffprobeTimeout bounds a single stream probe, per SPEC_FULL §4.8.
const ffprobeTimeout = 30 * time.Second

// TrackSelection is the set of languages to keep for audio and
// subtitle streams. The literal token "forced" in Subtitles means
// "also keep any track flagged forced", independent of language.
type TrackSelection struct {
	Audio     []string
	Subtitles []string
}

// StreamInfo summarizes a probed media file's streams.
type StreamInfo struct {
	HasVideo         bool
	OriginalLanguage string
	audioStreams     []ffprobeStream
	subtitleStreams  []ffprobeStream
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	Tags      struct {
		Language string `json:"language"`
	} `json:"tags"`
	Disposition struct {
		Forced int `json:"forced"`
	} `json:"disposition"`
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
}

// execCommandContext is a seam for tests, matching the containerizer
// package's mocking pattern.
var execCommandContext = exec.CommandContext

// ProbeStreams runs ffprobe against source and returns the parsed
// stream summary. A probe failure (missing binary, timeout, malformed
// output, nonzero exit) reports ok=false rather than an error, since
// callers fall back to copying every stream when probing is
// unavailable.
func ProbeStreams(ctx context.Context, source string) (StreamInfo, bool) {
	ctx, cancel := context.WithTimeout(ctx, ffprobeTimeout)
	defer cancel()

	cmd := execCommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		source,
	)
	out, err := cmd.Output()
	if err != nil {
		return StreamInfo{}, false
	}

	var parsed ffprobeOutput
	if err := json.Unmarshal(out, &parsed); err != nil {
		return StreamInfo{}, false
	}

	info := StreamInfo{}
	for _, s := range parsed.Streams {
		lang := strings.ToLower(s.Tags.Language)
		if lang == "" {
			lang = "und"
		}
		switch s.CodecType {
		case "video":
			info.HasVideo = true
		case "audio":
			s.Tags.Language = lang
			info.audioStreams = append(info.audioStreams, s)
			if info.OriginalLanguage == "" {
				info.OriginalLanguage = lang
			}
		case "subtitle":
			s.Tags.Language = lang
			info.subtitleStreams = append(info.subtitleStreams, s)
		}
	}
	return info, true
}

// BuildFFmpegCommand constructs a remux command that copies codecs
// (no transcoding) while dropping audio/subtitle streams outside the
// selection. Video stream 0 is always mapped. If probing failed, every
// audio and subtitle stream is copied instead of filtered.
func BuildFFmpegCommand(ctx context.Context, source, destination string, selection TrackSelection) []string {
	args := []string{"ffmpeg", "-hide_banner", "-y", "-i", source, "-map", "0:v:0?"}

	info, probed := ProbeStreams(ctx, source)
	if !probed {
		args = append(args, "-map", "0:a?", "-map", "0:s?", "-c", "copy", destination)
		return args
	}

	keepAudio := normalizeLanguages(selection.Audio)
	if info.OriginalLanguage != "" {
		keepAudio[info.OriginalLanguage] = true
	}

	keepSubs := normalizeLanguages(selection.Subtitles)
	includeForced := keepSubs["forced"]
	delete(keepSubs, "forced")

	for _, s := range info.audioStreams {
		if keepAudio[s.Tags.Language] {
			args = append(args, "-map", "0:"+strconv.Itoa(s.Index))
		}
	}
	for _, s := range info.subtitleStreams {
		forced := s.Disposition.Forced == 1
		if keepSubs[s.Tags.Language] || (forced && includeForced) {
			args = append(args, "-map", "0:"+strconv.Itoa(s.Index))
		}
	}

	args = append(args, "-c", "copy", destination)
	return args
}

func normalizeLanguages(languages []string) map[string]bool {
	out := make(map[string]bool, len(languages))
	for _, l := range languages {
		code := strings.ToLower(strings.TrimSpace(l))
		if code == "" {
			continue
		}
		out[code] = true
	}
	return out
}

// RunFFmpeg executes an ffmpeg command built by BuildFFmpegCommand and
// reports whether it exited zero.
func RunFFmpeg(ctx context.Context, args []string) (ok bool, stderr string) {
	cmd := execCommandContext(ctx, args[0], args[1:]...)
	var errBuf strings.Builder
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return false, strings.TrimSpace(errBuf.String())
	}
	return true, ""
}
