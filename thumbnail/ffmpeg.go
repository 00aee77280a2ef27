package thumbnail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/png" // ffmpeg frames are piped as PNG
	"os/exec"
	"strconv"
	"time"
)

// FFmpeg opens Sources backed by the ffprobe and ffmpeg binaries.
type FFmpeg struct {
	FFprobePath string // defaults to "ffprobe" on PATH
	FFmpegPath  string // defaults to "ffmpeg" on PATH
}

// Open implements OpenFunc.
func (f FFmpeg) Open(locator string) Source {
	probe, mpeg := f.FFprobePath, f.FFmpegPath
	if probe == "" {
		probe = "ffprobe"
	}
	if mpeg == "" {
		mpeg = "ffmpeg"
	}
	return &ffmpegSource{probe: probe, mpeg: mpeg, locator: locator}
}

type ffmpegSource struct {
	probe   string
	mpeg    string
	locator string
	at      time.Duration
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (s *ffmpegSource) LoadMetadata(ctx context.Context) (Metadata, error) {
	cmd := exec.CommandContext(ctx, s.probe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		s.locator,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Metadata{}, fmt.Errorf("ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 {
		return Metadata{}, errors.New("no video stream")
	}

	meta := Metadata{Width: po.Streams[0].Width, Height: po.Streams[0].Height}
	if secs, err := strconv.ParseFloat(po.Format.Duration, 64); err == nil {
		meta.Duration = time.Duration(secs * float64(time.Second))
	}
	return meta, nil
}

// Seek records the capture timestamp; ffmpeg seeks when the frame is read.
func (s *ffmpegSource) Seek(_ context.Context, at time.Duration) error {
	if at < 0 {
		return fmt.Errorf("negative seek %s", at)
	}
	s.at = at
	return nil
}

func (s *ffmpegSource) Frame(ctx context.Context) (image.Image, error) {
	cmd := exec.CommandContext(ctx, s.mpeg,
		"-v", "error",
		"-ss", strconv.FormatFloat(s.at.Seconds(), 'f', 3, 64),
		"-i", s.locator,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	img, _, err := image.Decode(bytes.NewReader(out))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}
