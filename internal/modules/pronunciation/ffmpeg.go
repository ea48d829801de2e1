package pronunciation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/lingvo-space/core/internal/pkg/apperr"
)

// Clip selects part of an audio chunk. A zero Duration means to the end.
type Clip struct {
	Start    time.Duration
	Duration time.Duration
}

// Converter turns uploaded audio into 16 kHz mono WAV.
type Converter interface {
	ToWAV(ctx context.Context, audio []byte, mimeType string, clip Clip) ([]byte, error)
}

// FFmpeg converts through an ffmpeg binary reading stdin and writing stdout.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
}

func NewFFmpeg(path string, timeout time.Duration) *FFmpeg {
	if strings.TrimSpace(path) == "" {
		path = "ffmpeg"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FFmpeg{Path: path, Timeout: timeout}
}

func (f *FFmpeg) ToWAV(ctx context.Context, audio []byte, mimeType string, clip Clip) ([]byte, error) {
	if len(audio) == 0 {
		return nil, fmt.Errorf("convert: empty audio: %w", apperr.ErrInsufficientData)
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	args := []string{"-hide_banner", "-loglevel", "error"}
	if format := inputFormat(mimeType); format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, "-i", "pipe:0")
	if clip.Start > 0 {
		args = append(args, "-ss", seconds(clip.Start))
	}
	if clip.Duration > 0 {
		args = append(args, "-t", seconds(clip.Duration))
	}
	args = append(args, "-ac", "1", "-ar", "16000", "-f", "wav", "pipe:1")

	cmd := exec.CommandContext(ctx, f.Path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(audio)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperr.Transient("ffmpeg", fmt.Errorf("conversion timed out after %s", f.Timeout))
		}
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg: empty output")
	}
	return stdout.Bytes(), nil
}

func inputFormat(mimeType string) string {
	base, _, _ := strings.Cut(strings.ToLower(mimeType), ";")
	switch strings.TrimSpace(base) {
	case "audio/webm":
		return "webm"
	case "audio/ogg":
		return "ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/mpeg":
		return "mp3"
	}
	// mp4 needs seekable input, let ffmpeg probe
	return ""
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
