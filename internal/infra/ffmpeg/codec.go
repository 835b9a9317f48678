// Package ffmpeg decodes sources by shelling out to ffmpeg and ffprobe.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"go.uber.org/zap"
)

var errNotOpen = errors.New("no source open")

type Config struct {
	FFmpegPath  string
	FFprobePath string
	// Quality is passed to -q:v; 2 is best, 31 worst.
	Quality int
	TempDir string
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.Quality <= 0 {
		c.Quality = 3
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	return c
}

// Codec implements port.Codec. The source is written to a private temp
// directory on Open; each Extract decodes into a scratch directory and reads
// the JPEGs back.
type Codec struct {
	cfg    Config
	logger *zap.Logger

	mu   sync.Mutex
	dir  string
	path string
	md   *entity.SourceMetadata
}

func NewCodec(cfg Config, logger *zap.Logger) *Codec {
	return &Codec{cfg: cfg.withDefaults(), logger: logger}
}

func NewCodecFactory(cfg Config, logger *zap.Logger) port.CodecFactory {
	return func() (port.Codec, error) {
		cfg := cfg.withDefaults()
		if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		return NewCodec(cfg, logger), nil
	}
}

func (c *Codec) Open(ctx context.Context, filename string, data []byte) error {
	dir, err := os.MkdirTemp(c.cfg.TempDir, "source-*")
	if err != nil {
		return fmt.Errorf("create source dir: %w", err)
	}
	name := filepath.Base(filename)
	if name == "." || name == string(filepath.Separator) {
		name = "source"
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		os.RemoveAll(dir)
		return fmt.Errorf("write source: %w", err)
	}

	c.mu.Lock()
	old := c.dir
	c.dir, c.path, c.md = dir, path, nil
	c.mu.Unlock()
	if old != "" {
		os.RemoveAll(old)
	}

	// fail early on data ffmpeg cannot read
	if _, err := c.Probe(ctx); err != nil {
		return err
	}
	return nil
}

func (c *Codec) Probe(ctx context.Context) (*entity.SourceMetadata, error) {
	c.mu.Lock()
	path, md := c.path, c.md
	c.mu.Unlock()
	if path == "" {
		return nil, errNotOpen
	}
	if md != nil {
		cp := *md
		return &cp, nil
	}

	cmd := exec.CommandContext(ctx, c.cfg.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,r_frame_rate,avg_frame_rate,nb_frames,duration:format=duration",
		"-of", "json",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("ffprobe error: %w, output: %s", err, string(exitErr.Stderr))
		}
		return nil, fmt.Errorf("ffprobe: %w", err)
	}
	md, err = parseProbe(output)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.path == path {
		c.md = md
	}
	c.mu.Unlock()

	cp := *md
	return &cp, nil
}

// Extract decodes [start, end). Near the end of the stream it may return
// fewer images than asked for.
func (c *Codec) Extract(ctx context.Context, start, end int) ([]entity.Bitmap, error) {
	if end <= start {
		return nil, nil
	}
	md, err := c.Probe(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	path := c.path
	c.mu.Unlock()
	if md.FPS <= 0 {
		return nil, fmt.Errorf("source reports no frame rate")
	}

	outDir, err := os.MkdirTemp(c.cfg.TempDir, "frames-*")
	if err != nil {
		return nil, fmt.Errorf("create frame dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, c.cfg.FFmpegPath,
		"-v", "error",
		"-ss", fmt.Sprintf("%.6f", float64(start)/md.FPS),
		"-i", path,
		"-frames:v", fmt.Sprint(end-start),
		"-q:v", fmt.Sprint(c.cfg.Quality),
		"-y",
		filepath.Join(outDir, "%06d.jpeg"),
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, string(output))
	}

	files, err := filepath.Glob(filepath.Join(outDir, "*.jpeg"))
	if err != nil {
		return nil, fmt.Errorf("glob frames: %w", err)
	}
	sort.Strings(files)

	images := make([]entity.Bitmap, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		images = append(images, entity.Bitmap(b))
	}
	c.logger.Debug("frames decoded",
		zap.Int("start", start), zap.Int("end", end), zap.Int("count", len(images)))
	return images, nil
}

func (c *Codec) Close() error {
	c.mu.Lock()
	dir := c.dir
	c.dir, c.path, c.md = "", "", nil
	c.mu.Unlock()
	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}
