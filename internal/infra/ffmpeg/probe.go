package ffmpeg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(output []byte) (*entity.SourceMetadata, error) {
	var out probeOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("no video stream")
	}
	s := out.Streams[0]

	tbr, err := parseFrameRate(s.RFrameRate)
	if err != nil {
		return nil, err
	}
	fps, err := parseFrameRate(s.AvgFrameRate)
	if err != nil {
		return nil, err
	}
	if fps == 0 {
		fps = tbr
	}

	md := &entity.SourceMetadata{
		Width:        s.Width,
		Height:       s.Height,
		FPS:          fps,
		TimeBaseRate: tbr,
	}
	md.Duration = parseFloat(s.Duration)
	if md.Duration == 0 {
		md.Duration = parseFloat(out.Format.Duration)
	}
	if n, err := strconv.Atoi(s.NbFrames); err == nil {
		md.FrameCount = n
	}
	return md, nil
}

// parseFrameRate reads ffprobe rationals such as "30000/1001". "0/0" means
// unknown and yields 0.
func parseFrameRate(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	if !found {
		return n, nil
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil {
		return 0, fmt.Errorf("parse frame rate %q: %w", s, err)
	}
	if d == 0 {
		return 0, nil
	}
	return n / d, nil
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
