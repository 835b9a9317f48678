package entity

import "math"

// Source is a video file handed to the workers and the live decoder.
// Filename hints the container format to the codec.
type Source struct {
	Filename string
	Data     []byte
}

// Bitmap is an encoded frame image (JPEG for the ffmpeg codec).
type Bitmap []byte

func (b Bitmap) Size() int { return len(b) }

// SourceMetadata is reported once per load by a single worker.
type SourceMetadata struct {
	Width        int     `json:"width" msgpack:"width"`
	Height       int     `json:"height" msgpack:"height"`
	FPS          float64 `json:"fps" msgpack:"fps"`
	TimeBaseRate float64 `json:"tbr" msgpack:"tbr"`
	Duration     float64 `json:"duration_seconds,omitempty" msgpack:"duration,omitempty"`
	FrameCount   int     `json:"frame_count,omitempty" msgpack:"frame_count,omitempty"`
}

// TotalFrames prefers the container's frame count and falls back to
// duration times fps.
func (m SourceMetadata) TotalFrames() int {
	if m.FrameCount > 0 {
		return m.FrameCount
	}
	if m.Duration > 0 && m.FPS > 0 {
		return int(math.Floor(m.Duration * m.FPS))
	}
	return 0
}
