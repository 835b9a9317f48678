package httpapi

import (
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
)

// Raster is what the playback view drew last.
type Raster struct {
	Frame  int
	Bitmap entity.Bitmap
	Origin entity.FrameOrigin
}

// RasterSurface keeps the latest drawn frame for GET /api/playback/raster.
type RasterSurface struct {
	mu     sync.RWMutex
	latest *Raster
}

func NewRasterSurface() *RasterSurface {
	return &RasterSurface{}
}

func (s *RasterSurface) Draw(frame int, bmp entity.Bitmap, origin entity.FrameOrigin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = &Raster{Frame: frame, Bitmap: bmp, Origin: origin}
}

func (s *RasterSurface) Latest() (Raster, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return Raster{}, false
	}
	return *s.latest, true
}
