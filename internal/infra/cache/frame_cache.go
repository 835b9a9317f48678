package cache

import (
	"container/list"
	"sort"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/infra/metrics"
)

type entry struct {
	frame int
	bmp   entity.Bitmap
}

// FrameCache stores at most one bitmap per frame index; the latest write wins.
//
// With a zero byte budget nothing is ever evicted. With a positive budget the
// least recently used frames are dropped once the stored bytes exceed it.
//
// FrameCache is not safe for concurrent use. It belongs to the coordinator loop.
type FrameCache struct {
	entries map[int]*list.Element
	lru     *list.List
	bytes   int64
	budget  int64
}

func NewFrameCache(byteBudget int64) *FrameCache {
	return &FrameCache{
		entries: make(map[int]*list.Element),
		lru:     list.New(),
		budget:  byteBudget,
	}
}

// Put stores bmp for frame, replacing any previous bitmap. Negative frames are ignored.
func (c *FrameCache) Put(frame int, bmp entity.Bitmap) {
	if frame < 0 {
		return
	}
	if el, ok := c.entries[frame]; ok {
		e := el.Value.(*entry)
		c.bytes += int64(bmp.Size() - e.bmp.Size())
		e.bmp = bmp
		c.lru.MoveToFront(el)
	} else {
		c.entries[frame] = c.lru.PushFront(&entry{frame: frame, bmp: bmp})
		c.bytes += int64(bmp.Size())
	}
	c.evict()
	c.report()
}

// PutRange stores bmps[i] at start+i for the declared range [start, end),
// ignoring surplus bitmaps. It returns how many frames were written.
func (c *FrameCache) PutRange(start, end int, bmps []entity.Bitmap) int {
	n := min(len(bmps), end-start)
	for i := 0; i < n; i++ {
		c.Put(start+i, bmps[i])
	}
	return max(n, 0)
}

func (c *FrameCache) Has(frame int) bool {
	_, ok := c.entries[frame]
	return ok
}

func (c *FrameCache) Get(frame int) (entity.Bitmap, bool) {
	el, ok := c.entries[frame]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).bmp, true
}

func (c *FrameCache) Clear() {
	c.entries = make(map[int]*list.Element)
	c.lru.Init()
	c.bytes = 0
	c.report()
}

func (c *FrameCache) Len() int { return len(c.entries) }

func (c *FrameCache) Bytes() int64 { return c.bytes }

// Frames returns the cached frame indices in ascending order.
func (c *FrameCache) Frames() []int {
	frames := make([]int, 0, len(c.entries))
	for f := range c.entries {
		frames = append(frames, f)
	}
	sort.Ints(frames)
	return frames
}

func (c *FrameCache) evict() {
	if c.budget <= 0 {
		return
	}
	// keep the most recent write even when it alone exceeds the budget
	for c.bytes > c.budget && c.lru.Len() > 1 {
		el := c.lru.Back()
		e := el.Value.(*entry)
		c.lru.Remove(el)
		delete(c.entries, e.frame)
		c.bytes -= int64(e.bmp.Size())
		metrics.CacheEvictionsTotal.Inc()
	}
}

func (c *FrameCache) report() {
	metrics.CacheEntries.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.bytes))
}
