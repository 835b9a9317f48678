package entity

// EventType names notifications pushed to the UI shell.
type EventType string

const (
	EventMetadata     EventType = "metadata"
	EventFramesCached EventType = "frames_cached"
	EventRendered     EventType = "rendered"
	EventWorkerState  EventType = "worker_state"
	EventSourceLoaded EventType = "source_loaded"
)

// FrameOrigin says where a drawn bitmap came from.
type FrameOrigin string

const (
	OriginCache FrameOrigin = "cache"
	OriginLive  FrameOrigin = "live"
)

type Event struct {
	Type       EventType       `json:"type"`
	Frame      *int            `json:"frame,omitempty"`
	Start      *int            `json:"start,omitempty"`
	End        *int            `json:"end,omitempty"`
	Count      int             `json:"count,omitempty"`
	Origin     FrameOrigin     `json:"origin,omitempty"`
	Metadata   *SourceMetadata `json:"metadata,omitempty"`
	Worker     *WorkerSnapshot `json:"worker,omitempty"`
	Generation uint64          `json:"generation,omitempty"`
	Filename   string          `json:"filename,omitempty"`
}

func MetadataEvent(md SourceMetadata) Event {
	return Event{Type: EventMetadata, Metadata: &md}
}

func FramesCachedEvent(start, end, count int) Event {
	return Event{Type: EventFramesCached, Start: &start, End: &end, Count: count}
}

func RenderedEvent(frame int, origin FrameOrigin) Event {
	return Event{Type: EventRendered, Frame: &frame, Origin: origin}
}

func WorkerStateEvent(snap WorkerSnapshot) Event {
	return Event{Type: EventWorkerState, Worker: &snap}
}

func SourceLoadedEvent(filename string, generation uint64) Event {
	return Event{Type: EventSourceLoaded, Filename: filename, Generation: generation}
}
