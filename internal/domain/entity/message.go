package entity

// MessageType discriminates worker protocol messages.
type MessageType string

const (
	// worker -> pool
	MsgReady          MessageType = "ready"
	MsgLoaded         MessageType = "loaded"
	MsgMetadataResult MessageType = "metadataResult"
	MsgFrames         MessageType = "frames"
	MsgError          MessageType = "error"

	// pool -> worker
	MsgLoad MessageType = "load"
	MsgInfo MessageType = "info"
	MsgJob  MessageType = "job"
)

// Message is one protocol message between the pool and a decode worker.
// Only the fields relevant to Type are set.
type Message struct {
	Type       MessageType     `json:"type" msgpack:"type"`
	Generation uint64          `json:"generation,omitempty" msgpack:"generation,omitempty"`
	Filename   string          `json:"filename,omitempty" msgpack:"filename,omitempty"`
	Data       []byte          `json:"data,omitempty" msgpack:"data,omitempty"`
	Metadata   *SourceMetadata `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	Start      int             `json:"start,omitempty" msgpack:"start,omitempty"`
	End        int             `json:"end,omitempty" msgpack:"end,omitempty"`
	Images     []Bitmap        `json:"images,omitempty" msgpack:"images,omitempty"`
	Error      string          `json:"error,omitempty" msgpack:"error,omitempty"`
}

func ReadyMessage() Message { return Message{Type: MsgReady} }

func LoadMessage(src Source, generation uint64) Message {
	return Message{Type: MsgLoad, Filename: src.Filename, Data: src.Data, Generation: generation}
}

func LoadedMessage(generation uint64) Message {
	return Message{Type: MsgLoaded, Generation: generation}
}

func InfoMessage() Message { return Message{Type: MsgInfo} }

func MetadataResultMessage(md SourceMetadata, generation uint64) Message {
	return Message{Type: MsgMetadataResult, Metadata: &md, Generation: generation}
}

func JobMessage(job *Job) Message {
	return Message{Type: MsgJob, Start: job.StartFrame, End: job.EndFrame, Generation: job.Generation}
}

func FramesMessage(start, end int, images []Bitmap, generation uint64) Message {
	return Message{Type: MsgFrames, Start: start, End: end, Images: images, Generation: generation}
}

func ErrorMessage(err error) Message {
	return Message{Type: MsgError, Error: err.Error()}
}
