// Package stdio runs decode workers as child processes speaking the worker
// protocol over stdin/stdout: each message is a 4-byte big-endian length
// followed by its msgpack encoding.
package stdio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxMessageSize bounds a single frame. A load carries the whole source and
// a frames reply a range of encoded images, so the limit is generous.
const MaxMessageSize = 1 << 30

var ErrMessageTooLarge = errors.New("message exceeds maximum size")

func WriteMessage(w io.Writer, msg entity.Message) error {
	body, err := msgpack.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	if len(body) > MaxMessageSize {
		return fmt.Errorf("%s of %d bytes: %w", msg.Type, len(body), ErrMessageTooLarge)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadMessage returns io.EOF when the stream ends cleanly between messages.
func ReadMessage(r io.Reader) (entity.Message, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return entity.Message{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxMessageSize {
		return entity.Message{}, fmt.Errorf("frame of %d bytes: %w", n, ErrMessageTooLarge)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return entity.Message{}, fmt.Errorf("read body: %w", err)
	}
	var msg entity.Message
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return entity.Message{}, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}
