package stdio

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/decodeworker"
	"github.com/fiapx/fiapx-framecache/internal/infra/mailbox"
	"go.uber.org/zap"
)

// Serve is the child side: it reads messages from r, runs them through a
// decode worker runtime and writes the replies to w.
func Serve(ctx context.Context, codec port.Codec, r io.Reader, w io.Writer, logger *zap.Logger) error {
	inbox := mailbox.New[entity.Message]()
	go func() {
		defer inbox.Close()
		br := bufio.NewReader(r)
		for {
			msg, err := ReadMessage(br)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					logger.Error("read from coordinator", zap.Error(err))
				}
				return
			}
			inbox.Put(msg)
		}
	}()

	bw := bufio.NewWriter(w)
	var mu sync.Mutex
	send := func(msg entity.Message) error {
		mu.Lock()
		defer mu.Unlock()
		if err := WriteMessage(bw, msg); err != nil {
			return err
		}
		return bw.Flush()
	}

	return decodeworker.NewRuntime(codec, send, logger).Run(ctx, inbox)
}
