package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcrabbitmq "github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func TestQueueNames(t *testing.T) {
	in, out := QueueNames("framecache", 3)
	assert.Equal(t, "framecache.worker.3.in", in)
	assert.Equal(t, "framecache.worker.3.out", out)
}

func TestDecodeDelivery(t *testing.T) {
	body, err := msgpack.Marshal(entity.FramesMessage(4, 6, []entity.Bitmap{entity.Bitmap("a"), entity.Bitmap("b")}, 2))
	require.NoError(t, err)

	msg, err := decode(amqp.Delivery{Body: body})
	require.NoError(t, err)
	assert.Equal(t, entity.MsgFrames, msg.Type)
	assert.Equal(t, 4, msg.Start)
	assert.Len(t, msg.Images, 2)

	_, err = decode(amqp.Delivery{Body: []byte{0xc1}, Headers: amqp.Table{typeHeader: "frames"}})
	assert.ErrorContains(t, err, "frames")
}

func TestHelloHeader(t *testing.T) {
	assert.True(t, isHello(amqp.Delivery{Headers: amqp.Table{controlHeader: controlHello}}))
	assert.False(t, isHello(amqp.Delivery{Headers: amqp.Table{typeHeader: "job"}}))
	assert.False(t, isHello(amqp.Delivery{}))
}

type stubCodec struct {
	failOpen bool
}

func (c *stubCodec) Open(_ context.Context, filename string, _ []byte) error {
	if c.failOpen && filename == "corrupt.mp4" {
		return errors.New("invalid data found when processing input")
	}
	return nil
}

func (c *stubCodec) Probe(context.Context) (*entity.SourceMetadata, error) {
	return &entity.SourceMetadata{Width: 64, Height: 48, FPS: 25, FrameCount: 100}, nil
}

func (c *stubCodec) Extract(_ context.Context, start, end int) ([]entity.Bitmap, error) {
	out := make([]entity.Bitmap, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, entity.Bitmap(fmt.Sprintf("frame-%d", i)))
	}
	return out, nil
}

func (c *stubCodec) Close() error { return nil }

func startBroker(t *testing.T) *amqp.Connection {
	t.Helper()
	ctx := context.Background()
	container, err := tcrabbitmq.Run(ctx, "rabbitmq:3.12-management-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	url, err := container.AmqpURL(ctx)
	require.NoError(t, err)
	conn, err := Dial(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// collect returns the next reply that is not a ready announcement; the
// session started before the coordinator attached may still announce late.
func collect(t *testing.T, ch <-chan entity.Message) entity.Message {
	t.Helper()
	for {
		select {
		case msg := <-ch:
			if msg.Type == entity.MsgReady {
				continue
			}
			return msg
		case <-time.After(10 * time.Second):
			t.Fatal("no reply from remote worker")
			return entity.Message{}
		}
	}
}

func TestRemoteWorkerRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	conn := startBroker(t)
	logger := zap.NewNop()

	var sessions atomic.Int32
	codecs := func() (port.Codec, error) {
		sessions.Add(1)
		return &stubCodec{failOpen: true}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- ServeWorker(ctx, conn, "test", 0, codecs, logger) }()
	require.Eventually(t, func() bool { return sessions.Load() == 1 }, 10*time.Second, 10*time.Millisecond)

	tr, err := NewTransport(conn, "test", logger)
	require.NoError(t, err)
	defer tr.Close()

	replies := make(chan entity.Message, 16)
	wc, err := tr.Spawn(ctx, 0, func(msg entity.Message) { replies <- msg })
	require.NoError(t, err)

	// hello restarts the worker, which announces itself again
	select {
	case msg := <-replies:
		require.Equal(t, entity.MsgReady, msg.Type)
	case <-time.After(10 * time.Second):
		t.Fatal("worker never announced itself")
	}
	require.Eventually(t, func() bool { return sessions.Load() == 2 }, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, wc.Send(entity.LoadMessage(entity.Source{Filename: "clip.mp4", Data: []byte("x")}, 1)))
	loaded := collect(t, replies)
	require.Equal(t, entity.MsgLoaded, loaded.Type)
	assert.Equal(t, uint64(1), loaded.Generation)

	require.NoError(t, wc.Send(entity.InfoMessage()))
	md := collect(t, replies)
	require.Equal(t, entity.MsgMetadataResult, md.Type)
	assert.Equal(t, 100, md.Metadata.FrameCount)

	require.NoError(t, wc.Send(entity.Message{Type: entity.MsgJob, Start: 10, End: 13, Generation: 1}))
	frames := collect(t, replies)
	require.Equal(t, entity.MsgFrames, frames.Type)
	assert.Equal(t, []entity.Bitmap{entity.Bitmap("frame-10"), entity.Bitmap("frame-11"), entity.Bitmap("frame-12")}, frames.Images)

	require.NoError(t, wc.Send(entity.LoadMessage(entity.Source{Filename: "corrupt.mp4"}, 2)))
	failed := collect(t, replies)
	require.Equal(t, entity.MsgError, failed.Type)
	assert.Contains(t, failed.Error, "invalid data")

	require.NoError(t, wc.Close())
	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop")
	}
}
