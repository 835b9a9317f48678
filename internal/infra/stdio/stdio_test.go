package stdio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const helperEnv = "FRAMECACHE_STDIO_HELPER"

// TestMain doubles as the worker executable: when re-run with helperEnv set
// it serves the protocol on stdin/stdout instead of running tests.
func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "serve":
		err := Serve(context.Background(), &countingCodec{}, os.Stdin, os.Stdout, zap.NewNop())
		if err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case "crash":
		os.Exit(3)
	}
	os.Exit(m.Run())
}

type countingCodec struct{ fail bool }

func (c *countingCodec) Open(_ context.Context, filename string, _ []byte) error {
	if filename == "corrupt.mp4" {
		return fmt.Errorf("invalid data found when processing input")
	}
	return nil
}

func (c *countingCodec) Probe(context.Context) (*entity.SourceMetadata, error) {
	return &entity.SourceMetadata{Width: 1280, Height: 720, FPS: 30, TimeBaseRate: 30}, nil
}

func (c *countingCodec) Extract(_ context.Context, start, end int) ([]entity.Bitmap, error) {
	out := make([]entity.Bitmap, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, entity.Bitmap(fmt.Sprintf("jpeg-%d", i)))
	}
	return out, nil
}

func (c *countingCodec) Close() error { return nil }

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	md := entity.SourceMetadata{Width: 640, Height: 480, FPS: 25, TimeBaseRate: 25}
	msgs := []entity.Message{
		entity.LoadMessage(entity.Source{Filename: "a.mp4", Data: []byte{0, 1, 2}}, 7),
		entity.MetadataResultMessage(md, 7),
		entity.FramesMessage(10, 12, []entity.Bitmap{{0xff, 0xd8}, {0xff, 0xd9}}, 7),
	}
	for _, m := range msgs {
		require.NoError(t, WriteMessage(&buf, m))
	}

	for _, want := range msgs {
		got, err := ReadMessage(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxMessageSize+1)

	_, err := ReadMessage(bytes.NewReader(prefix[:]))
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestReadMessageTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, entity.InfoMessage()))
	truncated := buf.Bytes()[:buf.Len()-1]

	_, err := ReadMessage(bytes.NewReader(truncated))
	assert.Error(t, err)
}

func TestServeOverPipes(t *testing.T) {
	toWorker, workerIn := io.Pipe()
	workerOut, fromWorker := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- Serve(context.Background(), &countingCodec{}, toWorker, fromWorker, zap.NewNop())
		fromWorker.Close()
	}()

	read := func() entity.Message {
		msg, err := ReadMessage(workerOut)
		require.NoError(t, err)
		return msg
	}
	assert.Equal(t, entity.MsgReady, read().Type)

	require.NoError(t, WriteMessage(workerIn, entity.LoadMessage(entity.Source{Filename: "a.mp4"}, 1)))
	assert.Equal(t, entity.MsgLoaded, read().Type)
	require.NoError(t, WriteMessage(workerIn, entity.Message{Type: entity.MsgJob, Start: 0, End: 2, Generation: 1}))
	frames := read()
	assert.Equal(t, []entity.Bitmap{entity.Bitmap("jpeg-0"), entity.Bitmap("jpeg-1")}, frames.Images)

	workerIn.Close()
	assert.NoError(t, <-done)
}

func helperTransport(mode string) *Transport {
	return NewTransport(Config{
		Command:     os.Args[0],
		Args:        []string{"-test.run=^$"},
		Env:         []string{helperEnv + "=" + mode},
		StopTimeout: time.Second,
	}, zap.NewNop())
}

func next(t *testing.T, ch chan entity.Message) entity.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("no message from worker process")
		return entity.Message{}
	}
}

func TestTransportSpawnsWorkerProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	out := make(chan entity.Message, 8)
	conn, err := helperTransport("serve").Spawn(context.Background(), 0, func(m entity.Message) { out <- m })
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, entity.MsgReady, next(t, out).Type)
	require.NoError(t, conn.Send(entity.LoadMessage(entity.Source{Filename: "a.mp4", Data: []byte("x")}, 1)))
	assert.Equal(t, entity.MsgLoaded, next(t, out).Type)
	require.NoError(t, conn.Send(entity.InfoMessage()))
	md := next(t, out)
	require.Equal(t, entity.MsgMetadataResult, md.Type)
	assert.Equal(t, 1280, md.Metadata.Width)
}

func TestTransportReportsCodecFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	out := make(chan entity.Message, 8)
	conn, err := helperTransport("serve").Spawn(context.Background(), 1, func(m entity.Message) { out <- m })
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, entity.MsgReady, next(t, out).Type)
	require.NoError(t, conn.Send(entity.LoadMessage(entity.Source{Filename: "corrupt.mp4"}, 1)))

	msg := next(t, out)
	require.Equal(t, entity.MsgError, msg.Type)
	assert.Contains(t, msg.Error, "invalid data")
}

func TestTransportReportsCrashedProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns a child process")
	}
	out := make(chan entity.Message, 8)
	conn, err := helperTransport("crash").Spawn(context.Background(), 2, func(m entity.Message) { out <- m })
	require.NoError(t, err)
	defer conn.Close()

	msg := next(t, out)
	require.Equal(t, entity.MsgError, msg.Type)
	assert.Contains(t, msg.Error, "exited")
}

func TestTransportSpawnFailure(t *testing.T) {
	tr := NewTransport(Config{Command: "/nonexistent/framecache"}, zap.NewNop())
	_, err := tr.Spawn(context.Background(), 0, func(entity.Message) {})
	assert.ErrorContains(t, err, "start worker 0")
}
