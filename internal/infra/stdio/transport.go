package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fiapx/fiapx-framecache/internal/domain/entity"
	"github.com/fiapx/fiapx-framecache/internal/domain/port"
	"github.com/fiapx/fiapx-framecache/internal/infra/mailbox"
	"go.uber.org/zap"
)

type Config struct {
	// Command is the worker executable; Args precede "--id N".
	Command string
	Args    []string
	// Env is appended to the coordinator's environment.
	Env []string
	// StopTimeout is how long Close waits before killing the child.
	StopTimeout time.Duration
}

type Transport struct {
	cfg    Config
	logger *zap.Logger
}

func NewTransport(cfg Config, logger *zap.Logger) *Transport {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	return &Transport{cfg: cfg, logger: logger}
}

type process struct {
	id      int
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	outbox  *mailbox.Mailbox[entity.Message]
	deliver func(entity.Message)
	logger  *zap.Logger
	timeout time.Duration

	mu      sync.Mutex
	failure error
	closing bool

	writer  sync.WaitGroup
	readers sync.WaitGroup
	exited  chan struct{}
	once    sync.Once
}

func (t *Transport) Spawn(ctx context.Context, id int, deliver func(entity.Message)) (port.WorkerConn, error) {
	args := append(append([]string{}, t.cfg.Args...), "--id", strconv.Itoa(id))
	cmd := exec.CommandContext(ctx, t.cfg.Command, args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %d: %w", id, err)
	}

	p := &process{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		outbox:  mailbox.New[entity.Message](),
		deliver: deliver,
		logger:  t.logger.With(zap.Int("worker_id", id), zap.Int("pid", cmd.Process.Pid)),
		timeout: t.cfg.StopTimeout,
		exited:  make(chan struct{}),
	}
	p.logger.Info("worker process spawned")

	p.writer.Add(1)
	go p.writeLoop()
	p.readers.Add(2)
	go p.readLoop(stdout)
	go p.logStderr(stderr)
	go p.wait()
	return p, nil
}

func (p *process) Send(msg entity.Message) error {
	if !p.outbox.Put(msg) {
		return fmt.Errorf("worker %d: connection closed", p.id)
	}
	return nil
}

func (p *process) writeLoop() {
	defer p.writer.Done()
	defer p.stdin.Close()
	for {
		msg, ok := p.outbox.Take()
		if !ok {
			return
		}
		if err := WriteMessage(p.stdin, msg); err != nil {
			p.setFailure(fmt.Errorf("write %s: %w", msg.Type, err))
			p.outbox.Close()
			// the reader notices the dead child and reports the failure
			_ = p.cmd.Process.Kill()
			return
		}
	}
}

// readLoop is the only goroutine that calls deliver.
func (p *process) readLoop(stdout io.Reader) {
	defer p.readers.Done()
	br := bufio.NewReader(stdout)
	for {
		msg, err := ReadMessage(br)
		if err != nil {
			p.reportExit(err)
			return
		}
		p.deliver(msg)
	}
}

func (p *process) reportExit(readErr error) {
	p.mu.Lock()
	closing, failure := p.closing, p.failure
	p.mu.Unlock()
	if closing {
		return
	}

	reason := failure
	if reason == nil {
		if errors.Is(readErr, io.EOF) {
			reason = errors.New("worker process exited")
		} else {
			reason = readErr
		}
	}
	p.logger.Error("worker process lost", zap.Error(reason))
	p.deliver(entity.ErrorMessage(reason))
}

func (p *process) logStderr(stderr io.Reader) {
	defer p.readers.Done()
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.Contains(line, `"level":"error"`), strings.Contains(line, "ERROR"):
			p.logger.Warn("worker stderr", zap.String("line", line))
		default:
			p.logger.Debug("worker stderr", zap.String("line", line))
		}
	}
}

// wait reaps the child once both of its output pipes hit EOF; Wait closes
// the pipes, so it must not run while they are being read.
func (p *process) wait() {
	p.readers.Wait()
	err := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()
	if err != nil && !closing {
		p.logger.Error("worker process exited unexpectedly", zap.Error(err))
		return
	}
	p.logger.Debug("worker process exited")
}

func (p *process) setFailure(err error) {
	p.mu.Lock()
	if p.failure == nil {
		p.failure = err
	}
	p.mu.Unlock()
}

// Close closes the child's stdin so it exits on its own, and kills it after
// the stop timeout.
func (p *process) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closing = true
		p.mu.Unlock()
		p.outbox.Close()

		select {
		case <-p.exited:
		case <-time.After(p.timeout):
			p.logger.Warn("worker did not stop in time, killing it")
			_ = p.cmd.Process.Kill()
			<-p.exited
		}
		p.writer.Wait()
	})
	return nil
}
