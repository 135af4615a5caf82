// stream_sync.go: Stdout/Stderr relay for subprocess plugins
//
// This file implements the relay that drains a plugin's stdout and stderr.
// The first stdout line is the handshake; every later line of both streams
// is tagged and fanned out to the attached consumers. Every consumer owns an
// unbounded queue drained by its own goroutine, so a slow or absent reader
// never blocks the pipes and the child process never stalls on a full pipe.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginbridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/agilira/go-errors"
	"github.com/agilira/go-timecache"
	"golang.org/x/sync/errgroup"
)

// StdioKind tags the origin of a relayed datum.
type StdioKind int

const (
	// StdioInvalid is the zero kind. Receiving it from a closed channel
	// means the stream has ended.
	StdioInvalid StdioKind = iota
	StdioStdout
	StdioStderr
)

// String implements fmt.Stringer for StdioKind.
func (k StdioKind) String() string {
	switch k {
	case StdioStdout:
		return "stdout"
	case StdioStderr:
		return "stderr"
	default:
		return "invalid"
	}
}

// StdioDatum is one relayed chunk of plugin output, normally a full line
// including its newline.
type StdioDatum struct {
	Kind StdioKind
	Data []byte
}

// StreamRelayConfig configures the relay.
type StreamRelayConfig struct {
	// MaxLineSize bounds a single datum. Longer lines are split.
	MaxLineSize int `json:"max_line_size" yaml:"max_line_size"`

	// UntakenBacklog bounds the queue of a consumer that was attached ahead
	// of time and not handed out yet. Oldest data is dropped beyond it.
	// Zero keeps everything until the consumer is taken.
	UntakenBacklog int `json:"untaken_backlog" yaml:"untaken_backlog"`
}

// MaxHandshakeLineSize bounds the first stdout line. It is independent of
// MaxLineSize since a handshake carrying a certificate may exceed a small
// relay buffer.
const MaxHandshakeLineSize = 64 * 1024

// DefaultStreamRelayConfig provides sensible defaults for the relay.
var DefaultStreamRelayConfig = StreamRelayConfig{
	MaxLineSize: 64 * 1024,
}

// StreamRelay drains the two output pipes of a plugin process.
type StreamRelay struct {
	config StreamRelayConfig
	logger Logger

	stdout io.Reader
	stderr io.Reader

	handshake    chan string
	handshakeErr atomic.Pointer[goerrors.Error]
	done         chan struct{}

	mu       sync.Mutex
	subs     map[uint64]*subscription
	nextID   uint64
	started  bool
	finished bool

	group *errgroup.Group
	pumps sync.WaitGroup

	counters map[StdioKind]*streamCounters
}

type streamCounters struct {
	lines     atomic.Int64
	bytes     atomic.Int64
	startTime time.Time
}

// NewStreamRelay creates a relay over the plugin's stdout and stderr.
func NewStreamRelay(stdout, stderr io.Reader, config StreamRelayConfig, logger Logger) *StreamRelay {
	if logger == nil {
		logger = DefaultLogger()
	}
	if config.MaxLineSize <= 0 {
		config.MaxLineSize = DefaultStreamRelayConfig.MaxLineSize
	}
	if config.UntakenBacklog < 0 {
		config.UntakenBacklog = 0
	}

	now := timecache.CachedTime()
	return &StreamRelay{
		config:    config,
		logger:    logger,
		stdout:    stdout,
		stderr:    stderr,
		handshake: make(chan string, 1),
		done:      make(chan struct{}),
		subs:      make(map[uint64]*subscription),
		counters: map[StdioKind]*streamCounters{
			StdioStdout: {startTime: now},
			StdioStderr: {startTime: now},
		},
	}
}

// Start launches one reader per stream. It may be called once.
func (r *StreamRelay) Start() error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return NewProcessError("stream relay already started", nil)
	}
	r.started = true
	r.mu.Unlock()

	r.group = &errgroup.Group{}
	r.group.Go(func() error { return r.readStream(StdioStdout, r.stdout) })
	r.group.Go(func() error { return r.readStream(StdioStderr, r.stderr) })

	go func() {
		if err := r.group.Wait(); err != nil {
			r.logger.Warn("Stream relay reader stopped with error", "error", err)
		}
		r.finish()
	}()

	r.logger.Debug("Stream relay started", "max_line_size", r.config.MaxLineSize)
	return nil
}

// Handshake yields the first stdout line without its line terminator. The
// channel is closed without a value when stdout ends first or the line is
// rejected; HandshakeErr tells the two apart.
func (r *StreamRelay) Handshake() <-chan string {
	return r.handshake
}

// HandshakeErr reports why the handshake channel was closed without a
// value. It is nil until then, and nil when stdout simply ended.
func (r *StreamRelay) HandshakeErr() error {
	if err := r.handshakeErr.Load(); err != nil {
		return err
	}
	return nil
}

// Done is closed once both streams reached end of file.
func (r *StreamRelay) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until both streams ended and every consumer goroutine exited.
func (r *StreamRelay) Wait(ctx context.Context) error {
	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		r.pumps.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *StreamRelay) readStream(kind StdioKind, src io.Reader) (err error) {
	defer recoverInto(r.logger, "stream relay "+kind.String(), &err)

	if src == nil {
		if kind == StdioStdout {
			close(r.handshake)
		}
		return nil
	}

	counters := r.counters[kind]
	br := bufio.NewReaderSize(src, r.config.MaxLineSize)

	if kind == StdioStdout {
		if ended, err := r.readHandshake(br); ended || err != nil {
			return err
		}
	}

	for {
		chunk, readErr := br.ReadSlice('\n')
		if len(chunk) > 0 {
			data := make([]byte, len(chunk))
			copy(data, chunk)
			counters.lines.Add(1)
			counters.bytes.Add(int64(len(data)))
			r.dispatch(StdioDatum{Kind: kind, Data: data})
		}

		if readErr == nil || errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		return r.streamEnded(kind, readErr)
	}
}

// readHandshake reads the first stdout line and publishes it on the
// handshake channel. The line is bounded by MaxHandshakeLineSize rather
// than MaxLineSize, so it is never split. A longer line is discarded and
// recorded as a handshake error. ended reports that stdout is over.
func (r *StreamRelay) readHandshake(br *bufio.Reader) (ended bool, err error) {
	defer close(r.handshake)

	var line []byte
	for {
		chunk, readErr := br.ReadSlice('\n')
		if len(line)+len(chunk) > MaxHandshakeLineSize {
			r.handshakeErr.Store(NewHandshakeError("handshake line too long", nil).
				WithContext("limit", MaxHandshakeLineSize))
			for errors.Is(readErr, bufio.ErrBufferFull) {
				_, readErr = br.ReadSlice('\n')
			}
			if readErr == nil {
				return false, nil
			}
			return true, r.streamEnded(StdioStdout, readErr)
		}
		line = append(line, chunk...)

		if errors.Is(readErr, bufio.ErrBufferFull) {
			continue
		}
		if len(line) > 0 {
			r.handshake <- strings.TrimRight(string(line), "\r\n")
		}
		if readErr == nil {
			return false, nil
		}
		return true, r.streamEnded(StdioStdout, readErr)
	}
}

func (r *StreamRelay) streamEnded(kind StdioKind, readErr error) error {
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, os.ErrClosed) || errors.Is(readErr, io.ErrClosedPipe) {
		r.logger.Debug("Plugin stream ended", "stream", kind.String())
		return nil
	}
	return fmt.Errorf("read plugin %s: %w", kind, readErr)
}

func (r *StreamRelay) dispatch(d StdioDatum) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		if sub.accepts(d.Kind) {
			sub.queue.push(d)
		}
	}
}

func (r *StreamRelay) finish() {
	r.mu.Lock()
	r.finished = true
	for _, sub := range r.subs {
		sub.queue.close()
	}
	r.mu.Unlock()

	close(r.done)
	r.logger.Debug("Stream relay finished")
}

// subscription is one consumer: a queue plus the goroutine draining it.
type subscription struct {
	id     uint64
	kinds  []StdioKind
	queue  *datumQueue
	cancel chan struct{}
	once   sync.Once
	relay  *StreamRelay
}

func (s *subscription) accepts(kind StdioKind) bool {
	for _, k := range s.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// stop detaches the consumer. Queued data is discarded.
func (s *subscription) stop() {
	s.once.Do(func() {
		s.relay.detach(s.id)
		close(s.cancel)
	})
}

// attach registers a consumer queue. Nothing drains it until run is called.
func (r *StreamRelay) attach(kinds []StdioKind, bounded bool) *subscription {
	limit := 0
	if bounded {
		limit = r.config.UntakenBacklog
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &subscription{
		id:     r.nextID,
		kinds:  kinds,
		queue:  newDatumQueue(limit),
		cancel: make(chan struct{}),
		relay:  r,
	}
	if r.finished {
		sub.queue.close()
	} else {
		r.subs[sub.id] = sub
	}
	r.pumps.Add(1)
	return sub
}

// run drains sub on its own goroutine. consume returns false to detach;
// finish runs once when the goroutine exits.
func (r *StreamRelay) run(sub *subscription, consume func(StdioDatum) bool, finish func()) {
	go func() {
		defer r.pumps.Done()
		defer finish()
		defer withStackRecover(r.logger)()
		for {
			d, ok := sub.queue.pop(sub.cancel)
			if !ok {
				return
			}
			if !consume(d) {
				sub.stop()
				return
			}
		}
	}()
}

func (r *StreamRelay) detach(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// CancelAll detaches every consumer. Readers keep draining the pipes and
// discard what they read.
func (r *StreamRelay) CancelAll() {
	r.mu.Lock()
	subs := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// StdioSubscription is a single-consumer sequence of tagged data.
type StdioSubscription struct {
	sub *subscription
	out chan StdioDatum
}

// Subscribe attaches a consumer receiving the given kinds. With no kinds it
// receives both streams.
func (r *StreamRelay) Subscribe(kinds ...StdioKind) *StdioSubscription {
	return r.subscribe(false, kinds...)
}

func (r *StreamRelay) subscribe(bounded bool, kinds ...StdioKind) *StdioSubscription {
	if len(kinds) == 0 {
		kinds = []StdioKind{StdioStdout, StdioStderr}
	}
	s := &StdioSubscription{
		sub: r.attach(kinds, bounded),
		out: make(chan StdioDatum),
	}
	r.run(s.sub,
		func(d StdioDatum) bool {
			select {
			case s.out <- d:
				return true
			case <-s.sub.cancel:
				return false
			}
		},
		func() { close(s.out) })
	return s
}

// C returns the channel of data. It is closed when the plugin output ends or
// the subscription is cancelled; receives then yield StdioInvalid.
func (s *StdioSubscription) C() <-chan StdioDatum {
	return s.out
}

// Next returns the next datum. At the end of the sequence it returns the
// zero datum and io.EOF.
func (s *StdioSubscription) Next(ctx context.Context) (StdioDatum, error) {
	select {
	case d, ok := <-s.out:
		if !ok {
			return StdioDatum{}, io.EOF
		}
		return d, nil
	case <-ctx.Done():
		return StdioDatum{}, ctx.Err()
	}
}

// Cancel stops delivery and closes C.
func (s *StdioSubscription) Cancel() {
	s.sub.stop()
}

// lift removes the backlog bound once the subscription is handed out.
func (s *StdioSubscription) lift() { s.sub.queue.unbound() }

// RawStream is an io.ReadCloser over the raw bytes of one plugin stream.
type RawStream struct {
	kind StdioKind
	pr   *io.PipeReader
	sub  *subscription
}

// RawReader attaches a byte-level reader for one stream.
func (r *StreamRelay) RawReader(kind StdioKind) *RawStream {
	return r.rawReader(kind, false)
}

func (r *StreamRelay) rawReader(kind StdioKind, bounded bool) *RawStream {
	pr, pw := io.Pipe()
	rs := &RawStream{kind: kind, pr: pr, sub: r.attach([]StdioKind{kind}, bounded)}
	finished := make(chan struct{})
	go func() {
		// A write blocked on a reader that stopped reading must not
		// outlive cancellation.
		select {
		case <-rs.sub.cancel:
			_ = pw.Close()
		case <-finished:
		}
	}()
	r.run(rs.sub,
		func(d StdioDatum) bool {
			_, err := pw.Write(d.Data)
			return err == nil
		},
		func() {
			close(finished)
			_ = pw.Close()
		})
	return rs
}

// Read implements io.Reader.
func (rs *RawStream) Read(p []byte) (int, error) {
	return rs.pr.Read(p)
}

// Close detaches the reader. Pending data is discarded.
func (rs *RawStream) Close() error {
	rs.sub.stop()
	return rs.pr.Close()
}

// Kind returns the stream this reader is attached to.
func (rs *RawStream) Kind() StdioKind { return rs.kind }

func (rs *RawStream) lift() { rs.sub.queue.unbound() }

// AddWriter copies every datum of kind to w. Write errors detach the sink.
func (r *StreamRelay) AddWriter(kind StdioKind, w io.Writer) {
	r.run(r.attach([]StdioKind{kind}, false),
		func(d StdioDatum) bool {
			if _, err := w.Write(d.Data); err != nil {
				r.logger.Warn("Plugin output sink failed", "stream", kind.String(), "error", err)
				return false
			}
			return true
		},
		func() {})
}

// AddLogSink decodes each line of kind as an hclog JSON record and
// re-emits it through logger. Other lines are logged at debug level.
func (r *StreamRelay) AddLogSink(kind StdioKind, logger Logger) {
	r.run(r.attach([]StdioKind{kind}, false),
		func(d StdioDatum) bool {
			logPluginLine(logger, d.Data)
			return true
		},
		func() {})
}

// StreamStats contains statistics about one relayed stream.
type StreamStats struct {
	Kind      StdioKind     `json:"kind"`
	LinesRead int64         `json:"lines_read"`
	BytesRead int64         `json:"bytes_read"`
	Duration  time.Duration `json:"duration"`
}

// String implements fmt.Stringer for StreamStats.
func (ss StreamStats) String() string {
	return fmt.Sprintf("%s: %d lines, %d bytes, %v duration",
		ss.Kind.String(), ss.LinesRead, ss.BytesRead, ss.Duration)
}

// Stats returns per stream counters. The handshake line is not counted.
func (r *StreamRelay) Stats() map[StdioKind]StreamStats {
	now := timecache.CachedTime()
	out := make(map[StdioKind]StreamStats, len(r.counters))
	for kind, c := range r.counters {
		st := StreamStats{
			Kind:      kind,
			LinesRead: c.lines.Load(),
			BytesRead: c.bytes.Load(),
		}
		if !c.startTime.IsZero() {
			st.Duration = now.Sub(c.startTime)
		}
		out[kind] = st
	}
	return out
}

// datumQueue is an unbounded FIFO, or a drop-oldest ring when limit > 0.
// push never blocks.
type datumQueue struct {
	mu     sync.Mutex
	items  []StdioDatum
	limit  int
	closed bool
	notify chan struct{}
}

func newDatumQueue(limit int) *datumQueue {
	return &datumQueue{limit: limit, notify: make(chan struct{}, 1)}
}

func (q *datumQueue) push(d StdioDatum) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, d)
	if q.limit > 0 && len(q.items) > q.limit {
		q.items = q.items[len(q.items)-q.limit:]
	}
	q.mu.Unlock()
	q.signal()
}

func (q *datumQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *datumQueue) unbound() {
	q.mu.Lock()
	q.limit = 0
	q.mu.Unlock()
}

func (q *datumQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop returns the next item. ok is false once the queue is closed and
// drained, or when cancel fires.
func (q *datumQueue) pop(cancel <-chan struct{}) (StdioDatum, bool) {
	for {
		select {
		case <-cancel:
			return StdioDatum{}, false
		default:
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items[0] = StdioDatum{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return d, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return StdioDatum{}, false
		}

		select {
		case <-q.notify:
		case <-cancel:
			return StdioDatum{}, false
		}
	}
}
