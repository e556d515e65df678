package protocol

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultTimeout = 15 * time.Second
	PollInterval   = 25 * time.Millisecond
)

// Conn decouples stream I/O from the caller's step loop. A background goroutine decodes
// inbound messages into an unbounded queue; outbound messages are queued by Send from any
// goroutine and written by Flush.
type Conn struct {
	stream Stream
	log    zerolog.Logger

	inMu  sync.Mutex
	inbox []Message
	wake  chan struct{}

	outMu   sync.Mutex
	outbox  []Message
	outWake chan struct{}
	flushMu sync.Mutex

	readerDone chan struct{}
	readErr    error

	shutdown     chan struct{}
	shutdownOnce sync.Once
	closeOnce    sync.Once
}

func NewConn(stream Stream, log zerolog.Logger) *Conn {
	c := &Conn{
		stream:     stream,
		log:        log,
		wake:       make(chan struct{}, 1),
		outWake:    make(chan struct{}, 1),
		readerDone: make(chan struct{}),
		shutdown:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.readerDone)
	for {
		m, err := c.stream.ReadMessage()
		if err != nil {
			c.readErr = err
			if !IsClosedError(err) {
				c.log.Debug().Err(err).Msg("reader stopped")
			}
			return
		}
		c.inMu.Lock()
		c.inbox = append(c.inbox, m)
		c.inMu.Unlock()
		signal(c.wake)
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Send queues messages for the next Flush. It never blocks on I/O.
func (c *Conn) Send(msgs ...Message) {
	if len(msgs) == 0 {
		return
	}
	c.outMu.Lock()
	c.outbox = append(c.outbox, msgs...)
	c.outMu.Unlock()
	signal(c.outWake)
}

// Flush writes everything queued so far. Concurrent flushes are serialized, and messages
// queued during a write go out with the next flush.
func (c *Conn) Flush() error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.outMu.Lock()
	batch := c.outbox
	c.outbox = nil
	c.outMu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return c.stream.WriteMessages(batch)
}

// TryReceive pops the oldest inbound message without blocking.
func (c *Conn) TryReceive() (Message, bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if len(c.inbox) == 0 {
		return nil, false
	}
	m := c.inbox[0]
	c.inbox[0] = nil
	c.inbox = c.inbox[1:]
	return m, true
}

// Err returns the reader's failure once it has stopped, nil while it is running.
func (c *Conn) Err() error {
	select {
	case <-c.readerDone:
		return c.readErr
	default:
		return nil
	}
}

// ReaderDone is closed when the peer hung up or the stream failed.
func (c *Conn) ReaderDone() <-chan struct{} { return c.readerDone }

// Shutdown asks every step loop and Await on this connection to stop. It does not close
// the stream, so a final Flush is still possible.
func (c *Conn) Shutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdown) })
}

func (c *Conn) ShutdownRequested() bool {
	select {
	case <-c.shutdown:
		return true
	default:
		return false
	}
}

func (c *Conn) Closing() <-chan struct{} { return c.shutdown }

// Close requests shutdown and closes the stream, which also stops the reader.
func (c *Conn) Close() error {
	c.Shutdown()
	var err error
	c.closeOnce.Do(func() { err = c.stream.Close() })
	return err
}

// Idle blocks until there is inbound or outbound work, shutdown is requested, the reader
// stops, or d elapses.
func (c *Conn) Idle(d time.Duration) {
	c.inMu.Lock()
	pending := len(c.inbox) > 0
	c.inMu.Unlock()
	if pending {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-c.wake:
	case <-c.outWake:
	case <-c.shutdown:
	case <-c.readerDone:
	case <-t.C:
	}
}
