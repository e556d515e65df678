package protocol

import (
	"fmt"
	"time"
)

// AwaitFunc blocks until the next inbound message arrives and returns it if match accepts
// it. Any other message is a protocol error; the message is returned alongside
// ErrUnexpectedMessage so callers can log it. A zero timeout means DefaultTimeout.
func AwaitFunc(c *Conn, timeout time.Duration, match func(Message) bool) (Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	check := func(m Message) (Message, error) {
		if match(m) {
			return m, nil
		}
		return m, fmt.Errorf("%w: %s", ErrUnexpectedMessage, m.Kind())
	}

	for {
		if c.ShutdownRequested() {
			return nil, ErrShutdown
		}
		if m, ok := c.TryReceive(); ok {
			return check(m)
		}
		select {
		case <-c.shutdown:
			return nil, ErrShutdown
		case <-c.wake:
		case <-c.readerDone:
			if m, ok := c.TryReceive(); ok {
				return check(m)
			}
			return nil, fmt.Errorf("await message: %w", c.readErr)
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

// Await is AwaitFunc matching on the message type.
func Await[T Message](c *Conn, timeout time.Duration) (T, error) {
	m, err := AwaitFunc(c, timeout, func(m Message) bool {
		_, ok := m.(T)
		return ok
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return m.(T), nil
}
