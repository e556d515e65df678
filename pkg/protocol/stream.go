package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"tilesync/pkg/core"
)

// Stream reads and writes whole messages. ReadMessage is called from one goroutine only;
// WriteMessages may be called concurrently with it.
type Stream interface {
	ReadMessage() (Message, error)
	WriteMessages(msgs []Message) error
	Close() error
}

// Compression selects the framing of a TCP stream.
type Compression int

const (
	CompressNone Compression = iota
	CompressLZ4
	// CompressAuto mirrors whatever the peer sends first. Only valid on the accepting side.
	CompressAuto
)

// In lz4 mode every envelope is compressed on its own and sent as a msgpack bin value. A
// plain envelope starts with a map header, so the first byte tells the two framings apart.
func isBinHeader(b byte) bool {
	return b == msgpcode.Bin8 || b == msgpcode.Bin16 || b == msgpcode.Bin32
}

type netStream struct {
	conn net.Conn
	br   *bufio.Reader
	dec  *msgpack.Decoder

	wmu  sync.Mutex
	bw   *bufio.Writer
	enc  *msgpack.Encoder
	mode Compression

	detected  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewNetStream frames messages over an established connection.
func NewNetStream(conn net.Conn, mode Compression) Stream {
	s := &netStream{
		conn:     conn,
		br:       bufio.NewReader(conn),
		bw:       bufio.NewWriter(conn),
		detected: make(chan struct{}),
		closed:   make(chan struct{}),
	}
	s.dec = msgpack.NewDecoder(s.br)
	s.enc = msgpack.NewEncoder(s.bw)
	if mode != CompressAuto {
		s.setMode(mode)
	}
	return s
}

// Dial opens a TCP stream to addr.
func Dial(ctx context.Context, addr string, mode Compression) (Stream, error) {
	if mode == CompressAuto {
		mode = CompressNone
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewNetStream(conn, mode), nil
}

func (s *netStream) setMode(mode Compression) {
	s.mode = mode
	close(s.detected)
}

func (s *netStream) ReadMessage() (Message, error) {
	select {
	case <-s.detected:
	default:
		head, err := s.br.Peek(1)
		if err != nil {
			return nil, err
		}
		s.wmu.Lock()
		if isBinHeader(head[0]) {
			s.setMode(CompressLZ4)
		} else {
			s.setMode(CompressNone)
		}
		s.wmu.Unlock()
	}
	if s.mode != CompressLZ4 {
		return decodeFrom(s.dec)
	}
	packed, err := s.dec.DecodeBytes()
	if err != nil {
		return nil, err
	}
	raw, err := core.Decompress(packed)
	if err != nil {
		return nil, fmt.Errorf("decompress message: %w", err)
	}
	return Unmarshal(raw)
}

func (s *netStream) WriteMessages(msgs []Message) error {
	select {
	case <-s.detected:
	case <-s.closed:
		return net.ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, m := range msgs {
		if err := s.writeOne(m); err != nil {
			return err
		}
	}
	return s.bw.Flush()
}

func (s *netStream) writeOne(m Message) error {
	if s.mode != CompressLZ4 {
		return encodeTo(s.enc, m)
	}
	raw, err := Marshal(m)
	if err != nil {
		return err
	}
	packed, err := core.Compress(raw)
	if err != nil {
		return fmt.Errorf("compress %s: %w", m.Kind(), err)
	}
	return s.enc.EncodeBytes(packed)
}

func (s *netStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}

type wsStream struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

// NewWebSocketStream carries one message per binary frame.
func NewWebSocketStream(ws *websocket.Conn) Stream {
	return &wsStream{ws: ws}
}

// DialWebSocket connects to a relay's websocket endpoint, e.g. ws://host:8080/ws.
func DialWebSocket(ctx context.Context, url string) (Stream, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketStream(ws), nil
}

func (s *wsStream) ReadMessage() (Message, error) {
	for {
		mt, data, err := s.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return Unmarshal(data)
	}
}

func (s *wsStream) WriteMessages(msgs []Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, m := range msgs {
		data, err := Marshal(m)
		if err != nil {
			return err
		}
		if err := s.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *wsStream) Close() error {
	s.wmu.Lock()
	_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.wmu.Unlock()
	return s.ws.Close()
}

// IsClosedError reports whether err is the ordinary result of either side closing.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
