package protocol

import (
	"bufio"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"tilesync/pkg/core"
	"tilesync/pkg/types"
)

func pipePair(t *testing.T, clientMode, serverMode Compression) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	client := NewConn(NewNetStream(a, clientMode), zerolog.Nop())
	server := NewConn(NewNetStream(b, serverMode), zerolog.Nop())
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestMessageEnvelope(t *testing.T) {
	in := RegionDataResponse{
		Region: types.AccountRegionID{AccountHash: 99, RegionID: 12850},
		Tiles:  []types.Tile{{RegionID: 12850, RegionX: 3, RegionY: 60, Plane: 1}},
	}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	got, ok := out.(RegionDataResponse)
	if !ok {
		t.Fatalf("decoded %T, want RegionDataResponse", out)
	}
	if got.Region != in.Region || len(got.Tiles) != 1 || got.Tiles[0] != in.Tiles[0] {
		t.Errorf("decoded %+v, want %+v", got, in)
	}

	bogus, _ := msgpack.Marshal(&envelope{K: Kind(200), B: msgpack.RawMessage{0x80}})
	if _, err := Unmarshal(bogus); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("unknown kind: err = %v, want ErrUnknownMessage", err)
	}
}

func TestSendFlushReceive(t *testing.T) {
	for _, tc := range []struct {
		name           string
		client, server Compression
	}{
		{"plain", CompressNone, CompressAuto},
		{"lz4", CompressLZ4, CompressAuto},
	} {
		t.Run(tc.name, func(t *testing.T) {
			client, server := pipePair(t, tc.client, tc.server)

			client.Send(
				AuthenticationRequest{Profile: types.Profile{AccountHash: 5, Name: "a"}, HashedPassword: "x"},
				TileSyncRequest{},
			)
			errc := make(chan error, 1)
			go func() { errc <- client.Flush() }()

			req, err := Await[AuthenticationRequest](server, time.Second)
			if err != nil {
				t.Fatalf("await auth request: %v", err)
			}
			if req.Profile.AccountHash != 5 || req.HashedPassword != "x" {
				t.Errorf("got %+v", req)
			}
			if _, err := Await[TileSyncRequest](server, time.Second); err != nil {
				t.Fatalf("await tile sync: %v", err)
			}
			if err := <-errc; err != nil {
				t.Fatalf("client flush: %v", err)
			}

			server.Send(AuthenticationResponse{Success: true})
			go func() { errc <- server.Flush() }()
			resp, err := Await[AuthenticationResponse](client, time.Second)
			if err != nil || !resp.Success {
				t.Fatalf("await auth response: %+v, %v", resp, err)
			}
			if err := <-errc; err != nil {
				t.Fatalf("server flush: %v", err)
			}
		})
	}
}

func TestAwaitTimeout(t *testing.T) {
	client, _ := pipePair(t, CompressNone, CompressNone)

	start := time.Now()
	_, err := Await[AuthenticationResponse](client, 100*time.Millisecond)
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < 100*time.Millisecond || elapsed > 100*time.Millisecond+PollInterval+50*time.Millisecond {
		t.Errorf("returned after %v", elapsed)
	}
}

func TestAwaitShutdownIsNotTimeout(t *testing.T) {
	client, _ := pipePair(t, CompressNone, CompressNone)

	go func() {
		time.Sleep(50 * time.Millisecond)
		client.Shutdown()
	}()
	start := time.Now()
	_, err := Await[AuthenticationResponse](client, 10*time.Second)
	if !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Errorf("shutdown reported as timeout")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond+PollInterval+time.Second {
		t.Errorf("shutdown noticed after %v", elapsed)
	}
}

func TestAwaitUnexpectedMessage(t *testing.T) {
	client, server := pipePair(t, CompressNone, CompressNone)

	server.Send(LeaveResponse{AccountHash: 3})
	go server.Flush()

	m, err := Await[AuthenticationResponse](client, time.Second)
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("err = %v, want ErrUnexpectedMessage", err)
	}
	if m.Success {
		t.Errorf("zero value expected alongside the error")
	}

	server.Send(LeaveResponse{AccountHash: 4})
	go server.Flush()
	raw, err := AwaitFunc(client, time.Second, func(Message) bool { return false })
	if !errors.Is(err, ErrUnexpectedMessage) {
		t.Fatalf("AwaitFunc err = %v, want ErrUnexpectedMessage", err)
	}
	if lr, ok := raw.(LeaveResponse); !ok || lr.AccountHash != 4 {
		t.Errorf("AwaitFunc should hand back the offending message, got %#v", raw)
	}
}

func TestAwaitPeerHangup(t *testing.T) {
	client, server := pipePair(t, CompressNone, CompressNone)
	server.Close()

	_, err := Await[AuthenticationResponse](client, 5*time.Second)
	if err == nil || errors.Is(err, ErrTimeout) || errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want transport error", err)
	}
	if client.Err() == nil {
		t.Errorf("Err() should report the reader failure")
	}
}

func TestFlushPreservesOrder(t *testing.T) {
	client, server := pipePair(t, CompressNone, CompressNone)

	const n = 50
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			client.Send(TileUpdateRequest{Tile: types.Tile{RegionID: 1, RegionX: i}, Marked: true})
			if i%7 == 0 {
				client.Flush()
			}
		}
		client.Flush()
	}()

	for i := 0; i < n; i++ {
		m, err := Await[TileUpdateRequest](server, 2*time.Second)
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if m.Tile.RegionX != i {
			t.Fatalf("message %d arrived out of order: %d", i, m.Tile.RegionX)
		}
	}
	<-done
}

func TestCompressedFramingIsPerMessage(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	s := NewNetStream(a, CompressLZ4)
	sent := []Message{TileSyncRequest{}, LeaveRequest{}}
	errc := make(chan error, 1)
	go func() { errc <- s.WriteMessages(sent) }()

	br := bufio.NewReader(b)
	head, err := br.Peek(1)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if !isBinHeader(head[0]) {
		t.Fatalf("first byte %#x is not a bin header", head[0])
	}
	dec := msgpack.NewDecoder(br)
	for _, want := range sent {
		packed, err := dec.DecodeBytes()
		if err != nil {
			t.Fatalf("DecodeBytes: %v", err)
		}
		raw, err := core.Decompress(packed)
		if err != nil {
			t.Fatalf("Decompress: %v", err)
		}
		got, err := Unmarshal(raw)
		if err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Kind() != want.Kind() {
			t.Errorf("got %s, want %s", got.Kind(), want.Kind())
		}
	}
	if err := <-errc; err != nil {
		t.Fatalf("WriteMessages: %v", err)
	}
}
