// Package protocol defines the relay wire messages and the connection plumbing that moves
// them: a Stream codec, a Conn with a background reader and a queued writer, and Await for
// blocking on one expected reply.
package protocol

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"tilesync/pkg/types"
)

type Kind uint8

const (
	KindAuthenticationRequest Kind = iota + 1
	KindAuthenticationResponse
	KindGroupProfileRequest
	KindGroupProfileResponse
	KindTileSyncRequest
	KindRegionHashReportResponse
	KindRegionDataRequest
	KindRegionDataResponse
	KindTileUpdateRequest
	KindTileUpdateResponse
	KindJoinResponse
	KindLeaveRequest
	KindLeaveResponse
	KindProfileUpdateRequest
	KindProfileUpdateResponse
)

var kindNames = map[Kind]string{
	KindAuthenticationRequest:    "AuthenticationRequest",
	KindAuthenticationResponse:   "AuthenticationResponse",
	KindGroupProfileRequest:      "GroupProfileRequest",
	KindGroupProfileResponse:     "GroupProfileResponse",
	KindTileSyncRequest:          "TileSyncRequest",
	KindRegionHashReportResponse: "RegionHashReportResponse",
	KindRegionDataRequest:        "RegionDataRequest",
	KindRegionDataResponse:       "RegionDataResponse",
	KindTileUpdateRequest:        "TileUpdateRequest",
	KindTileUpdateResponse:       "TileUpdateResponse",
	KindJoinResponse:             "JoinResponse",
	KindLeaveRequest:             "LeaveRequest",
	KindLeaveResponse:            "LeaveResponse",
	KindProfileUpdateRequest:     "ProfileUpdateRequest",
	KindProfileUpdateResponse:    "ProfileUpdateResponse",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is any value that can travel over a Stream.
type Message interface {
	Kind() Kind
}

type AuthenticationRequest struct {
	Profile        types.Profile `msgpack:"p"`
	HashedPassword string        `msgpack:"h"`
}

type AuthenticationResponse struct {
	Success bool `msgpack:"ok"`
}

type GroupProfileRequest struct{}

type GroupProfileResponse struct {
	Group types.GroupProfile `msgpack:"g"`
}

type TileSyncRequest struct{}

type RegionHashReportResponse struct {
	Hashes []types.RegionDataHash `msgpack:"h"`
}

type RegionDataRequest struct {
	Regions []types.AccountRegionID `msgpack:"r"`
}

type RegionDataResponse struct {
	Region types.AccountRegionID `msgpack:"r"`
	Tiles  []types.Tile          `msgpack:"t"`
}

type TileUpdateRequest struct {
	Tile   types.Tile `msgpack:"t"`
	Marked bool       `msgpack:"m"`
}

type TileUpdateResponse struct {
	Tile        types.Tile `msgpack:"t"`
	Marked      bool       `msgpack:"m"`
	AccountHash int64      `msgpack:"a"`
}

type JoinResponse struct {
	Profile types.Profile `msgpack:"p"`
}

type LeaveRequest struct{}

type LeaveResponse struct {
	AccountHash int64 `msgpack:"a"`
}

type ProfileUpdateRequest struct {
	Profile types.Profile `msgpack:"p"`
	Name    string        `msgpack:"n"`
	Color   string        `msgpack:"c"`
}

type ProfileUpdateResponse struct {
	Profile types.Profile `msgpack:"p"`
	Name    string        `msgpack:"n"`
	Color   string        `msgpack:"c"`
}

func (AuthenticationRequest) Kind() Kind    { return KindAuthenticationRequest }
func (AuthenticationResponse) Kind() Kind   { return KindAuthenticationResponse }
func (GroupProfileRequest) Kind() Kind      { return KindGroupProfileRequest }
func (GroupProfileResponse) Kind() Kind     { return KindGroupProfileResponse }
func (TileSyncRequest) Kind() Kind          { return KindTileSyncRequest }
func (RegionHashReportResponse) Kind() Kind { return KindRegionHashReportResponse }
func (RegionDataRequest) Kind() Kind        { return KindRegionDataRequest }
func (RegionDataResponse) Kind() Kind       { return KindRegionDataResponse }
func (TileUpdateRequest) Kind() Kind        { return KindTileUpdateRequest }
func (TileUpdateResponse) Kind() Kind       { return KindTileUpdateResponse }
func (JoinResponse) Kind() Kind             { return KindJoinResponse }
func (LeaveRequest) Kind() Kind             { return KindLeaveRequest }
func (LeaveResponse) Kind() Kind            { return KindLeaveResponse }
func (ProfileUpdateRequest) Kind() Kind     { return KindProfileUpdateRequest }
func (ProfileUpdateResponse) Kind() Kind    { return KindProfileUpdateResponse }

var (
	ErrTimeout           = errors.New("protocol: timed out waiting for message")
	ErrShutdown          = errors.New("protocol: connection shut down")
	ErrUnexpectedMessage = errors.New("protocol: unexpected message")
	ErrUnknownMessage    = errors.New("protocol: unknown message kind")
)

// envelope frames every message on the wire. B is the message body, itself msgpack.
type envelope struct {
	K Kind               `msgpack:"k"`
	B msgpack.RawMessage `msgpack:"b"`
}

func newMessage(k Kind) (Message, error) {
	switch k {
	case KindAuthenticationRequest:
		return &AuthenticationRequest{}, nil
	case KindAuthenticationResponse:
		return &AuthenticationResponse{}, nil
	case KindGroupProfileRequest:
		return &GroupProfileRequest{}, nil
	case KindGroupProfileResponse:
		return &GroupProfileResponse{}, nil
	case KindTileSyncRequest:
		return &TileSyncRequest{}, nil
	case KindRegionHashReportResponse:
		return &RegionHashReportResponse{}, nil
	case KindRegionDataRequest:
		return &RegionDataRequest{}, nil
	case KindRegionDataResponse:
		return &RegionDataResponse{}, nil
	case KindTileUpdateRequest:
		return &TileUpdateRequest{}, nil
	case KindTileUpdateResponse:
		return &TileUpdateResponse{}, nil
	case KindJoinResponse:
		return &JoinResponse{}, nil
	case KindLeaveRequest:
		return &LeaveRequest{}, nil
	case KindLeaveResponse:
		return &LeaveResponse{}, nil
	case KindProfileUpdateRequest:
		return &ProfileUpdateRequest{}, nil
	case KindProfileUpdateResponse:
		return &ProfileUpdateResponse{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownMessage, uint8(k))
}

// Marshal encodes one message as a self-contained envelope.
func Marshal(m Message) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}
	return msgpack.Marshal(&envelope{K: m.Kind(), B: body})
}

// Unmarshal decodes an envelope produced by Marshal. Messages are returned as values, not
// pointers, so callers can type-switch on the plain struct types.
func Unmarshal(data []byte) (Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return decodeBody(env)
}

func encodeTo(enc *msgpack.Encoder, m Message) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Kind(), err)
	}
	return enc.Encode(&envelope{K: m.Kind(), B: body})
}

func decodeFrom(dec *msgpack.Decoder) (Message, error) {
	var env envelope
	if err := dec.Decode(&env); err != nil {
		return nil, err
	}
	return decodeBody(env)
}

func decodeBody(env envelope) (Message, error) {
	ptr, err := newMessage(env.K)
	if err != nil {
		return nil, err
	}
	if err := msgpack.Unmarshal(env.B, ptr); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", env.K, err)
	}
	return deref(ptr), nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *AuthenticationRequest:
		return *v
	case *AuthenticationResponse:
		return *v
	case *GroupProfileRequest:
		return *v
	case *GroupProfileResponse:
		return *v
	case *TileSyncRequest:
		return *v
	case *RegionHashReportResponse:
		return *v
	case *RegionDataRequest:
		return *v
	case *RegionDataResponse:
		return *v
	case *TileUpdateRequest:
		return *v
	case *TileUpdateResponse:
		return *v
	case *JoinResponse:
		return *v
	case *LeaveRequest:
		return *v
	case *LeaveResponse:
		return *v
	case *ProfileUpdateRequest:
		return *v
	case *ProfileUpdateResponse:
		return *v
	}
	return m
}
