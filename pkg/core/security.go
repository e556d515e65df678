package core

import (
	"bytes"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"

	"tilesync/pkg/types"
)

var bufferPool = sync.Pool{New: func() interface{} { return new(bytes.Buffer) }}

// --- Compression ---

func Compress(src []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	defer bufferPool.Put(buf)
	buf.Reset()

	w := lz4.NewWriter(buf)
	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}

	// Return strictly sized slice
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

func Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("lz4 read: %w", err)
	}
	return out.Bytes(), nil
}

// --- Hashing ---

// TileHash is stable across processes and platforms: BLAKE3 over the four fields as
// little-endian int64, truncated to the first 8 bytes.
func TileHash(t types.Tile) uint64 {
	var raw [32]byte
	binary.LittleEndian.PutUint64(raw[0:], uint64(int64(t.RegionID)))
	binary.LittleEndian.PutUint64(raw[8:], uint64(int64(t.RegionX)))
	binary.LittleEndian.PutUint64(raw[16:], uint64(int64(t.RegionY)))
	binary.LittleEndian.PutUint64(raw[24:], uint64(int64(t.Plane)))
	sum := blake3.Sum256(raw[:])
	return binary.LittleEndian.Uint64(sum[:8])
}

// RegionDigest sums member hashes with wraparound, so insertion order never matters.
// An empty set digests to 0, the same as a region that does not exist.
func RegionDigest(tiles []types.Tile) uint64 {
	var d uint64
	for _, t := range tiles {
		d += TileHash(t)
	}
	return d
}

// --- Identity ---

// HashPassword returns the hex SHA-512 of the password, or "" for an empty password.
func HashPassword(password string) string {
	if password == "" {
		return ""
	}
	sum := sha512.Sum512([]byte(password))
	return hex.EncodeToString(sum[:])
}

// CheckPassword compares two password hashes. An empty expected hash accepts anything.
func CheckPassword(expectedHash, gotHash string) bool {
	if expectedHash == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(gotHash)) == 1
}
