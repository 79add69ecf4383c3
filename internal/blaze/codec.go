package blaze

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DefaultMaxPayload is the post-compression frame ceiling.
const DefaultMaxPayload = 120 * 1024

// MaxInflated bounds the decompressed size of an inbound frame.
const MaxInflated = 8 << 20

// ErrPayloadTooLarge is returned for frames over the ceiling. Such frames
// are never written to the socket.
var ErrPayloadTooLarge = errors.New("blaze: payload exceeds size limit")

// Encode marshals and gzips env. A non-positive limit uses DefaultMaxPayload.
func Encode(env *Envelope, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	if buf.Len() > limit {
		return nil, fmt.Errorf("%w: %d bytes, action %s", ErrPayloadTooLarge, buf.Len(), env.Action)
	}
	return buf.Bytes(), nil
}

// Decode gunzips and unmarshals one frame.
func Decode(frame []byte) (*Envelope, error) {
	zr, err := gzip.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("open gzip frame: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxInflated+1))
	if err != nil {
		return nil, fmt.Errorf("inflate frame: %w", err)
	}
	if len(raw) > MaxInflated {
		return nil, fmt.Errorf("%w: frame inflates past %d bytes", ErrPayloadTooLarge, MaxInflated)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
