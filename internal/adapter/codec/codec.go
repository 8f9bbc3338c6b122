// Package codec turns envelopes into stream-entry bytes and back.
//
// An entry is a serialized envelope (JSON by default, CBOR on request)
// compressed with gzip. Entries accumulate until the stream is trimmed and
// payloads may hold large query results, so compression is not optional.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/webitel/im-realtime-service/internal/domain/model"
)

// Format selects the serialization applied before compression.
type Format string

const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// maxDecodedSize caps decompression of a single entry.
const maxDecodedSize = 16 << 20

var ErrEntryTooLarge = errors.New("codec: decoded entry exceeds size limit")

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Codec is safe for concurrent use.
type Codec struct {
	format  Format
	writers sync.Pool
}

// ParseFormat accepts "json", "cbor" or an empty string (json).
func ParseFormat(name string) (Format, error) {
	switch Format(name) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("codec: unknown format %q", name)
	}
}

func New(format Format) *Codec {
	return &Codec{
		format: format,
		writers: sync.Pool{
			New: func() any { return gzip.NewWriter(nil) },
		},
	}
}

func (c *Codec) Format() Format { return c.format }

// Encode serializes env and gzips the result.
func (c *Codec) Encode(env model.Envelope) ([]byte, error) {
	raw, err := c.marshal(env)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal envelope: %w", err)
	}

	var buf bytes.Buffer
	zw := c.writers.Get().(*gzip.Writer)
	defer c.writers.Put(zw)
	zw.Reset(&buf)

	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("codec: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("codec: finish compression: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reverses Encode. The serialization is sniffed from the decompressed
// bytes, so entries written by a differently configured node still decode.
func (c *Codec) Decode(data []byte) (model.Envelope, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return model.Envelope{}, fmt.Errorf("codec: open gzip: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, maxDecodedSize+1))
	if err != nil {
		return model.Envelope{}, fmt.Errorf("codec: decompress: %w", err)
	}
	if len(raw) > maxDecodedSize {
		return model.Envelope{}, ErrEntryTooLarge
	}

	var env model.Envelope
	if looksLikeJSON(raw) {
		err = json.Unmarshal(raw, &env)
	} else {
		err = cborDec.Unmarshal(raw, &env)
	}
	if err != nil {
		return model.Envelope{}, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}

	return env, nil
}

func (c *Codec) marshal(env model.Envelope) ([]byte, error) {
	if c.format == FormatCBOR {
		return cborEnc.Marshal(env)
	}
	return json.Marshal(env)
}

// A CBOR-encoded struct starts with a map header (0xa0-0xbf), never '{'.
func looksLikeJSON(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
