// Package stream decodes the line-delimited event protocol spoken by remote
// automation agents: "data: {json}" lines separated by blank lines.
package stream

import (
	"bytes"
)

// DataPrefix marks a line that carries a frame payload.
const DataPrefix = "data:"

// Decoder splits an incoming byte stream into frame payloads. It carries the
// trailing incomplete line over to the next Feed, so chunk boundaries may fall
// anywhere, including inside a multi-byte rune.
//
// A Decoder is not safe for concurrent use; chunks must be fed in arrival
// order. Use one Decoder per stream.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes one chunk and returns the payloads of every complete data line
// it closed, in order. Lines without the data prefix are dropped.
func (d *Decoder) Feed(chunk []byte) []string {
	d.buf = append(d.buf, chunk...)

	var payloads []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		if payload, ok := dataPayload(d.buf[:i]); ok {
			payloads = append(payloads, payload)
		}
		d.buf = d.buf[i+1:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	} else {
		d.buf = append([]byte(nil), d.buf...)
	}
	return payloads
}

// Flush returns the payload of a final unterminated data line, if any, and
// resets the decoder.
func (d *Decoder) Flush() []string {
	rest := d.buf
	d.buf = nil
	if payload, ok := dataPayload(rest); ok {
		return []string{payload}
	}
	return nil
}

func dataPayload(line []byte) (string, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return "", false
	}
	line = line[len(DataPrefix):]
	line = bytes.TrimPrefix(line, []byte(" "))
	if len(bytes.TrimSpace(line)) == 0 {
		return "", false
	}
	return string(line), true
}
