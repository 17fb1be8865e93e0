// Package protocol implements the wire framing between kvs-client and
// kvs-server: a little-endian u32 byte length followed by that many bytes
// of a JSON-encoded Request or Response tagged union (spec.md §4.8/§6).
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds how large a single frame's declared length may be,
// guarding a connection against a corrupt or hostile length prefix causing
// an unbounded allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// FailureCode distinguishes the two outcomes a Failure response can carry.
type FailureCode string

const (
	NotFound FailureCode = "NotFound"
	Unknown  FailureCode = "Unknown"
)

// Request is the tagged union a client sends: exactly one of Get, Set,
// Delete, or Compact is populated. Compact is the reserved `compact`
// subcommand (SPEC_FULL.md supplement 4): it is additive to the protocol
// spec.md defines, not a replacement of any of its variants.
type Request struct {
	Get     *GetRequest     `json:"Get,omitempty"`
	Set     *SetRequest     `json:"Set,omitempty"`
	Delete  *DeleteRequest  `json:"Delete,omitempty"`
	Compact *CompactRequest `json:"Compact,omitempty"`
}

type GetRequest struct {
	Key string `json:"key"`
}

type SetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type DeleteRequest struct {
	Key string `json:"key"`
}

type CompactRequest struct{}

// Response is the tagged union the server replies with: exactly one of
// GetValue, Success, or Failure is populated.
type Response struct {
	GetValue *GetValueResponse `json:"GetValue,omitempty"`
	Success  *SuccessResponse  `json:"Success,omitempty"`
	Failure  *FailureResponse  `json:"Failure,omitempty"`
}

type GetValueResponse struct {
	Value string `json:"value"`
}

type SuccessResponse struct{}

type FailureResponse struct {
	Code FailureCode `json:"code"`
}

// WriteRequest and WriteResponse frame and write v to w in one call:
// encode the payload, then write its length prefix followed by the
// payload itself.
func WriteRequest(w io.Writer, req *Request) error    { return writeFrame(w, req) }
func WriteResponse(w io.Writer, resp *Response) error { return writeFrame(w, resp) }

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("encode frame: payload of %d bytes exceeds max frame size %d", len(payload), MaxFrameSize)
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadRequest and ReadResponse read exactly one framed message from r.
func ReadRequest(r io.Reader) (*Request, error) {
	var req Request
	if err := readFrame(r, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func ReadResponse(r io.Reader) (*Response, error) {
	var resp Response
	if err := readFrame(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func readFrame(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	size := binary.LittleEndian.Uint32(lenBuf[:])
	if size > MaxFrameSize {
		return fmt.Errorf("read frame: declared size %d exceeds max frame size %d", size, MaxFrameSize)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
