// Package grpcweb implements the minimal gRPC-Web framing used by the
// grok.com feature-control endpoint: length-prefixed data frames, the
// trailer frame carrying grpc-status metadata, and the two fixed
// UpdateUserFeatureControls messages. It is not a general gRPC-Web or
// protobuf implementation.
package grpcweb

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// ContentType is the request and response media type for gRPC-Web
// calls carrying binary protobuf payloads.
const ContentType = "application/grpc-web+proto"

const (
	flagData    byte = 0x00
	flagTrailer byte = 0x80

	// Each frame starts with one flag byte and a big-endian uint32 length.
	headerLen = 5
)

// Response holds the decoded contents of a gRPC-Web response body:
// the data frame payloads in arrival order and the merged trailer
// metadata with case-folded keys.
type Response struct {
	Messages [][]byte
	Trailers map[string]string
}

// Status is the call outcome extracted from response trailers.
type Status struct {
	Code    int
	Message string
}

// OK reports whether the upstream call completed with grpc-status 0.
func (s Status) OK() bool { return s.Code == 0 }

// EncodeMessage wraps a serialized protobuf message in a single data
// frame. It fails only when the payload cannot be described by the
// 32-bit length field.
func EncodeMessage(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("grpcweb: payload of %d bytes exceeds frame length field", len(payload))
	}
	framed := make([]byte, headerLen+len(payload))
	framed[0] = flagData
	binary.BigEndian.PutUint32(framed[1:headerLen], uint32(len(payload)))
	copy(framed[headerLen:], payload)
	return framed, nil
}

// DecodeResponse walks the concatenated frames of a response body.
// Truncated input is tolerated: fewer than five bytes remaining, or a
// declared length running past the end of the buffer, ends the walk
// with whatever was decoded so far. Frames with the trailer bit set
// are parsed as metadata; every other frame is kept as a message.
func DecodeResponse(body []byte) *Response {
	resp := &Response{Trailers: make(map[string]string)}
	off := 0
	for off+headerLen <= len(body) {
		flag := body[off]
		length := binary.BigEndian.Uint32(body[off+1 : off+headerLen])
		off += headerLen
		if uint64(length) > uint64(len(body)-off) {
			break
		}
		chunk := body[off : off+int(length)]
		off += int(length)
		if flag&flagTrailer != 0 {
			parseTrailers(chunk, resp.Trailers)
		} else {
			resp.Messages = append(resp.Messages, chunk)
		}
	}
	return resp
}

// Status interprets the grpc-status and grpc-message trailers. A
// missing or malformed grpc-status counts as 0, and grpc-message is
// percent-decoded per the gRPC-Web spec.
func (r *Response) Status() Status {
	st := Status{}
	if v, ok := r.Trailers["grpc-status"]; ok {
		if code, err := strconv.Atoi(v); err == nil {
			st.Code = code
		}
	}
	st.Message = r.Trailers["grpc-message"]
	if decoded, err := url.PathUnescape(st.Message); err == nil {
		st.Message = decoded
	}
	return st
}

// Trailer blocks are HTTP/1.1 style header lines separated by CRLF.
// Keys are case-folded and later values overwrite earlier ones.
func parseTrailers(raw []byte, into map[string]string) {
	for _, line := range strings.Split(string(raw), "\r\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		into[key] = strings.TrimSpace(line[idx+1:])
	}
}

// Pre-serialized UpdateUserFeatureControls request bodies. Both
// protobuf fields are varint bools, so the on-wire form is constant
// and the messages are kept as fixed byte strings rather than run
// through a protobuf encoder.
var (
	featureEnable  = []byte{0x08, 0x01, 0x10, 0x01}
	featureDisable = []byte{0x08, 0x00, 0x10, 0x00}
)

// FeatureControlMessage returns the protobuf body that switches the
// account-wide unrestricted-content flag on or off. The caller still
// has to frame it with EncodeMessage.
func FeatureControlMessage(enabled bool) []byte {
	src := featureDisable
	if enabled {
		src = featureEnable
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}
