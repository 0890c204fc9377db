/*
Copyright 2024 Gravitational Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"io"
	"time"

	"github.com/gravitational/trace"
)

// Packet tags, exactly as the wire protocol this proxy interoperates with
// (spec §4.2 table).
const (
	TagPing            byte = 0
	TagPong            byte = 1
	TagHandshake       byte = 2
	TagConnect         byte = 3
	TagConnected       byte = 4
	TagConnectionError byte = 5
	TagForwardPayload  byte = 6
	TagBackwardPayload byte = 7
	TagUpdatePingTime  byte = 8
	TagGetFileRequest  byte = 9
	TagGetFileResponse byte = 10
)

// compressThreshold is the minimum payload size gzip compression is even
// attempted for; below it the framing overhead isn't worth paying.
const compressThreshold = 64

// GetFileStatus is the outcome of a GetFileRequest.
type GetFileStatus byte

const (
	GetFileOK    GetFileStatus = 0
	GetFileError GetFileStatus = 1
)

// Packet is the sealed interface over the eleven gateway packet kinds.
type Packet interface {
	Tag() byte
}

type Ping struct{}

func (Ping) Tag() byte { return TagPing }

type Pong struct{}

func (Pong) Tag() byte { return TagPong }

type Handshake struct {
	Timestamp          int64
	SupportCompression bool
	GatewayName        string
}

func (Handshake) Tag() byte { return TagHandshake }

type Connect struct {
	ConnectionID uint32
	Timeout      time.Duration
	RemoteHost   string
}

func (Connect) Tag() byte { return TagConnect }

type Connected struct {
	ConnectionID uint32
}

func (Connected) Tag() byte { return TagConnected }

type ConnectionError struct {
	ConnectionID uint32
	Error        string
}

func (ConnectionError) Tag() byte { return TagConnectionError }

type ForwardPayload struct {
	ConnectionID uint32
	Payload      []byte
}

func (ForwardPayload) Tag() byte { return TagForwardPayload }

type BackwardPayload struct {
	ConnectionID uint32
	Payload      []byte
}

func (BackwardPayload) Tag() byte { return TagBackwardPayload }

type UpdatePingTime struct {
	Duration time.Duration
}

func (UpdatePingTime) Tag() byte { return TagUpdatePingTime }

type GetFileRequest struct {
	RequestID uint32
	Path      string
}

func (GetFileRequest) Tag() byte { return TagGetFileRequest }

type GetFileResponse struct {
	RequestID uint32
	Status    GetFileStatus
	Content   []byte
}

func (GetFileResponse) Tag() byte { return TagGetFileResponse }

// Encode renders p into its plaintext wire form (pre-encryption). Forward
// and backward payloads, and GetFileResponse content, are gzip-compressed
// when supportCompression is true and the payload is at least
// compressThreshold bytes and actually shrinks.
func Encode(p Packet, supportCompression bool) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(p.Tag())

	switch v := p.(type) {
	case Ping, Pong:
		// no body

	case Handshake:
		writeInt64(&buf, v.Timestamp)
		writeBool(&buf, v.SupportCompression)
		buf.WriteString(v.GatewayName)

	case Connect:
		writeUint32(&buf, v.ConnectionID)
		buf.WriteByte(byte(v.Timeout / time.Second))
		buf.WriteString(v.RemoteHost)

	case Connected:
		writeUint32(&buf, v.ConnectionID)

	case ConnectionError:
		writeUint32(&buf, v.ConnectionID)
		buf.WriteString(v.Error)

	case ForwardPayload:
		writeUint32(&buf, v.ConnectionID)
		if err := writeContent(&buf, v.Payload, supportCompression); err != nil {
			return nil, trace.Wrap(err)
		}

	case BackwardPayload:
		writeUint32(&buf, v.ConnectionID)
		if err := writeContent(&buf, v.Payload, supportCompression); err != nil {
			return nil, trace.Wrap(err)
		}

	case UpdatePingTime:
		writeUint64(&buf, uint64(v.Duration/time.Microsecond))

	case GetFileRequest:
		writeUint32(&buf, v.RequestID)
		buf.WriteString(v.Path)

	case GetFileResponse:
		writeUint32(&buf, v.RequestID)
		buf.WriteByte(byte(v.Status))
		if err := writeContent(&buf, v.Content, supportCompression); err != nil {
			return nil, trace.Wrap(err)
		}

	default:
		return nil, trace.BadParameter("unknown packet type %T", p)
	}

	return buf.Bytes(), nil
}

// Decode parses a plaintext wire frame back into a Packet.
func Decode(data []byte) (Packet, error) {
	if len(data) == 0 {
		return nil, trace.BadParameter("empty gateway packet")
	}
	tag, body := data[0], data[1:]

	switch tag {
	case TagPing:
		return Ping{}, nil
	case TagPong:
		return Pong{}, nil

	case TagHandshake:
		if len(body) < 9 {
			return nil, trace.BadParameter("truncated handshake packet")
		}
		return Handshake{
			Timestamp:          readInt64(body[0:8]),
			SupportCompression: body[8] == 1,
			GatewayName:        string(body[9:]),
		}, nil

	case TagConnect:
		if len(body) < 5 {
			return nil, trace.BadParameter("truncated connect packet")
		}
		return Connect{
			ConnectionID: readUint32(body[0:4]),
			Timeout:      time.Duration(body[4]) * time.Second,
			RemoteHost:   string(body[5:]),
		}, nil

	case TagConnected:
		if len(body) < 4 {
			return nil, trace.BadParameter("truncated connected packet")
		}
		return Connected{ConnectionID: readUint32(body[0:4])}, nil

	case TagConnectionError:
		if len(body) < 4 {
			return nil, trace.BadParameter("truncated connection_error packet")
		}
		return ConnectionError{
			ConnectionID: readUint32(body[0:4]),
			Error:        string(body[4:]),
		}, nil

	case TagForwardPayload:
		if len(body) < 5 {
			return nil, trace.BadParameter("truncated forward_payload packet")
		}
		payload, err := readContent(body[4:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return ForwardPayload{ConnectionID: readUint32(body[0:4]), Payload: payload}, nil

	case TagBackwardPayload:
		if len(body) < 5 {
			return nil, trace.BadParameter("truncated backward_payload packet")
		}
		payload, err := readContent(body[4:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return BackwardPayload{ConnectionID: readUint32(body[0:4]), Payload: payload}, nil

	case TagUpdatePingTime:
		if len(body) < 8 {
			return nil, trace.BadParameter("truncated update_ping_time packet")
		}
		return UpdatePingTime{Duration: time.Duration(readUint64(body[0:8])) * time.Microsecond}, nil

	case TagGetFileRequest:
		if len(body) < 4 {
			return nil, trace.BadParameter("truncated get_file_request packet")
		}
		return GetFileRequest{RequestID: readUint32(body[0:4]), Path: string(body[4:])}, nil

	case TagGetFileResponse:
		if len(body) < 5 {
			return nil, trace.BadParameter("truncated get_file_response packet")
		}
		content, err := readContent(body[5:])
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return GetFileResponse{
			RequestID: readUint32(body[0:4]),
			Status:    GetFileStatus(body[4]),
			Content:   content,
		}, nil

	default:
		return nil, trace.BadParameter("unknown gateway packet tag %d", tag)
	}
}

func writeContent(buf *bytes.Buffer, payload []byte, supportCompression bool) error {
	compressed, out := maybeCompress(payload, supportCompression)
	writeBool(buf, compressed)
	buf.Write(out)
	return nil
}

func readContent(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, trace.BadParameter("truncated content envelope")
	}
	compressed, payload := body[0] == 1, body[1:]
	if !compressed {
		return payload, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// maybeCompress gzip-compresses payload when compression is supported, it
// meets compressThreshold, and the result is actually smaller.
func maybeCompress(payload []byte, supportCompression bool) (bool, []byte) {
	if !supportCompression || len(payload) < compressThreshold {
		return false, payload
	}
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, _ = w.Write(payload)
	_ = w.Close()
	if buf.Len() < len(payload) {
		return true, buf.Bytes()
	}
	return false, payload
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readUint32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func readUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func readInt64(b []byte) int64 {
	return int64(readUint64(b))
}
