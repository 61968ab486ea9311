package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// Volcengine binary websocket framing: a 4-byte header, optional sequence
// and event fields, then a length-prefixed payload.

const protocolVersion = 0b0001

type messageType uint8

const (
	msgFullClientRequest  messageType = 0b0001
	msgAudioOnlyRequest   messageType = 0b0010
	msgFullServerResponse messageType = 0b1001
	msgAudioOnlyResponse  messageType = 0b1011
	msgError              messageType = 0b1111
)

type messageFlags uint8

const (
	flagNoSequence  messageFlags = 0b0000
	flagPositiveSeq messageFlags = 0b0001
	flagLastNoSeq   messageFlags = 0b0010
	flagNegativeSeq messageFlags = 0b0011
	flagWithEvent   messageFlags = 0b0100
)

type serialization uint8

const (
	serialNone serialization = 0b0000
	serialJSON serialization = 0b0001
)

type compression uint8

const (
	compressNone compression = 0b0000
	compressGzip compression = 0b0001
)

type eventType int32

const (
	eventStartConnection    eventType = 1
	eventFinishConnection   eventType = 2
	eventConnectionStarted  eventType = 50
	eventConnectionFailed   eventType = 51
	eventConnectionFinished eventType = 52
	eventSessionFinished    eventType = 152
)

type header struct {
	Type          messageType
	Flags         messageFlags
	Serialization serialization
	Compression   compression
}

type frame struct {
	Header    header
	Sequence  int32
	Event     eventType
	SessionID string
	ConnectID string
	ErrorCode uint32
	Payload   []byte
}

func (f *frame) hasSequence() bool {
	switch f.Header.Flags & 0b0011 {
	case flagPositiveSeq, flagNegativeSeq:
		return true
	}
	return false
}

func (f *frame) hasEvent() bool { return f.Header.Flags&flagWithEvent == flagWithEvent }

// isLast reports whether the server marked this as the final packet.
func (f *frame) isLast() bool {
	switch f.Header.Flags & 0b0011 {
	case flagLastNoSeq, flagNegativeSeq:
		return true
	}
	return false
}

// payload returns the frame body with compression removed.
func (f *frame) payload() ([]byte, error) {
	if f.Header.Compression == compressGzip {
		return gunzip(f.Payload)
	}
	return f.Payload, nil
}

func eventSkipsSessionID(e eventType) bool {
	switch e {
	case eventStartConnection, eventFinishConnection,
		eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func eventHasConnectID(e eventType) bool {
	switch e {
	case eventConnectionStarted, eventConnectionFailed, eventConnectionFinished:
		return true
	}
	return false
}

func encodeFrame(f *frame) []byte {
	var buf bytes.Buffer
	buf.WriteByte(protocolVersion<<4 | 0b0001)
	buf.WriteByte(uint8(f.Header.Type)<<4 | uint8(f.Header.Flags))
	buf.WriteByte(uint8(f.Header.Serialization)<<4 | uint8(f.Header.Compression))
	buf.WriteByte(0)

	if f.hasSequence() {
		_ = binary.Write(&buf, binary.BigEndian, f.Sequence)
	}
	if f.hasEvent() {
		_ = binary.Write(&buf, binary.BigEndian, int32(f.Event))
		if !eventSkipsSessionID(f.Event) {
			writeSized(&buf, []byte(f.SessionID))
		}
		if eventHasConnectID(f.Event) {
			writeSized(&buf, []byte(f.ConnectID))
		}
	}
	if f.Header.Type == msgError {
		_ = binary.Write(&buf, binary.BigEndian, f.ErrorCode)
	}
	writeSized(&buf, f.Payload)
	return buf.Bytes()
}

func writeSized(buf *bytes.Buffer, data []byte) {
	_ = binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}

func decodeFrame(data []byte) (*frame, error) {
	r := bytes.NewReader(data)
	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if v := raw[0] >> 4; v != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", v)
	}
	if extra := int(raw[0]&0x0F)*4 - 4; extra > 0 {
		if _, err := r.Seek(int64(extra), io.SeekCurrent); err != nil {
			return nil, fmt.Errorf("skip extended header: %w", err)
		}
	}

	f := &frame{Header: header{
		Type:          messageType(raw[1] >> 4),
		Flags:         messageFlags(raw[1] & 0x0F),
		Serialization: serialization(raw[2] >> 4),
		Compression:   compression(raw[2] & 0x0F),
	}}

	if f.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("read sequence: %w", err)
		}
	}
	if f.hasEvent() {
		var ev int32
		if err := binary.Read(r, binary.BigEndian, &ev); err != nil {
			return nil, fmt.Errorf("read event: %w", err)
		}
		f.Event = eventType(ev)
		if !eventSkipsSessionID(f.Event) {
			id, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read session id: %w", err)
			}
			f.SessionID = string(id)
		}
		if eventHasConnectID(f.Event) {
			id, err := readSized(r)
			if err != nil {
				return nil, fmt.Errorf("read connect id: %w", err)
			}
			f.ConnectID = string(id)
		}
	}
	if f.Header.Type == msgError {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("read error code: %w", err)
		}
	}

	payload, err := readSized(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	f.Payload = payload
	return f, nil
}

func readSized(r *bytes.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if int64(size) > int64(r.Len()) {
		return nil, fmt.Errorf("declared size %d exceeds remaining %d bytes", size, r.Len())
	}
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// clientRequest builds the JSON request that opens a recognition or synthesis stream.
func clientRequest(payload []byte, c compression) *frame {
	return &frame{
		Header:  header{Type: msgFullClientRequest, Flags: flagNoSequence, Serialization: serialJSON, Compression: c},
		Payload: payload,
	}
}

// audioRequest builds one audio chunk; the final chunk carries a negated sequence.
func audioRequest(chunk []byte, seq int32, last bool, c compression) *frame {
	flags := flagPositiveSeq
	if last {
		flags = flagNegativeSeq
		seq = -seq
	}
	return &frame{
		Header:   header{Type: msgAudioOnlyRequest, Flags: flags, Serialization: serialNone, Compression: c},
		Sequence: seq,
		Payload:  chunk,
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzip(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}
