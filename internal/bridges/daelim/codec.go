package daelim

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
)

// seqKey is the body member that carries the correlation id.
const seqKey = "seq"

var emptyObject = json.RawMessage("{}")

// Encode serialises a frame into its wire form.
//
// The body is compacted and, when Seq is non-zero, a top-level "seq" member is
// added in front of the existing members. Push frames use the response marker.
//
// Parameters:
//   - f: Frame to encode. A nil Body encodes as an empty object.
//
// Returns:
//   - []byte: Complete frame including the length field
//   - error: If the body is not a JSON object
func Encode(f Frame) ([]byte, error) {
	body, err := encodeBody(f.Body, f.Seq)
	if err != nil {
		return nil, err
	}

	total := HeaderSize + len(body)
	if total > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrInvalidCommand, total, MaxFrameSize)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint32(buf[0:4], uint32(total-lengthFieldSize))
	copy(buf[4:12], padPin(f.Pin))
	binary.BigEndian.PutUint32(buf[12:16], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[16:20], f.Subtype)
	if f.Kind == KindRequest {
		copy(buf[20:24], directionRequest[:])
	} else {
		copy(buf[20:24], directionResponse[:])
		binary.BigEndian.PutUint32(buf[24:28], uint32(f.Code))
	}
	copy(buf[HeaderSize:], body)
	return buf, nil
}

func encodeBody(body json.RawMessage, seq uint32) ([]byte, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		body = emptyObject
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, fmt.Errorf("%w: body: %w", ErrInvalidCommand, err)
	}
	b := compact.Bytes()
	if len(b) < 2 || b[0] != '{' {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidCommand)
	}
	if seq == 0 {
		return b, nil
	}
	if hasTopLevelSeq(b) {
		return nil, fmt.Errorf("%w: body already carries a %q member", ErrInvalidCommand, seqKey)
	}

	prefix := `{"` + seqKey + `":` + strconv.FormatUint(uint64(seq), 10)
	if len(b) == 2 {
		return []byte(prefix + "}"), nil
	}
	out := make([]byte, 0, len(prefix)+len(b))
	out = append(out, prefix...)
	out = append(out, ',')
	return append(out, b[1:]...), nil
}

// hasTopLevelSeq reports whether the object b has its own "seq" member,
// which would clash with the correlation id.
func hasTopLevelSeq(b []byte) bool {
	if !bytes.Contains(b, []byte(`"`+seqKey+`"`)) {
		return false
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return false
	}
	_, ok := members[seqKey]
	return ok
}

// padPin right-pads the pin with spaces and truncates it to the field width.
func padPin(pin string) []byte {
	p := []byte(pin)
	if len(p) > pinSize {
		p = p[:pinSize]
	}
	return append(p, bytes.Repeat([]byte{' '}, pinSize-len(p))...)
}

// Decoder reassembles frames from a byte stream.
//
// Feed appends bytes as they arrive; Next returns the next complete frame
// or ErrNeedMoreData without blocking. A Decoder is not safe for concurrent
// use; the session read loop is its only caller.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends received bytes to the decoder buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes the next frame from the buffer.
//
// Returns:
//   - Frame: The decoded frame when err is nil
//   - error: ErrNeedMoreData if the buffer holds a partial frame,
//     ErrMalformedFrame (wrapped) if the stream cannot be framed
func (d *Decoder) Next() (Frame, error) {
	if len(d.buf) < lengthFieldSize {
		return Frame{}, ErrNeedMoreData
	}

	n := binary.BigEndian.Uint32(d.buf[0:4])
	if n < HeaderSize-lengthFieldSize {
		return Frame{}, fmt.Errorf("%w: length %d shorter than header", ErrMalformedFrame, n)
	}
	if uint64(n)+lengthFieldSize > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: length %d exceeds limit", ErrMalformedFrame, n)
	}

	total := int(n) + lengthFieldSize
	if len(d.buf) < total {
		return Frame{}, ErrNeedMoreData
	}

	raw := d.buf[:total]
	f, err := decodeFrame(raw)

	// Consume the frame even on error; the caller tears the connection down anyway.
	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]

	return f, err
}

// Decode parses exactly one complete frame.
func Decode(raw []byte) (Frame, error) {
	d := Decoder{buf: append([]byte(nil), raw...)}
	f, err := d.Next()
	if err != nil {
		return Frame{}, err
	}
	if d.Buffered() != 0 {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, d.Buffered())
	}
	return f, nil
}

func decodeFrame(raw []byte) (Frame, error) {
	f := Frame{
		Pin:     string(bytes.TrimRight(raw[4:12], " \x00")),
		Type:    MessageType(binary.BigEndian.Uint32(raw[12:16])),
		Subtype: binary.BigEndian.Uint32(raw[16:20]),
	}

	var dir [4]byte
	copy(dir[:], raw[20:24])
	switch dir {
	case directionRequest:
		f.Kind = KindRequest
	case directionResponse:
		f.Kind = KindResponse
		f.Code = ResultCode(binary.BigEndian.Uint32(raw[24:28]))
	default:
		return Frame{}, fmt.Errorf("%w: unknown direction % x", ErrMalformedFrame, dir)
	}

	body := bytes.TrimSpace(raw[HeaderSize:])
	if len(body) == 0 {
		f.Body = append(json.RawMessage(nil), emptyObject...)
		return f, nil
	}
	if body[0] != '{' || !json.Valid(body) {
		return Frame{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedFrame)
	}

	seq, stripped, err := extractSeq(body)
	if err != nil {
		return Frame{}, err
	}
	f.Seq = seq
	f.Body = stripped
	return f, nil
}

// extractSeq removes a numeric "seq" member from the body and returns it.
// Bodies without one are returned unchanged (copied out of the read buffer).
func extractSeq(body []byte) (uint32, json.RawMessage, error) {
	if !bytes.Contains(body, []byte(`"`+seqKey+`"`)) {
		return 0, append(json.RawMessage(nil), body...), nil
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(body, &members); err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	rawSeq, ok := members[seqKey]
	if !ok {
		return 0, append(json.RawMessage(nil), body...), nil
	}

	var seq uint32
	if err := json.Unmarshal(rawSeq, &seq); err != nil {
		// A non-numeric seq belongs to the payload, not to us.
		return 0, append(json.RawMessage(nil), body...), nil //nolint:nilerr // not a correlation id
	}
	delete(members, seqKey)

	out, err := json.Marshal(members)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return seq, out, nil
}
