package daelim

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeHeader(t *testing.T) {
	raw, err := Encode(Frame{
		Kind:    KindRequest,
		Seq:     7,
		Pin:     "1234",
		Type:    TypeDevice,
		Subtype: SubtypeDeviceInvoke,
		Body:    json.RawMessage(`{ "type" : "invoke" }`),
	})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	if got := binary.BigEndian.Uint32(raw[0:4]); int(got) != len(raw)-4 {
		t.Errorf("length field = %d, want %d", got, len(raw)-4)
	}
	if got := string(raw[4:12]); got != "1234    " {
		t.Errorf("pin = %q, want space padded", got)
	}
	if got := binary.BigEndian.Uint32(raw[12:16]); got != uint32(TypeDevice) {
		t.Errorf("type = %d, want %d", got, TypeDevice)
	}
	if got := binary.BigEndian.Uint32(raw[16:20]); got != SubtypeDeviceInvoke {
		t.Errorf("subtype = %d, want %d", got, SubtypeDeviceInvoke)
	}
	if !bytes.Equal(raw[20:24], directionRequest[:]) {
		t.Errorf("direction = % x, want request marker", raw[20:24])
	}
	if got := string(raw[HeaderSize:]); got != `{"seq":7,"type":"invoke"}` {
		t.Errorf("body = %s", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "request with seq",
			frame: Frame{Kind: KindRequest, Seq: 42, Pin: "ABCDEFGH", Type: TypeDevice, Subtype: 1, Body: json.RawMessage(`{"type":"query"}`)},
		},
		{
			name:  "response with code",
			frame: Frame{Kind: KindResponse, Seq: 3, Pin: InitialPin, Type: TypeLogin, Subtype: 6, Code: CodeInvalidCredentials, Body: json.RawMessage(`{}`)},
		},
		{
			name:  "response without seq",
			frame: Frame{Kind: KindResponse, Pin: "PIN", Type: TypeGuard, Subtype: 2, Body: json.RawMessage(`{"mode":"1"}`)},
		},
		{
			name:  "empty body",
			frame: Frame{Kind: KindRequest, Seq: 1, Type: TypeEVCall, Subtype: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}

			if got.Kind != tt.frame.Kind || got.Seq != tt.frame.Seq || got.Type != tt.frame.Type ||
				got.Subtype != tt.frame.Subtype || got.Code != tt.frame.Code {
				t.Errorf("header = %+v, want %+v", got, tt.frame)
			}
			if got.Pin != tt.frame.Pin {
				t.Errorf("pin = %q, want %q", got.Pin, tt.frame.Pin)
			}
			assertJSONEqual(t, got.Body, bodyOrEmpty(tt.frame.Body))
		})
	}
}

func TestDecoderSplitFrames(t *testing.T) {
	frames := []Frame{
		{Kind: KindResponse, Seq: 1, Type: TypeDevice, Subtype: 2, Body: json.RawMessage(`{"item":[{"device":"light","uid":"1","arg1":"on"}]}`)},
		{Kind: KindResponse, Type: TypeGuard, Subtype: 2, Body: json.RawMessage(`{"mode":"1"}`)},
		{Kind: KindResponse, Seq: 9, Type: TypeLogin, Subtype: 6, Body: json.RawMessage(`{"certpin":"X"}`)},
	}
	var stream []byte
	for _, f := range frames {
		raw, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode() error: %v", err)
		}
		stream = append(stream, raw...)
	}

	for _, chunk := range []int{1, 3, 7, 28, 100, len(stream)} {
		dec := NewDecoder()
		var got []Frame
		for i := 0; i < len(stream); i += chunk {
			end := min(i+chunk, len(stream))
			dec.Feed(stream[i:end])
			for {
				f, err := dec.Next()
				if errors.Is(err, ErrNeedMoreData) {
					break
				}
				if err != nil {
					t.Fatalf("chunk %d: Next() error: %v", chunk, err)
				}
				got = append(got, f)
			}
		}
		if len(got) != len(frames) {
			t.Fatalf("chunk %d: decoded %d frames, want %d", chunk, len(got), len(frames))
		}
		for i := range frames {
			if got[i].Seq != frames[i].Seq || got[i].Type != frames[i].Type {
				t.Errorf("chunk %d frame %d = %+v", chunk, i, got[i])
			}
			assertJSONEqual(t, got[i].Body, frames[i].Body)
		}
		if dec.Buffered() != 0 {
			t.Errorf("chunk %d: %d bytes left over", chunk, dec.Buffered())
		}
	}
}

func TestDecoderMalformed(t *testing.T) {
	valid, err := Encode(Frame{Kind: KindRequest, Seq: 1, Type: TypeDevice, Subtype: 1, Body: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	short := make([]byte, 8)
	binary.BigEndian.PutUint32(short, 4)

	huge := make([]byte, 4)
	binary.BigEndian.PutUint32(huge, MaxFrameSize)

	badDir := append([]byte(nil), valid...)
	copy(badDir[20:24], []byte{9, 9, 9, 9})

	badBody := append([]byte(nil), valid[:HeaderSize]...)
	badBody = append(badBody, []byte(`[1,2]`)...)
	binary.BigEndian.PutUint32(badBody[0:4], uint32(len(badBody)-4))

	tests := []struct {
		name string
		raw  []byte
	}{
		{"length shorter than header", short},
		{"length over limit", huge},
		{"unknown direction", badDir},
		{"body not an object", badBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder()
			dec.Feed(tt.raw)
			_, err := dec.Next()
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("Next() error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	raw, err := Encode(Frame{Kind: KindRequest, Type: TypeDevice, Subtype: 1})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if _, err := Decode(append(raw, 0x00)); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("Decode() error = %v, want ErrMalformedFrame", err)
	}
}

func TestDecodeKeepsNonNumericSeq(t *testing.T) {
	raw, err := Encode(Frame{Kind: KindResponse, Type: TypeDevice, Subtype: 2, Body: json.RawMessage(`{"seq":"abc","x":1}`)})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	f, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if f.Seq != 0 {
		t.Errorf("Seq = %d, want 0", f.Seq)
	}
	assertJSONEqual(t, f.Body, json.RawMessage(`{"seq":"abc","x":1}`))
}

func TestEncodeRejectsNonJSONBody(t *testing.T) {
	_, err := Encode(Frame{Kind: KindRequest, Type: TypeDevice, Subtype: 1, Body: json.RawMessage(`{not json`)})
	if !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Encode() error = %v, want ErrInvalidCommand", err)
	}
}

func TestEncodeSeqMemberClash(t *testing.T) {
	tests := []struct {
		name    string
		seq     uint32
		body    string
		wantErr bool
	}{
		{"top-level seq with correlation", 7, `{"seq":1,"x":1}`, true},
		{"top-level seq without correlation", 0, `{"seq":1,"x":1}`, false},
		{"nested seq is payload", 7, `{"item":[{"seq":1}]}`, false},
		{"seq as a value", 7, `{"name":"seq"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(Frame{Kind: KindRequest, Seq: tt.seq, Type: TypeDevice, Subtype: 1, Body: json.RawMessage(tt.body)})
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCommand) {
					t.Fatalf("Encode() error = %v, want ErrInvalidCommand", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			f, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if tt.seq != 0 && f.Seq != tt.seq {
				t.Errorf("Seq = %d, want %d", f.Seq, tt.seq)
			}
		})
	}
}

func bodyOrEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`{}`)
	}
	return b
}

func assertJSONEqual(t *testing.T, got, want json.RawMessage) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("unmarshal got %s: %v", got, err)
	}
	if err := json.Unmarshal(want, &w); err != nil {
		t.Fatalf("unmarshal want %s: %v", want, err)
	}
	gb, _ := json.Marshal(g)
	wb, _ := json.Marshal(w)
	if !bytes.Equal(gb, wb) {
		t.Errorf("body = %s, want %s", gb, wb)
	}
}
