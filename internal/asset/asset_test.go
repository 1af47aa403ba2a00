package asset

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

const testID = "0123456789abcdef0123456789abcdef"

func payloadOf(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func mustContainer(t *testing.T, h Header, payload []byte) *Container {
	t.Helper()
	buf, err := Encode(h, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return c
}

func TestDecodeRoundTripsHeaderAndPayload(t *testing.T) {
	h := Header{
		ID:          testID,
		Type:        TypeMesh,
		Local:       true,
		Temporary:   true,
		CreateTime:  1234567,
		Name:        "a mesh",
		Description: "with a description",
	}
	payload := payloadOf(300)
	c := mustContainer(t, h, payload)

	if c.ID() != testID {
		t.Errorf("ID = %q", c.ID())
	}
	if c.Type() != TypeMesh {
		t.Errorf("Type = %v", c.Type())
	}
	if !c.IsLocal() {
		t.Error("expected local flag")
	}
	got, err := c.Header()
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if got != h {
		t.Errorf("Header = %+v, want %+v", got, h)
	}
	n, err := c.PayloadSize()
	if err != nil || n != len(payload) {
		t.Fatalf("PayloadSize = %d, %v", n, err)
	}

	ex, err := c.CopyRange(&Range{Start: 0, End: int64(n - 1)})
	if err != nil {
		t.Fatalf("CopyRange: %v", err)
	}
	if !bytes.Equal(ex.Data, payload) {
		t.Error("full range did not reproduce payload")
	}
	if ex.Partial() {
		t.Error("full range reported partial")
	}
}

func TestDecodeRejectsTruncatedBuffers(t *testing.T) {
	buf, err := Encode(Header{ID: testID, Name: "n", Description: "d"}, payloadOf(50))
	if err != nil {
		t.Fatal(err)
	}
	for _, cut := range []int{0, 20, 39, 40, 42, 45, len(buf) - 1} {
		if _, err := Decode(buf[:cut]); !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(buf[:%d]) err = %v, want ErrTruncated", cut, err)
		}
	}
}

func TestEncodeValidatesFields(t *testing.T) {
	if _, err := Encode(Header{ID: "short"}, nil); !errors.Is(err, ErrBadID) {
		t.Errorf("short id: %v", err)
	}
	if _, err := Encode(Header{ID: testID, Name: strings.Repeat("x", 256)}, nil); !errors.Is(err, ErrFieldTooLong) {
		t.Errorf("long name: %v", err)
	}
}

func TestRangePolicy(t *testing.T) {
	payload := payloadOf(500)
	c := mustContainer(t, Header{ID: testID}, payload)

	tests := []struct {
		name      string
		r         *Range
		wantStart int64
		wantEnd   int64
	}{
		{"no range", nil, 0, 499},
		{"prefix", &Range{0, 99}, 0, 99},
		{"middle", &Range{100, 199}, 100, 199},
		{"end clamped", &Range{400, 10000}, 400, 499},
		{"open end", &Range{250, OpenEnd}, 250, 499},
		{"start past end serves full", &Range{500, 600}, 0, 499},
		{"start far past end serves full", &Range{9000, 10}, 0, 499},
		{"flipped serves full", &Range{300, 200}, 0, 499},
		{"single byte", &Range{499, 499}, 499, 499},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := c.CopyRange(tt.r)
			if err != nil {
				t.Fatalf("CopyRange: %v", err)
			}
			if ex.Start != tt.wantStart || ex.End != tt.wantEnd {
				t.Errorf("range = %d-%d, want %d-%d", ex.Start, ex.End, tt.wantStart, tt.wantEnd)
			}
			if ex.Total != 500 {
				t.Errorf("Total = %d", ex.Total)
			}
			if !bytes.Equal(ex.Data, payload[tt.wantStart:tt.wantEnd+1]) {
				t.Error("data mismatch")
			}
		})
	}
}

func TestEmptyPayloadShortCircuits(t *testing.T) {
	c := mustContainer(t, Header{ID: testID}, nil)
	for _, r := range []*Range{nil, {0, 99}, {50, 10}} {
		ex, err := c.CopyRange(r)
		if err != nil {
			t.Fatalf("CopyRange(%v): %v", r, err)
		}
		if len(ex.Data) != 0 || ex.Total != 0 {
			t.Errorf("CopyRange(%v) = %+v, want empty", r, ex)
		}
	}
}

func TestCopyRangeDetectsOverflow(t *testing.T) {
	buf, err := Encode(Header{ID: testID}, payloadOf(100))
	if err != nil {
		t.Fatal(err)
	}
	// Declared payload length stays 100, actual bytes are fewer. Decode
	// would reject this, so build the container directly.
	c := &Container{buf: buf[:len(buf)-10]}
	if _, err := c.CopyRange(&Range{0, 99}); !errors.Is(err, ErrRangeOverflow) {
		t.Errorf("range err = %v, want ErrRangeOverflow", err)
	}
	if _, err := c.CopyRange(nil); !errors.Is(err, ErrTruncated) {
		t.Errorf("full err = %v, want ErrTruncated", err)
	}
	if ex, err := c.CopyRange(&Range{0, 50}); err != nil || len(ex.Data) != 51 {
		t.Errorf("in-bounds range = %d bytes, %v", len(ex.Data), err)
	}
}

func TestExtractIsACopy(t *testing.T) {
	payload := payloadOf(10)
	c := mustContainer(t, Header{ID: testID}, payload)
	ex, _ := c.CopyRange(nil)
	ex.Data[0] = 0xff
	again, _ := c.CopyRange(nil)
	if again.Data[0] != payload[0] {
		t.Error("mutating an extract changed the container")
	}
}

func TestStratusRoundTrip(t *testing.T) {
	in := &Stratus{
		Header: Header{
			ID:          testID,
			Type:        TypeTexture,
			Local:       true,
			CreateTime:  99,
			Name:        "tex",
			Description: "desc",
		},
		FullType: 0,
		Data:     payloadOf(64),
	}
	out, err := DecodeStratus(testID, EncodeStratus(in))
	if err != nil {
		t.Fatalf("DecodeStratus: %v", err)
	}
	if out.Header != in.Header || out.FullType != in.FullType || !bytes.Equal(out.Data, in.Data) {
		t.Errorf("got %+v, want %+v", out, in)
	}

	ex, _ := out.CopyRange(&Range{10, 19})
	if !bytes.Equal(ex.Data, in.Data[10:20]) || !ex.Partial() {
		t.Errorf("range extract = %+v", ex)
	}
}

func TestStratusTypeIsLowByteOfFullType(t *testing.T) {
	in := &Stratus{Header: Header{ID: testID}, FullType: 256 + 49}
	out, err := DecodeStratus(testID, EncodeStratus(in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Type() != TypeMesh || out.FullType != 305 {
		t.Errorf("Type = %v FullType = %d", out.Type(), out.FullType)
	}
}

func TestDecodeStratusRejectsGarbage(t *testing.T) {
	rec := EncodeStratus(&Stratus{Header: Header{ID: testID}, Data: payloadOf(40)})
	if _, err := DecodeStratus(testID, rec[:len(rec)-5]); !errors.Is(err, ErrMalformedRecord) {
		t.Errorf("truncated record err = %v", err)
	}
}

func TestEncodedConvertsStratusToContainer(t *testing.T) {
	s := &Stratus{Header: Header{ID: testID, Type: TypeMesh, Name: "m"}, FullType: 49, Data: payloadOf(33)}
	buf, err := Encoded(s)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	ex, _ := c.CopyRange(nil)
	if c.Type() != TypeMesh || !bytes.Equal(ex.Data, s.Data) {
		t.Errorf("container = type %v, %d bytes", c.Type(), len(ex.Data))
	}
}

func TestContentType(t *testing.T) {
	if ct, ok := TypeTexture.ContentType(); !ok || ct != "image/x-j2c" {
		t.Errorf("texture = %q %v", ct, ok)
	}
	if ct, ok := TypeMesh.ContentType(); !ok || ct != "application/vnd.ll.mesh" {
		t.Errorf("mesh = %q %v", ct, ok)
	}
	if _, ok := Type(7).ContentType(); ok {
		t.Error("type 7 should not be deliverable")
	}
}
