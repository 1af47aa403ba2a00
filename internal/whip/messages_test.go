package whip

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"testing"
)

func TestAuthResponse(t *testing.T) {
	got := newAuthResponse("phrase7", "pw")
	if len(got) != authResponseSize {
		t.Fatalf("len = %d, want %d", len(got), authResponseSize)
	}
	if got[0] != authResponseID {
		t.Errorf("packet id = %d", got[0])
	}
	sum := sha1.Sum([]byte("pwphrase7"))
	if string(got[1:]) != hex.EncodeToString(sum[:]) {
		t.Errorf("digest = %s", got[1:])
	}
}

func TestChallengePhrase(t *testing.T) {
	if p := challengePhrase([]byte("\x00ABCDEFG")); p != "ABCDEFG" {
		t.Errorf("phrase = %q", p)
	}
}

func TestParseAuthStatus(t *testing.T) {
	for _, tc := range []struct {
		msg     []byte
		want    authStatus
		wantErr bool
	}{
		{msg: []byte{1, 0}, want: authSuccess},
		{msg: []byte{1, 1}, want: authFailure},
		{msg: []byte{1, 2}, wantErr: true},
		{msg: []byte{0, 0}, wantErr: true},
		{msg: []byte{1}, wantErr: true},
	} {
		st, err := parseAuthStatus(tc.msg)
		if tc.wantErr {
			if !errors.Is(err, ErrBadAuthStatus) {
				t.Errorf("%x: err = %v, want ErrBadAuthStatus", tc.msg, err)
			}
			continue
		}
		if err != nil || st != tc.want {
			t.Errorf("%x: got %d, %v", tc.msg, st, err)
		}
	}
}

func TestEncodeRequest(t *testing.T) {
	id := testID(5)
	b := encodeRequest(requestGet, id)
	if len(b) != HeaderSize {
		t.Fatalf("len = %d", len(b))
	}
	if b[0] != 10 || string(b[1:33]) != id {
		t.Errorf("header = %x", b)
	}
	for _, c := range b[33:] {
		if c != 0 {
			t.Errorf("size field not zeroed: %x", b[33:])
			break
		}
	}
}

func TestDecodeResponseHeader(t *testing.T) {
	id := testID(6)
	h, err := decodeResponseHeader(responseFrame(codeFound, id, make([]byte, 300))[:HeaderSize])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Code != codeFound || h.ID != id || h.Size != 300 {
		t.Errorf("header = %+v", h)
	}

	bad := [][]byte{
		responseFrame(9, id, nil),
		responseFrame(14, id, nil),
		responseFrame(codeFound, id, nil)[:HeaderSize-1],
		{byte(codeFound), 0xff, 0xff, 0xff, 0xff},
	}
	huge := responseFrame(codeFound, id, nil)
	huge[sizeLoc] = 0xff
	bad = append(bad, huge)
	for i, b := range bad {
		if _, err := decodeResponseHeader(b); !errors.Is(err, ErrBadHeader) {
			t.Errorf("case %d: err = %v, want ErrBadHeader", i, err)
		}
	}
}

func TestParseURI(t *testing.T) {
	u, err := ParseURI("whip://s3cret@assets.example.net:32700")
	if err != nil {
		t.Fatalf("ParseURI: %v", err)
	}
	if u.Password != "s3cret" || u.Host != "assets.example.net" || u.Port != 32700 {
		t.Errorf("uri = %+v", u)
	}
	if u.Addr() != "assets.example.net:32700" {
		t.Errorf("Addr = %q", u.Addr())
	}
	if u.String() != "whip://***@assets.example.net:32700" {
		t.Errorf("String = %q", u.String())
	}

	for _, s := range []string{
		"http://pw@host:1",
		"whip://host:1",
		"whip://a@b@host:1",
		"whip://pw@host",
		"whip://pw@:1",
		"whip://pw@host:port",
		"whip://pw@host:70000",
	} {
		if _, err := ParseURI(s); err == nil {
			t.Errorf("ParseURI(%q) succeeded", s)
		}
	}
}
