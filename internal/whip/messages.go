package whip

import (
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"aperture/internal/asset"
)

// Auth handshake message sizes. The server opens with a challenge
// (packet id + 7 byte phrase), the client answers with a packet id and
// the 40 character hex SHA-1 of password+phrase, and the server closes
// the handshake with a two byte status.
const (
	challengeSize    = 8
	phraseLen        = 7
	authResponseSize = 41
	authStatusSize   = 2

	authResponseID byte = 0
	authStatusID   byte = 1
)

type authStatus byte

const (
	authSuccess authStatus = 0
	authFailure authStatus = 1
)

// Request and response headers share one layout:
// 1 byte type/code, 32 byte asset id, 4 byte big endian payload size.
const (
	HeaderSize = 1 + asset.IDLen + 4
	sizeLoc    = 1 + asset.IDLen
)

type requestType byte

const requestGet requestType = 10

type responseCode byte

const (
	codeFound    responseCode = 10
	codeNotFound responseCode = 11
	codeError    responseCode = 12
	codeOK       responseCode = 13
)

func (c responseCode) String() string {
	switch c {
	case codeFound:
		return "found"
	case codeNotFound:
		return "not found"
	case codeError:
		return "error"
	case codeOK:
		return "ok"
	default:
		return fmt.Sprintf("code(%d)", byte(c))
	}
}

// MaxPayload bounds the payload size a response header may declare.
const MaxPayload = 256 << 20

func challengePhrase(msg []byte) string {
	return string(msg[1 : 1+phraseLen])
}

func newAuthResponse(phrase, password string) []byte {
	sum := sha1.Sum([]byte(password + phrase))
	out := make([]byte, 0, authResponseSize)
	out = append(out, authResponseID)
	return hex.AppendEncode(out, sum[:])
}

func parseAuthStatus(msg []byte) (authStatus, error) {
	if len(msg) != authStatusSize || msg[0] != authStatusID {
		return 0, ErrBadAuthStatus
	}
	st := authStatus(msg[1])
	if st != authSuccess && st != authFailure {
		return 0, ErrBadAuthStatus
	}
	return st, nil
}

func encodeRequest(rt requestType, id string) []byte {
	out := make([]byte, HeaderSize)
	out[0] = byte(rt)
	copy(out[1:sizeLoc], id)
	return out
}

type responseHeader struct {
	Code responseCode
	ID   string
	Size uint32
}

func decodeResponseHeader(b []byte) (responseHeader, error) {
	if len(b) != HeaderSize {
		return responseHeader{}, fmt.Errorf("%w: %d bytes", ErrBadHeader, len(b))
	}
	h := responseHeader{
		Code: responseCode(b[0]),
		ID:   string(b[1:sizeLoc]),
		Size: binary.BigEndian.Uint32(b[sizeLoc:]),
	}
	if h.Code < codeFound || h.Code > codeOK {
		return responseHeader{}, fmt.Errorf("%w: response code %d", ErrBadHeader, b[0])
	}
	if h.Size > MaxPayload {
		return responseHeader{}, fmt.Errorf("%w: payload size %d", ErrBadHeader, h.Size)
	}
	return h, nil
}
