package whip

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"

	"aperture/internal/asset"
)

const testPhrase = "abcdefg"

// fakeServer is an in-process WHIP server listening on loopback.
type fakeServer struct {
	t        *testing.T
	ln       net.Listener
	password string
	// reject makes every handshake answer with a failure status.
	reject bool

	mu       sync.Mutex
	assets   map[string][]byte
	errors   map[string]string
	requests map[string]int
	conns    []net.Conn
	accepted int
	// gate, when set, holds every response until a value is received.
	gate chan struct{}
	// raw, when set, is written instead of the normal response.
	raw []byte
}

func newFakeServer(t *testing.T, password string) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &fakeServer{
		t:        t,
		ln:       ln,
		password: password,
		assets:   map[string][]byte{},
		errors:   map[string]string{},
		requests: map[string]int{},
	}
	go s.acceptLoop()
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) uri() URI {
	addr := s.ln.Addr().(*net.TCPAddr)
	return URI{Password: s.password, Host: "127.0.0.1", Port: uint16(addr.Port)}
}

func (s *fakeServer) put(id string, typ asset.Type, payload []byte) {
	buf, err := asset.Encode(asset.Header{ID: id, Type: typ, Name: "n", Description: "d"}, payload)
	if err != nil {
		s.t.Fatalf("encode fixture: %v", err)
	}
	s.mu.Lock()
	s.assets[id] = buf
	s.mu.Unlock()
}

func (s *fakeServer) configure(fn func(s *fakeServer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *fakeServer) requestCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

func (s *fakeServer) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// dropConnections closes every accepted connection.
func (s *fakeServer) dropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) close() {
	_ = s.ln.Close()
	s.dropConnections()
}

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.accepted++
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()

	challenge := append([]byte{0}, testPhrase...)
	if _, err := conn.Write(challenge); err != nil {
		return
	}
	resp := make([]byte, authResponseSize)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return
	}
	s.mu.Lock()
	reject := s.reject
	s.mu.Unlock()
	ok := !reject && bytes.Equal(resp, newAuthResponse(testPhrase, s.password))
	status := []byte{authStatusID, byte(authSuccess)}
	if !ok {
		status[1] = byte(authFailure)
	}
	if _, err := conn.Write(status); err != nil || !ok {
		return
	}

	req := make([]byte, HeaderSize)
	for {
		if _, err := io.ReadFull(conn, req); err != nil {
			return
		}
		if req[0] != byte(requestGet) {
			s.t.Errorf("request type = %d", req[0])
			return
		}
		if !bytes.Equal(req[sizeLoc:], []byte{0, 0, 0, 0}) {
			s.t.Errorf("request size field = %x", req[sizeLoc:])
		}
		id := string(req[1:sizeLoc])

		s.mu.Lock()
		s.requests[id]++
		gate := s.gate
		raw := s.raw
		data, found := s.assets[id]
		errMsg, isErr := s.errors[id]
		s.mu.Unlock()

		if gate != nil {
			<-gate
		}

		var out []byte
		switch {
		case raw != nil:
			out = raw
		case found:
			out = responseFrame(codeFound, id, data)
		case isErr:
			out = responseFrame(codeError, id, []byte(errMsg))
		default:
			out = responseFrame(codeNotFound, id, []byte("no such asset"))
		}
		if _, err := conn.Write(out); err != nil {
			return
		}
	}
}

func responseFrame(code responseCode, id string, body []byte) []byte {
	out := make([]byte, HeaderSize, HeaderSize+len(body))
	out[0] = byte(code)
	copy(out[1:sizeLoc], id)
	binary.BigEndian.PutUint32(out[sizeLoc:], uint32(len(body)))
	return append(out, body...)
}

func testID(n int) string {
	s := strconv.Itoa(n)
	return s + string(bytes.Repeat([]byte{'a'}, asset.IDLen-len(s)))
}
