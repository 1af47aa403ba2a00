package aperture

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"aperture/internal/asset"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idOf(n int) string { return fmt.Sprintf("%032x", n) }

func payloadOf(n int) []byte {
	return bytes.Repeat([]byte("0123456789abcdef"), n/16+1)[:n]
}

func testContainer(t *testing.T, id string, typ asset.Type, payload []byte) *asset.Container {
	t.Helper()
	b, err := asset.Encode(asset.Header{ID: id, Type: typ, Name: "test asset"}, payload)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	c, err := asset.Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return c
}

func payloadBytes(t *testing.T, a asset.Asset) []byte {
	t.Helper()
	ex, err := a.CopyRange(nil)
	if err != nil {
		t.Fatalf("CopyRange: %v", err)
	}
	return ex.Data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
