package aperture

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"aperture/internal/asset"
)

func getJSON(t *testing.T, s *Service, path string, out any) {
	t.Helper()
	resp, err := s.DiagApp().Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestHealth(t *testing.T) {
	p := newFakePrimary()
	s := testService(t, "", WithPrimary(p), WithFallback(&fakeFallback{}))
	admin(t, s, "ADDCAP/secret/abc")
	admin(t, s, "ADDCAP/secret/def")

	var h healthResp
	getJSON(t, s, "/health", &h)
	if h.WHIP != "connected" || !h.CloudFiles || h.Capabilities != 2 {
		t.Errorf("health = %+v", h)
	}

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	getJSON(t, s, "/health", &h)
	if h.WHIP != "disconnected" {
		t.Errorf("whip = %q", h.WHIP)
	}
}

func TestHealthWithoutBackends(t *testing.T) {
	s := testService(t, "")
	var h healthResp
	getJSON(t, s, "/health", &h)
	if h.WHIP != "disabled" || h.CloudFiles {
		t.Errorf("health = %+v", h)
	}
}

func TestStats(t *testing.T) {
	p := newFakePrimary()
	p.put(t, idOf(1), asset.TypeTexture, payloadOf(300))
	s := testService(t, "cache:\n  ram:\n    max: 1m\n", WithPrimary(p))
	admin(t, s, "ADDCAP/secret/abc")
	do(s, texturePath("abc", idOf(1)))
	do(s, texturePath("abc", idOf(1)), "Range", "bytes=0-99")
	do(s, texturePath("abc", idOf(2)))

	var st statsResp
	getJSON(t, s, "/stats", &st)
	if st.Hits["whip"] != 1 || st.Hits["ram"] != 1 || st.Misses != 1 {
		t.Errorf("hits = %v misses = %d", st.Hits, st.Misses)
	}
	if st.TotalResponses != 2 || st.MinRespBytes != 100 || st.MaxRespBytes != 300 || st.AvgRespBytes != 200 {
		t.Errorf("responses = %+v", st.statsSnapshot)
	}
	if st.Cache.Assets != 1 || st.Cache.RAMBytes == 0 {
		t.Errorf("cache = %+v", st.Cache)
	}
}

func TestUnknownDiagRoute(t *testing.T) {
	s := testService(t, "")
	resp, err := s.DiagApp().Test(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}
