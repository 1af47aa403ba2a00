package aperture

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"aperture/internal/admission"
	"aperture/internal/asset"
	"aperture/internal/throttle"
)

const capsPrefix = "/CAPS/HTT/"

// Admin actions, as the first path element after capsPrefix.
const (
	actionAddCap = "ADDCAP"
	actionRemCap = "REMCAP"
	actionPause  = "PAUSE"
	actionResume = "RESUME"
	actionLimit  = "LIMIT"
)

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(capsPrefix, s.handle)
	return mux
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, capsPrefix), "/"), "/")
	switch {
	case isAdminAction(parts[0]):
		s.handleAdmin(w, parts)
	case len(parts) == 1 && parts[0] != "":
		s.handleAsset(w, r, parts[0])
	default:
		http.Error(w, "bad request", http.StatusBadRequest)
	}
}

func isAdminAction(s string) bool {
	switch s {
	case actionAddCap, actionRemCap, actionPause, actionResume, actionLimit:
		return true
	}
	return false
}

// handleAdmin serves ACTION/token/cap[/bandwidth].
func (s *Service) handleAdmin(w http.ResponseWriter, parts []string) {
	if len(parts) < 3 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	action, token, id := parts[0], parts[1], parts[2]

	bandwidth, hasBandwidth := 0, len(parts) > 3 && parts[3] != ""
	if hasBandwidth {
		bw, err := strconv.Atoi(parts[3])
		if err != nil {
			http.Error(w, "bad bandwidth", http.StatusBadRequest)
			return
		}
		bandwidth = bw
	}

	var err error
	switch action {
	case actionAddCap:
		err = s.caps.AddCapability(token, id, bandwidth)
	case actionRemCap:
		err = s.caps.RemoveCapability(token, id)
	case actionPause:
		err = s.caps.Pause(token, id)
	case actionResume:
		err = s.caps.Resume(token, id)
	case actionLimit:
		if !hasBandwidth {
			http.Error(w, "bandwidth required", http.StatusBadRequest)
			return
		}
		err = s.caps.Limit(token, id, bandwidth)
	}
	if err != nil {
		s.log.Warn("admin request rejected", slog.String("action", action), slog.String("cap", id), slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	s.log.Debug("admin request", slog.String("action", action), slog.String("cap", id))
	w.WriteHeader(http.StatusOK)
}

// assetID pulls texture_id, or failing that mesh_id, out of the query
// and normalises it to 32 lowercase hex digits.
func assetID(r *http.Request) (string, error) {
	var texture, mesh string
	for k, vs := range r.URL.Query() {
		if len(vs) == 0 {
			continue
		}
		switch strings.ToLower(k) {
		case "texture_id":
			texture = vs[0]
		case "mesh_id":
			mesh = vs[0]
		}
	}
	raw := texture
	if raw == "" {
		raw = mesh
	}
	if raw == "" {
		return "", errors.New("no texture_id or mesh_id")
	}
	raw = strings.ReplaceAll(raw, "-", "")
	if len(raw) != asset.IDLen {
		return "", fmt.Errorf("asset id %q is not a uuid", raw)
	}
	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("asset id %q: %w", raw, err)
	}
	return strings.ReplaceAll(u.String(), "-", ""), nil
}

func (s *Service) handleAsset(w http.ResponseWriter, r *http.Request, capID string) {
	id, err := assetID(r)
	if err != nil {
		http.Error(w, "bad asset id", http.StatusBadRequest)
		return
	}

	release, err := s.caps.Admit(r.Context(), capID)
	defer release()
	switch {
	case err == nil:
	case errors.Is(err, admission.ErrUnknownCap):
		http.Error(w, "not found", http.StatusNotFound)
		return
	case errors.Is(err, admission.ErrQueueFull):
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	case errors.Is(err, admission.ErrDropped):
		panic(http.ErrAbortHandler)
	default:
		// Client went away while parked.
		return
	}

	a, src, err := s.resolve(r.Context(), id, release)
	switch {
	case err == nil:
	case errors.Is(err, errNotFound):
		s.stats.Miss()
		http.Error(w, "not found", http.StatusNotFound)
		return
	default:
		s.stats.Miss()
		s.log.Warn("asset unavailable", slog.String("asset", id), slog.Any("err", err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.stats.Hit(src)
	s.send(w, r, capID, a)
}

func (s *Service) send(w http.ResponseWriter, r *http.Request, capID string, a asset.Asset) {
	contentType, ok := a.Type().ContentType()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rangeHeader := r.Header.Get("Range")
	var rng *asset.Range
	if rangeHeader != "" {
		var err error
		if rng, err = parseRange(rangeHeader); err != nil {
			if errors.Is(err, errRangeShape) {
				s.rangeNotSatisfiable(w, a)
			} else {
				http.Error(w, "bad range", http.StatusBadRequest)
			}
			return
		}
	}

	ex, err := a.CopyRange(rng)
	switch {
	case err == nil:
	case errors.Is(err, asset.ErrRangeOverflow):
		s.rangeNotSatisfiable(w, a)
		return
	default:
		s.log.Warn("asset extraction failed", slog.String("asset", a.ID()), slog.Any("err", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(ex.Data)))
	status := http.StatusOK
	if rangeHeader != "" && ex.Partial() {
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", ex.Start, ex.End, ex.Total))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	var lim throttle.Limiter
	if b := s.caps.Bucket(capID); b != nil {
		lim = b
	}
	rc := http.NewResponseController(w)
	tw := throttle.Writer{Retry: s.retry, Flush: func() { _ = rc.Flush() }}
	n, err := tw.Send(r.Context(), w, ex.Data, lim)
	if err != nil {
		s.log.Debug("delivery cut short", slog.String("asset", a.ID()), slog.Int("sent", n), slog.Any("err", err))
		return
	}
	s.stats.Observe(n)
}

func (s *Service) rangeNotSatisfiable(w http.ResponseWriter, a asset.Asset) {
	n, _ := a.PayloadSize()
	w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", max(n-1, 0), n))
	http.Error(w, "requested range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
}
