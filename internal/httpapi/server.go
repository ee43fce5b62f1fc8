package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/example/harvest/api-go/internal/blob"
	"github.com/example/harvest/api-go/internal/model"
)

// Records is the read side of the bundle store plus registration.
type Records interface {
	Get(ctx context.Context, key model.BundleKey) (model.BundleRecord, error)
	Register(ctx context.Context, key model.BundleKey) (model.BundleRecord, bool, error)
	List(ctx context.Context, status *model.BundleStatus, limit int) ([]model.BundleRecord, error)
}

// Builds starts or joins bundle builds.
type Builds interface {
	Build(ctx context.Context, key model.BundleKey, trigger model.Trigger) (model.BundleRecord, error)
	Building(key model.BundleKey) bool
}

type Server struct {
	Blobs   blob.LocalFS
	Bundles Records
	Bundler Builds
	BaseURL string // optional, for generating absolute artifact URLs

	// StaleAfter is how old a ready bundle may be before a fetch rebuilds it.
	StaleAfter time.Duration
	// FetchTimeout bounds how long a fetch waits on a build. Zero waits for
	// as long as the client stays connected.
	FetchTimeout time.Duration

	Logger *slog.Logger
	Now    func() time.Time
}

func (s Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1/bundles", func(r chi.Router) {
		r.Post("/", s.handleRegister)
		r.Get("/", s.handleList)
		r.Get("/{key}", s.handleGet)
		r.Post("/{key}/fetch", s.handleFetch)
		r.Get("/{key}/artifact", s.handleArtifact)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleFetch returns the bundle for key, building it first unless a fresh
// ready record exists. Concurrent fetches of one key share a single build.
func (s Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	key, ok := bundleKey(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := s.Bundles.Get(ctx, key)
	switch {
	case err == nil && rec.Fresh(s.now(), s.staleAfter()):
		writeJSON(w, http.StatusOK, map[string]any{
			"bundle": s.bundleResponse(rec),
			"built":  false,
		})
		return
	case err != nil && !errors.Is(err, model.ErrNotFound):
		s.logger().Error("fetch: load bundle", "key", key, "error", err)
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	if s.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.FetchTimeout)
		defer cancel()
	}

	rec, err = s.Bundler.Build(ctx, key, model.TriggerOnDemand)
	var buildErr *model.BuildError
	var storeErr *model.StoreError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"bundle": s.bundleResponse(rec),
			"built":  true,
		})
	case errors.As(err, &buildErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":  buildErr.Error(),
			"bundle": s.bundleResponse(rec),
		})
	case errors.As(err, &storeErr):
		s.logger().Error("fetch: record build", "key", key, "error", err)
		writeErr(w, http.StatusInternalServerError, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeErr(w, http.StatusGatewayTimeout, fmt.Errorf("bundle %s still building: %w", key, err))
	default:
		writeErr(w, http.StatusInternalServerError, err)
	}
}

func (s Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := bundleKey(w, r)
	if !ok {
		return
	}
	rec, err := s.Bundles.Get(r.Context(), key)
	if err != nil {
		writeErr(w, lookupStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, s.bundleResponse(rec))
}

func (s Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var status *model.BundleStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := model.ParseBundleStatus(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err)
			return
		}
		status = &parsed
	}

	limit := 25
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid limit: %s", raw))
			return
		}
		if value > 100 {
			value = 100
		}
		limit = value
	}

	records, err := s.Bundles.List(ctx, status, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	resp := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		resp = append(resp, s.bundleResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	key, err := model.NewBundleKey(body.Key)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	rec, created, err := s.Bundles.Register(r.Context(), key)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, s.bundleResponse(rec))
}

// handleArtifact streams the artifact the record currently points at. A
// failed rebuild keeps the previous artifact available.
func (s Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key, ok := bundleKey(w, r)
	if !ok {
		return
	}
	rec, err := s.Bundles.Get(r.Context(), key)
	if err != nil {
		writeErr(w, lookupStatus(err), err)
		return
	}
	if rec.ArtifactRef == "" || !s.Blobs.Exists(rec.ArtifactRef) {
		writeErr(w, http.StatusNotFound, fmt.Errorf("artifact not ready"))
		return
	}
	f, err := s.Blobs.Open(rec.ArtifactRef)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = io.Copy(w, f)
}

func (s Server) bundleResponse(rec model.BundleRecord) map[string]any {
	resp := map[string]any{
		"key":         rec.Key,
		"status":      rec.Status,
		"artifactRef": rec.ArtifactRef,
		"builtAt":     rec.BuiltAt,
		"lastError":   rec.LastError,
		"createdAt":   rec.CreatedAt,
		"updatedAt":   rec.UpdatedAt,
		"building":    s.Bundler.Building(rec.Key),
	}
	if rec.ArtifactRef != "" {
		base := strings.TrimRight(s.BaseURL, "/")
		resp["artifactUrl"] = fmt.Sprintf("%s/v1/bundles/%s/artifact", base, url.PathEscape(rec.Key.String()))
	}
	return resp
}

// bundleKey reads the path-escaped {key} parameter. It writes a 400 and
// returns false when the key is unusable.
//
// chi matches against RawPath when the request carries one and against the
// decoded Path otherwise, so the parameter is still escaped only in the
// first case.
func bundleKey(w http.ResponseWriter, r *http.Request) (model.BundleKey, bool) {
	raw := chi.URLParam(r, "key")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid key escape: %w", err))
			return "", false
		}
		raw = unescaped
	}
	key, err := model.NewBundleKey(raw)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return "", false
	}
	return key, true
}

func lookupStatus(err error) int {
	if errors.Is(err, model.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s Server) staleAfter() time.Duration {
	if s.StaleAfter > 0 {
		return s.StaleAfter
	}
	return time.Hour
}

func (s Server) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
