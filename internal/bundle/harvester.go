package bundle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/example/harvest/api-go/internal/model"
)

const (
	defaultPageSize   = 20
	defaultMaxItems   = 2000
	defaultMaxRetries = 3
)

// ArtifactWriter stores artifact bytes under a relative key.
type ArtifactWriter interface {
	Put(relPath string, r io.Reader) (string, error)
}

// Harvester is a Builder that collects the comments of one media item from
// the upstream API and stores them as a JSON document.
//
// Upstream endpoints, relative to BaseURL:
//
//	GET /media/{key}/info                         {"comment_count": n}
//	GET /media/{key}/comments?count=&max_id=      {"comments": [{"pk": ...}, ...]}
type Harvester struct {
	Client  *http.Client
	BaseURL string
	Blobs   ArtifactWriter
	Logger  *slog.Logger

	// PageSize is the number of comments requested per page.
	PageSize int
	// MaxItems caps the number of comments collected per bundle.
	MaxItems int
	// MaxRetries consecutive transient failures of one page end the harvest.
	MaxRetries int
	// PageDelay is waited between pages, given the number collected so far.
	PageDelay func(loaded int) time.Duration
	// RetryDelay is waited after the n-th consecutive transient failure.
	RetryDelay func(attempt int) time.Duration
}

// DefaultPageDelay paces paging: 5s plus one second per hundred comments
// collected, capped at 10s.
func DefaultPageDelay(loaded int) time.Duration {
	return min(10*time.Second, 5*time.Second+time.Duration(loaded/100)*time.Second)
}

// DefaultRetryDelay backs off 10s per attempt, capped at 30s.
func DefaultRetryDelay(attempt int) time.Duration {
	return min(30*time.Second, time.Duration(attempt)*10*time.Second)
}

// Artifact is the document a Harvester stores.
type Artifact struct {
	Key          string           `json:"key"`
	CommentCount int              `json:"comment_count"`
	Collected    int              `json:"collected"`
	Comments     []map[string]any `json:"comments"`
}

type mediaInfo struct {
	CommentCount int `json:"comment_count"`
}

type commentPage struct {
	Comments []any `json:"comments"`
}

type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode upstream response: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func (h *Harvester) Build(ctx context.Context, job model.BuildJob) (string, error) {
	logger := h.logger().With("key", job.Key, "job", job.ID)

	var info mediaInfo
	if err := h.getJSON(ctx, h.endpoint(job.Key, "info", nil), &info); err != nil {
		return "", fmt.Errorf("media info: %w", err)
	}
	limit := min(info.CommentCount, h.maxItems())
	logger.Info("harvesting comments", "comment_count", info.CommentCount, "limit", limit)

	comments := []map[string]any{}
	if limit > 0 {
		var err error
		comments, err = h.collect(ctx, job.Key, limit, logger)
		if err != nil {
			return "", err
		}
	}

	doc := Artifact{
		Key:          string(job.Key),
		CommentCount: info.CommentCount,
		Collected:    len(comments),
		Comments:     comments,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	raw = append(raw, '\n')

	ref, err := h.Blobs.Put(ArtifactPath(job), bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	logger.Info("comments saved", "collected", len(comments), "artifact", ref)
	return ref, nil
}

func (h *Harvester) collect(ctx context.Context, key model.BundleKey, limit int, logger *slog.Logger) ([]map[string]any, error) {
	out := make([]map[string]any, 0, limit)
	var (
		maxID    string
		failures int
	)
	for len(out) < limit {
		params := url.Values{"count": {strconv.Itoa(h.pageSize())}}
		if maxID != "" {
			params.Set("max_id", maxID)
		}

		var page commentPage
		err := h.getJSON(ctx, h.endpoint(key, "comments", params), &page)
		if err != nil {
			if !transient(err) {
				if len(out) == 0 || ctx.Err() != nil {
					return nil, fmt.Errorf("comments page: %w", err)
				}
				logger.Warn("comments page rejected, keeping partial harvest", "collected", len(out), "error", err)
				break
			}
			failures++
			logger.Warn("comments page failed", "attempt", failures, "max_retries", h.maxRetries(), "error", err)
			if failures >= h.maxRetries() {
				if len(out) == 0 {
					return nil, fmt.Errorf("comments page: retries exhausted: %w", err)
				}
				logger.Warn("retries exhausted, keeping partial harvest", "collected", len(out))
				break
			}
			if err := sleep(ctx, h.retryDelay(failures)); err != nil {
				return nil, err
			}
			continue
		}
		failures = 0

		if len(page.Comments) == 0 {
			logger.Info("no more comments upstream", "collected", len(out))
			break
		}
		valid := 0
		for _, item := range page.Comments {
			if comment, ok := item.(map[string]any); ok {
				out = append(out, comment)
				valid++
			}
		}
		if valid == 0 {
			break
		}
		maxID = cursor(out[len(out)-1])
		logger.Debug("comments page loaded", "page", valid, "collected", len(out), "limit", limit)
		if maxID == "" {
			break
		}

		if len(out) < limit {
			if err := sleep(ctx, h.pageDelay(len(out))); err != nil {
				return nil, err
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (h *Harvester) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

func (h *Harvester) endpoint(key model.BundleKey, suffix string, params url.Values) string {
	u := strings.TrimRight(h.BaseURL, "/") + "/media/" + url.PathEscape(string(key)) + "/" + suffix
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// ArtifactPath is the blob key for the artifact of job.
func ArtifactPath(job model.BuildJob) string {
	sum := sha256.Sum256([]byte(job.Key))
	return path.Join("bundles", hex.EncodeToString(sum[:])[:16], job.ID+".json")
}

// transient reports whether a failed request is worth retrying.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	var de *decodeError
	return !errors.As(err, &de)
}

func cursor(comment map[string]any) string {
	switch pk := comment["pk"].(type) {
	case json.Number:
		return pk.String()
	case string:
		return pk
	case nil:
		return ""
	default:
		return fmt.Sprint(pk)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Harvester) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

func (h *Harvester) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Harvester) pageSize() int {
	if h.PageSize > 0 {
		return h.PageSize
	}
	return defaultPageSize
}

func (h *Harvester) maxItems() int {
	if h.MaxItems > 0 {
		return h.MaxItems
	}
	return defaultMaxItems
}

func (h *Harvester) maxRetries() int {
	if h.MaxRetries > 0 {
		return h.MaxRetries
	}
	return defaultMaxRetries
}

func (h *Harvester) pageDelay(loaded int) time.Duration {
	if h.PageDelay != nil {
		return h.PageDelay(loaded)
	}
	return DefaultPageDelay(loaded)
}

func (h *Harvester) retryDelay(attempt int) time.Duration {
	if h.RetryDelay != nil {
		return h.RetryDelay(attempt)
	}
	return DefaultRetryDelay(attempt)
}
