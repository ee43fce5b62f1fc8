package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/harvest/api-go/internal/blob"
	"github.com/example/harvest/api-go/internal/logging"
	"github.com/example/harvest/api-go/internal/model"
)

// fakeUpstream serves /media/{key}/info and /media/{key}/comments.
type fakeUpstream struct {
	mu       sync.Mutex
	count    int
	pages    map[string]string // max_id -> JSON array of comments
	failures map[string]int    // max_id -> number of 503s before success
	status   int               // if set, every comments request fails with it
	statusAt map[string]int    // max_id -> status returned for that page
	requests []string
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.requests = append(u.requests, r.URL.RequestURI())

	switch {
	case strings.HasSuffix(r.URL.Path, "/info"):
		fmt.Fprintf(w, `{"comment_count": %d}`, u.count)
	case strings.HasSuffix(r.URL.Path, "/comments"):
		if u.status != 0 {
			http.Error(w, "nope", u.status)
			return
		}
		maxID := r.URL.Query().Get("max_id")
		if code := u.statusAt[maxID]; code != 0 {
			http.Error(w, "denied", code)
			return
		}
		if u.failures[maxID] > 0 {
			u.failures[maxID]--
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		page, ok := u.pages[maxID]
		if !ok {
			page = "[]"
		}
		fmt.Fprintf(w, `{"comments": %s}`, page)
	default:
		http.NotFound(w, r)
	}
}

func (u *fakeUpstream) commentRequests() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []string
	for _, r := range u.requests {
		if strings.Contains(r, "/comments") {
			out = append(out, r)
		}
	}
	return out
}

func newTestHarvester(t *testing.T, upstream http.Handler) (*Harvester, blob.LocalFS) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	blobs := blob.LocalFS{Root: t.TempDir()}
	return &Harvester{
		Client:     srv.Client(),
		BaseURL:    srv.URL,
		Blobs:      blobs,
		Logger:     logging.Discard(),
		PageSize:   2,
		PageDelay:  func(int) time.Duration { return 0 },
		RetryDelay: func(int) time.Duration { return 0 },
	}, blobs
}

func threeComments() *fakeUpstream {
	return &fakeUpstream{
		count: 3,
		pages: map[string]string{
			"":    `[{"pk": 101, "text": "first", "user": {"username": "ann"}}, {"pk": 102, "text": "second", "user": {"username": "bob"}}]`,
			"102": `[{"pk": 103, "text": "third", "user": {"username": "cy"}}, "not-an-object"]`,
		},
		failures: map[string]int{},
	}
}

func readArtifact(t *testing.T, blobs blob.LocalFS, ref string) []byte {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(blobs.Root, ref))
	require.NoError(t, err)
	return raw
}

func TestHarvester_Golden(t *testing.T) {
	upstream := threeComments()
	h, blobs := newTestHarvester(t, upstream)
	job := model.BuildJob{ID: "job-1", Key: "post-1"}

	ref, err := h.Build(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, ArtifactPath(job), ref)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "harvest_artifact", readArtifact(t, blobs, ref))

	assert.Equal(t, []string{
		"/media/post-1/comments?count=2",
		"/media/post-1/comments?count=2&max_id=102",
	}, upstream.commentRequests())
}

func TestHarvester_RetriesTransientFailures(t *testing.T) {
	upstream := threeComments()
	upstream.failures["102"] = 2
	h, blobs := newTestHarvester(t, upstream)

	ref, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.NoError(t, err)

	var doc Artifact
	require.NoError(t, json.Unmarshal(readArtifact(t, blobs, ref), &doc))
	assert.Equal(t, 3, doc.Collected)
	assert.Len(t, upstream.commentRequests(), 4)
}

func TestHarvester_RetriesExhaustedKeepsPartial(t *testing.T) {
	upstream := threeComments()
	upstream.failures["102"] = 10
	h, blobs := newTestHarvester(t, upstream)

	ref, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.NoError(t, err)

	var doc Artifact
	require.NoError(t, json.Unmarshal(readArtifact(t, blobs, ref), &doc))
	assert.Equal(t, 3, doc.CommentCount)
	assert.Equal(t, 2, doc.Collected)
	assert.Len(t, upstream.commentRequests(), 1+defaultMaxRetries)
}

func TestHarvester_RetriesExhaustedWithNothingFails(t *testing.T) {
	upstream := threeComments()
	upstream.status = http.StatusBadGateway
	h, _ := newTestHarvester(t, upstream)
	h.MaxRetries = 2

	_, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Len(t, upstream.commentRequests(), 2)
}

func TestHarvester_PermanentErrorFailsImmediately(t *testing.T) {
	upstream := threeComments()
	upstream.status = http.StatusForbidden
	h, _ := newTestHarvester(t, upstream)

	_, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream status 403")
	assert.Len(t, upstream.commentRequests(), 1)
}

func TestHarvester_PermanentErrorAfterFirstPageKeepsPartial(t *testing.T) {
	upstream := threeComments()
	upstream.statusAt = map[string]int{"102": http.StatusForbidden}
	h, blobs := newTestHarvester(t, upstream)

	ref, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.NoError(t, err)

	var doc Artifact
	require.NoError(t, json.Unmarshal(readArtifact(t, blobs, ref), &doc))
	assert.Equal(t, 3, doc.CommentCount)
	assert.Equal(t, 2, doc.Collected)
	assert.Len(t, upstream.commentRequests(), 2, "a rejected page is not retried")
}

func TestHarvester_UnknownMediaFails(t *testing.T) {
	h, _ := newTestHarvester(t, http.NotFoundHandler())
	_, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "gone"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "media info")
}

func TestHarvester_NoComments(t *testing.T) {
	upstream := &fakeUpstream{count: 0}
	h, blobs := newTestHarvester(t, upstream)

	ref, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "quiet"})
	require.NoError(t, err)
	assert.Empty(t, upstream.commentRequests())

	var doc Artifact
	require.NoError(t, json.Unmarshal(readArtifact(t, blobs, ref), &doc))
	assert.Equal(t, 0, doc.Collected)
	assert.NotNil(t, doc.Comments)
}

func TestHarvester_MaxItemsCapsCollection(t *testing.T) {
	upstream := threeComments()
	upstream.count = 500
	h, blobs := newTestHarvester(t, upstream)
	h.MaxItems = 1

	ref, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.NoError(t, err)

	var doc Artifact
	require.NoError(t, json.Unmarshal(readArtifact(t, blobs, ref), &doc))
	assert.Equal(t, 500, doc.CommentCount)
	assert.Equal(t, 1, doc.Collected)
	assert.Len(t, upstream.commentRequests(), 1)
}

func TestHarvester_EmptyPageStops(t *testing.T) {
	upstream := threeComments()
	upstream.count = 50
	h, blobs := newTestHarvester(t, upstream)

	ref, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "post-1"})
	require.NoError(t, err)

	var doc Artifact
	require.NoError(t, json.Unmarshal(readArtifact(t, blobs, ref), &doc))
	assert.Equal(t, 3, doc.Collected)
	assert.Len(t, upstream.commentRequests(), 3)
}

func TestHarvester_EscapesKey(t *testing.T) {
	upstream := &fakeUpstream{count: 0}
	h, _ := newTestHarvester(t, upstream)
	_, err := h.Build(context.Background(), model.BuildJob{ID: "j", Key: "a/b c"})
	require.NoError(t, err)
	require.NotEmpty(t, upstream.requests)
	assert.Equal(t, "/media/a%2Fb%20c/info", upstream.requests[0])
}

func TestHarvester_ContextCanceledDuringDelay(t *testing.T) {
	upstream := threeComments()
	h, _ := newTestHarvester(t, upstream)
	ctx, cancel := context.WithCancel(context.Background())
	h.PageDelay = func(int) time.Duration {
		cancel()
		return time.Hour
	}

	_, err := h.Build(ctx, model.BuildJob{ID: "j", Key: "post-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDefaultDelays(t *testing.T) {
	assert.Equal(t, 5*time.Second, DefaultPageDelay(0))
	assert.Equal(t, 7*time.Second, DefaultPageDelay(250))
	assert.Equal(t, 10*time.Second, DefaultPageDelay(5000))

	assert.Equal(t, 10*time.Second, DefaultRetryDelay(1))
	assert.Equal(t, 30*time.Second, DefaultRetryDelay(3))
	assert.Equal(t, 30*time.Second, DefaultRetryDelay(9))
}

func TestArtifactPath_StableAndSafe(t *testing.T) {
	job := model.BuildJob{ID: "0190", Key: "https://example.com/p/../abc"}
	p := ArtifactPath(job)
	assert.Equal(t, p, ArtifactPath(job))
	assert.True(t, strings.HasPrefix(p, "bundles/"))
	assert.True(t, strings.HasSuffix(p, "/0190.json"))
	assert.NotContains(t, p, "..")
}
