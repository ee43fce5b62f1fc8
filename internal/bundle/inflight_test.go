package bundle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/harvest/api-go/internal/model"
)

func TestInflight_AcquireRelease(t *testing.T) {
	var f inflight
	first := newCall(model.BuildJob{ID: "1", Key: "a"})

	got, leader := f.acquire(first)
	assert.True(t, leader)
	assert.Same(t, first, got)

	second := newCall(model.BuildJob{ID: "2", Key: "a"})
	got, leader = f.acquire(second)
	assert.False(t, leader)
	assert.Same(t, first, got, "joiners get the registered call")
	assert.Equal(t, 1, f.len())

	f.release(first)
	assert.False(t, f.has("a"))
	assert.Equal(t, 0, f.len())
}

func TestInflight_ReleaseOnlyOwnCall(t *testing.T) {
	var f inflight
	old := newCall(model.BuildJob{ID: "1", Key: "a"})
	f.acquire(old)
	f.release(old)

	current := newCall(model.BuildJob{ID: "2", Key: "a"})
	f.acquire(current)
	f.release(old)

	assert.True(t, f.has("a"), "a stale release must not drop a newer build")
	assert.Equal(t, 1, f.len())
}

func TestInflight_KeysSorted(t *testing.T) {
	var f inflight
	for _, k := range []model.BundleKey{"c", "a", "b"} {
		f.acquire(newCall(model.BuildJob{Key: k}))
	}
	assert.Equal(t, []model.BundleKey{"a", "b", "c"}, f.keys())
}
