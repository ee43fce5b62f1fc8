package bundle

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/harvest/api-go/internal/model"
)

// call is one executing build. done is closed after rec and err are set,
// which publishes the outcome to every waiter.
type call struct {
	job  model.BuildJob
	done chan struct{}
	rec  model.BundleRecord
	err  error
}

func newCall(job model.BuildJob) *call {
	return &call{job: job, done: make(chan struct{})}
}

// inflight maps keys to their executing call. Insert-if-absent and removal
// are atomic per map slot, so unrelated keys never contend on one lock.
type inflight struct {
	calls sync.Map // model.BundleKey -> *call
	n     atomic.Int64
}

// acquire registers c unless a call for the same key is already registered.
// It returns the registered call and whether it is c.
func (f *inflight) acquire(c *call) (*call, bool) {
	actual, loaded := f.calls.LoadOrStore(c.job.Key, c)
	if loaded {
		return actual.(*call), false
	}
	f.n.Add(1)
	return c, true
}

func (f *inflight) release(c *call) {
	if f.calls.CompareAndDelete(c.job.Key, c) {
		f.n.Add(-1)
	}
}

func (f *inflight) has(key model.BundleKey) bool {
	_, ok := f.calls.Load(key)
	return ok
}

func (f *inflight) len() int {
	return int(f.n.Load())
}

func (f *inflight) keys() []model.BundleKey {
	var out []model.BundleKey
	f.calls.Range(func(k, _ any) bool {
		out = append(out, k.(model.BundleKey))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
