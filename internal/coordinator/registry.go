package coordinator

import (
	"sync"

	"feed-transcoder/internal/fingerprint"
)

// Registry is the claim table: at most one job per fingerprint. Each
// Coordinator owns one; tests may inject their own.
type Registry struct {
	mu   sync.Mutex
	jobs map[fingerprint.Fingerprint]*job
}

// NewRegistry returns an empty claim table.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[fingerprint.Fingerprint]*job)}
}

// lookup returns the in-flight job for fp, if any.
func (r *Registry) lookup(fp fingerprint.Fingerprint) *job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[fp]
}

// claim installs the job built by create unless fp is already claimed.
// The second result reports whether the caller won the claim.
func (r *Registry) claim(fp fingerprint.Fingerprint, create func() *job) (*job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[fp]; ok {
		return j, false
	}
	j := create()
	r.jobs[fp] = j
	return j, true
}

// release drops the claim on fp if it is still held by j.
func (r *Registry) release(fp fingerprint.Fingerprint, j *job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[fp] != j {
		return false
	}
	delete(r.jobs, fp)
	return true
}

func (r *Registry) snapshot() []*job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// Claimed reports whether fp has an in-flight job.
func (r *Registry) Claimed(fp fingerprint.Fingerprint) bool {
	return r.lookup(fp) != nil
}

// Len returns the number of in-flight jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
