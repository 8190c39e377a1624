package filter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Prefilter is a Bloom filter over downloaded artifact URLs. A negative answer is
// definitive; a positive answer must be confirmed against the ledger.
type Prefilter struct {
	mu sync.RWMutex
	f  *bloom.BloomFilter
}

// NewPrefilter creates a Prefilter sized for n expected URLs with the given false
// positive rate.
func NewPrefilter(n uint, fpRate float64) *Prefilter {
	if n == 0 {
		n = 1
	}
	return &Prefilter{f: bloom.NewWithEstimates(n, fpRate)}
}

// Add records a URL.
func (p *Prefilter) Add(url string) {
	p.mu.Lock()
	p.f.AddString(url)
	p.mu.Unlock()
}

// MayContain reports whether url might have been added.
func (p *Prefilter) MayContain(url string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.f.TestString(url)
}

// EstimatedCount returns the approximate number of URLs in the filter.
func (p *Prefilter) EstimatedCount() uint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return uint(p.f.ApproximatedSize())
}
