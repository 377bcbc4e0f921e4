package stealth

import (
	"math/rand/v2"
	"sync"
	"time"

	"dawnarchive/pkg/types"
)

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

var resolutions = []types.Viewport{
	{Width: 1920, Height: 1080},
	{Width: 1366, Height: 768},
	{Width: 1536, Height: 864},
	{Width: 1440, Height: 900},
	{Width: 1280, Height: 720},
	{Width: 2560, Height: 1440},
}

// FingerprintProvider draws browser identities from fixed pools.
type FingerprintProvider struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewFingerprintProvider seeds a provider from the clock.
func NewFingerprintProvider() *FingerprintProvider {
	now := uint64(time.Now().UnixNano())
	return NewSeededFingerprintProvider(now, now>>32)
}

// NewSeededFingerprintProvider returns a provider with a deterministic sequence.
func NewSeededFingerprintProvider(seed1, seed2 uint64) *FingerprintProvider {
	return &FingerprintProvider{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// Next returns a fresh fingerprint. Viewport and screen are sampled
// independently from the same resolution pool.
func (p *FingerprintProvider) Next() types.Fingerprint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.Fingerprint{
		UserAgent: userAgents[p.rng.IntN(len(userAgents))],
		Viewport:  resolutions[p.rng.IntN(len(resolutions))],
		Screen:    resolutions[p.rng.IntN(len(resolutions))],
	}
}
