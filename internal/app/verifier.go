package app

import (
	"sync"

	"github.com/dionysius/oma-core/internal/sig"
	"github.com/dionysius/oma-core/internal/source"
)

// verifierCache builds and memoizes a *sig.Verifier per distinct
// trust-dir+signed-by combination an Entry can carry, exactly what
// refresh.VerifierFor's doc comment asks callers to do: an Entry.Trusted
// source relaxes to AcceptUnsigned, and an Entry.SignedBy override gets its
// own keyring instead of every source sharing the one global verifier.
type verifierCache struct {
	trustDirs []string
	base      *sig.Verifier

	mu    sync.Mutex
	byKey map[string]*sig.Verifier
	done  []func()
}

func newVerifierCache(trustDirs []string, base *sig.Verifier) *verifierCache {
	return &verifierCache{trustDirs: trustDirs, base: base, byKey: make(map[string]*sig.Verifier)}
}

// forEntry implements refresh.VerifierFor.
func (c *verifierCache) forEntry(e *source.Entry) (*sig.Verifier, error) {
	key := e.SignedBy
	if e.Trusted {
		key += "\x00trusted"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.byKey[key]; ok {
		return v, nil
	}

	v := c.base
	if e.SignedBy != "" {
		built, cleanup, err := sig.NewVerifier(c.trustDirs, []string{e.SignedBy})
		if err != nil {
			return nil, err
		}
		c.done = append(c.done, cleanup)
		v = built
	}

	if e.Trusted && !v.AcceptUnsigned {
		relaxed := *v
		relaxed.AcceptUnsigned = true
		v = &relaxed
	}

	c.byKey[key] = v
	return v, nil
}

// Close releases every per-signed-by keyring's temporary files. The base
// verifier's own cleanup is the caller's responsibility (it is built and
// owned outside this cache).
func (c *verifierCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fn := range c.done {
		fn()
	}
}
