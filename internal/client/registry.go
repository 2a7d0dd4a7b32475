package client

import (
	"strings"
	"sync"

	"github.com/danmuck/relayctl/internal/protocol/session"
)

// RequestContext describes an inbound request or message.
type RequestContext struct {
	From       string
	Path       string
	Branch     string
	Headers    map[string]string
	Properties map[string]string
}

// Responder answers one inbound request. Exactly one of Respond or Fail
// takes effect; later calls return ErrAlreadyResponded.
type Responder interface {
	Respond(payload []byte) error
	Fail(reason string) error
}

// RequestHandler serves requests for a path branch.
type RequestHandler interface {
	OnRequest(req RequestContext, payload []byte, r Responder)
}

type RequestHandlerFunc func(req RequestContext, payload []byte, r Responder)

func (f RequestHandlerFunc) OnRequest(req RequestContext, payload []byte, r Responder) {
	f(req, payload, r)
}

// Registration binds a handler to a path branch for one session.
type Registration struct {
	branch     string
	handler    RequestHandler
	properties []string
	session    *Session

	closeOnce sync.Once
}

func (r *Registration) Branch() string { return r.branch }

// Close releases the branch. It is idempotent.
func (r *Registration) Close() error {
	r.closeOnce.Do(func() {
		if r.session.registry.release(r) {
			r.session.removeHandler(r.branch)
		}
	})
	return nil
}

// registry holds at most one registration per exact branch and resolves a
// path to its most specific registered branch.
type registry struct {
	mu       sync.RWMutex
	branches map[string]*Registration
}

func newRegistry() *registry {
	return &registry{branches: make(map[string]*Registration)}
}

// reserve claims branch for r or fails with ErrDuplicateRegistration.
func (g *registry) reserve(r *Registration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.branches[r.branch]; ok {
		return ErrDuplicateRegistration
	}
	g.branches[r.branch] = r
	return nil
}

// release frees r's branch and reports whether r still owned it.
func (g *registry) release(r *Registration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.branches[r.branch] != r {
		return false
	}
	delete(g.branches, r.branch)
	return true
}

// lookup walks from path up through its parent branches and returns the
// first registration found.
func (g *registry) lookup(path string) (*Registration, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for branch := session.NormalizePath(path); ; {
		if r, ok := g.branches[branch]; ok {
			return r, true
		}
		i := strings.LastIndexByte(branch, '/')
		if i < 0 {
			break
		}
		branch = branch[:i]
	}
	if r, ok := g.branches[""]; ok {
		return r, true
	}
	return nil, false
}

func (g *registry) drain() []*Registration {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Registration, 0, len(g.branches))
	for k, r := range g.branches {
		out = append(out, r)
		delete(g.branches, k)
	}
	return out
}
