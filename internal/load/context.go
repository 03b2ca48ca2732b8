package load

import (
	"math/rand/v2"
	"sync"
)

// UserContext is the private session state of one virtual user.
//
// It holds the auth token, header overrides and scratch variables a user
// accumulates, plus the user's own RNG and the traversal state of the
// sequential task sets it is walking. Each context is owned by exactly one
// VirtualUser and released when that user exits.
type UserContext struct {
	userID int
	rng    *rand.Rand

	tokenHeader string
	tokenScheme string

	mu      sync.RWMutex
	token   string
	headers map[string]string
	vars    map[string]string

	// Traversal state, touched only by the owning user's goroutine.
	cursors map[*TaskSet]int
	entered map[*TaskSet]bool
	pending map[*TaskSet]*TaskSet

	released bool
}

// ContextOption configures a UserContext.
type ContextOption func(*UserContext)

// WithSeed makes the user's RNG deterministic.
func WithSeed(seed uint64) ContextOption {
	return func(uc *UserContext) {
		uc.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithTokenHeader sets the header and scheme used to present the token.
// An empty scheme sends the bare token.
func WithTokenHeader(header, scheme string) ContextOption {
	return func(uc *UserContext) {
		if header != "" {
			uc.tokenHeader = header
		}
		uc.tokenScheme = scheme
	}
}

// WithVars seeds the user's scratch variables.
func WithVars(vars map[string]string) ContextOption {
	return func(uc *UserContext) {
		for k, v := range vars {
			uc.vars[k] = v
		}
	}
}

// NewUserContext creates the session state for user id.
func NewUserContext(id int, opts ...ContextOption) *UserContext {
	uc := &UserContext{
		userID:      id,
		tokenHeader: "Authorization",
		tokenScheme: "Bearer",
		headers:     make(map[string]string),
		vars:        make(map[string]string),
		cursors:     make(map[*TaskSet]int),
		entered:     make(map[*TaskSet]bool),
		pending:     make(map[*TaskSet]*TaskSet),
	}
	for _, opt := range opts {
		opt(uc)
	}
	if uc.rng == nil {
		uc.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return uc
}

// UserID returns the owning user's id.
func (uc *UserContext) UserID() int {
	return uc.userID
}

// Rand returns the user's private RNG. It must only be used from the
// owning user's goroutine.
func (uc *UserContext) Rand() *rand.Rand {
	return uc.rng
}

// Token returns the current auth token, or "" when unauthenticated.
func (uc *UserContext) Token() string {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.token
}

// SetToken stores the auth token presented on every later call.
func (uc *UserContext) SetToken(token string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.token = token
}

// ClearToken drops the auth token.
func (uc *UserContext) ClearToken() {
	uc.SetToken("")
}

func (uc *UserContext) tokenValue(token string) string {
	if uc.tokenScheme == "" {
		return token
	}
	return uc.tokenScheme + " " + token
}

// SetHeader sets a header override sent with every call from this user.
func (uc *UserContext) SetHeader(name, value string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.headers[name] = value
}

// DeleteHeader removes a header override.
func (uc *UserContext) DeleteHeader(name string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	delete(uc.headers, name)
}

// Headers returns a copy of the header overrides.
func (uc *UserContext) Headers() map[string]string {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	if len(uc.headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(uc.headers))
	for k, v := range uc.headers {
		out[k] = v
	}
	return out
}

// Set stores a scratch variable.
func (uc *UserContext) Set(key, value string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	uc.vars[key] = value
}

// Get returns a scratch variable.
func (uc *UserContext) Get(key string) (string, bool) {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	v, ok := uc.vars[key]
	return v, ok
}

// Delete removes scratch variables.
func (uc *UserContext) Delete(keys ...string) {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	for _, k := range keys {
		delete(uc.vars, k)
	}
}

// Vars returns a copy of the scratch variables.
func (uc *UserContext) Vars() map[string]string {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	out := make(map[string]string, len(uc.vars))
	for k, v := range uc.vars {
		out[k] = v
	}
	return out
}

// Release drops all session state. A released context is never reused.
func (uc *UserContext) Release() {
	uc.mu.Lock()
	uc.token = ""
	uc.headers = map[string]string{}
	uc.vars = map[string]string{}
	uc.released = true
	uc.mu.Unlock()

	uc.cursors = nil
	uc.entered = nil
	uc.pending = nil
}

// Released reports whether Release has been called.
func (uc *UserContext) Released() bool {
	uc.mu.RLock()
	defer uc.mu.RUnlock()
	return uc.released
}

func (uc *UserContext) isEntered(ts *TaskSet) bool {
	return uc.entered[ts]
}

func (uc *UserContext) markEntered(ts *TaskSet) {
	if uc.entered != nil {
		uc.entered[ts] = true
	}
}

// inProgress reports whether ts has started a pass that must be finished
// before its parent may move on.
func (uc *UserContext) inProgress(ts *TaskSet) bool {
	switch ts.discipline {
	case Sequential:
		return uc.cursors[ts] > 0
	default:
		return uc.pending[ts] != nil
	}
}
