package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Router holds the provider chain for each capability kind and dispatches
// requests through them. Thread-safe: distinct requests may dispatch
// concurrently; providers within one chain run strictly sequentially.
type Router struct {
	mu     sync.RWMutex
	chains map[Kind]*Chain
	logger *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with no chains registered.
func New(opts ...Option) *Router {
	r := &Router{
		chains: make(map[Kind]*Chain),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register installs the chain for a kind, replacing any previous one.
// Chains are fixed after startup; there is no runtime reordering.
func (r *Router) Register(kind Kind, chain *Chain) {
	r.mu.Lock()
	r.chains[kind] = chain
	r.mu.Unlock()
}

// Chain returns the chain registered for kind.
func (r *Router) Chain(kind Kind) (*Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chains[kind]
	return c, ok
}

// Kinds lists the registered capability kinds, sorted.
func (r *Router) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.chains))
	for k := range r.chains {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Dispatch runs req through the chain registered for its kind.
//
// Providers are visited in configuration order. Before each one the context
// is checked, so a canceled dispatch stops between attempts; cancellation
// mid-invoke is up to the provider. A provider that is not applicable is
// skipped. A nil invoke error is Success and stops the iteration. A soft
// failure falls through to the next provider. A hard or unclassified error
// aborts the chain immediately and is returned verbatim.
//
// The router never writes state: appending a snapshot for a successful
// dispatch is the caller's decision.
func (r *Router) Dispatch(ctx context.Context, req *Request, env *Env) (*Result, error) {
	r.mu.RLock()
	chain, ok := r.chains[req.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownCapabilityError{Kind: req.Kind}
	}

	var attempted []Attempt
	for _, p := range chain.Providers {
		if err := ctx.Err(); err != nil {
			r.logger.InfoContext(ctx, "dispatch canceled between providers",
				"request_id", req.ID,
				"kind", req.Kind,
				"after_attempts", len(attempted))
			return nil, err
		}

		if !p.Applicable(req, env) {
			attempted = append(attempted, Attempt{Provider: p.Name(), Skipped: true})
			r.logger.DebugContext(ctx, "provider not applicable",
				"request_id", req.ID,
				"kind", req.Kind,
				"provider", p.Name())
			continue
		}

		res, err := r.invoke(ctx, p, req)
		if err == nil {
			if res.Provider == "" {
				res.Provider = p.Name()
			}
			r.logger.InfoContext(ctx, "provider succeeded",
				"request_id", req.ID,
				"kind", req.Kind,
				"provider", p.Name(),
				"cost_tier", p.CostTier())
			return res, nil
		}

		if IsSoft(err) {
			attempted = append(attempted, Attempt{Provider: p.Name(), Err: err.Error()})
			r.logger.WarnContext(ctx, "provider soft failure, falling through",
				"request_id", req.ID,
				"kind", req.Kind,
				"provider", p.Name(),
				"error", err)
			continue
		}

		r.logger.ErrorContext(ctx, "provider hard failure, chain aborted",
			"request_id", req.ID,
			"kind", req.Kind,
			"provider", p.Name(),
			"error", err)
		return nil, err
	}

	return nil, &ChainExhaustedError{Kind: req.Kind, Attempted: attempted}
}

// invoke runs one provider under the request timeout, if any.
func (r *Router) invoke(ctx context.Context, p Provider, req *Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return p.Invoke(ctx, req)
}
