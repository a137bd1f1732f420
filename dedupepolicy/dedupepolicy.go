// Package dedupepolicy implements spec.md §4.7: using only the single-flight
// coordinator's in-flight side, first caller for a key originates the
// underlying call, later concurrent callers join it with independent
// cancellation. Grounded on singleflight's TrackInflight/JoinInflight pair;
// this package is the thin policy.Base-driven layer that decides, per call,
// whether dedup applies at all and what key to dedupe on.
package dedupepolicy

import (
	"context"

	"github.com/fetchkit/engine/keyserializer"
	"github.com/fetchkit/engine/policy"
	"github.com/fetchkit/engine/singleflight"
)

// Rule is a dedupe-specific policy rule. It carries no fields beyond the
// common Matcher shape; dedupe has no per-route tunables in spec.md §4.7.
type Rule struct {
	Matcher policy.Matcher
}

func matcherOf(r Rule) policy.Matcher { return r.Matcher }

func mergeDefaults(defaults, _ Rule) Rule { return defaults }

// Sink receives dedupe lifecycle notifications (bridged onto the engine's
// event bus as fetch-dedupe-start|join|complete|error, spec.md §7).
type Sink interface {
	DedupeStart(key string)
	DedupeJoin(key string, waitingCount int64)
	DedupeComplete(key string)
	DedupeError(key string, err error)
}

type noopSink struct{}

func (noopSink) DedupeStart(string)        {}
func (noopSink) DedupeJoin(string, int64)  {}
func (noopSink) DedupeComplete(string)     {}
func (noopSink) DedupeError(string, error) {}

// Policy composes policy.Base with a singleflight.Coordinator's in-flight
// surface.
type Policy struct {
	base  *policy.Base[Rule]
	coord *singleflight.Coordinator
	sink  Sink
}

// New creates a Policy over coord. A nil sink disables event notification.
func New(coord *singleflight.Coordinator, sink Sink) *Policy {
	if sink == nil {
		sink = noopSink{}
	}
	return &Policy{base: policy.NewBase(matcherOf, mergeDefaults), coord: coord, sink: sink}
}

// Init normalizes the dedupe policy's constructor config (spec.md §6:
// dedupePolicy ∈ {false, true, full-config}).
func (p *Policy) Init(cfg policy.Config[Rule]) { p.base.Init(cfg) }

func (p *Policy) Enabled() bool { return p.base.Enabled() }

// Op is the underlying call dedupe may originate or join.
type Op func(ctx context.Context) (any, error)

// Run executes op under dedupe semantics for (method, path, payload). If
// dedupe is disabled or no rule matches, op runs directly with no
// coordination. skip, when non-nil, bypasses dedupe for this call only
// (spec.md §4.2's per-call skip).
func (p *Policy) Run(ctx context.Context, method, path string, payload any, skip func() bool, op Op) (any, error) {
	rule, found := p.base.Resolve(method, path, skip)
	if !found {
		_ = rule
		return op(ctx)
	}

	key := p.base.Serializer()(method, path, payload)

	if _, settle, cleanup, originated := p.coord.TrackInflight(key); originated {
		p.sink.DedupeStart(key)
		defer cleanup()
		value, err := op(ctx)
		settle(value, err)
		if err != nil {
			p.sink.DedupeError(key, err)
		} else {
			p.sink.DedupeComplete(key)
		}
		return value, err
	}

	value, err, waitingCount, ok := p.coord.JoinInflight(ctx, key)
	if !ok {
		// Originator settled and cleaned up between our TrackInflight
		// failure and JoinInflight call; fall back to originating.
		if _, settle, cleanup, originated := p.coord.TrackInflight(key); originated {
			p.sink.DedupeStart(key)
			defer cleanup()
			v, e := op(ctx)
			settle(v, e)
			if e != nil {
				p.sink.DedupeError(key, e)
			} else {
				p.sink.DedupeComplete(key)
			}
			return v, e
		}
		return op(ctx)
	}

	p.sink.DedupeJoin(key, waitingCount)
	return value, err
}
