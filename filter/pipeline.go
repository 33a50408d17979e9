package filter

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
	"github.com/procstream/mcp-bridge-go/internal/jsontree"
	"github.com/procstream/mcp-bridge-go/internal/metric"
)

// Result is the pipeline's verdict for one message.
type Result struct {
	// Payload is the filtered message, re-encoded. Unset when Blocked.
	Payload jsonrpc.Message
	// Blocked reports that some filter dropped the message.
	Blocked bool
	// Reason explains a block.
	Reason string
	// Actions aggregates the transformations the chain took.
	Actions []string
	// Redactions aggregates masked-value counts by kind.
	Redactions map[string]int
	// FromCache reports that the result was served from the TTL cache.
	FromCache bool
}

// snapshot is one immutable compiled view of the Config. Messages hold the
// snapshot they started with for their whole trip through the chain.
type snapshot struct {
	version  int64
	config   Config
	filters  []Filter
	disabled map[string]bool

	// cacheable is false while any enabled filter's output depends on the
	// session or wall clock, which makes results unshareable.
	cacheable bool
}

func (s *snapshot) enabled(name string) bool {
	return !s.disabled[name]
}

type cacheEntry struct {
	res     Result
	expires time.Time
}

// Stats are the control-surface counters for one filter.
type Stats struct {
	Processed uint64 `json:"processed"`
	Blocked   uint64 `json:"blocked"`
	Faults    uint64 `json:"faults"`
}

// Pipeline applies the ordered filter chain to messages. It is safe for
// concurrent use.
type Pipeline struct {
	log     *slog.Logger
	metrics *metric.Metrics

	// swapMu serializes snapshot installs. Toggle reads the current config
	// before rewriting it; without the lock two concurrent toggles could
	// each start from the same snapshot and one would lose the other's
	// change. Apply never takes it.
	swapMu  sync.Mutex
	snap    atomic.Pointer[snapshot]
	version atomic.Int64

	cacheTTL time.Duration
	cache    *lru.Cache[string, cacheEntry]

	statsMu sync.Mutex
	stats   map[string]*Stats
	hits    uint64
	misses  uint64
}

// PipelineOption customizes a Pipeline.
type PipelineOption func(*pipelineConfig)

type pipelineConfig struct {
	log       *slog.Logger
	metrics   *metric.Metrics
	cacheTTL  time.Duration
	cacheSize int
}

// WithPipelineLogger overrides the logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(c *pipelineConfig) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metric.Metrics) PipelineOption {
	return func(c *pipelineConfig) { c.metrics = m }
}

// WithCache overrides the result cache TTL and capacity.
func WithCache(ttl time.Duration, size int) PipelineOption {
	return func(c *pipelineConfig) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
		if size > 0 {
			c.cacheSize = size
		}
	}
}

// NewPipeline builds a pipeline from the given policy. The built-in chain
// order is fixed: blacklist, sanitizer, PII redactor, secret masker, size
// manager, metadata stamper; per direction only the applicable subset runs.
func NewPipeline(cfg Config, opts ...PipelineOption) (*Pipeline, error) {
	pc := &pipelineConfig{
		log:       slog.Default(),
		cacheTTL:  DefaultCacheTTL,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(pc)
	}

	cache, err := lru.New[string, cacheEntry](pc.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("filter: create cache: %w", err)
	}

	p := &Pipeline{
		log:      pc.log,
		metrics:  pc.metrics,
		cacheTTL: pc.cacheTTL,
		cache:    cache,
		stats:    make(map[string]*Stats),
	}
	if err := p.SetConfig(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// SetConfig compiles and atomically installs a new policy snapshot. The
// result cache is purged: a new policy changes the meaning of previously
// cached results. Messages already mid-pipeline are unaffected.
func (p *Pipeline) SetConfig(cfg Config) error {
	p.swapMu.Lock()
	defer p.swapMu.Unlock()
	return p.setConfigLocked(cfg)
}

func (p *Pipeline) setConfigLocked(cfg Config) error {
	snap, err := p.compile(cfg)
	if err != nil {
		return err
	}
	p.snap.Store(snap)
	p.cache.Purge()
	p.log.Info("filter.config.swap", slog.Int64("version", snap.version))
	return nil
}

func (p *Pipeline) compile(cfg Config) (*snapshot, error) {
	blacklist, err := newBlacklistFilter(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("filter: compile blacklist: %w", err)
	}
	secrets, err := newSecretsFilter(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("filter: compile secret masker: %w", err)
	}

	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[name] = true
	}

	snap := &snapshot{
		version: p.version.Add(1),
		config:  cfg,
		filters: []Filter{
			blacklist,
			newSanitizerFilter(cfg.Sanitizer),
			newRedactorFilter(cfg.Redactor),
			secrets,
			newSizeFilter(cfg.Size),
			newMetadataFilter(),
		},
		disabled: disabled,
	}
	// The metadata stamper is the only built-in whose output varies per
	// session and per call.
	snap.cacheable = !snap.enabled(FilterNameMetadata)
	return snap, nil
}

// Config returns a copy of the currently installed policy.
func (p *Pipeline) Config() Config {
	return p.snap.Load().config
}

// List describes every filter in chain order for the control surface.
func (p *Pipeline) List() []Info {
	snap := p.snap.Load()
	out := make([]Info, 0, len(snap.filters))
	for _, f := range snap.filters {
		out = append(out, Info{
			Name:        f.Name(),
			Enabled:     snap.enabled(f.Name()),
			Description: f.Description(),
		})
	}
	return out
}

// Toggle enables or disables one filter by name and installs the resulting
// snapshot. Unknown names are rejected.
func (p *Pipeline) Toggle(name string, enable bool) error {
	p.swapMu.Lock()
	defer p.swapMu.Unlock()

	snap := p.snap.Load()

	found := false
	for _, f := range snap.filters {
		if f.Name() == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("filter: unknown filter %q", name)
	}

	cfg := snap.config
	var next []string
	for _, n := range cfg.Disabled {
		if n != name {
			next = append(next, n)
		}
	}
	if !enable {
		next = append(next, name)
	}
	cfg.Disabled = next
	return p.setConfigLocked(cfg)
}

// Apply runs the message through every enabled filter for the direction.
func (p *Pipeline) Apply(d Direction, sessionID string, payload jsonrpc.Message) Result {
	start := time.Now()
	snap := p.snap.Load()

	var cacheKey string
	if d == ServerToClient && snap.cacheable {
		sum := sha256.Sum256(payload)
		cacheKey = fmt.Sprintf("%d:%s", snap.version, hex.EncodeToString(sum[:]))
		if entry, ok := p.cache.Get(cacheKey); ok {
			if time.Now().Before(entry.expires) {
				p.recordCache(true)
				res := entry.res
				res.FromCache = true
				return res
			}
			p.cache.Remove(cacheKey)
		}
		p.recordCache(false)
	}

	res := p.run(snap, d, sessionID, payload)

	if cacheKey != "" {
		p.cache.Add(cacheKey, cacheEntry{res: res, expires: time.Now().Add(p.cacheTTL)})
	}
	if p.metrics != nil {
		p.metrics.FilterDuration.WithLabelValues(string(d)).Observe(time.Since(start).Seconds())
	}
	return res
}

func (p *Pipeline) run(snap *snapshot, d Direction, sessionID string, payload jsonrpc.Message) Result {
	msg, err := jsontree.Decode(payload)
	if err != nil {
		// The framing layer guarantees valid JSON, so a decode failure here
		// means a depth bound was hit. Fail open with the original bytes.
		p.log.Warn("filter.decode.fail", slog.String("err", err.Error()))
		return Result{Payload: payload}
	}

	orig := msg
	res := Result{Redactions: map[string]int{}}
	changed := false

	for _, f := range snap.filters {
		if !snap.enabled(f.Name()) || !f.AppliesTo(d) {
			continue
		}

		v := p.applyOne(f, d, sessionID, msg)
		p.record(f.Name(), d, v)

		if v.Blocked {
			return Result{
				Blocked:    true,
				Reason:     fmt.Sprintf("%s: %s", f.Name(), v.Reason),
				Actions:    append(res.Actions, "blocked:"+f.Name()),
				Redactions: res.Redactions,
			}
		}

		if len(v.Actions) > 0 {
			changed = true
			res.Actions = append(res.Actions, v.Actions...)
		}
		for kind, n := range v.Redactions {
			res.Redactions[kind] += n
			if p.metrics != nil {
				p.metrics.FilterRedactions.WithLabelValues(kind).Add(float64(n))
			}
		}
		if v.Message != nil {
			msg = v.Message
		}
	}

	if !changed {
		// Nothing rewrote the message; keep the submitter's exact bytes.
		res.Payload = payload
		return res
	}

	// The routing envelope is off limits to rewriting: a masked or
	// truncated id would orphan the response correlation. Blocking
	// filters still scan those fields.
	if out, ok := msg.(jsontree.Object); ok {
		if in, ok := orig.(jsontree.Object); ok {
			for _, k := range [...]string{"jsonrpc", "id", "method"} {
				if v, present := in[k]; present {
					out[k] = v
				}
			}
		}
	}

	encoded, err := jsontree.Encode(msg)
	if err != nil {
		p.log.Error("filter.encode.fail", slog.String("err", err.Error()))
		res.Payload = payload
		return res
	}
	res.Payload = encoded
	return res
}

// applyOne runs a single filter with fault isolation: a panicking filter is
// logged and treated as a pass-through. Filters that want fail-closed
// behavior must catch their own faults and return a block.
func (p *Pipeline) applyOne(f Filter, d Direction, sessionID string, msg jsontree.Value) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("filter.fault",
				slog.String("filter", f.Name()),
				slog.String("direction", string(d)),
				slog.Any("panic", r),
			)
			p.recordFault(f.Name())
			v = pass(msg)
		}
	}()
	return f.Apply(d, sessionID, msg)
}

func (p *Pipeline) record(name string, d Direction, v Verdict) {
	p.statsMu.Lock()
	st, ok := p.stats[name]
	if !ok {
		st = &Stats{}
		p.stats[name] = st
	}
	st.Processed++
	if v.Blocked {
		st.Blocked++
	}
	p.statsMu.Unlock()

	if p.metrics != nil {
		p.metrics.FilterProcessed.WithLabelValues(name, string(d)).Inc()
		if v.Blocked {
			p.metrics.FilterBlocked.WithLabelValues(name, string(d)).Inc()
		}
	}
}

func (p *Pipeline) recordFault(name string) {
	p.statsMu.Lock()
	st, ok := p.stats[name]
	if !ok {
		st = &Stats{}
		p.stats[name] = st
	}
	st.Faults++
	p.statsMu.Unlock()

	if p.metrics != nil {
		p.metrics.FilterFaults.WithLabelValues(name).Inc()
	}
}

func (p *Pipeline) recordCache(hit bool) {
	p.statsMu.Lock()
	if hit {
		p.hits++
	} else {
		p.misses++
	}
	p.statsMu.Unlock()

	if p.metrics != nil {
		if hit {
			p.metrics.CacheHits.Inc()
		} else {
			p.metrics.CacheMisses.Inc()
		}
	}
}

// MetricsSnapshot is the control-surface view of pipeline counters.
type MetricsSnapshot struct {
	Filters     map[string]Stats `json:"filters"`
	CacheHits   uint64           `json:"cacheHits"`
	CacheMisses uint64           `json:"cacheMisses"`
	CacheSize   int              `json:"cacheSize"`
}

// Metrics returns a point-in-time copy of the pipeline counters.
func (p *Pipeline) Metrics() MetricsSnapshot {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	out := MetricsSnapshot{
		Filters:     make(map[string]Stats, len(p.stats)),
		CacheHits:   p.hits,
		CacheMisses: p.misses,
		CacheSize:   p.cache.Len(),
	}
	names := make([]string, 0, len(p.stats))
	for name := range p.stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out.Filters[name] = *p.stats[name]
	}
	return out
}
