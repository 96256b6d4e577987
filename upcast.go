package stoat

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Provenance keys stamped into Metadata.Custom by EventVersioningManager.
const (
	MetadataUpcastedFrom = "upcasted_from"
	MetadataUpcastPath   = "upcast_path"
)

// ErrInvalidUpcaster is returned when registering a malformed upcaster.
var ErrInvalidUpcaster = errors.New("stoat: invalid upcaster")

// Upcaster transforms the payload of one event type from one schema version
// to a later one. Upcasters must be pure.
type Upcaster interface {
	EventType() string
	FromVersion() int
	ToVersion() int

	// Priority breaks ties between chains of equal length; higher wins.
	Priority() int

	Upcast(payload map[string]interface{}) (map[string]interface{}, error)
}

// UpcastFunc is a payload transform.
type UpcastFunc func(payload map[string]interface{}) (map[string]interface{}, error)

type funcUpcaster struct {
	eventType string
	from, to  int
	priority  int
	fn        UpcastFunc
}

func (u *funcUpcaster) EventType() string { return u.eventType }
func (u *funcUpcaster) FromVersion() int  { return u.from }
func (u *funcUpcaster) ToVersion() int    { return u.to }
func (u *funcUpcaster) Priority() int     { return u.priority }

func (u *funcUpcaster) Upcast(payload map[string]interface{}) (map[string]interface{}, error) {
	return u.fn(payload)
}

// UpcasterOption configures an upcaster created by NewUpcaster.
type UpcasterOption func(*funcUpcaster)

// WithPriority sets the upcaster priority. Default is 0.
func WithPriority(p int) UpcasterOption {
	return func(u *funcUpcaster) {
		u.priority = p
	}
}

// NewUpcaster creates an upcaster from a function.
func NewUpcaster(eventType string, from, to int, fn UpcastFunc, opts ...UpcasterOption) Upcaster {
	u := &funcUpcaster{eventType: eventType, from: from, to: to, fn: fn}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type chainKey struct {
	eventType string
	from      int
}

// EventVersioningManager upgrades stored event payloads to the latest known
// schema of their type. Chains are built on first use and cached until the
// next registration.
type EventVersioningManager struct {
	mu        sync.RWMutex
	upcasters map[string][]Upcaster
	chains    map[chainKey][]Upcaster
	logger    Logger
}

// VersioningOption configures an EventVersioningManager.
type VersioningOption func(*EventVersioningManager)

// WithVersioningLogger sets the logger.
func WithVersioningLogger(l Logger) VersioningOption {
	return func(m *EventVersioningManager) {
		m.logger = orNoop(l)
	}
}

// NewEventVersioningManager creates a manager with no upcasters.
func NewEventVersioningManager(opts ...VersioningOption) *EventVersioningManager {
	m := &EventVersioningManager{
		upcasters: make(map[string][]Upcaster),
		chains:    make(map[chainKey][]Upcaster),
		logger:    &noopLogger{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds upcasters. Duplicates are accepted here and reported by
// ValidateUpcastChains.
func (m *EventVersioningManager) Register(upcasters ...Upcaster) error {
	for _, u := range upcasters {
		if u == nil || u.EventType() == "" {
			return fmt.Errorf("%w: missing event type", ErrInvalidUpcaster)
		}
		if u.FromVersion() < 1 || u.ToVersion() <= u.FromVersion() {
			return fmt.Errorf("%w: %s v%d->v%d", ErrInvalidUpcaster, u.EventType(), u.FromVersion(), u.ToVersion())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range upcasters {
		m.upcasters[u.EventType()] = append(m.upcasters[u.EventType()], u)
	}
	m.chains = make(map[chainKey][]Upcaster)
	return nil
}

// LatestVersion returns the highest schema version any upcaster produces for
// eventType, or 1 when the type has no upcasters.
func (m *EventVersioningManager) LatestVersion(eventType string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return latestVersion(m.upcasters[eventType])
}

func latestVersion(upcasters []Upcaster) int {
	latest := 1
	for _, u := range upcasters {
		if u.ToVersion() > latest {
			latest = u.ToVersion()
		}
	}
	return latest
}

// UpcastEvent returns e with its payload upgraded to the latest reachable
// schema version. The original event is not modified. Events already at or
// beyond the latest version are returned unchanged.
func (m *EventVersioningManager) UpcastEvent(e DomainEvent) (DomainEvent, error) {
	from := e.SchemaVersion
	if from < 1 {
		from = 1
	}
	chain := m.chain(e.EventType, from)
	if len(chain) == 0 {
		return e, nil
	}

	payload := maps.Clone(e.Payload)
	path := make([]string, 0, len(chain)+1)
	path = append(path, strconv.Itoa(from))
	for _, u := range chain {
		next, err := u.Upcast(payload)
		if err != nil {
			return e, NewSerializationError(e.EventType,
				fmt.Sprintf("upcast v%d->v%d", u.FromVersion(), u.ToVersion()), err)
		}
		payload = next
		path = append(path, strconv.Itoa(u.ToVersion()))
	}

	out := e
	out.Payload = payload
	out.SchemaVersion = chain[len(chain)-1].ToVersion()
	out.Metadata = e.Metadata.
		WithCustom(MetadataUpcastedFrom, strconv.Itoa(from)).
		WithCustom(MetadataUpcastPath, strings.Join(path, "->"))
	return out, nil
}

// UpcastEvents upcasts every event, stopping at the first failure.
func (m *EventVersioningManager) UpcastEvents(events []DomainEvent) ([]DomainEvent, error) {
	out := make([]DomainEvent, len(events))
	for i, e := range events {
		up, err := m.UpcastEvent(e)
		if err != nil {
			return nil, err
		}
		out[i] = up
	}
	return out, nil
}

func (m *EventVersioningManager) chain(eventType string, from int) []Upcaster {
	key := chainKey{eventType: eventType, from: from}

	m.mu.RLock()
	chain, ok := m.chains[key]
	m.mu.RUnlock()
	if ok {
		return chain
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if chain, ok := m.chains[key]; ok {
		return chain
	}

	upcasters := m.upcasters[eventType]
	chain, reached := buildChain(upcasters, from)
	if latest := latestVersion(upcasters); reached < latest && from < latest {
		m.logger.Warn("Upcast chain incomplete, stopping at last reachable version",
			"event_type", eventType,
			"from_version", from,
			"reached_version", reached,
			"latest_version", latest,
		)
	}
	m.chains[key] = chain
	return chain
}

// buildChain finds the shortest chain from version from towards the highest
// reachable version. Among chains of equal length the one whose first
// differing hop has the higher priority wins, then the larger jump, then
// the earlier registration.
func buildChain(upcasters []Upcaster, from int) ([]Upcaster, int) {
	edges := make(map[int][]Upcaster)
	for _, u := range upcasters {
		edges[u.FromVersion()] = append(edges[u.FromVersion()], u)
	}
	for v := range edges {
		sort.SliceStable(edges[v], func(i, j int) bool {
			a, b := edges[v][i], edges[v][j]
			if a.Priority() != b.Priority() {
				return a.Priority() > b.Priority()
			}
			return a.ToVersion() > b.ToVersion()
		})
	}

	via := map[int]Upcaster{}
	visited := map[int]bool{from: true}
	queue := []int{from}
	reached := from
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		if v > reached {
			reached = v
		}
		for _, u := range edges[v] {
			to := u.ToVersion()
			if visited[to] {
				continue
			}
			visited[to] = true
			via[to] = u
			queue = append(queue, to)
		}
	}

	var chain []Upcaster
	for v := reached; v != from; {
		u := via[v]
		chain = append(chain, u)
		v = u.FromVersion()
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, reached
}

// UpcastGap is a schema version that cannot be upcast to the latest version.
type UpcastGap struct {
	EventType      string
	FromVersion    int
	ReachedVersion int
	LatestVersion  int
}

// UpcastDuplicate is a (from, to) pair registered more than once.
type UpcastDuplicate struct {
	EventType   string
	FromVersion int
	ToVersion   int
	Count       int
}

// UpcastReport is the result of ValidateUpcastChains.
type UpcastReport struct {
	Gaps       []UpcastGap
	Duplicates []UpcastDuplicate
}

// Valid reports whether the report has no findings.
func (r UpcastReport) Valid() bool {
	return len(r.Gaps) == 0 && len(r.Duplicates) == 0
}

// Err returns the findings as one error, or nil.
func (r UpcastReport) Err() error {
	var errs []error
	for _, g := range r.Gaps {
		errs = append(errs, fmt.Errorf("stoat: %s v%d cannot be upcast past v%d (latest v%d)",
			g.EventType, g.FromVersion, g.ReachedVersion, g.LatestVersion))
	}
	for _, d := range r.Duplicates {
		errs = append(errs, fmt.Errorf("stoat: %s v%d->v%d registered %d times",
			d.EventType, d.FromVersion, d.ToVersion, d.Count))
	}
	return errors.Join(errs...)
}

// ValidateUpcastChains checks that every known schema version of every event
// type reaches the latest version and that no (from, to) pair is registered
// twice. Known versions are 1 and every version an upcaster mentions.
func (m *EventVersioningManager) ValidateUpcastChains() UpcastReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	types := make([]string, 0, len(m.upcasters))
	for t := range m.upcasters {
		types = append(types, t)
	}
	sort.Strings(types)

	var report UpcastReport
	for _, t := range types {
		upcasters := m.upcasters[t]
		latest := latestVersion(upcasters)

		known := map[int]bool{1: true}
		pairs := map[[2]int]int{}
		for _, u := range upcasters {
			known[u.FromVersion()] = true
			known[u.ToVersion()] = true
			pairs[[2]int{u.FromVersion(), u.ToVersion()}]++
		}

		versions := make([]int, 0, len(known))
		for v := range known {
			versions = append(versions, v)
		}
		sort.Ints(versions)
		for _, v := range versions {
			if v >= latest {
				continue
			}
			if _, reached := buildChain(upcasters, v); reached < latest {
				report.Gaps = append(report.Gaps, UpcastGap{
					EventType:      t,
					FromVersion:    v,
					ReachedVersion: reached,
					LatestVersion:  latest,
				})
			}
		}

		dupKeys := make([][2]int, 0)
		for pair, n := range pairs {
			if n > 1 {
				dupKeys = append(dupKeys, pair)
			}
		}
		sort.Slice(dupKeys, func(i, j int) bool {
			if dupKeys[i][0] != dupKeys[j][0] {
				return dupKeys[i][0] < dupKeys[j][0]
			}
			return dupKeys[i][1] < dupKeys[j][1]
		})
		for _, pair := range dupKeys {
			report.Duplicates = append(report.Duplicates, UpcastDuplicate{
				EventType:   t,
				FromVersion: pair[0],
				ToVersion:   pair[1],
				Count:       pairs[pair],
			})
		}
	}
	return report
}

// MustValidate panics if ValidateUpcastChains reports any finding.
// Call it once at startup after registering upcasters.
func (m *EventVersioningManager) MustValidate() {
	if err := m.ValidateUpcastChains().Err(); err != nil {
		panic(err)
	}
}
