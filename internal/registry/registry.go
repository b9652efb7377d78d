// Package registry holds the target catalog: which sites exist, whether they
// are active, and which DocumentFinder serves each one.
package registry

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/noah-vh/bylaw-mgmt-sub000/internal/crawler"
)

// File is the on-disk shape of the targets catalog.
type File struct {
	Targets []crawler.Target `yaml:"targets"`
}

type entry struct {
	target crawler.Target
	finder crawler.DocumentFinder
}

type snapshot struct {
	byID  map[int]entry
	order []int
}

// Registry is read-only after Load. A reload swaps the whole snapshot, so
// readers never lock.
type Registry struct {
	factories map[string]crawler.FinderFactory
	logger    *zap.Logger
	current   atomic.Pointer[snapshot]
}

// New constructs an empty Registry resolving FinderRef values against
// factories.
func New(factories map[string]crawler.FinderFactory, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{factories: factories, logger: logger}
	r.current.Store(&snapshot{byID: map[int]entry{}})
	return r
}

// LoadFile reads a YAML catalog from disk and loads it.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read targets file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse targets file: %w", err)
	}
	return r.Load(f.Targets)
}

// Load replaces the catalog. Targets whose finder cannot be resolved or fails
// its own validation are kept but marked inactive.
func (r *Registry) Load(targets []crawler.Target) error {
	next := &snapshot{byID: make(map[int]entry, len(targets))}
	for _, t := range targets {
		if t.ID <= 0 {
			return fmt.Errorf("target %q: id must be > 0", t.Name)
		}
		if _, dup := next.byID[t.ID]; dup {
			return fmt.Errorf("duplicate target id %d", t.ID)
		}
		finder, err := r.resolve(t)
		if err != nil {
			if t.Active {
				r.logger.Warn("target finder unresolved; marking inactive",
					zap.Int("target_id", t.ID),
					zap.String("target", t.Name),
					zap.String("finder", t.FinderRef),
					zap.Error(err),
				)
			}
			t.Active = false
		}
		if t.Active && len(t.EntryURLs) == 0 {
			r.logger.Warn("target has no entry urls; marking inactive", zap.Int("target_id", t.ID))
			t.Active = false
		}
		next.byID[t.ID] = entry{target: t, finder: finder}
		next.order = append(next.order, t.ID)
	}
	sort.Ints(next.order)
	r.current.Store(next)
	r.logger.Info("targets loaded", zap.Int("total", len(next.order)), zap.Int("active", len(r.Active())))
	return nil
}

func (r *Registry) resolve(t crawler.Target) (crawler.DocumentFinder, error) {
	factory, ok := r.factories[t.FinderRef]
	if !ok {
		return nil, fmt.Errorf("unknown finder %q: %w", t.FinderRef, crawler.ErrNotRetryable)
	}
	finder, err := factory(t)
	if err != nil {
		return nil, fmt.Errorf("build finder %q: %w", t.FinderRef, err)
	}
	if finder == nil {
		return nil, fmt.Errorf("finder %q returned nil: %w", t.FinderRef, crawler.ErrNotRetryable)
	}
	if v, ok := finder.(crawler.FinderValidator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("validate finder %q: %w", t.FinderRef, err)
		}
	}
	return finder, nil
}

// Get returns a registered target, active or not.
func (r *Registry) Get(id int) (crawler.Target, bool) {
	e, ok := r.current.Load().byID[id]
	return e.target, ok
}

// Finder returns the resolved finder for an active target.
func (r *Registry) Finder(id int) (crawler.DocumentFinder, error) {
	e, ok := r.current.Load().byID[id]
	if !ok {
		return nil, fmt.Errorf("target %d: %w", id, crawler.ErrNotFound)
	}
	if !e.target.Active || e.finder == nil {
		return nil, fmt.Errorf("target %d inactive: %w", id, crawler.ErrNotRetryable)
	}
	return e.finder, nil
}

// List returns every registered target ordered by id.
func (r *Registry) List() []crawler.Target {
	snap := r.current.Load()
	out := make([]crawler.Target, 0, len(snap.order))
	for _, id := range snap.order {
		out = append(out, snap.byID[id].target)
	}
	return out
}

// Active returns active targets, highest priority first, ties by id.
func (r *Registry) Active() []crawler.Target {
	var out []crawler.Target
	for _, t := range r.List() {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveIDs returns the ids of Active in the same order.
func (r *Registry) ActiveIDs() []int {
	active := r.Active()
	ids := make([]int, 0, len(active))
	for _, t := range active {
		ids = append(ids, t.ID)
	}
	return ids
}

// Validate keeps the ids that are registered and active, in input order and
// without duplicates. Dropped ids are logged.
func (r *Registry) Validate(ids []int) []int {
	snap := r.current.Load()
	seen := make(map[int]struct{}, len(ids))
	valid := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		e, ok := snap.byID[id]
		switch {
		case !ok:
			r.logger.Warn("dropping unknown target", zap.Int("target_id", id))
		case !e.target.Active:
			r.logger.Warn("dropping inactive target", zap.Int("target_id", id), zap.String("target", e.target.Name))
		default:
			valid = append(valid, id)
		}
	}
	return valid
}

// ParseSelection resolves a selection expression into a sorted id set.
// Tokens are comma separated: "all", a numeric id, an "a-b" range, or a
// target name matched case-insensitively. Unknown tokens are logged and
// skipped.
func (r *Registry) ParseSelection(expr string) []int {
	snap := r.current.Load()
	set := make(map[int]struct{})
	for _, raw := range strings.Split(expr, ",") {
		token := strings.TrimSpace(raw)
		if token == "" {
			continue
		}
		if strings.EqualFold(token, "all") {
			for _, id := range r.ActiveIDs() {
				set[id] = struct{}{}
			}
			continue
		}
		if id, err := strconv.Atoi(token); err == nil {
			if _, ok := snap.byID[id]; ok {
				set[id] = struct{}{}
			} else {
				r.logger.Warn("selection: unknown target id", zap.String("token", token))
			}
			continue
		}
		if lo, hi, ok := parseRange(token); ok {
			matched := false
			for _, id := range snap.order {
				if lo <= id && id <= hi {
					set[id] = struct{}{}
					matched = true
				}
			}
			if !matched {
				r.logger.Warn("selection: empty range", zap.String("token", token))
			}
			continue
		}
		if id, ok := snap.byName(token); ok {
			set[id] = struct{}{}
			continue
		}
		r.logger.Warn("selection: unrecognized token", zap.String("token", token))
	}
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *snapshot) byName(name string) (int, bool) {
	for _, id := range s.order {
		if strings.EqualFold(s.byID[id].target.Name, name) {
			return id, true
		}
	}
	return 0, false
}

func parseRange(token string) (int, int, bool) {
	left, right, ok := strings.Cut(token, "-")
	if !ok {
		return 0, 0, false
	}
	lo, err := strconv.Atoi(strings.TrimSpace(left))
	if err != nil {
		return 0, 0, false
	}
	hi, err := strconv.Atoi(strings.TrimSpace(right))
	if err != nil {
		return 0, 0, false
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return lo, hi, true
}
