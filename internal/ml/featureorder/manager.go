package featureorder

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"signal-stack/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

// Store persists the canonical feature-order record across the train/serve
// boundary. LoadOrder returns (nil, nil) when no record exists yet.
type Store interface {
	SaveOrder(ctx context.Context, record domain.FeatureOrderRecord) error
	LoadOrder(ctx context.Context) (*domain.FeatureOrderRecord, error)
}

// Manager owns the canonical ordered feature-name list. Gradient-boosted-tree
// inference is position-sensitive: a column-order mismatch produces plausible
// but wrong probabilities with no error, so every predict call goes through
// this manager. The persisted order is loaded once and cached until a retrain
// invalidates it.
type Manager struct {
	tracer trace.Tracer
	store  Store

	mu     sync.RWMutex
	cached []string
	loaded bool
}

func NewManager(tracer trace.Tracer, store Store) *Manager {
	return &Manager{tracer: tracer, store: store}
}

// SaveOrder persists names as the new canonical order, overwriting any
// previous record, and refreshes the in-memory cache.
func (m *Manager) SaveOrder(ctx context.Context, names []string) error {
	ctx, span := m.tracer.Start(ctx, "feature-order.save")
	defer span.End()

	record := domain.FeatureOrderRecord{
		FeatureOrder: append([]string(nil), names...),
		NumFeatures:  len(names),
		Timestamp:    time.Now().UTC(),
	}
	if err := m.store.SaveOrder(ctx, record); err != nil {
		return err
	}
	m.mu.Lock()
	m.cached = record.FeatureOrder
	m.loaded = true
	m.mu.Unlock()
	return nil
}

// LoadOrder returns the canonical order, reading the store at most once per
// cache lifetime. A nil slice with nil error means no order has been saved.
func (m *Manager) LoadOrder(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	if m.loaded {
		cached := m.cached
		m.mu.RUnlock()
		return cached, nil
	}
	m.mu.RUnlock()

	ctx, span := m.tracer.Start(ctx, "feature-order.load")
	defer span.End()

	record, err := m.store.LoadOrder(ctx)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if record == nil {
		m.cached = nil
	} else {
		m.cached = append([]string(nil), record.FeatureOrder...)
	}
	m.loaded = true
	return m.cached, nil
}

// Invalidate drops the cached order so the next LoadOrder re-reads the store.
// Called after every retrain.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.loaded = false
	m.mu.Unlock()
}

// Align reconciles the current feature names against a reference order:
// reference features present in current keep their reference position,
// reference features absent from current are dropped, and current-only
// features are appended in lexicographic order. With no reference the current
// order is returned unchanged.
func Align(current, reference []string) []string {
	if len(reference) == 0 {
		return append([]string(nil), current...)
	}
	currentSet := make(map[string]struct{}, len(current))
	for _, name := range current {
		currentSet[name] = struct{}{}
	}
	referenceSet := make(map[string]struct{}, len(reference))
	out := make([]string, 0, len(current))
	for _, name := range reference {
		referenceSet[name] = struct{}{}
		if _, ok := currentSet[name]; ok {
			out = append(out, name)
		} else {
			log.Printf("feature order: reference feature %q missing from current set, dropped", name)
		}
	}
	unseen := make([]string, 0)
	for _, name := range current {
		if _, ok := referenceSet[name]; !ok {
			unseen = append(unseen, name)
		}
	}
	if len(unseen) > 0 {
		sort.Strings(unseen)
		log.Printf("feature order: schema drift, %d unseen feature(s) appended: %v", len(unseen), unseen)
		out = append(out, unseen...)
	}
	return out
}

// Mismatch describes the first point of divergence between two orders.
type Mismatch struct {
	Position int
	Missing  []string
	Extra    []string
}

// Validate returns true only when predictNames matches trainNames exactly in
// order and cardinality. On mismatch the report carries the first differing
// position and the missing/extra name sets.
func Validate(trainNames, predictNames []string) (bool, *Mismatch) {
	equal := len(trainNames) == len(predictNames)
	firstDiff := -1
	limit := len(trainNames)
	if len(predictNames) < limit {
		limit = len(predictNames)
	}
	for i := 0; i < limit; i++ {
		if trainNames[i] != predictNames[i] {
			equal = false
			firstDiff = i
			break
		}
	}
	if equal {
		return true, nil
	}
	if firstDiff == -1 {
		firstDiff = limit
	}
	return false, &Mismatch{
		Position: firstDiff,
		Missing:  difference(trainNames, predictNames),
		Extra:    difference(predictNames, trainNames),
	}
}

// Vectorize projects a named feature vector onto the canonical order. Missing
// trained features are filled with a neutral zero (logged as a warning), extra
// features are dropped. The returned slice always has len(order).
func Vectorize(features domain.FeatureVector, order []string) (values []float64, missing []string, extra []string) {
	values = make([]float64, len(order))
	seen := make(map[string]struct{}, len(order))
	for i, name := range order {
		seen[name] = struct{}{}
		v, ok := features[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		values[i] = v
	}
	for name := range features {
		if _, ok := seen[name]; !ok {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	if len(missing) > 0 {
		log.Printf("feature order: %d trained feature(s) missing at predict, zero-filled: %v", len(missing), missing)
	}
	return values, missing, extra
}

func difference(a, b []string) []string {
	inB := make(map[string]struct{}, len(b))
	for _, name := range b {
		inB[name] = struct{}{}
	}
	var out []string
	for _, name := range a {
		if _, ok := inB[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
