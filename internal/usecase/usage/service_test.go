package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/iszyzyzzy/traffic-middleware/internal/domain"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/quota"
	"github.com/iszyzyzzy/traffic-middleware/internal/domain/unit"
	logpkg "github.com/iszyzyzzy/traffic-middleware/internal/logger"
)

// --- Mocks ---

type increase struct {
	value float64
	ok    bool
	err   error
}

type mockSource struct {
	mu        sync.Mutex
	instances []string
	listErr   error
	increases map[string]increase
	windows   map[string]int64
	block     bool // wait for ctx cancellation on instances without an entry
}

func (m *mockSource) ListInstances(_ context.Context) ([]string, error) {
	return m.instances, m.listErr
}

func (m *mockSource) CounterIncrease(ctx context.Context, instance string, window int64) (float64, bool, error) {
	m.mu.Lock()
	if m.windows == nil {
		m.windows = make(map[string]int64)
	}
	m.windows[instance] = window
	inc, found := m.increases[instance]
	m.mu.Unlock()

	if !found && m.block {
		<-ctx.Done()
		return 0, false, fmt.Errorf("query %s: %w", instance, ctx.Err())
	}
	return inc.value, inc.ok, inc.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTable(t *testing.T, limits map[string]quota.Limit) *quota.Table {
	t.Helper()
	return quota.NewTable(limits, unit.Decimal)
}

func mustLimit(t *testing.T, day int, bytes uint64) quota.Limit {
	t.Helper()
	l, err := quota.New(day, bytes)
	if err != nil {
		t.Fatalf("quota.New: %v", err)
	}
	return l
}

// --- Tests ---

func TestCollect(t *testing.T) {
	src := &mockSource{
		instances: []string{"A", "B"},
		increases: map[string]increase{
			"A": {value: 250, ok: true},
			"B": {value: 500, ok: true},
		},
	}
	table := newTable(t, map[string]quota.Limit{"A": mustLimit(t, 1, 1000)})
	svc := New(src, table).WithClock(fixedClock(time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)))

	report, err := svc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if len(report) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(report))
	}
	if a := report["A"]; a.Value != 250 || a.Limit != 1000 {
		t.Errorf("A = %+v, want {250 1000}", a)
	}
	fallback := quota.Fallback(unit.Decimal).Bytes()
	if b := report["B"]; b.Value != 500 || b.Limit != fallback {
		t.Errorf("B = %+v, want {500 %d}", b, fallback)
	}
}

func TestPercentages(t *testing.T) {
	src := &mockSource{
		instances: []string{"A", "B"},
		increases: map[string]increase{
			"A": {value: 250, ok: true},
			"B": {value: 500, ok: true},
		},
	}
	table := newTable(t, map[string]quota.Limit{"A": mustLimit(t, 1, 1000)})
	svc := New(src, table)

	p, err := svc.Percentages(context.Background())
	if err != nil {
		t.Fatalf("Percentages: %v", err)
	}
	if p["A"] != 25 {
		t.Errorf("A = %f, want 25", p["A"])
	}
	if p["B"] <= 0 || p["B"] > 1e-9 {
		t.Errorf("B = %g, want near zero", p["B"])
	}
}

func TestCollect_OmitsInstancesWithoutData(t *testing.T) {
	src := &mockSource{
		instances: []string{"A", "C"},
		increases: map[string]increase{
			"A": {value: 10, ok: true},
			"C": {ok: false},
		},
	}
	svc := New(src, newTable(t, nil))

	report, err := svc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if _, ok := report["C"]; ok {
		t.Error("instance without data must not appear in the report")
	}
	if _, ok := report["A"]; !ok {
		t.Error("instance A missing")
	}
}

func TestCollect_NoInstances(t *testing.T) {
	svc := New(&mockSource{}, newTable(t, nil))

	report, err := svc.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report == nil || len(report) != 0 {
		t.Errorf("expected empty non-nil report, got %v", report)
	}
}

func TestCollect_ListError(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused: %w", domain.ErrBackendUnavailable)
	svc := New(&mockSource{listErr: cause}, newTable(t, nil))

	report, err := svc.Collect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report != nil {
		t.Errorf("expected nil report, got %v", report)
	}

	var ae *domain.AggregationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AggregationError, got %T", err)
	}
	if ae.Instance != "" {
		t.Errorf("Instance = %q, want empty", ae.Instance)
	}
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Error("expected ErrBackendUnavailable in chain")
	}
}

func TestCollect_InstanceErrorFailsWholeReport(t *testing.T) {
	src := &mockSource{
		instances: []string{"A", "B", "C"},
		increases: map[string]increase{
			"A": {value: 1, ok: true},
			"B": {err: fmt.Errorf("timeout: %w", domain.ErrBackendUnavailable)},
			"C": {value: 3, ok: true},
		},
	}
	svc := New(src, newTable(t, nil))

	report, err := svc.Collect(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if report != nil {
		t.Errorf("partial report must not be returned, got %v", report)
	}

	var ae *domain.AggregationError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *AggregationError, got %T", err)
	}
	if ae.Instance != "B" {
		t.Errorf("Instance = %q, want B", ae.Instance)
	}
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Error("expected ErrBackendUnavailable in chain")
	}

	if _, err := svc.Percentages(context.Background()); err == nil {
		t.Error("Percentages should fail too")
	}
}

func TestCollect_ErrorCancelsPendingQueries(t *testing.T) {
	src := &mockSource{
		instances: []string{"fail", "slow-1", "slow-2"},
		increases: map[string]increase{
			"fail": {err: domain.ErrBackendUnavailable},
		},
		block: true,
	}
	svc := New(src, newTable(t, nil)).WithConcurrency(3)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Collect(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		var ae *domain.AggregationError
		if !errors.As(err, &ae) || ae.Instance != "fail" {
			t.Errorf("expected failure for instance 'fail', got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Collect did not cancel pending queries")
	}
}

func TestCollect_ContextCancelled(t *testing.T) {
	src := &mockSource{instances: []string{"A"}, block: true}
	svc := New(src, newTable(t, nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.Collect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestCollect_WindowFromResetDay(t *testing.T) {
	src := &mockSource{
		instances: []string{"A", "B"},
		increases: map[string]increase{
			"A": {value: 1, ok: true},
			"B": {value: 1, ok: true},
		},
	}
	table := newTable(t, map[string]quota.Limit{"A": mustLimit(t, 20, 1000)})
	now := time.Date(2024, 3, 15, 6, 0, 0, 0, time.UTC)
	svc := New(src, table).WithClock(fixedClock(now)).WithLocation(time.UTC)

	if _, err := svc.Collect(context.Background()); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	// A: since 2024-02-20 00:00 (15 < 20, previous month).
	wantA := int64(now.Sub(time.Date(2024, 2, 20, 0, 0, 0, 0, time.UTC)).Seconds())
	if src.windows["A"] != wantA {
		t.Errorf("window A = %d, want %d", src.windows["A"], wantA)
	}
	// B: fallback resets on the 1st.
	wantB := int64(now.Sub(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)).Seconds())
	if src.windows["B"] != wantB {
		t.Errorf("window B = %d, want %d", src.windows["B"], wantB)
	}
}

func TestCollect_UsesConfiguredLocation(t *testing.T) {
	src := &mockSource{
		instances: []string{"A"},
		increases: map[string]increase{"A": {value: 1, ok: true}},
	}
	loc := time.FixedZone("UTC+8", 8*3600)
	// 2024-03-31 20:00 UTC is already April 1st in UTC+8.
	now := time.Date(2024, 3, 31, 20, 0, 0, 0, time.UTC)
	svc := New(src, newTable(t, nil)).WithClock(fixedClock(now)).WithLocation(loc)

	if _, err := svc.Collect(context.Background()); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if src.windows["A"] != 4*3600 {
		t.Errorf("window = %d, want %d", src.windows["A"], 4*3600)
	}
}

func TestOptions_IgnoreZeroValues(t *testing.T) {
	svc := New(&mockSource{}, newTable(t, nil)).
		WithClock(nil).
		WithLocation(nil).
		WithConcurrency(0)

	if svc.now == nil || svc.location == nil {
		t.Error("nil options must keep defaults")
	}
	if svc.concurrency != defaultConcurrency {
		t.Errorf("concurrency = %d, want %d", svc.concurrency, defaultConcurrency)
	}
}

func TestCollect_Logs(t *testing.T) {
	src := &mockSource{
		instances: []string{"A", "B"},
		increases: map[string]increase{
			"A": {value: 250, ok: true},
			"B": {value: 500, ok: true},
		},
	}
	table := newTable(t, map[string]quota.Limit{"A": mustLimit(t, 1, 1000)})
	svc := New(src, table)

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logpkg.ContextWithLogger(context.Background(), zap.New(core))

	if _, err := svc.Collect(ctx); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	fallback := map[string]bool{}
	for _, e := range logs.FilterMessage("instance usage").All() {
		m := e.ContextMap()
		inst, _ := m["instance"].(string)
		fb, _ := m["fallback"].(bool)
		fallback[inst] = fb
	}
	if len(fallback) != 2 {
		t.Fatalf("expected per-instance entries for A and B, got %v", fallback)
	}
	if fallback["A"] {
		t.Error("A has a configured limit, fallback should be false")
	}
	if !fallback["B"] {
		t.Error("B is unconfigured, fallback should be true")
	}

	summary := logs.FilterMessage("usage collected").All()
	if len(summary) != 1 {
		t.Fatalf("expected 1 summary entry, got %d", len(summary))
	}
	if summary[0].Level != zapcore.InfoLevel {
		t.Errorf("summary level = %s, want info", summary[0].Level)
	}
}
