package saga

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type stepArgs struct {
	Value int `json:"value"`
}

type stepLog struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	calls := make([]string, len(r.calls))
	copy(calls, r.calls)
	return calls
}

func (r *recorder) count(prefix string) int {
	n := 0
	for _, call := range r.Calls() {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type stubActivity struct {
	name       string
	rec        *recorder
	execute    func(exec *ExecuteContext[stepArgs]) (ExecutionResult, error)
	compensate func(comp *CompensateContext[stepLog]) (CompensationResult, error)
}

func (a *stubActivity) Execute(_ context.Context, exec *ExecuteContext[stepArgs]) (ExecutionResult, error) {
	a.rec.record("execute:" + a.name)
	if a.execute != nil {
		return a.execute(exec)
	}
	return exec.Completed(WithLog(stepLog{Name: a.name, Value: exec.Arguments().Value})), nil
}

func (a *stubActivity) Compensate(_ context.Context, comp *CompensateContext[stepLog]) (CompensationResult, error) {
	a.rec.record("compensate:" + a.name)
	if a.compensate != nil {
		return a.compensate(comp)
	}
	return comp.Compensated(), nil
}

type executeOnlyStub struct {
	name    string
	rec     *recorder
	execute func(exec *ExecuteContext[stepArgs]) (ExecutionResult, error)
}

func (a *executeOnlyStub) Execute(_ context.Context, exec *ExecuteContext[stepArgs]) (ExecutionResult, error) {
	a.rec.record("execute:" + a.name)
	if a.execute != nil {
		return a.execute(exec)
	}
	return exec.Completed(), nil
}

type fixture struct {
	t        *testing.T
	rec      *recorder
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	return &fixture{t: t, rec: &recorder{}, registry: NewRegistry()}
}

func (f *fixture) compensable(name string, configure ...func(*stubActivity)) {
	err := RegisterCompensable(f.registry, name, func() Activity[stepArgs, stepLog] {
		a := &stubActivity{name: name, rec: f.rec}
		for _, c := range configure {
			c(a)
		}
		return a
	})
	require.NoError(f.t, err)
}

func (f *fixture) executeOnly(name string, configure ...func(*executeOnlyStub)) {
	err := Register(f.registry, name, func() ExecuteActivity[stepArgs] {
		a := &executeOnlyStub{name: name, rec: f.rec}
		for _, c := range configure {
			c(a)
		}
		return a
	})
	require.NoError(f.t, err)
}

func (f *fixture) slip(names ...string) *RoutingSlip {
	b := NewRoutingSlipBuilder(TrackingNumber{})
	for i, name := range names {
		b.AddActivity(name, addressOf(name), stepArgs{Value: i + 1})
	}
	slip, err := b.Build()
	require.NoError(f.t, err)
	return slip
}

func addressOf(name string) string {
	return "loopback://" + name
}

func faults(a *stubActivity) {
	a.execute = func(exec *ExecuteContext[stepArgs]) (ExecutionResult, error) {
		return exec.Faulted(errBoom), nil
	}
}

func failsCompensation(a *stubActivity) {
	a.compensate = func(comp *CompensateContext[stepLog]) (CompensationResult, error) {
		return comp.Failed(errBoom), nil
	}
}

type boomError struct{}

func (boomError) Error() string { return "boom" }

var errBoom error = boomError{}

// mapStore is a minimal Store for engine and host tests.
type mapStore struct {
	mu    sync.Mutex
	slips map[TrackingNumber][]byte
	saves int
}

func newMapStore() *mapStore {
	return &mapStore{slips: make(map[TrackingNumber][]byte)}
}

func (s *mapStore) Save(_ context.Context, slip *RoutingSlip) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if data, ok := s.slips[slip.TrackingNumber()]; ok {
		stored, err := Unmarshal(data)
		if err != nil {
			return err
		}
		if stored.Version() >= slip.Version() {
			return ErrStaleRoutingSlip
		}
	}
	data, err := Marshal(slip)
	if err != nil {
		return err
	}
	s.slips[slip.TrackingNumber()] = data
	s.saves++
	return nil
}

func (s *mapStore) Load(_ context.Context, trackingNumber TrackingNumber) (*RoutingSlip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.slips[trackingNumber]
	if !ok {
		return nil, ErrRoutingSlipNotFound
	}
	return Unmarshal(data)
}

func (s *mapStore) FindByState(_ context.Context, state State) ([]*RoutingSlip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*RoutingSlip
	for _, data := range s.slips {
		slip, err := Unmarshal(data)
		if err != nil {
			return nil, err
		}
		if slip.State() == state {
			result = append(result, slip)
		}
	}
	return result, nil
}
