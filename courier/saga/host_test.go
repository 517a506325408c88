package saga

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	address string
	data    []byte
}

// queueTransport serializes every delivered slip like a real transport would.
type queueTransport struct {
	t     *testing.T
	queue []delivery
}

func (q *queueTransport) Deliver(_ context.Context, slip *RoutingSlip, address string) error {
	data, err := Marshal(slip)
	require.NoError(q.t, err)
	q.queue = append(q.queue, delivery{address: address, data: data})
	return nil
}

func (q *queueTransport) drain(ctx context.Context, hosts ...*ActivityHost) {
	for len(q.queue) > 0 {
		d := q.queue[0]
		q.queue = q.queue[1:]
		slip, err := Unmarshal(d.data)
		require.NoError(q.t, err)
		accepted := false
		for _, host := range hosts {
			ok, err := host.Accept(ctx, d.address, slip)
			require.NoError(q.t, err)
			accepted = accepted || ok
		}
		require.True(q.t, accepted, "no host for %s", d.address)
	}
}

func newHosts(engine *Engine, transport Transport, onTerminal TerminalHandler, names ...string) []*ActivityHost {
	hosts := make([]*ActivityHost, 0, len(names))
	for _, name := range names {
		hosts = append(hosts, NewActivityHost(addressOf(name), engine, transport, WithTerminalHandler(onTerminal)))
	}
	return hosts
}

func TestActivityHost_RoutesForwardAndBackward(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	f.compensable("c", faults)
	engine := NewEngine(f.registry)
	transport := &queueTransport{t: t}
	var finished []*RoutingSlip
	hosts := newHosts(engine, transport, func(_ context.Context, slip *RoutingSlip) error {
		finished = append(finished, slip)
		return nil
	}, "a", "b", "c")
	ctx := context.Background()

	require.NoError(t, engine.Launch(ctx, f.slip("a", "b", "c"), transport))
	transport.drain(ctx, hosts...)

	require.Len(t, finished, 1)
	assert.Equal(t, StateFaulted, finished[0].State())
	assert.Equal(t, []string{
		"execute:a", "execute:b", "execute:c",
		"compensate:b", "compensate:a",
	}, f.rec.Calls())
}

func TestActivityHost_CompletesAcrossHosts(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.executeOnly("b")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	transport := &queueTransport{t: t}
	var finished []*RoutingSlip
	hosts := newHosts(engine, transport, func(_ context.Context, slip *RoutingSlip) error {
		finished = append(finished, slip)
		return nil
	}, "a", "b")
	ctx := context.Background()
	slip := f.slip("a", "b")

	require.NoError(t, engine.Launch(ctx, slip, transport))
	transport.drain(ctx, hosts...)

	require.Len(t, finished, 1)
	assert.Equal(t, StateCompleted, finished[0].State())
	stored, err := store.Load(ctx, slip.TrackingNumber())
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, stored.State())
	assert.Len(t, stored.ActivityLogs(), 1)
}

func TestActivityHost_RepeatsHandOverForRedeliveredSlip(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	transport := &queueTransport{t: t}
	ctx := context.Background()
	host := NewActivityHost(addressOf("a"), engine, transport)

	require.NoError(t, engine.Launch(ctx, f.slip("a", "b"), transport))
	first := transport.queue[0]
	transport.queue = nil

	slip, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = host.Accept(ctx, first.address, slip)
	require.NoError(t, err)

	redelivered, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = host.Accept(ctx, first.address, redelivered)
	require.NoError(t, err)

	assert.Equal(t, []string{"execute:a"}, f.rec.Calls())
	require.Len(t, transport.queue, 2)
	for _, d := range transport.queue {
		assert.Equal(t, addressOf("b"), d.address)
		handed, err := Unmarshal(d.data)
		require.NoError(t, err)
		assert.Equal(t, int64(1), handed.Version())
	}
}

func TestActivityHost_DropsRedeliveredSlipThatMovedOn(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	f.compensable("c")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	transport := &queueTransport{t: t}
	ctx := context.Background()
	hosts := newHosts(engine, transport, func(context.Context, *RoutingSlip) error { return nil }, "a", "b")

	deliverNext := func(host *ActivityHost) {
		d := transport.queue[0]
		transport.queue = transport.queue[1:]
		slip, err := Unmarshal(d.data)
		require.NoError(t, err)
		_, err = host.Accept(ctx, d.address, slip)
		require.NoError(t, err)
	}

	require.NoError(t, engine.Launch(ctx, f.slip("a", "b", "c"), transport))
	first := transport.queue[0]
	deliverNext(hosts[0])
	deliverNext(hosts[1])
	require.Len(t, transport.queue, 1)
	toC := transport.queue[0]
	transport.queue = nil

	redelivered, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = hosts[0].Accept(ctx, first.address, redelivered)
	require.NoError(t, err)

	assert.Equal(t, []string{"execute:a", "execute:b"}, f.rec.Calls())
	assert.Empty(t, transport.queue)
	assert.Equal(t, addressOf("c"), toC.address)
}

// flakyTransport fails its first failures deliveries.
type flakyTransport struct {
	queueTransport
	failures int
}

func (f *flakyTransport) Deliver(ctx context.Context, slip *RoutingSlip, address string) error {
	if f.failures > 0 {
		f.failures--
		return errBrokerUnavailable
	}
	return f.queueTransport.Deliver(ctx, slip, address)
}

var errBrokerUnavailable = errors.New("broker unavailable")

func TestActivityHost_RetriesFailedHandOver(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	ctx := context.Background()
	var finished []*RoutingSlip
	onTerminal := func(_ context.Context, slip *RoutingSlip) error {
		finished = append(finished, slip)
		return nil
	}
	launcher := &queueTransport{t: t}
	transport := &flakyTransport{queueTransport: queueTransport{t: t}, failures: 1}
	hosts := newHosts(engine, transport, onTerminal, "a", "b")

	require.NoError(t, engine.Launch(ctx, f.slip("a", "b"), launcher))
	first := launcher.queue[0]

	slip, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = hosts[0].Accept(ctx, first.address, slip)
	require.ErrorIs(t, err, errBrokerUnavailable)
	assert.Empty(t, transport.queue)

	redelivered, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = hosts[0].Accept(ctx, first.address, redelivered)
	require.NoError(t, err)
	require.Len(t, transport.queue, 1)
	assert.Equal(t, addressOf("b"), transport.queue[0].address)

	transport.drain(ctx, hosts...)

	assert.Equal(t, []string{"execute:a", "execute:b"}, f.rec.Calls())
	require.Len(t, finished, 1)
	assert.Equal(t, StateCompleted, finished[0].State())
}

func TestActivityHost_RetriesFailedTerminalReport(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	ctx := context.Background()
	transport := &queueTransport{t: t}
	reports := 0
	host := NewActivityHost(addressOf("a"), engine, transport,
		WithTerminalHandler(func(_ context.Context, slip *RoutingSlip) error {
			reports++
			if reports == 1 {
				return errBrokerUnavailable
			}
			assert.Equal(t, StateCompleted, slip.State())
			return nil
		}))

	require.NoError(t, engine.Launch(ctx, f.slip("a"), transport))
	first := transport.queue[0]

	slip, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = host.Accept(ctx, first.address, slip)
	require.ErrorIs(t, err, errBrokerUnavailable)

	redelivered, err := Unmarshal(first.data)
	require.NoError(t, err)
	_, err = host.Accept(ctx, first.address, redelivered)
	require.NoError(t, err)

	assert.Equal(t, 2, reports)
	assert.Equal(t, []string{"execute:a"}, f.rec.Calls())
}

func TestEngine_LaunchRetriesAfterFailedDelivery(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	store := newMapStore()
	engine := NewEngine(f.registry, WithStore(store))
	ctx := context.Background()
	transport := &flakyTransport{queueTransport: queueTransport{t: t}, failures: 1}
	slip := f.slip("a")

	require.ErrorIs(t, engine.Launch(ctx, slip, transport), errBrokerUnavailable)
	require.NoError(t, engine.Launch(ctx, slip, transport))
	require.Len(t, transport.queue, 1)

	host := NewActivityHost(addressOf("a"), engine, transport)
	transport.drain(ctx, host)
	require.NoError(t, engine.Launch(ctx, slip, transport))

	assert.Empty(t, transport.queue)
	assert.Equal(t, []string{"execute:a"}, f.rec.Calls())
}

func TestActivityHost_IgnoresOtherAddresses(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	engine := NewEngine(f.registry)
	host := NewActivityHost(addressOf("a"), engine, &queueTransport{t: t})

	accepted, err := host.Accept(context.Background(), addressOf("b"), f.slip("a"))

	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Empty(t, f.rec.Calls())
}

func TestActivityHost_RejectsMisroutedSlip(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	f.compensable("b")
	engine := NewEngine(f.registry)
	host := NewActivityHost(addressOf("b"), engine, &queueTransport{t: t})

	err := host.Process(context.Background(), f.slip("a", "b"))

	assert.ErrorIs(t, err, ErrMisrouted)
	assert.Empty(t, f.rec.Calls())
}

func TestActivityHost_ReportsTerminalSlipWithoutStepping(t *testing.T) {
	f := newFixture(t)
	f.compensable("a")
	engine := NewEngine(f.registry)
	slip, err := engine.Run(context.Background(), f.slip("a"))
	require.NoError(t, err)
	reported := 0
	host := NewActivityHost(addressOf("a"), engine, &queueTransport{t: t},
		WithTerminalHandler(func(context.Context, *RoutingSlip) error {
			reported++
			return nil
		}))

	require.NoError(t, host.Process(context.Background(), slip))

	assert.Equal(t, 1, reported)
	assert.Equal(t, []string{"execute:a"}, f.rec.Calls())
}
