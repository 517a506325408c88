// Package local is an in-process transport: routing slips travel between
// activity hosts of one process as serialized envelopes.
package local

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/courier-go/courier/saga"
)

var ErrNoHost = errors.New("no activity host for address")

// Host is satisfied by *saga.ActivityHost.
type Host interface {
	Address() string
	Accept(ctx context.Context, address string, slip *saga.RoutingSlip) (bool, error)
}

type envelope struct {
	address string
	data    []byte
}

// DeadLetter is an envelope that could not be processed.
type DeadLetter struct {
	Address string
	Data    []byte
	Err     error
}

type Option func(*Bus)

func WithConcurrency(n int) Option {
	return func(b *Bus) {
		b.concurrency = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// Bus delivers routing slips to hosts mounted on it. Deliver never blocks;
// Run dispatches queued envelopes on a bounded worker pool, so independent
// sagas progress concurrently while each saga has at most one envelope in
// flight.
type Bus struct {
	mu          sync.Mutex
	hosts       map[string]Host
	queue       []envelope
	wake        chan struct{}
	pending     sync.WaitGroup
	deadLetters []DeadLetter
	concurrency int
	logger      *slog.Logger
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{
		hosts:       make(map[string]Host),
		wake:        make(chan struct{}, 1),
		concurrency: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Mount(hosts ...Host) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, h := range hosts {
		b.hosts[h.Address()] = h
	}
}

// Deliver implements saga.Transport. The slip is serialized immediately, so
// the caller gives up ownership of nothing it could still mutate.
func (b *Bus) Deliver(_ context.Context, slip *saga.RoutingSlip, address string) error {
	data, err := saga.Marshal(slip)
	if err != nil {
		return err
	}
	b.pending.Add(1)
	b.mu.Lock()
	b.queue = append(b.queue, envelope{address: address, data: data})
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run dispatches envelopes until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	g := &errgroup.Group{}
	if b.concurrency > 0 {
		g.SetLimit(b.concurrency)
	}
	defer func() {
		_ = g.Wait()
	}()
	for {
		env, ok := b.next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-b.wake:
				continue
			}
		}
		g.Go(func() error {
			defer b.pending.Done()
			b.dispatch(ctx, env)
			return nil
		})
	}
}

// Wait blocks until every delivered envelope has been processed or ctx is
// done.
func (b *Bus) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) DeadLetters() []DeadLetter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DeadLetter, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *Bus) next() (envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return envelope{}, false
	}
	env := b.queue[0]
	b.queue = b.queue[1:]
	return env, true
}

func (b *Bus) dispatch(ctx context.Context, env envelope) {
	b.mu.Lock()
	host, ok := b.hosts[env.address]
	b.mu.Unlock()
	if !ok {
		b.deadLetter(env, errors.Wrapf(ErrNoHost, "%q", env.address))
		return
	}
	slip, err := saga.Unmarshal(env.data)
	if err != nil {
		b.deadLetter(env, err)
		return
	}
	if _, err := host.Accept(ctx, env.address, slip); err != nil {
		b.deadLetter(env, err)
	}
}

func (b *Bus) deadLetter(env envelope, err error) {
	b.logger.Error("routing slip dead-lettered",
		slog.String("address", env.address),
		slog.Any("error", err),
	)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, DeadLetter{Address: env.address, Data: env.data, Err: err})
}
