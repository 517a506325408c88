package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/courier-go/courier/saga"
)

const (
	DefaultConsumerGroup = "courier"
	DefaultPollInterval  = 500 * time.Millisecond
)

// Host is satisfied by *saga.ActivityHost.
type Host interface {
	Address() string
	Accept(ctx context.Context, address string, slip *saga.RoutingSlip) (bool, error)
}

type RelayOption func(*Relay)

func WithConsumerGroup(group string) RelayOption {
	return func(r *Relay) {
		r.consumerGroup = group
	}
}

func WithPollInterval(interval time.Duration) RelayOption {
	return func(r *Relay) {
		r.pollInterval = interval
	}
}

// WithConcurrency sets the number of workers per mounted address.
func WithConcurrency(n int) RelayOption {
	return func(r *Relay) {
		r.concurrency = n
	}
}

func WithLogger(logger *slog.Logger) RelayOption {
	return func(r *Relay) {
		r.logger = logger
	}
}

// Relay reads routing slips from the outbox and hands them to the hosts
// mounted on it. Every address is consumed under its own offset, so a slow
// activity does not hold back the others.
type Relay struct {
	outbox        *PgOutbox
	mu            sync.RWMutex
	hosts         map[string]Host
	consumerGroup string
	pollInterval  time.Duration
	concurrency   int
	logger        *slog.Logger
}

func NewRelay(outbox *PgOutbox, opts ...RelayOption) *Relay {
	r := &Relay{
		outbox:        outbox,
		hosts:         make(map[string]Host),
		consumerGroup: DefaultConsumerGroup,
		pollInterval:  DefaultPollInterval,
		concurrency:   1,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Mount(hosts ...Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hosts {
		r.hosts[h.Address()] = h
	}
}

// MountHosts creates one activity host per address, all sharing engine and
// delivering through the outbox.
func (r *Relay) MountHosts(engine *saga.Engine, addresses []string, opts ...saga.HostOption) []*saga.ActivityHost {
	hosts := make([]*saga.ActivityHost, 0, len(addresses))
	for _, address := range addresses {
		if r.host(address) != nil {
			continue
		}
		host := saga.NewActivityHost(address, engine, r.outbox, opts...)
		hosts = append(hosts, host)
		r.Mount(host)
	}
	return hosts
}

// Handle processes one outbox message. Messages that can never succeed are
// logged and acknowledged; any other error rolls the batch back so it is
// redelivered.
func (r *Relay) Handle(ctx context.Context, msg *Message) error {
	logger := r.logger.With(
		slog.String("uri", msg.URI),
		slog.Int64("position", msg.Position),
	)

	host := r.host(msg.URI)
	if host == nil {
		logger.Error("no activity host for outbox message")
		return nil
	}
	slip, err := saga.Unmarshal(msg.Payload)
	if err != nil {
		logger.Error("skipping undecodable outbox message", slog.Any("error", err))
		return nil
	}
	if _, err := host.Accept(ctx, msg.URI, slip); err != nil {
		if errors.Is(err, saga.ErrMisrouted) || errors.Is(err, saga.ErrInvalidRoutingSlip) {
			logger.Error("skipping misrouted outbox message", slog.Any("error", err))
			return nil
		}
		return errors.Wrapf(err, "process %s at %s", slip.TrackingNumber(), msg.URI)
	}
	return nil
}

// Drain dispatches pending messages of every mounted address until none
// are left. It returns the number of batches handled.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	batches := 0
	for {
		progressed := false
		for _, address := range r.addresses() {
			found, err := r.outbox.Dispatch(ctx, r.Handle, r.consumerGroup, address, 0, 1)
			if err != nil {
				return batches, err
			}
			if found {
				batches++
				progressed = true
			}
		}
		if !progressed {
			return batches, nil
		}
	}
}

// Run polls the outbox for every mounted address until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, address := range r.addresses() {
		g.Go(func() error {
			return r.outbox.Run(gctx, r.Handle, r.consumerGroup, address, 0, 1, r.concurrency, r.pollInterval)
		})
	}
	return g.Wait()
}

func (r *Relay) host(address string) Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hosts[address]
}

func (r *Relay) addresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.hosts))
	for address := range r.hosts {
		out = append(out, address)
	}
	return out
}
