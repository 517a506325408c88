package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/krew-solutions/courier-go/courier/config"
	"github.com/krew-solutions/courier-go/courier/monitoring"
	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/saga/composite"
	"github.com/krew-solutions/courier-go/courier/saga/examples"
	"github.com/krew-solutions/courier-go/courier/transport/local"
)

type runOptions struct {
	itinerary string
	soldOut   []string
	timeout   time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a travel-booking saga from a YAML itinerary",
		Example: `  courier run --itinerary trip.yaml
  courier run --itinerary trip.yaml --sold-out flight:LAX`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaga(cmd.Context(), cmd.OutOrStdout(), root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.itinerary, "itinerary", "i", "", "YAML itinerary file")
	cmd.Flags().StringSliceVar(&opts.soldOut, "sold-out", nil, "inventory items that cannot be reserved, as kind:item")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "how long to wait for the saga to finish")
	_ = cmd.MarkFlagRequired("itinerary")
	return cmd
}

func runSaga(ctx context.Context, out io.Writer, root *rootOptions, opts *runOptions) error {
	doc, err := loadItinerary(opts.itinerary)
	if err != nil {
		return err
	}
	addresses := knownAddresses()
	slip, err := doc.build(addresses)
	if err != nil {
		return err
	}

	inventory := examples.NewInventory()
	for _, item := range opts.soldOut {
		kind, name, ok := strings.Cut(item, ":")
		if !ok {
			return errors.Errorf("sold-out item %q is not kind:item", item)
		}
		inventory.SoldOut(kind, name)
	}

	a, err := newApp(ctx, root.cfg, root.logger)
	if err != nil {
		return err
	}
	defer closeApp(a, root.logger)

	registry := saga.NewRegistry()
	if err := registerActivities(registry, inventory, root.cfg, root.logger); err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	engine := saga.NewEngine(registry, saga.WithStore(store), saga.WithLogger(root.logger))
	subscription := monitoring.Attach(engine.OnEvent(),
		monitoring.NewLogger(root.logger),
		monitoring.NewMetrics(a.metrics(), root.cfg.Metrics.Namespace),
	)
	defer subscription.Dispose()

	finished := make(chan *saga.RoutingSlip, 1)
	hostOpts := []saga.HostOption{
		saga.WithHostLogger(root.logger),
		saga.WithTerminalHandler(func(_ context.Context, terminal *saga.RoutingSlip) error {
			if terminal.TrackingNumber() == slip.TrackingNumber() {
				select {
				case finished <- terminal:
				default:
				}
			}
			return nil
		}),
	}
	hostAddresses := make([]string, 0, len(addresses))
	for _, address := range addresses {
		hostAddresses = append(hostAddresses, address)
	}
	for _, entry := range slip.Itinerary() {
		hostAddresses = append(hostAddresses, entry.Address)
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var transport saga.Transport
	switch root.cfg.Transport.Driver {
	case config.TransportOutbox:
		ob, err := a.outbox()
		if err != nil {
			return err
		}
		relay := a.relay(ob)
		relay.MountHosts(engine, hostAddresses, hostOpts...)
		g.Go(func() error {
			return relay.Run(gctx)
		})
		transport = ob
	default:
		bus := local.NewBus(local.WithConcurrency(root.cfg.Engine.Concurrency), local.WithLogger(root.logger))
		bus.MountHosts(engine, hostAddresses, hostOpts...)
		g.Go(func() error {
			return bus.Run(gctx)
		})
		transport = bus
	}

	var final *saga.RoutingSlip
	g.Go(func() error {
		defer cancel()
		if err := engine.Launch(gctx, slip, transport); err != nil {
			return err
		}
		if slip.IsTerminal() {
			final = slip
			return nil
		}
		select {
		case final = <-finished:
			return nil
		case <-gctx.Done():
			return errors.Wrapf(gctx.Err(), "saga %s did not finish", slip.TrackingNumber())
		}
	})
	if err := g.Wait(); err != nil && final == nil {
		return err
	}
	return printSlip(out, final)
}

func registerActivities(registry *saga.Registry, inventory *examples.Inventory, cfg *config.Config, logger *slog.Logger) error {
	if err := examples.Register(registry, inventory, &examples.Mailbox{}); err != nil {
		return err
	}
	if err := composite.RegisterParallel(registry, parallelActivity, cfg.Engine.Concurrency, logger); err != nil {
		return err
	}
	return composite.RegisterFallback(registry, fallbackActivity, logger)
}

func printSlip(out io.Writer, slip *saga.RoutingSlip) error {
	data, err := json.MarshalIndent(slip, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}
