package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/notify"
	"github.com/zjrosen/notifycenter/internal/pubsub"
)

// Greeter and Farewell are the demo contracts.
type Greeter interface {
	Greet(name string)
}

type Farewell interface {
	Farewell(name string) error
}

// console implements both contracts.
type console struct {
	id  string
	out io.Writer
}

func (c *console) Greet(name string) {
	fmt.Fprintf(c.out, "  %s: hello, %s\n", c.id, name)
}

func (c *console) Farewell(name string) error {
	fmt.Fprintf(c.out, "  %s: goodbye, %s\n", c.id, name)
	return nil
}

// greeterOnly never hears farewells.
type greeterOnly struct {
	id  string
	out io.Writer
}

func (g *greeterOnly) Greet(name string) {
	fmt.Fprintf(g.out, "  %s: hi %s\n", g.id, name)
}

// grumpy refuses every farewell.
type grumpy struct{}

var errNoGoodbyes = errors.New("refuses to say goodbye")

func (grumpy) Farewell(string) error { return errNoGoodbyes }

// lockedWriter serializes writes from the loop, the lifecycle forwarder and the command.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

var (
	demoSubscribers int
	demoNames       []string
	demoTailLogs    bool
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Walk through registration, back-fill and dispatch",
	Long: `Run a scripted session against a live registry and print what each subscriber hears.

The demo registers subscribers from several goroutines, requests a handle after
the fact so the channel is back-filled, registers a late subscriber that joins
the existing channel, shows a failing subscriber being isolated, and finally
clears the registry. Registry lifecycle events are printed as they arrive.

Examples:
  # Default walk-through
  notifycenter demo

  # More subscribers and custom names
  notifycenter demo --subscribers 5 --names ada,grace,linus

  # Echo log lines alongside the output
  notifycenter demo --tail-logs --log-file /tmp/notifycenter.log`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if demoSubscribers < 1 {
			return fmt.Errorf("--subscribers must be at least 1, got %d", demoSubscribers)
		}
		if len(demoNames) == 0 {
			return fmt.Errorf("--names must not be empty")
		}
		out := &lockedWriter{w: cmd.OutOrStdout()}
		return runDemo(cmd.Context(), out, demoSubscribers, demoNames, demoTailLogs)
	},
}

func init() {
	demoCmd.Flags().IntVarP(&demoSubscribers, "subscribers", "n", 3, "number of console subscribers")
	demoCmd.Flags().StringSliceVar(&demoNames, "names", []string{"ada", "grace"}, "names to greet")
	demoCmd.Flags().BoolVar(&demoTailLogs, "tail-logs", false, "echo log entries to stdout")
	rootCmd.AddCommand(demoCmd)
}

func runDemo(ctx context.Context, out io.Writer, subscribers int, names []string, tailLogs bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lifecycle := pubsub.NewBrokerWithBuffer[notify.Lifecycle](256)
	var lifecycleDone, tailDone sync.WaitGroup
	lifecycleDone.Add(1)
	events := lifecycle.Subscribe(ctx)
	log.SafeGo("lifecycle-forward", func() {
		defer lifecycleDone.Done()
		pubsub.Forward(ctx, events, func(e pubsub.Event[notify.Lifecycle]) {
			fmt.Fprintf(out, "  ~ %s\n", describeLifecycle(e.Payload))
		})
	})

	if tailLogs {
		if entries := log.NewListener(ctx); entries != nil {
			tailDone.Add(1)
			log.SafeGo("log-tail", func() {
				defer tailDone.Done()
				pubsub.Forward(ctx, entries, func(e log.LogEvent) {
					fmt.Fprintf(out, "  | %s", e.Payload)
				})
			})
		}
	}

	rt, err := startRuntime(ctx, cfg, withRegistryOptions(notify.WithLifecycleBroker(lifecycle)))
	if err != nil {
		return err
	}
	reg := rt.registry

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		rt.stop()
		// Closing the broker lets the forwarder drain what is buffered.
		lifecycle.Close()
		lifecycleDone.Wait()
		cancel()
		tailDone.Wait()
	}
	defer stop()

	fmt.Fprintf(out, "Registering %d consoles from %d goroutines\n", subscribers, subscribers)
	consoles := make([]*console, subscribers)
	var g errgroup.Group
	for i := range consoles {
		c := &console{id: fmt.Sprintf("console-%d", i+1), out: out}
		consoles[i] = c
		g.Go(func() error {
			reg.Register(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
	reg.Register(ctx, &greeterOnly{id: "greeter-only", out: out})
	reg.Register(ctx, grumpy{}, notify.ContractOf[Farewell]())
	if err := reg.Sync(ctx); err != nil {
		return err
	}

	fmt.Fprintln(out, "Requesting the Greeter handle (back-filled from the directory)")
	greeters, err := notify.HandleFor[Greeter](ctx, reg)
	if err != nil {
		return err
	}
	if err := greetAll(ctx, greeters, names); err != nil {
		return err
	}

	fmt.Fprintln(out, "Registering a late subscriber (attached to the existing channel)")
	reg.Register(ctx, &console{id: "late", out: out})
	if err := greetAll(ctx, greeters, names[:1]); err != nil {
		return err
	}

	fmt.Fprintln(out, "Saying goodbye (one subscriber fails, the rest still hear it)")
	farewells, err := notify.HandleFor[Farewell](ctx, reg)
	if err != nil {
		return err
	}
	err = farewells.Publish(ctx, func(_ context.Context, f Farewell) error {
		return f.Farewell(names[0])
	})
	var derr *notify.DispatchError
	switch {
	case errors.As(err, &derr):
		fmt.Fprintf(out, "  ! %d of %d failed: %v\n", len(derr.Failures), derr.Attempted, derr.Failures[0])
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "Unregistering %s\n", consoles[0].id)
	reg.Unregister(ctx, consoles[0])
	if err := greetAll(ctx, greeters, names[:1]); err != nil {
		return err
	}

	if err := printStats(ctx, out, reg); err != nil {
		return err
	}

	fmt.Fprintln(out, "Clearing the registry")
	reg.ClearAll(ctx)
	if err := printStats(ctx, out, reg); err != nil {
		return err
	}

	stop()
	fmt.Fprintf(out, "Done: %d tasks ran on the affinity loop\n", rt.exec.ProcessedCount())
	return nil
}

func greetAll(ctx context.Context, h *notify.Handle[Greeter], names []string) error {
	for _, name := range names {
		if err := h.Notify(ctx, func(g Greeter) { g.Greet(name) }); err != nil {
			return err
		}
	}
	return nil
}

func printStats(ctx context.Context, out io.Writer, reg *notify.Registry) error {
	stats, err := reg.Stats(ctx)
	if err != nil {
		return err
	}
	contracts := make([]string, 0, len(stats.Channels))
	for name, n := range stats.Channels {
		contracts = append(contracts, fmt.Sprintf("%s=%d", name, n))
	}
	sort.Strings(contracts)
	fmt.Fprintf(out, "  subscribers=%d channels=[%s]\n", stats.Subscribers, strings.Join(contracts, " "))
	return nil
}

func describeLifecycle(ev notify.Lifecycle) string {
	switch ev.Kind {
	case notify.SubscriberRegistered:
		return fmt.Sprintf("%s %s (attached to %d)", ev.Kind, ev.Subscriber, ev.Attached)
	case notify.SubscriberUnregistered:
		return fmt.Sprintf("%s %s", ev.Kind, ev.Subscriber)
	case notify.ChannelCreated:
		return fmt.Sprintf("%s %s (back-filled %d)", ev.Kind, ev.Contract, ev.Attached)
	default:
		return string(ev.Kind)
	}
}
