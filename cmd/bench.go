package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/sync/errgroup"

	"github.com/zjrosen/notifycenter/internal/affinity"
	"github.com/zjrosen/notifycenter/internal/config"
	"github.com/zjrosen/notifycenter/internal/log"
	"github.com/zjrosen/notifycenter/internal/notify"
	"github.com/zjrosen/notifycenter/internal/pubsub"
)

// Counter is the bench contract.
type Counter interface {
	Hit(n int)
}

// tally is only touched on the affinity loop.
type tally struct {
	id   int
	hits int64
}

func (t *tally) Hit(n int) { t.hits += int64(n) }

var benchSave bool

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Measure multicast fan-out through the affinity loop",
	Long: `Measure how fast the registry fans events out to its subscribers.

Three phases are timed:
  off-loop   producers publish from their own goroutines; each dispatch is marshaled onto the loop
  on-loop    a single loop task publishes every event inline
  broker     the same fan-out over the channel-based pubsub broker, for comparison

Examples:
  # Defaults from the config file (bench section)
  notifycenter bench

  # Override the shape of the run
  notifycenter bench --subscribers 500 --events 20000 --producers 8

  # Keep these numbers as the new defaults
  notifycenter bench -s 500 -e 20000 --save`,
	RunE: func(cmd *cobra.Command, args []string) error {
		b := cfg.Bench
		if cmd.Flags().Changed("subscribers") {
			b.Subscribers, _ = cmd.Flags().GetInt("subscribers")
		}
		if cmd.Flags().Changed("events") {
			b.Events, _ = cmd.Flags().GetInt("events")
		}
		if cmd.Flags().Changed("producers") {
			b.Producers, _ = cmd.Flags().GetInt("producers")
		}
		if err := config.ValidateBench(b); err != nil {
			return err
		}

		report, err := runBench(cmd.Context(), b)
		if err != nil {
			return err
		}
		report.write(cmd.OutOrStdout())

		if benchSave {
			path := configPath()
			if err := config.SaveBench(path, b); err != nil {
				return fmt.Errorf("saving bench defaults: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved bench defaults to %s\n", path)
		}
		return nil
	},
}

func init() {
	benchCmd.Flags().IntP("subscribers", "s", 0, "subscribers per run (default from config)")
	benchCmd.Flags().IntP("events", "e", 0, "events per phase (default from config)")
	benchCmd.Flags().IntP("producers", "p", 0, "concurrent producers (default from config)")
	benchCmd.Flags().BoolVar(&benchSave, "save", false, "write the flags back to the config file")
	rootCmd.AddCommand(benchCmd)
}

type benchPhase struct {
	name       string
	elapsed    time.Duration
	deliveries int64
	dropped    int64
}

type benchReport struct {
	cfg        config.BenchConfig
	register   time.Duration
	phases     []benchPhase
	dispatches int64
	offLoop    int64
	tasks      int
	maxQueued  time.Duration
	avgQueued  time.Duration
}

func runBench(ctx context.Context, b config.BenchConfig) (*benchReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := sdkmetric.NewManualReader()
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = meters.Shutdown(context.Background()) }()

	taskEvents := pubsub.NewBrokerWithBuffer[affinity.TaskLogEvent](4096)
	defer taskEvents.Close()
	collected := pubsub.Collect(ctx, taskEvents)

	rt, err := startRuntime(ctx, cfg,
		withTaskEvents(taskEvents),
		withRegistryOptions(notify.WithMeter(meters.Meter("notifycenter/bench"))),
	)
	if err != nil {
		return nil, err
	}
	defer rt.stop()
	reg := rt.registry

	report := &benchReport{cfg: b}
	log.Info(log.CatBench, "Starting bench",
		"subscribers", b.Subscribers,
		"events", b.Events,
		"producers", b.Producers,
	)

	tallies := make([]*tally, b.Subscribers)
	for i := range tallies {
		tallies[i] = &tally{id: i}
	}

	start := time.Now()
	var registrars errgroup.Group
	for p := 0; p < b.Producers; p++ {
		registrars.Go(func() error {
			for i := p; i < len(tallies); i += b.Producers {
				reg.Register(ctx, tallies[i])
			}
			return nil
		})
	}
	_ = registrars.Wait()
	if err := reg.Sync(ctx); err != nil {
		return nil, err
	}
	report.register = time.Since(start)

	h, err := notify.HandleFor[Counter](ctx, reg)
	if err != nil {
		return nil, err
	}
	hit := func(c Counter) { c.Hit(1) }

	// off-loop
	start = time.Now()
	var producers errgroup.Group
	for p := 0; p < b.Producers; p++ {
		producers.Go(func() error {
			for i := p; i < b.Events; i += b.Producers {
				if err := h.Notify(ctx, hit); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := producers.Wait(); err != nil {
		return nil, fmt.Errorf("off-loop phase: %w", err)
	}
	report.phases = append(report.phases, benchPhase{
		name:       "off-loop",
		elapsed:    time.Since(start),
		deliveries: int64(b.Events) * int64(b.Subscribers),
	})

	// on-loop
	start = time.Now()
	err = rt.exec.Do(ctx, "bench on-loop", func(ctx context.Context) error {
		for i := 0; i < b.Events; i++ {
			if err := h.Notify(ctx, hit); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("on-loop phase: %w", err)
	}
	report.phases = append(report.phases, benchPhase{
		name:       "on-loop",
		elapsed:    time.Since(start),
		deliveries: int64(b.Events) * int64(b.Subscribers),
	})

	var total int64
	err = rt.exec.Do(ctx, "bench verify", func(context.Context) error {
		for _, t := range tallies {
			total += t.hits
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if want := 2 * int64(b.Events) * int64(b.Subscribers); total != want {
		return nil, fmt.Errorf("lost deliveries: got %d, want %d", total, want)
	}

	report.phases = append(report.phases, benchBroker(b))

	report.dispatches = counterValue(ctx, reader, "notify.dispatch.count")
	report.offLoop = counterValue(ctx, reader, "notify.offloop.count")

	// Give the collector a moment to catch up with the last task events.
	time.Sleep(10 * time.Millisecond)
	events := collected()
	report.tasks = len(events)
	var sum time.Duration
	for _, ev := range events {
		sum += ev.Queued
		if ev.Queued > report.maxQueued {
			report.maxQueued = ev.Queued
		}
	}
	if len(events) > 0 {
		report.avgQueued = sum / time.Duration(len(events))
	}
	if dropped := taskEvents.Dropped(); dropped > 0 {
		log.Debug(log.CatBench, "Task events dropped by collector", "dropped", dropped)
	}
	return report, nil
}

// benchBroker fans the same events out over a pubsub broker with one goroutine per subscriber.
func benchBroker(b config.BenchConfig) benchPhase {
	broker := pubsub.NewBrokerWithBuffer[int](1024)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		deliveries int64
	)
	for i := 0; i < b.Subscribers; i++ {
		ch := broker.Subscribe(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var n int64
			for range ch {
				n++
			}
			mu.Lock()
			deliveries += n
			mu.Unlock()
		}()
	}

	start := time.Now()
	var pg sync.WaitGroup
	for p := 0; p < b.Producers; p++ {
		pg.Add(1)
		go func() {
			defer pg.Done()
			for i := p; i < b.Events; i += b.Producers {
				broker.Publish(pubsub.CreatedEvent, i)
			}
		}()
	}
	pg.Wait()
	broker.Close()
	wg.Wait()

	return benchPhase{
		name:       "broker",
		elapsed:    time.Since(start),
		deliveries: deliveries,
		dropped:    broker.Dropped(),
	}
}

func counterValue(ctx context.Context, reader *sdkmetric.ManualReader, name string) int64 {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		log.ErrorErr(log.CatBench, "Collecting metrics failed", err)
		return 0
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func (r *benchReport) write(w io.Writer) {
	fmt.Fprintf(w, "subscribers=%d events=%d producers=%d register=%s\n\n",
		r.cfg.Subscribers, r.cfg.Events, r.cfg.Producers, r.register.Round(time.Microsecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tELAPSED\tEVENTS/S\tDELIVERIES\tDROPPED")
	for _, p := range r.phases {
		fmt.Fprintf(tw, "%s\t%s\t%.0f\t%d\t%d\n",
			p.name,
			p.elapsed.Round(time.Microsecond),
			rate(r.cfg.Events, p.elapsed),
			p.deliveries,
			p.dropped,
		)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\ndispatches=%d offloop_calls=%d\n", r.dispatches, r.offLoop)
	fmt.Fprintf(w, "loop tasks observed=%d queued avg=%s max=%s\n",
		r.tasks, r.avgQueued.Round(time.Microsecond), r.maxQueued.Round(time.Microsecond))
}

func rate(events int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(events) / d.Seconds()
}
