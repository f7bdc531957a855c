// The actuator binary runs on each Raspberry Pi node: it subscribes to
// the control-message feed, drives the solenoid valve through the duty
// scheduler, samples the flow sensor, detects hardware faults, and
// persists the event log and daily metrics to the node's SQLite file.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mistcool/unitcooler/aggregator"
	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/duty"
	"github.com/mistcool/unitcooler/eventlog"
	"github.com/mistcool/unitcooler/fault"
	"github.com/mistcool/unitcooler/flow"
	"github.com/mistcool/unitcooler/metricsdb"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/notify"
	"github.com/mistcool/unitcooler/pubsub"
	"github.com/mistcool/unitcooler/storage"
	"github.com/mistcool/unitcooler/valve"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "path to config file (required)")
		debug      = flag.Bool("D", false, "debug mode")
		dummy      = flag.Bool("d", false, "dummy mode (no GPIO hardware)")
		port       = flag.Int("p", 0, "override REST/metrics port")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "actuator: -c <config> is required")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "actuator: %v\n", err)
		return 1
	}
	if *debug {
		cfg.Debug = true
	}
	if *dummy {
		cfg.Dummy = true
	}
	if *port != 0 {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The storage writer outlives ctx so the final STOP event and any
	// queued WARN/ERR records still reach disk during shutdown.
	dbCtx, dbCancel := context.WithCancel(context.Background())
	defer dbCancel()
	db, err := storage.Open(dbCtx, cfg.Storage.SQLitePath, cfg.Storage.WriteQueueMax)
	if err != nil {
		log.Printf("actuator: open storage: %v", err)
		return 2
	}
	defer db.Close()

	events, err := eventlog.New(ctx, db, cfg.NodeID, cfg.Storage.RingSize, cfg.Storage.SSEQueueMax)
	if err != nil {
		log.Printf("actuator: event log: %v", err)
		return 2
	}
	events.Append(model.LevelInfo, model.KindStart, "actuator starting")

	metrics := metricsdb.New(db, cfg.Storage.RetentionDays, cfg.Storage.CostPerLiter)
	go metrics.Run(ctx, cfg.Storage.VacuumEvery)

	hwDummy := cfg.Dummy || cfg.Valve.Dummy
	var v valve.Valve
	if hwDummy {
		v = valve.NewDummyValve(true)
		log.Printf("actuator: dummy valve, no GPIO writes")
	} else {
		v = valve.NewGPIOValve(cfg)
	}

	var src flow.Source
	if cfg.Dummy || cfg.Flow.Dummy {
		src = flow.NewDummySource(0)
		log.Printf("actuator: dummy flow source")
	} else {
		src = flow.NewGPIOPulseSource(cfg.Flow.GPIOPin)
	}
	sampler := flow.New(ctx, cfg, src)

	var notifier notify.Notifier
	if cfg.Notify.SlackWebhookURL != "" && !cfg.Dummy {
		notifier = notify.NewSlackNotifier(cfg.Notify.SlackWebhookURL, cfg.NodeID, cfg.Notify.RateLimit, cfg.Notify.Burst)
	} else {
		notifier = notify.NewLogNotifier(cfg.NodeID, cfg.Notify.RateLimit, cfg.Notify.Burst)
	}
	defer notifier.Close()

	commands := make(chan model.ValveCommand, 16)
	sched := duty.New(ctx, commands)
	detector := fault.New(cfg)

	p := newPipeline(cfg, sched, v, sampler, detector, events, metrics, notifier)

	liveness := time.Duration(cfg.PubSub.LivenessFactor) * cfg.PubSub.PubInterval
	sub := pubsub.Dial(ctx, pubsub.NormalizeAddr(cfg.PubSub.ProxyAddr), cfg.PubSub.Topic, liveness, p.onLivenessLost)
	defer sub.Close()

	go p.pumpMessages(ctx, sub)
	go p.consumeCommands(ctx, commands)
	go p.faultLoop(ctx)
	go p.storageWatch(ctx, db, cfg.Storage.WriteQueueMax)

	if cfg.Aggregator.PushURL != "" {
		pusher := newRollupPusher(cfg, metrics, events)
		go pusher.Run(ctx, cfg.Aggregator.RollupInterval)
	}

	srv := newServer(cfg, events, metrics, sub, liveness, p)
	go srv.serve()
	defer srv.shutdown()

	log.Printf("actuator %s: subscribed to %s, REST on :%d", cfg.NodeID, cfg.PubSub.ProxyAddr, cfg.Port)
	<-ctx.Done()

	events.Append(model.LevelInfo, model.KindStop, "actuator stopping")
	drainStorage(db, 3*time.Second)
	log.Printf("actuator: clean shutdown")
	return 0
}

// drainStorage waits for the write queue to empty so shutdown-time
// records reach disk, bounded so a wedged disk can't hang shutdown.
func drainStorage(db *storage.DB, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for db.QueueDepth() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// newRollupPusher wires the cross-node aggregation push: each interval
// sends today's rollup rows plus the event tail since the last
// successful push.
func newRollupPusher(cfg *config.Config, metrics *metricsdb.Store, events *eventlog.Store) *aggregator.Pusher {
	var cursor int64
	p := aggregator.NewPusher(cfg.Aggregator.PushURL, cfg.NodeID, func(ctx context.Context) (aggregator.Push, error) {
		rollup, err := metrics.Rollup(ctx)
		if err != nil {
			return aggregator.Push{}, err
		}
		tail, err := events.Since(ctx, cursor, 500)
		if err != nil {
			return aggregator.Push{}, err
		}
		return aggregator.Push{Metrics: rollup, Events: tail}, nil
	})
	p.OnSuccess(func(pushed aggregator.Push) {
		for _, e := range pushed.Events {
			if e.ID > cursor {
				cursor = e.ID
			}
		}
	})
	return p
}
