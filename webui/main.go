// The webui binary serves the dashboard's REST/SSE surface: latest
// mode and sensor samples, the watering histogram, the paged event
// log, and a live re-fetch signal stream. It subscribes to the control
// feed read-only (it never drives a scheduler) and, in multi-actuator
// deployments, aggregates pushed rollups in Postgres; with a single
// actuator it proxies log/watering reads straight through.
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
	"github.com/mistcool/unitcooler/pubsub"
	"github.com/mistcool/unitcooler/sensorquery"
)

// buildDate is stamped by the build via -ldflags "-X main.buildDate=...".
var buildDate = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "path to config file (required)")
		debug      = flag.Bool("D", false, "debug mode")
		dummy      = flag.Bool("d", false, "dummy mode (no TSDB)")
		port       = flag.Int("p", 0, "override listen port")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "webui: -c <config> is required")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "webui: %v\n", err)
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

	sub := pubsub.Dial(ctx, pubsub.NormalizeAddr(cfg.PubSub.ProxyAddr), cfg.PubSub.Topic, 0, nil)
	defer sub.Close()

	var querier sensorquery.Querier
	if cfg.Dummy {
		querier = sensorquery.NewDummyQuerier()
	} else {
		querier = sensorquery.NewInfluxQuerier(cfg)
	}
	defer querier.Close()

	var agg *aggregator.PostgresAggregator
	if cfg.Aggregator.PostgresDSN != "" {
		agg, err = aggregator.NewPostgresAggregator(ctx, cfg.Aggregator.PostgresDSN)
		if err != nil {
			log.Printf("webui: connect aggregator postgres: %v", err)
			return 2
		}
		defer agg.Close()
		log.Printf("webui: cross-node aggregation enabled")
	} else if cfg.Web.ActuatorURL == "" {
		fmt.Fprintln(os.Stderr, "webui: either aggregator.postgres_dsn or web.actuator_url must be configured")
		return 1
	}

	broker := newSSEBroker(cfg.Storage.SSEQueueMax)
	go publishStatSignals(ctx, sub, broker)

	// In proxy mode the actuator's own SSE feed supplies "log" signals;
	// in aggregation mode ingest pushes do (see server.go).
	if agg == nil {
		go forwardActuatorEvents(ctx, cfg.Web.ActuatorURL, broker)
	}

	hub := newStatusHub(sub)
	go hub.run(ctx)

	liveness := time.Duration(cfg.PubSub.LivenessFactor) * cfg.PubSub.PubInterval
	srv := newServer(cfg, sub, querier, agg, broker, hub, liveness, time.Now())
	go srv.serve()
	defer srv.shutdown()

	log.Printf("webui: listening on :%d (subscribed to %s)", cfg.Port, cfg.PubSub.ProxyAddr)
	<-ctx.Done()
	log.Printf("webui: clean shutdown")
	return 0
}
