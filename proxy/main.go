// The proxy binary runs the last-value-caching relay between the
// controller's publisher and every downstream subscriber. It holds no
// state beyond the single cached message, optionally mirrored to Redis
// so a restart replays the current state immediately instead of after
// the next heartbeat.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/pubsub"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "path to config file (required)")
		debug      = flag.Bool("D", false, "debug mode")
		dummy      = flag.Bool("d", false, "dummy mode")
		port       = flag.Int("p", 0, "override health/metrics port")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "proxy: -c <config> is required")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxy: %v\n", err)
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

	var opts []pubsub.ProxyOption
	if cfg.PubSub.RedisAddr != "" && !cfg.Dummy {
		client := redis.NewClient(&redis.Options{Addr: cfg.PubSub.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			// Redis is a warm-restart optimization only; the replay
			// invariant holds without it.
			log.Printf("proxy: redis %s unreachable, running without cache persistence: %v", cfg.PubSub.RedisAddr, err)
		} else {
			opts = append(opts, pubsub.WithRedisPersistence(client, "cooler:lastmsg:"+cfg.PubSub.Topic))
			log.Printf("proxy: mirroring cached message to redis at %s", cfg.PubSub.RedisAddr)
		}
	}

	p, err := pubsub.NewProxy(ctx,
		pubsub.NormalizeAddr(cfg.PubSub.ProxyUpstream),
		pubsub.NormalizeAddr(cfg.PubSub.ProxyAddr),
		cfg.PubSub.Topic, cfg.PubSub.ReplayDeadline, opts...)
	if err != nil {
		log.Printf("proxy: bind %s: %v", cfg.PubSub.ProxyAddr, err)
		return 2
	}
	defer p.Close()
	log.Printf("proxy: relaying %s -> %s topic %q", cfg.PubSub.ProxyUpstream, cfg.PubSub.ProxyAddr, cfg.PubSub.Topic)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok subscribers=%d\n", p.Subscribers())
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("proxy: http server: %v", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	<-ctx.Done()
	log.Printf("proxy: clean shutdown")
	return 0
}
