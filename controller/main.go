// The controller binary runs the sensor-query/mode-decider/publisher
// loop: every publish interval it fetches a sensor window from the
// TSDB, evaluates the staged cooling-mode classifier, and publishes a
// ControlMessage heartbeat whether or not the mode changed.
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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mistcool/unitcooler/config"
	"github.com/mistcool/unitcooler/mode"
	"github.com/mistcool/unitcooler/model"
	"github.com/mistcool/unitcooler/pubsub"
	"github.com/mistcool/unitcooler/sensorquery"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath = flag.String("c", "", "path to config file (required)")
		debug      = flag.Bool("D", false, "debug mode")
		dummy      = flag.Bool("d", false, "dummy mode (no TSDB)")
		port       = flag.Int("p", 0, "override health/metrics port")
	)
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "controller: -c <config> is required")
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "controller: %v\n", err)
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

	var querier sensorquery.Querier
	if cfg.Dummy {
		querier = sensorquery.NewDummyQuerier()
		log.Printf("controller: dummy mode, synthesizing sensor data")
	} else {
		querier = sensorquery.NewInfluxQuerier(cfg)
	}
	defer querier.Close()

	decider := mode.New(cfg)

	pub, err := pubsub.Listen(pubsub.NormalizeAddr(cfg.PubSub.PublishAddr), cfg.PubSub.Topic)
	if err != nil {
		log.Printf("controller: bind publisher %s: %v", cfg.PubSub.PublishAddr, err)
		return 2
	}
	defer pub.Close()
	log.Printf("controller: publishing on %s topic %q every %s",
		cfg.PubSub.PublishAddr, cfg.PubSub.Topic, cfg.PubSub.PubInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("controller: http server: %v", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	tickLoop(ctx, cfg, querier, decider, pub)

	// Final message: tell every actuator to stop cleanly before the
	// publisher socket goes away.
	pub.Publish(model.ControlMessage{
		Timestamp: time.Now(),
		ModeIndex: 0,
		State:     model.StateStopping,
		Duty:      model.Duty{Enable: false},
	})
	log.Printf("controller: clean shutdown")
	return 0
}

func tickLoop(ctx context.Context, cfg *config.Config, querier sensorquery.Querier, decider *mode.Decider, pub *pubsub.Publisher) {
	ticker := time.NewTicker(cfg.PubSub.PubInterval)
	defer ticker.Stop()

	absentStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tickCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		window, err := querier.Fetch(tickCtx)
		cancel()
		if err != nil {
			log.Printf("controller: sensor fetch: %v", err)
			window = &model.SensorWindow{Valid: false}
		}

		if !window.Valid {
			absentStreak++
			switch {
			case absentStreak >= 5:
				log.Printf("controller: ERR sensor window absent for %d consecutive ticks", absentStreak)
			case absentStreak >= 2:
				log.Printf("controller: WARN sensor window absent for %d consecutive ticks", absentStreak)
			}
		} else {
			absentStreak = 0
		}

		m := decider.Decide(window)

		state := model.StateRunning
		if m.Index == 0 {
			state = model.StateIdle
		}
		msg := model.ControlMessage{
			Timestamp: time.Now(),
			ModeIndex: m.Index,
			State:     state,
			Duty:      m.Duty,
		}
		pub.Publish(msg)

		if cfg.Debug {
			log.Printf("controller: tick mode=%d state=%s duty={enable:%v on:%s off:%s} power=%.1fW",
				m.Index, state, m.Duty.Enable, m.Duty.On, m.Duty.Off, window.PowerW.Value)
		}
	}
}
