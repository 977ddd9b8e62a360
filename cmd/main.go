package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/ai"
	"github.com/automatedhome/sunheat/pkg/bus"
	"github.com/automatedhome/sunheat/pkg/config"
	"github.com/automatedhome/sunheat/pkg/engine"
	"github.com/automatedhome/sunheat/pkg/evok"
	"github.com/automatedhome/sunheat/pkg/hardware"
	"github.com/automatedhome/sunheat/pkg/homeassistant"
	"github.com/automatedhome/sunheat/pkg/watchdog"
)

func main() {
	configFile := flag.String("config", "/config.yaml", "Provide configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}

	cfg, err := config.NewConfig(*configFile)
	if err != nil {
		log.Fatalf("Configuration invalid: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var io hardware.IO
	if cfg.Simulation {
		log.Info("Running against simulated hardware")
		io = hardware.NewSimulator()
	} else {
		client := evok.NewClient(cfg.EvokAddress, 2*time.Duration(cfg.SamplePeriodS)*time.Second)
		go client.HandleWebsocketConnection(ctx)
		io = client
	}

	adapter, err := bus.New(cfg.Bus)
	if err != nil {
		log.Fatalf("Message bus unavailable: %v", err)
	}
	defer adapter.Disconnect()
	go adapter.Run(ctx)

	var advisor ai.Advisor = ai.Noop{}
	if cfg.Advisor.Endpoint != "" {
		advisor = ai.NewHTTPAdvisor(cfg.Advisor.Endpoint)
	}

	eng := engine.New(cfg, io, adapter, advisor)

	announceDiscovery(cfg, adapter)

	wd := startWatchdog(cfg, adapter)

	startHTTP(cfg, eng, wd)

	go eng.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Termination signal received")

	cancel()
	// let the engine finish its tick and run the shutdown sequence
	time.Sleep(2 * time.Second)
}

// announceDiscovery publishes retained discovery configs once on startup.
func announceDiscovery(cfg *config.Config, adapter *bus.Adapter) {
	announcer := newAnnouncer(cfg, adapter)
	fields := map[string]string{
		"collector_dt_c":           "°C",
		"stored_energy_kwh":        "kWh",
		"stored_energy_top_kwh":    "kWh",
		"stored_energy_bottom_kwh": "kWh",
		"tank_mean_c":              "°C",
		"stratification_c_per_cm":  "°C/cm",
		"hx_efficiency_pct":        "%",
		"energy_rate_kw":           "kW",
		"temp_rate_c_per_h":        "°C/h",
		"sensor_health_pct":        "%",
		"overheating_risk_pct":     "%",
	}
	announcer.AnnounceAll(cfg.Channels, fields)
}

func newAnnouncer(cfg *config.Config, adapter *bus.Adapter) *homeassistant.Announcer {
	return homeassistant.NewAnnouncer(
		func(topic string, payload []byte) { adapter.Publish(topic, true, string(payload)) },
		cfg.Bus.DiscoveryPrefix,
		cfg.Bus.TopicPrefix,
		cfg.Bus.ClientID,
	)
}

func startWatchdog(cfg *config.Config, adapter *bus.Adapter) *watchdog.Watchdog {
	pub := bus.NewPublisher(adapter)

	var restart func() error
	if cfg.Watchdog.AllowRestart && len(cfg.Watchdog.Services) > 0 {
		restart = watchdog.SystemctlRestart(cfg.Watchdog.Services[0])
	}

	wd := watchdog.New(
		cfg.Watchdog.PingHosts,
		cfg.Watchdog.Services,
		cfg.Watchdog.MaxAgeHours,
		func(kind, detail string) { pub.Alert(kind, "error", detail) },
		restart,
	)

	if err := adapter.Subscribe(adapter.Prefix()+"heartbeat", func(string) {
		wd.ObserveHeartbeat()
	}); err != nil {
		log.Warnf("Watchdog heartbeat subscription failed: %v", err)
	}

	go wd.Run(context.Background())
	return wd
}

// startHTTP exposes metrics, status and health the same way the rest of
// the fleet does.
func startHTTP(cfg *config.Config, eng *engine.Engine, wd *watchdog.Watchdog) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, eng.Status())
	})
	http.HandleFunc("/sensors", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, eng.LastFrame())
	})
	http.HandleFunc("/derived", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, eng.LastDerived())
	})
	http.HandleFunc("/watchdog", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, wd.Statuses())
	})
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if eng.Fresh() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			log.Errorf("HTTP server failed: %v", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Warnf("Writing HTTP response failed: %v", err)
	}
}
