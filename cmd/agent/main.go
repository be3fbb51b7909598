// Command agent runs one hailstorm agent process: it loads its
// configuration, optionally self-loads a simulation manifest, serves child
// agents on its downstream listener, maintains its upstream connections, and
// periodically reports an AgentUpdate up the tree.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dghilardi/hailstorm/internal/agentcore"
	"github.com/dghilardi/hailstorm/internal/botruntime"
	"github.com/dghilardi/hailstorm/internal/config"
	"github.com/dghilardi/hailstorm/internal/discovery"
	"github.com/dghilardi/hailstorm/internal/herrors"
	"github.com/dghilardi/hailstorm/internal/histogram"
	"github.com/dghilardi/hailstorm/internal/logger"
	"github.com/dghilardi/hailstorm/internal/router"
	"github.com/dghilardi/hailstorm/internal/telemetry"
	"github.com/dghilardi/hailstorm/internal/transport"
	"github.com/dghilardi/hailstorm/internal/wire"
)

const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.New()
	if err != nil {
		logFatalConfig(err)
		return exitConfigError
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat).With(map[string]interface{}{
		"agent_id": cfg.AgentID,
		"agent":    cfg.AgentName,
	})

	resolver := buildResolver(cfg, log)

	agent := agentcore.New(agentcore.Config{
		AgentID:   cfg.AgentID,
		AgentName: cfg.AgentName,
		HostFn:    func(scriptPath string) botruntime.Host { return botruntime.NewLuaHost(scriptPath) },
		Log:       log,

		BucketCap:           cfg.BucketCap,
		SnapshotPeriods:     cfg.SnapshotPeriods,
		DefaultTickInterval: cfg.DefaultTickInterval,
		SpawnConcurrency:    cfg.SpawnConcurrency,
		StopGraceMultiplier: cfg.StopGraceMultiplier,
		MaxRunningBots:      cfg.MaxRunningBots,
	})

	if manifest, err := cfg.LoadManifest(); err != nil {
		log.Error("failed to load simulation manifest", map[string]interface{}{"error": err.Error()})
		return exitConfigError
	} else if manifest != nil {
		entries := make([]wire.ClientsEvolutionEntry, 0, len(manifest.ClientsEvolution))
		for model, shapeExpr := range manifest.ClientsEvolution {
			entries = append(entries, wire.ClientsEvolutionEntry{Model: model, Shape: shapeExpr})
		}
		cmd := wire.CommandItem{Kind: wire.CommandLoadSim, Script: manifest.Script, ClientsEvolution: entries}
		if err := agent.Apply(context.Background(), cmd); err != nil {
			log.Error("failed to self-load simulation manifest", map[string]interface{}{"error": err.Error()})
			return exitConfigError
		}
		log.Info("self-loaded simulation manifest", map[string]interface{}{"path": cfg.SimulationManifestPath})
	}

	exporter, err := telemetry.NewExporter(firstNonEmpty(cfg.AgentName, "hailstorm-agent"), cfg.TelemetryOTLPEndpoint)
	if err != nil {
		log.Error("failed to initialize telemetry", map[string]interface{}{"error": err.Error()})
		return exitConfigError
	}
	var csvWriter *telemetry.CSVWriter
	if cfg.CSVExportPath != "" {
		f, err := os.OpenFile(cfg.CSVExportPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Error("failed to open csv export path", map[string]interface{}{"error": err.Error()})
			return exitConfigError
		}
		defer f.Close()
		csvWriter = telemetry.NewCSVWriter(f)
	}

	agent.OnDrain = func(model string, snaps []histogram.Snapshot) {
		exporter.RecordDrain(context.Background(), model, snaps)
		if csvWriter != nil {
			if err := csvWriter.WriteDrain(time.Now(), model, snaps); err != nil {
				log.Warn("csv export write failed", map[string]interface{}{"error": err.Error()})
			} else {
				csvWriter.Flush()
			}
		}
	}
	agent.OnLiveBots = exporter.RecordLiveBots

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rtr := router.New(cfg.AgentID, log)
	outbound := make(chan wire.AgentMessage, 64)

	applyCommand := func(cmd wire.ControllerCommand) {
		for _, item := range cmd.Commands {
			if err := agent.Apply(ctx, item); err != nil {
				log.Warn("command application failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}

	downstream := transport.NewDownstreamServer(log)
	downstream.OnMessage = func(agentID uint32, msg wire.AgentMessage) {
		relayed := rtr.FanIn(nil, []wire.AgentMessage{msg})
		if len(relayed.Updates) > 0 {
			select {
			case outbound <- relayed:
			default:
				log.Warn("outbound queue full, dropping relayed update", nil)
			}
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/hailstorm/v1/stream", downstream)
	httpServer := &http.Server{Addr: cfg.ListenAddress, Handler: mux}

	bindErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			bindErrCh <- err
		}
	}()

	clients := startUpstreamClients(ctx, cfg, resolver, agent, outbound, rtr, applyCommand, downstream, log)

	if cfg.DiscoveryRedisURL != "" && cfg.AgentName != "" {
		const registrationTTL = 30 * time.Second
		const registrationInterval = 10 * time.Second
		if err := resolver.Register(ctx, cfg.AgentName, cfg.ListenAddress, registrationTTL); err != nil {
			log.Warn("initial discovery registration failed", map[string]interface{}{"error": err.Error()})
		}
		go keepRegistered(ctx, resolver, cfg.AgentName, cfg.ListenAddress, registrationTTL, registrationInterval, log)
	}

	snapTicker := time.NewTicker(cfg.SnapshotPeriod)
	defer snapTicker.Stop()
	modelTicker := time.NewTicker(time.Second)
	defer modelTicker.Stop()

	var wg sync.WaitGroup
	wg.Add(len(clients))
	for _, c := range clients {
		c := c
		go func() {
			defer wg.Done()
			c.Run(ctx)
		}()
	}

	select {
	case err := <-bindErrCh:
		log.Error("failed to bind downstream listener", map[string]interface{}{"error": err.Error()})
		cancel()
		return exitBindError
	case <-runLoop(ctx, agent, snapTicker, modelTicker, outbound, rtr):
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = agent.Apply(shutdownCtx, wire.CommandItem{Kind: wire.CommandStop, Reset: true})
	_ = httpServer.Shutdown(shutdownCtx)
	_ = exporter.Shutdown(shutdownCtx)
	wg.Wait()

	return exitOK
}

// keepRegistered republishes this agent's own address under name every
// interval until ctx is cancelled, so children configured with a logical
// parent name can resolve it through the same discovery.Resolver this agent
// uses to resolve its own parents.
func keepRegistered(ctx context.Context, resolver discovery.Resolver, name, address string, ttl, interval time.Duration, log logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := resolver.Register(ctx, name, address, ttl); err != nil {
				log.Warn("discovery registration refresh failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// runLoop drives the 1Hz model tick and the (typically also 1Hz) snapshot
// emission until ctx is cancelled, returning a channel closed on exit.
func runLoop(ctx context.Context, agent *agentcore.Agent, snapTicker, modelTicker *time.Ticker, outbound chan<- wire.AgentMessage, rtr *router.Router) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-modelTicker.C:
				agent.Tick(ctx, now)
			case now := <-snapTicker.C:
				own := agent.Snapshot(now)
				msg := rtr.FanIn(&own, nil)
				if len(msg.Updates) > 0 {
					select {
					case outbound <- msg:
					default:
					}
				}
			}
		}
	}()
	return done
}

func startUpstreamClients(ctx context.Context, cfg *config.Config, resolver discovery.Resolver, agent *agentcore.Agent, outbound <-chan wire.AgentMessage, rtr *router.Router, applyCommand func(wire.ControllerCommand), downstream *transport.DownstreamServer, log logger.Logger) []*transport.UpstreamClient {
	clients := make([]*transport.UpstreamClient, 0, len(cfg.Upstreams))
	broadcasters := make([]chan wire.AgentMessage, 0, len(cfg.Upstreams))

	for name, addr := range cfg.Upstreams {
		resolved := addr
		if !strings.Contains(addr, ":") {
			if a, err := resolver.Resolve(ctx, addr); err == nil {
				resolved = a
			} else {
				log.Warn("failed to resolve upstream, using literal value", map[string]interface{}{"name": name, "error": err.Error()})
			}
		}

		clientOutbound := make(chan wire.AgentMessage, 64)
		broadcasters = append(broadcasters, clientOutbound)

		client := transport.NewUpstreamClient(resolved, clientOutbound, log)
		client.Hello = func() wire.AgentMessage {
			return wire.AgentMessage{Updates: []wire.AgentUpdate{agent.Snapshot(time.Now())}}
		}
		client.Commands = func(ctx context.Context, cmd wire.ControllerCommand) {
			children := make([]router.ChildSink, 0)
			for _, c := range downstream.AllChildren() {
				children = append(children, c)
			}
			rtr.FanOut(cmd, applyCommand, children)
		}
		clients = append(clients, client)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				for _, b := range broadcasters {
					select {
					case b <- msg:
					default:
					}
				}
			}
		}
	}()

	return clients
}

func buildResolver(cfg *config.Config, log logger.Logger) discovery.Resolver {
	if cfg.DiscoveryRedisURL == "" {
		return discovery.NewStaticResolver(cfg.Upstreams)
	}
	r, err := discovery.NewRedisResolver(cfg.DiscoveryRedisURL, log)
	if err != nil {
		log.Warn("redis discovery unavailable, falling back to static upstream addresses", map[string]interface{}{"error": err.Error()})
		return discovery.NewStaticResolver(cfg.Upstreams)
	}
	return r
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func logFatalConfig(err error) {
	if he, ok := err.(*herrors.HailstormError); ok {
		os.Stderr.WriteString(he.Error() + "\n")
		return
	}
	os.Stderr.WriteString(err.Error() + "\n")
}
