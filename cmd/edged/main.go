// edged is the data-plane service binary: south ingest engine, filter
// pipeline, storage reading buffer, stream handler, and north data
// loader wired together behind one process, per SPEC_FULL.md's
// package layout. The management REST API, service registry, and
// config-category CRUD that would ordinarily drive this process's
// configuration live outside this binary (spec §1); here they are
// stood in by flags, a local config file, and a small in-memory
// category source.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/edgeflow/pipeline/pkg/config"
	"github.com/edgeflow/pipeline/pkg/cursor"
	"github.com/edgeflow/pipeline/pkg/filter"
	"github.com/edgeflow/pipeline/pkg/north"
	"github.com/edgeflow/pipeline/pkg/north/transport"
	"github.com/edgeflow/pipeline/pkg/omf"
	"github.com/edgeflow/pipeline/pkg/plugin"
	"github.com/edgeflow/pipeline/pkg/reading"
	"github.com/edgeflow/pipeline/pkg/south"
	"github.com/edgeflow/pipeline/pkg/storage"
	"github.com/edgeflow/pipeline/pkg/stream"
)

func main() {
	configPath := flag.String("config", "", "Path to service config file")
	serviceName := flag.String("service-name", "", "Service name")
	storageDSN := flag.String("storage-dsn", "", "Storage connection string")
	southPlugin := flag.String("south-plugin", "", "South plugin name to load (native .so)")
	northKind := flag.String("north-kind", "", "North destination: omf, kafka, or http")
	northEndpoint := flag.String("north-endpoint", "", "North destination endpoint")
	streamEnabled := flag.Bool("stream", false, "Enable the binary stream ingest listener")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			logger.Fatal("failed to load config", zap.Error(err))
		}
	}
	if *serviceName != "" {
		cfg.ServiceName = *serviceName
	}
	if *storageDSN != "" {
		cfg.StorageDSN = *storageDSN
	}
	if *southPlugin != "" {
		cfg.SouthPlugin = *southPlugin
	}
	if *northKind != "" {
		cfg.NorthKind = *northKind
	}
	if *northEndpoint != "" {
		cfg.NorthEndpoint = *northEndpoint
	}

	logger.Info("starting edged",
		zap.String("service_name", cfg.ServiceName),
		zap.String("south_plugin", cfg.SouthPlugin),
		zap.String("north_kind", cfg.NorthKind),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buf, err := storage.Open(ctx, cfg.StorageDSN, storage.PoolConfig{
		MaxSize:      cfg.PoolMaxInUse,
		VacuumPeriod: time.Duration(cfg.VacuumInterval) * time.Second,
		MaxRetries:   5,
		RetryBackoff: 50 * time.Millisecond,
	})
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer buf.Close()

	cursors := cursor.NewStore(buf.DB())
	if err := cursors.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to ensure stream cursor schema", zap.Error(err))
	}

	tracker, err := south.NewAssetTracker(ctx, assetRegistrar{buf})
	if err != nil {
		logger.Fatal("failed to load asset tracking cache", zap.Error(err))
	}
	stats := south.NewStats(buf, 5*time.Second)

	pipelineSink := filter.EmitFunc(func(set *reading.Set) {
		if _, err := buf.Append(ctx, set.Readings); err != nil {
			logger.Warn("south: storage append failed", zap.Error(err))
			stats.Discarded(int64(set.Len()))
		}
	})
	southPipeline := filter.New(cfg.ServiceName, southFilterRegistry(), filterStateStore{buf}, staticFilterConfigs{}, pipelineSink)

	southEngine := south.NewEngine(south.Config{
		ServiceName: cfg.ServiceName,
		PluginName:  cfg.SouthPlugin,
		Threshold:   100,
		MaxIdle:     time.Second,
	}, buf, southPipeline, stats, tracker)

	// The south worker and the stats coalescer are two of this process's
	// several long-running loops (§5); an errgroup bound to ctx supervises
	// them so a panic-free early return from one is visible at shutdown
	// without each loop threading its own error channel back to main.
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { stats.Run(gctx); return nil })
	group.Go(func() error { southEngine.Run(gctx); return nil })

	if cfg.SouthPlugin != "" {
		startSouthPlugin(ctx, logger, cfg, southEngine)
	}

	if *streamEnabled {
		startStreamHandler(ctx, logger, buf, stats)
	}

	loader := buildNorthLoader(ctx, logger, cfg, buf, cursors)
	if loader != nil {
		if err := loader.Start(ctx); err != nil {
			logger.Fatal("failed to start north loader", zap.Error(err))
		}
		defer loader.Stop(context.Background())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	southEngine.Stop()
	stats.Stop()
	if err := group.Wait(); err != nil {
		logger.Warn("south supervisor group exited with error", zap.Error(err))
	}
}

// startSouthPlugin loads the configured south plugin and drives it into
// the south ingest engine, per §4.2/§4.4: poll-mode plugins are driven
// by a dedicated poll goroutine; push-mode plugins register a callback
// and are started once.
func startSouthPlugin(ctx context.Context, logger *zap.Logger, cfg *config.Config, engine *south.Engine) {
	host := plugin.NewHost(map[plugin.Kind][]string{plugin.KindSouth: cfg.PluginDirs})
	handle, err := host.Load(cfg.SouthPlugin, plugin.KindSouth)
	if err != nil {
		logger.Error("south plugin load failed", zap.String("plugin", cfg.SouthPlugin), zap.Error(err))
		return
	}
	instance, err := plugin.InitSouth(handle, "{}")
	if err != nil {
		logger.Error("south plugin init failed", zap.String("plugin", cfg.SouthPlugin), zap.Error(err))
		return
	}

	if cfg.SouthKind == "async" {
		err := instance.StartAsync(func(r *reading.Reading) {
			engine.Ingest(ctx, r.Asset, r)
		})
		if err != nil {
			logger.Error("south plugin async start failed", zap.Error(err))
		}
		return
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				instance.Shutdown()
				return
			case <-ticker.C:
				r, err := instance.Poll()
				if err != nil {
					logger.Warn("south plugin poll failed", zap.Error(err))
					continue
				}
				if r != nil {
					engine.Ingest(ctx, r.Asset, r)
				}
			}
		}
	}()
}

// startStreamHandler creates one binary-ingest stream (C6) wired
// directly into storage's zero-copy append path.
func startStreamHandler(ctx context.Context, logger *zap.Logger, buf *storage.Buffer, stats *south.Stats) {
	handle, err := stream.CreateStream("edged-stream", buf, stats, logger)
	if err != nil {
		logger.Error("failed to create stream listener", zap.Error(err))
		return
	}
	logger.Info("stream listener ready", zap.Int("port", handle.Port()))
	go func() {
		if err := handle.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("stream handler exited", zap.Error(err))
		}
	}()
}

// buildNorthLoader wires C7 (the producer/consumer ring) to either the
// OMF transmit engine (C8) or a generic transport, depending on
// cfg.NorthKind, per spec §2's "PI server via OMF, HTTP endpoints, etc."
func buildNorthLoader(ctx context.Context, logger *zap.Logger, cfg *config.Config, buf *storage.Buffer, cursors *cursor.Store) *north.Loader {
	var sender north.Sender
	switch cfg.NorthKind {
	case "kafka":
		s, err := transport.NewKafkaSender(transport.KafkaConfig{
			Brokers: []string{cfg.NorthEndpoint},
			Topic:   cfg.ServiceName + "-readings",
		}, logger)
		if err != nil {
			logger.Error("failed to build kafka north sender", zap.Error(err))
			return nil
		}
		sender = s
	case "http":
		sender = transport.NewHTTPSender(cfg.NorthEndpoint, 10*time.Second)
	default:
		types, err := omf.NewTypeCache(1024)
		if err != nil {
			logger.Error("failed to build omf type cache", zap.Error(err))
			return nil
		}
		af := omf.NewAFResolver(nil, nil, "")
		httpTransport := omf.NewHTTPTransport(cfg.NorthEndpoint, 10*time.Second, map[string]string{
			"producertoken": cfg.NorthToken,
			"omfversion":    "1.2",
			"messageformat": "JSON",
		})
		sender = omf.NewEngine(omf.Config{
			Scheme:   omf.NamingConcise,
			Endpoint: omf.EndpointPIWeb,
		}, httpTransport, types, af, logger)
	}

	router := north.NewSourceRouter(buf, north.SourceReadings)
	return north.NewLoader(north.Config{
		StreamDesc: cfg.ServiceName + "-north",
		Source:     north.SourceReadings,
		BlockSize:  1000,
	}, router, sender, nil, cursors)
}

// assetRegistrar adapts storage.Buffer's (service,plugin,asset,event)
// persistence to south.Registrar's Tuple shape.
type assetRegistrar struct{ buf *storage.Buffer }

func (a assetRegistrar) RegisterAssetTracking(ctx context.Context, t south.Tuple) error {
	return a.buf.RegisterAssetTracking(ctx, storage.AssetTuple{
		Service: t.Service, Plugin: t.Plugin, Asset: t.Asset, Event: string(t.Event),
	})
}

func (a assetRegistrar) LoadAssetTracking(ctx context.Context) ([]south.Tuple, error) {
	rows, err := a.buf.LoadAssetTracking(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]south.Tuple, len(rows))
	for i, r := range rows {
		out[i] = south.Tuple{Service: r.Service, Plugin: r.Plugin, Asset: r.Asset, Event: south.Event(r.Event)}
	}
	return out, nil
}

// filterStateStore adapts storage.Buffer's Load/SaveFilterState to
// filter.StateStore.
type filterStateStore struct{ buf *storage.Buffer }

func (f filterStateStore) Load(key string) (string, bool, error) { return f.buf.LoadFilterState(key) }
func (f filterStateStore) Save(key string, value string) error   { return f.buf.SaveFilterState(key, value) }

// staticFilterConfigs is the config-category stand-in: with no
// management REST layer in this binary (spec §1 Non-goals), every
// filter category defaults to an empty config. A deployment wiring a
// real management layer replaces this with one backed by the
// (category_name, json_blob) notifications of §6.
type staticFilterConfigs struct{}

func (staticFilterConfigs) FilterConfig(serviceName, filterCategory string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

// southFilterRegistry is empty by default: filter plugins register
// themselves into it the same way south/north plugins register with
// plugin.Host, via a name -> filter.Factory entry supplied at process
// start. No built-in filters ship with the core.
func southFilterRegistry() map[string]filter.Factory {
	return map[string]filter.Factory{}
}
