// cmd/gateway/main.go wires every internal component into one process:
// the cache layer, the consistency engine, the tenant isolation/quota
// guards, the batch processor, the shard-split controller, and the
// transport package serving it all over HTTP/WebSocket.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/workersql/gateway/internal/batch"
	"github.com/workersql/gateway/internal/cache"
	"github.com/workersql/gateway/internal/config"
	"github.com/workersql/gateway/internal/consistency"
	"github.com/workersql/gateway/internal/durable"
	"github.com/workersql/gateway/internal/queue"
	"github.com/workersql/gateway/internal/routing"
	"github.com/workersql/gateway/internal/shardclient"
	"github.com/workersql/gateway/internal/shardsim"
	"github.com/workersql/gateway/internal/split"
	"github.com/workersql/gateway/internal/telemetry"
	"github.com/workersql/gateway/internal/tenant"
	"github.com/workersql/gateway/internal/transport"
)

const version = "1.0.0"

// Gateway holds every constructed subsystem plus the transport server,
// mirroring MinIOServer's shape: one struct built in dependency order,
// torn down in the reverse of that order.
type Gateway struct {
	db          *durable.DB
	quota       *tenant.QuotaGuard
	bus         *queue.EventBus
	server      *transport.Server
	closeActors func()
	addr        string

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())
	os.Setenv("GOGC", "100")

	fmt.Printf("WorkerSQL Gateway v%s\n", version)
	fmt.Println("Multi-tenant MySQL-compatible SQL gateway")
	fmt.Println("==========================================")
	fmt.Printf("CPUs: %d, GOMAXPROCS: %d\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	cfg := config.FromEnv()

	if err := telemetry.Init(cfg.ServiceName, cfg.JaegerEndpoint); err != nil {
		log.Printf("Warning: failed to initialize tracing: %v", err)
	}

	gw, err := NewGateway(cfg)
	if err != nil {
		log.Fatalf("failed to create gateway: %v", err)
	}

	if err := gw.Start(); err != nil {
		log.Fatalf("failed to start gateway: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Printf("tracing shutdown error: %v", err)
	}

	if err := gw.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}

	fmt.Println("Gateway stopped")
}

// NewGateway constructs every subsystem in dependency order, unwinding
// whatever was already constructed if a later step fails.
func NewGateway(cfg *config.Config) (*Gateway, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var db *durable.DB
	if cfg.PostgresDSN != "" {
		fmt.Println("Connecting to Postgres for split-plan and routing durability...")
		var err error
		db, err = durable.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("open durable store: %w", err)
		}
	} else {
		fmt.Println("POSTGRES_DSN not set: running with in-memory routing and plan state only")
	}

	var routingStore *routing.Store
	if db != nil {
		var err error
		routingStore, err = routing.NewDurableStore(ctx, db)
		if err != nil {
			cancel()
			closeDB(db)
			return nil, fmt.Errorf("restore routing policy: %w", err)
		}
	} else {
		routingStore = routing.NewStore()
	}

	resolve, closeActors := buildActorResolver(cfg)

	c := cache.New()
	proxy := split.NewDualWriteProxy(routingStore, resolve)
	bus := queue.NewEventBus(c, queue.DefaultConfig())
	engine := consistency.New(c, proxy, bus, cfg.CacheTTLMs, cfg.CacheSWRMs)

	filter := tenant.NewFilter(cfg.StrictTenantIsolation, log.Printf)
	quota := tenant.NewQuotaGuard(tenant.Limits{
		MaxRequestsPerWindow: 10_000,
		Window:               1 * time.Second,
		MaxRowsPerWindow:     1_000_000,
	})

	batchExecutor := actorBatchExecutor{resolve: resolve}
	var idemStore batch.IdempotencyStore
	if db != nil {
		idemStore = db
	}
	batchProc := batch.NewProcessor(batchExecutor, batch.Limits{MaxOps: cfg.MaxOps, MaxBytes: cfg.MaxBytes}, idemStore)

	var splitStore split.Store
	if db != nil {
		splitStore = db
	}
	splitController := split.NewController(routingStore, resolve, splitStore)

	metrics := telemetry.NewMetricsCollector()

	server := transport.NewServer(cfg.ListenAddr, transport.Deps{
		Config:       cfg,
		Engine:       engine,
		RoutingStore: routingStore,
		Filter:       filter,
		Quota:        quota,
		BatchProc:    batchProc,
		Split:        splitController,
		Metrics:      metrics,
		Resolve:      resolve,
	})

	gw := &Gateway{
		db:          db,
		quota:       quota,
		bus:         bus,
		server:      server,
		closeActors: closeActors,
		addr:        cfg.ListenAddr,
		ctx:         ctx,
		cancel:      cancel,
	}
	return gw, nil
}

func (g *Gateway) Start() error {
	fmt.Println("Starting transport server...")
	if err := g.server.Start(); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	fmt.Printf("Gateway listening on %s\n", g.addr)
	return nil
}

func (g *Gateway) Shutdown() error {
	g.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("Shutting down transport server...")
	if err := g.server.Shutdown(ctx); err != nil {
		log.Printf("transport shutdown error: %v", err)
	}

	fmt.Println("Shutting down quota guard...")
	g.quota.Shutdown()

	fmt.Println("Shutting down event bus...")
	g.bus.Shutdown()

	if g.closeActors != nil {
		g.closeActors()
	}

	if g.db != nil {
		fmt.Println("Closing durable store...")
		if err := g.db.Close(); err != nil {
			log.Printf("durable store close error: %v", err)
		}
	}

	return nil
}

func closeDB(db *durable.DB) {
	if db != nil {
		_ = db.Close()
	}
}

// buildActorResolver wires either a real shard fleet (cfg.ShardEndpoints,
// talked to over shardclient.Client/Pool) or, when none is configured, a
// fixed set of in-process shardsim.Actor instances for local/dev use.
// Returns a resolver plus a cleanup func to release pooled connections.
func buildActorResolver(cfg *config.Config) (split.ActorResolver, func()) {
	if len(cfg.ShardEndpoints) > 0 {
		pool := shardclient.NewPool()
		ids := make([]string, 0, len(cfg.ShardEndpoints))
		for id, url := range cfg.ShardEndpoints {
			pool.Add(id, url)
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Printf("Shard fleet: %d shard(s) over %v\n", len(ids), ids)

		client := shardclient.New(pool, cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerWindow, cfg.BreakerCooldown)
		resolve := func(shardID string) shardclient.Actor { return client.Actor(shardID) }
		cleanup := func() {
			for _, id := range ids {
				pool.Remove(id)
			}
		}
		return resolve, cleanup
	}

	fmt.Printf("Shard fleet: %d in-process shardsim actor(s) (SHARD_ENDPOINTS unset)\n", cfg.ShardCount)
	sim := newSimFleet(cfg.ShardCount)
	return sim.resolve, func() {}
}

// simFleet lazily mints shardsim.Actor instances for shard IDs a routing
// policy names ahead of ShardCount, guarding the backing map against the
// concurrent handler goroutines that call resolve.
type simFleet struct {
	mu     sync.Mutex
	actors map[string]*shardsim.Actor
}

func newSimFleet(count int) *simFleet {
	f := &simFleet{actors: make(map[string]*shardsim.Actor, count)}
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("shard-%d", i)
		f.actors[id] = shardsim.New(id)
	}
	return f
}

func (f *simFleet) resolve(shardID string) shardclient.Actor {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actors[shardID]
	if !ok {
		a = shardsim.New(shardID)
		f.actors[shardID] = a
	}
	return a
}

// actorBatchExecutor adapts an ActorResolver to batch.Executor, whose
// ExecuteBatch signature takes shardID directly rather than through a
// pre-bound receiver.
type actorBatchExecutor struct {
	resolve split.ActorResolver
}

func (e actorBatchExecutor) ExecuteBatch(ctx context.Context, shardID string, stmts []string) (shardclient.ExecResult, error) {
	return e.resolve(shardID).ExecuteBatch(ctx, stmts)
}
