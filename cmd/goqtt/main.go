package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pyr33x/goqtt-router/internal/broker"
	"github.com/pyr33x/goqtt-router/internal/cluster"
	"github.com/pyr33x/goqtt-router/internal/config"
	"github.com/pyr33x/goqtt-router/internal/hooks"
	"github.com/pyr33x/goqtt-router/internal/logger"
	"github.com/pyr33x/goqtt-router/internal/store/pg"
	"github.com/pyr33x/goqtt-router/internal/store/sqlite"
	"github.com/pyr33x/goqtt-router/internal/transport"

	authpkg "github.com/pyr33x/goqtt-router/internal/auth"
)

func configPath() string {
	if p := os.Getenv("GOQTT_CONFIG"); p != "" {
		return p
	}
	return "config.yml"
}

// openRetainedStore picks the retained-message persister per
// retained.storage and, for the durable case, the DSN scheme
// (SPEC_FULL.md §3: postgres:// routes to internal/store/pg, anything
// else to internal/store/sqlite).
func openRetainedStore(ctx context.Context, cfg *config.Config) (broker.Persister, func(), error) {
	if cfg.Retained.Storage != "durable" {
		return nil, func() {}, nil
	}

	dsn := cfg.Retained.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		store, err := pg.Open(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	if dsn == "" {
		dsn = "./store/retained.db"
	}
	store, err := sqlite.Open(dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func gracefulShutdown(log *logger.Logger, tcpServer *transport.TCPServer, routes *cluster.RouteTable, cancel context.CancelFunc, done chan struct{}) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("graceful shutdown triggered")

	defer cancel()
	if err := tcpServer.Stop(); err != nil {
		log.LogError(err, "error stopping tcp server")
	}
	if err := routes.Close(); err != nil {
		log.LogError(err, "error stopping route table workers")
	}
	time.Sleep(1 * time.Second)

	close(done)
}

// registerLuaHook loads cfg.Hooks.LuaScript (if set) and wires its
// on_message_publish/on_check_acl entrypoints into chain, so a deployment
// can gate publishes or ACL decisions from a script without a custom Go
// build (spec.md §4.9). Returns a no-op closer when no script is
// configured.
func registerLuaHook(cfg *config.Config, chain *hooks.Chain, log *logger.Logger) func() {
	if cfg.Hooks.LuaScript == "" {
		return func() {}
	}

	lh, err := hooks.NewLuaHook(cfg.Hooks.LuaScript)
	if err != nil {
		log.LogError(err, "failed to load lua hook script", logger.String("path", cfg.Hooks.LuaScript))
		return func() {}
	}

	chain.Register(hooks.OnMessagePublish, "lua", 0, "", lh.Callback("on_message_publish"))
	chain.Register(hooks.OnACLCheck, "lua", 0, "", lh.Callback("on_check_acl"))
	log.Info("lua hook script loaded", logger.String("path", cfg.Hooks.LuaScript))
	return lh.Close
}

func main() {
	// Before the logger is initialized, bootstrap failures go to
	// os.Stderr directly, exactly as the teacher does.
	cfg, err := config.Load(configPath())
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.InitGlobalLogger(logger.ProductionConfig())
	log := logger.NewMQTTLogger("main")

	authStoreBackend, err := sqlite.Open("./store/auth.db")
	if err != nil {
		log.Fatal("failed to open auth store", logger.ErrorAttr(err))
		return
	}
	authStore := authpkg.New(authStoreBackend.DB())

	ctx, cancel := context.WithCancel(context.Background())

	persist, closePersist, err := openRetainedStore(ctx, cfg)
	if err != nil {
		log.Fatal("failed to open retained store", logger.ErrorAttr(err))
		return
	}
	defer closePersist()

	lockMode, _ := cluster.ParseLockMode(cfg.Routing.LockMode)
	routes := cluster.NewRouteTable(cfg.Routing.WorkerPoolSize, lockMode)

	chain := hooks.NewChain()
	closeLuaHook := registerLuaHook(cfg, chain, log)
	defer closeLuaHook()

	brokerCfg := cfg.BrokerConfig()
	brokerCfg.NodeID = uuid.NewString()

	b, err := broker.New(brokerCfg, persist, authStore, chain, routes, cluster.NoopForwarder{})
	if err != nil {
		log.Fatal("failed to construct broker", logger.ErrorAttr(err))
		return
	}

	done := make(chan struct{}, 1)
	srv := transport.New(cfg.Server.Port, b, authStore)

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.Fatal("server error", logger.ErrorAttr(err))
		}
	}()
	log.Info("server started listening", logger.String("port", cfg.Server.Port), logger.String("node_id", brokerCfg.NodeID))

	go gracefulShutdown(log, srv, routes, cancel, done)

	<-done
	log.Info("graceful shutdown complete")
}
