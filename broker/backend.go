package broker

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/otclabs/brokerd/plugin"
	"github.com/otclabs/brokerd/queue"
	"github.com/otclabs/brokerd/recovery"
	"github.com/otclabs/brokerd/resolver"
	"github.com/otclabs/brokerd/store"
)

// Backend owns the lifecycle of every component: store, chain plugins,
// deal engine, queue dispatcher, recovery manager, resolver and the RPC
// listener.
type Backend struct {
	cfg     Config
	st      *store.Store
	plugins map[string]plugin.ChainPlugin

	engine     *Engine
	dispatcher *queue.Dispatcher
	recovery   *recovery.Manager
	resolver   *resolver.Resolver

	rpcSrv  *rpc.Server
	httpSrv *http.Server
}

func NewBackend(cfg Config, st *store.Store, plugins map[string]plugin.ChainPlugin) (*Backend, error) {
	engine := NewEngine(cfg.Engine, st, plugins)
	b := &Backend{
		cfg:        cfg,
		st:         st,
		plugins:    plugins,
		engine:     engine,
		dispatcher: queue.NewDispatcher(cfg.Queue, st, plugins),
		recovery:   recovery.NewManager(cfg.Recovery, st, plugins),
		resolver:   resolver.New(cfg.Resolver, st, plugins),
	}

	b.rpcSrv = rpc.NewServer()
	if err := b.rpcSrv.RegisterName("broker", NewAPI(engine)); err != nil {
		return nil, fmt.Errorf("register broker api: %w", err)
	}
	b.httpSrv = &http.Server{
		Handler:           b.rpcSrv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return b, nil
}

// Start launches every loop and begins serving RPC.
func (b *Backend) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", b.cfg.HTTP.Addr, b.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rpc listen on %s: %w", addr, err)
	}

	b.engine.Start(ctx)
	b.dispatcher.Start(ctx)
	b.recovery.Start(ctx)
	b.resolver.Start(ctx)

	go func() {
		if serr := b.httpSrv.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			log.Error("rpc server stopped", "err", serr)
		}
	}()
	log.Info("broker started", "rpc", ln.Addr(), "chains", len(b.plugins))
	return nil
}

// Stop shuts the service down in dependency order: recovery first so no
// new recovery writes race the drain, then the engine, then the
// dispatcher and resolver, then the RPC surface, and the store last.
func (b *Backend) Stop() error {
	b.recovery.StopAndWait()
	b.engine.StopAndWait()
	b.dispatcher.StopAndWait()
	b.resolver.StopAndWait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.httpSrv.Shutdown(ctx); err != nil {
		log.Warn("rpc shutdown", "err", err)
	}
	b.rpcSrv.Stop()

	err := b.st.Close()
	log.Info("broker stopped")
	return err
}
