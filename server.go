package tabmux

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/tabmux/agenthub"
	"pkt.systems/tabmux/correlator"
	"pkt.systems/tabmux/dispatch"
	"pkt.systems/tabmux/internal/eventbus"
	"pkt.systems/tabmux/mcpapi"
	"pkt.systems/tabmux/registry"
	"pkt.systems/tabmux/schema"
)

// Server composes the broker: the tab agent hub, the command
// correlator, the tool dispatcher, and the client-facing API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	API      mcpapi.Config
	Dispatch dispatch.Config
}

// New constructs a tabmux server.
func New(cfg ServerConfig, logger pslog.Logger) (Server, error) {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	bus := eventbus.New(logger)
	reg := registry.New(bus, logger)
	hub := agenthub.New(reg, logger)
	corr := correlator.New(hub, reg, logger)
	hub.SetResponseSink(corr)
	hub.SetConsoleSink(bus.OnConsole)
	disp := dispatch.New(cfg.Dispatch, corr, reg, logger)
	api := mcpapi.NewServer(cfg.API, disp, hub, reg)
	api.SetPendingCounter(corr.Pending)

	return &brokerServer{
		cfg:  cfg,
		bus:  bus,
		hub:  hub,
		corr: corr,
		api:  api,
	}, nil
}

type brokerServer struct {
	cfg  ServerConfig
	bus  *eventbus.Bus
	hub  *agenthub.Hub
	corr *correlator.Correlator
	api  *mcpapi.Server

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
	logger  pslog.Logger
}

func (s *brokerServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info("server start", "addr", s.cfg.API.Addr)
	s.api.StartSweeper(s.ctx)
	s.api.StartNotifier(s.ctx, s.bus)
	go func() {
		if err := mcpapi.ListenAndServe(s.ctx, s.cfg.API.Addr, s.api.Handler()); err != nil {
			log.Error("api server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *brokerServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *brokerServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested", "pending", s.corr.Pending(), "agents", s.hub.ConnCount())
	s.api.SetDraining(true)
	s.corr.Close(schema.ErrShuttingDown)
	s.hub.Close()
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
