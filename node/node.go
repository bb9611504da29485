package node

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/RAttab/slick-network/discovery"
	"github.com/RAttab/slick-network/logger"
	"github.com/RAttab/slick-network/metrics"
	"github.com/RAttab/slick-network/transport"
)

// Node hosts one discovery engine: it binds the endpoint, wires metrics and
// runs the engine until stopped.
type Node struct {
	config *Config

	mu       sync.RWMutex
	engine   *discovery.Engine
	endpoint *transport.Endpoint
	mets     *metrics.Metrics
	metsrv   *http.Server
}

// New creates a node with the given configuration.
func New(config *Config) (*Node, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Node{config: config}, nil
}

// Start binds the listen port and launches the engine.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	seeds, err := n.config.SeedAddrs()
	if err != nil {
		return err
	}

	ep, err := transport.Listen(n.config.Port)
	if err != nil {
		return fmt.Errorf("failed to bind port %d: %w", n.config.Port, err)
	}

	self, err := transport.LocalNode(ep.Port())
	if err != nil {
		ep.Shutdown()
		return fmt.Errorf("failed to resolve local addresses: %w", err)
	}

	n.mets = metrics.New()
	n.endpoint = ep
	n.engine = discovery.New(seeds, self, ep,
		discovery.WithTTL(n.config.TTL),
		discovery.WithPeriod(n.config.Period),
		discovery.WithConnExpThresh(n.config.ConnExpThresh),
		discovery.WithMetrics(n.mets),
	)
	n.engine.Start()

	if n.config.MetricsAddr != "" {
		n.metsrv = &http.Server{Addr: n.config.MetricsAddr, Handler: n.mets.Handler()}
		go func() {
			if err := n.metsrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	logger.Infof("node %s listening on :%d (id %s, seeds %v)",
		n.config.Name, ep.Port(), n.engine.ID(), n.config.Seeds)
	return nil
}

// Stop shuts the engine, the endpoint and the metrics server down.
func (n *Node) Stop() error {
	n.mu.Lock()
	engine := n.engine
	metsrv := n.metsrv
	n.engine = nil
	n.metsrv = nil
	n.mu.Unlock()

	if engine == nil {
		return nil
	}

	logger.Infof("stopping node %s...", n.config.Name)

	var err error
	if metsrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, metsrv.Shutdown(ctx))
		cancel()
	}
	err = multierr.Append(err, engine.Close())

	logger.Infof("node %s stopped", n.config.Name)
	return err
}

// GetConfig returns the node configuration.
func (n *Node) GetConfig() *Config {
	return n.config
}

func (n *Node) get() (*discovery.Engine, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.engine == nil {
		return nil, ErrNotStarted
	}
	return n.engine, nil
}

// ID returns the engine's cluster identity.
func (n *Node) ID() (uuid.UUID, error) {
	eng, err := n.get()
	if err != nil {
		return uuid.UUID{}, err
	}
	return eng.ID(), nil
}

// Addr returns the addresses the node advertises.
func (n *Node) Addr() (transport.NodeAddress, error) {
	eng, err := n.get()
	if err != nil {
		return nil, err
	}
	return eng.Node(), nil
}

// Publish stores and advertises a value under key.
func (n *Node) Publish(key string, payload []byte) error {
	eng, err := n.get()
	if err != nil {
		return err
	}
	eng.Publish(key, payload)
	return nil
}

// Retract withdraws a published value.
func (n *Node) Retract(key string) error {
	eng, err := n.get()
	if err != nil {
		return err
	}
	eng.Retract(key)
	return nil
}

// Discover registers a watch on key.
func (n *Node) Discover(key string, handle discovery.WatchHandle, fn discovery.WatchFn) error {
	eng, err := n.get()
	if err != nil {
		return err
	}
	eng.Discover(key, handle, fn)
	return nil
}

// Forget removes a watch.
func (n *Node) Forget(key string, handle discovery.WatchHandle) error {
	eng, err := n.get()
	if err != nil {
		return err
	}
	eng.Forget(key, handle)
	return nil
}
