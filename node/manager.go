package node

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/RAttab/slick-network/logger"
)

// Manager runs multiple nodes in one process, mostly for the interactive
// TUI and local experiments. The first node becomes the seed for every
// node created after it.
type Manager struct {
	nodes  []*Node // maintain order with slice
	mu     sync.RWMutex
	nextID int
}

// NewManager creates a new node manager.
func NewManager() *Manager {
	return &Manager{nextID: 1}
}

// CreateNode creates and starts a new node on an ephemeral port, seeded by
// the first running node if there is one.
func (m *Manager) CreateNode() (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	config := DefaultConfig(fmt.Sprintf("node-%d", m.nextID))
	config.Port = 0 // ephemeral

	if len(m.nodes) > 0 {
		seed, err := m.nodes[0].Addr()
		if err == nil && len(seed) > 0 {
			config.Seeds = []string{seed[len(seed)-1].String()}
		}
	}

	node, err := New(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	if err := node.Start(); err != nil {
		return nil, fmt.Errorf("failed to start node: %w", err)
	}

	m.nextID++
	m.nodes = append(m.nodes, node)
	return node, nil
}

// DeleteNode stops and removes a node by its index in the list.
func (m *Manager) DeleteNode(index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.nodes) {
		m.mu.Unlock()
		return fmt.Errorf("invalid node index: %d", index)
	}
	node := m.nodes[index]
	m.nodes = append(m.nodes[:index], m.nodes[index+1:]...)
	m.mu.Unlock()

	// Stop asynchronously so the caller (the TUI) is not blocked on
	// connection teardown.
	go func() {
		if err := node.Stop(); err != nil {
			logger.Errorf("error stopping node %s: %v", node.GetConfig().Name, err)
		}
	}()
	return nil
}

// GetNodes returns all nodes in creation order.
func (m *Manager) GetNodes() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	return nodes
}

// StopAll stops every node and aggregates the errors.
func (m *Manager) StopAll() error {
	m.mu.Lock()
	nodes := make([]*Node, len(m.nodes))
	copy(nodes, m.nodes)
	m.nodes = nil
	m.mu.Unlock()

	var err error
	for _, node := range nodes {
		err = multierr.Append(err, node.Stop())
	}
	return err
}
