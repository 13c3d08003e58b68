// internal/transport/manager.go
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"console-service/internal/model"
	"console-service/internal/vendor"
)

// listPorts is swappable so tests can inject fake enumeration results.
var listPorts = enumerator.GetDetailedPortsList

// ManagerConfig tunes the reconnect monitor
type ManagerConfig struct {
	MonitorInterval      time.Duration
	ReconnectBackoff     time.Duration
	MaxReconnectAttempts int // 0 means unlimited

	// OpenPort overrides the serial port factory for every connection this
	// manager creates; nil means the platform implementation
	OpenPort func(port string, mode *serial.Mode) (serial.Port, error)
}

// ConnectionListener is notified on connect and disconnect of a port
type ConnectionListener func(port string, connected bool)

// Manager owns all transport connections, keyed by port name, and runs a
// background monitor that reattaches dropped links.
type Manager struct {
	config ManagerConfig
	logger *zap.Logger

	mu                sync.RWMutex
	connections       map[string]*Connection
	reconnectAttempts map[string]int
	listeners         []ConnectionListener
	dataListener      func(port string, data []byte)

	running    bool
	cancelFunc context.CancelFunc
	monitorWG  sync.WaitGroup
}

// NewManager creates a connection manager. Zero config fields fall back to
// the defaults the monitor was tuned with.
func NewManager(config ManagerConfig, logger *zap.Logger) *Manager {
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = 5 * time.Second
	}
	if config.ReconnectBackoff <= 0 {
		config.ReconnectBackoff = time.Second
	}
	return &Manager{
		config:            config,
		logger:            logger.With(zap.String("component", "transport_manager")),
		connections:       make(map[string]*Connection),
		reconnectAttempts: make(map[string]int),
	}
}

// Start launches the reconnect monitor. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancelFunc = cancel
	m.monitorWG.Add(1)
	go m.monitor(ctx)

	m.logger.Info("Connection manager started",
		zap.Duration("monitor_interval", m.config.MonitorInterval),
	)
}

// Stop disconnects every port and halts the monitor
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancelFunc()

	ports := make([]string, 0, len(m.connections))
	for port := range m.connections {
		ports = append(ports, port)
	}
	m.mu.Unlock()

	for _, port := range ports {
		if err := m.Disconnect(port); err != nil {
			m.logger.Error("Disconnect during shutdown failed",
				zap.String("port", port), zap.Error(err))
		}
	}

	m.monitorWG.Wait()
	m.logger.Info("Connection manager stopped")
}

// ListPorts enumerates the physical serial ports on this host
func (m *Manager) ListPorts() ([]model.PortInfo, error) {
	ports, err := listPorts()
	if err != nil {
		m.logger.Error("Failed to enumerate serial ports", zap.Error(err))
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	infos := make([]model.PortInfo, 0, len(ports))
	for _, p := range ports {
		info := model.PortInfo{
			Device:      p.Name,
			Description: p.Product,
		}
		if p.IsUSB {
			info.HardwareID = fmt.Sprintf("USB VID:PID=%s:%s SER=%s", p.VID, p.PID, p.SerialNumber)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Connect opens a transport on the port with the given vendor dialect.
// A port carries at most one connection; connecting a port that is already
// live is a no-op returning the existing connection.
func (m *Manager) Connect(ctx context.Context, port string, vendorType model.VendorType, config *model.ConnectionConfig) (*Connection, error) {
	m.mu.RLock()
	existing, exists := m.connections[port]
	m.mu.RUnlock()
	if exists {
		if existing.IsConnected() {
			return existing, nil
		}
		// A dropped connection still in the table gets replaced
		m.removeConnection(port)
	}

	profile := vendor.GetProfile(vendorType)
	if vendorType != "" && profile == nil {
		return nil, fmt.Errorf("unsupported vendor %q", vendorType)
	}

	conn := NewConnection(port, config, profile, m.logger)
	conn.open = m.config.OpenPort
	conn.SetDataCallback(func(data []byte) {
		m.mu.RLock()
		listener := m.dataListener
		m.mu.RUnlock()
		if listener != nil {
			listener(port, data)
		}
	})

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.connections[port] = conn
	m.reconnectAttempts[port] = 0
	m.mu.Unlock()

	m.notifyListeners(port, true)
	m.logger.Info("Port connected",
		zap.String("port", port),
		zap.String("vendor", string(vendorType)),
	)
	return conn, nil
}

// Disconnect closes the transport on a port and drops it from the table
func (m *Manager) Disconnect(port string) error {
	m.mu.RLock()
	conn, ok := m.connections[port]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no connection on %s", model.ErrConnectionFailure, port)
	}

	err := conn.Disconnect()
	m.removeConnection(port)
	m.notifyListeners(port, false)
	m.logger.Info("Port disconnected", zap.String("port", port))
	return err
}

func (m *Manager) removeConnection(port string) {
	m.mu.Lock()
	delete(m.connections, port)
	delete(m.reconnectAttempts, port)
	m.mu.Unlock()
}

// Get returns the connection on a port, if any
func (m *Manager) Get(port string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connections[port]
	return conn, ok
}

// SendCommand forwards a command to the connection on the port
func (m *Manager) SendCommand(ctx context.Context, port, command string, timeout time.Duration) (string, bool, error) {
	conn, ok := m.Get(port)
	if !ok {
		return "", false, fmt.Errorf("%w: no connection on %s", model.ErrConnectionFailure, port)
	}
	return conn.SendCommand(ctx, command, timeout)
}

// Stats returns counters for one port
func (m *Manager) Stats(port string) (model.ConnectionStats, error) {
	conn, ok := m.Get(port)
	if !ok {
		return model.ConnectionStats{}, fmt.Errorf("%w: no connection on %s", model.ErrConnectionFailure, port)
	}
	return conn.Stats(), nil
}

// AllStats returns counters for every tracked port
func (m *Manager) AllStats() map[string]model.ConnectionStats {
	m.mu.RLock()
	conns := make(map[string]*Connection, len(m.connections))
	for port, conn := range m.connections {
		conns[port] = conn
	}
	m.mu.RUnlock()

	out := make(map[string]model.ConnectionStats, len(conns))
	for port, conn := range conns {
		out[port] = conn.Stats()
	}
	return out
}

// IsAnyConnected reports whether at least one port is live
func (m *Manager) IsAnyConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, conn := range m.connections {
		if conn.IsConnected() {
			return true
		}
	}
	return false
}

// AddListener registers a connection state listener
func (m *Manager) AddListener(listener ConnectionListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// SetDataListener registers the raw data fanout target. Incoming bytes from
// every port are forwarded with their port name.
func (m *Manager) SetDataListener(listener func(port string, data []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dataListener = listener
}

func (m *Manager) notifyListeners(port string, connected bool) {
	m.mu.RLock()
	listeners := make([]ConnectionListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		listener(port, connected)
	}
}

// monitor periodically scans for dropped connections and reattaches them.
// Ports that exhaust the attempt budget are removed from the table.
func (m *Manager) monitor(ctx context.Context) {
	defer m.monitorWG.Done()

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkConnections(ctx)
		}
	}
}

func (m *Manager) checkConnections(ctx context.Context) {
	m.mu.RLock()
	dropped := make(map[string]*Connection)
	for port, conn := range m.connections {
		if !conn.IsConnected() {
			dropped[port] = conn
		}
	}
	m.mu.RUnlock()

	for port, conn := range dropped {
		m.mu.Lock()
		m.reconnectAttempts[port]++
		attempt := m.reconnectAttempts[port]
		m.mu.Unlock()

		if attempt == 1 {
			m.notifyListeners(port, false)
		}

		max := m.config.MaxReconnectAttempts
		if max > 0 && attempt > max {
			m.logger.Error("Reconnect attempts exhausted, dropping port",
				zap.String("port", port),
				zap.Int("attempts", attempt-1),
			)
			m.removeConnection(port)
			continue
		}

		m.logger.Warn("Connection lost, attempting reconnect",
			zap.String("port", port),
			zap.Int("attempt", attempt),
		)

		connectCtx, cancel := context.WithTimeout(ctx, m.config.MonitorInterval)
		err := conn.Connect(connectCtx)
		cancel()
		if err != nil {
			m.logger.Error("Reconnect failed",
				zap.String("port", port),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.config.ReconnectBackoff):
			}
			continue
		}

		m.mu.Lock()
		m.reconnectAttempts[port] = 0
		m.mu.Unlock()
		m.notifyListeners(port, true)
		m.logger.Info("Reconnected", zap.String("port", port))
	}
}
