// internal/transport/manager_test.go
package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"console-service/internal/model"
)

func installFakeEnumerator(t *testing.T, details []*enumerator.PortDetails, err error) {
	t.Helper()
	prev := listPorts
	listPorts = func() ([]*enumerator.PortDetails, error) {
		return details, err
	}
	t.Cleanup(func() { listPorts = prev })
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		MonitorInterval:  50 * time.Millisecond,
		ReconnectBackoff: 10 * time.Millisecond,
	}, zap.NewNop())
	t.Cleanup(m.Stop)
	return m
}

func TestListPorts(t *testing.T) {
	installFakeEnumerator(t, []*enumerator.PortDetails{
		{Name: "COM3", Product: "USB-Serial Controller", IsUSB: true, VID: "067B", PID: "2303", SerialNumber: "A1B2"},
		{Name: "/dev/ttyS0"},
	}, nil)

	m := newTestManager(t)
	ports, err := m.ListPorts()
	if err != nil {
		t.Fatalf("ListPorts: %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("expected 2 ports, got %d", len(ports))
	}
	if ports[0].Device != "COM3" || ports[0].HardwareID != "USB VID:PID=067B:2303 SER=A1B2" {
		t.Fatalf("unexpected USB port info: %+v", ports[0])
	}
	if ports[1].Device != "/dev/ttyS0" || ports[1].HardwareID != "" {
		t.Fatalf("unexpected plain port info: %+v", ports[1])
	}
}

func TestListPortsError(t *testing.T) {
	installFakeEnumerator(t, nil, errors.New("enumeration unavailable"))

	m := newTestManager(t)
	if _, err := m.ListPorts(); err == nil {
		t.Fatal("expected error")
	}
}

func TestConnectBusyPortReturnsExistingConnection(t *testing.T) {
	installFakePort(t, newFakePort())

	m := newTestManager(t)
	cfg := testConfig(t)

	first, err := m.Connect(context.Background(), "COM3", model.VendorCisco, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	second, err := m.Connect(context.Background(), "COM3", model.VendorCisco, cfg)
	if err != nil {
		t.Fatalf("connecting a live port must be a no-op, got %v", err)
	}
	if second != first {
		t.Fatal("expected the existing connection back")
	}
	if !second.IsConnected() {
		t.Fatal("existing connection should still be live")
	}
}

func TestConnectUnsupportedVendor(t *testing.T) {
	installFakePort(t, newFakePort())

	m := newTestManager(t)
	if _, err := m.Connect(context.Background(), "COM3", model.VendorType("netgear"), testConfig(t)); err == nil {
		t.Fatal("expected error for unsupported vendor")
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	installFakePort(t, newFakePort())

	m := newTestManager(t)
	if _, err := m.Connect(context.Background(), "COM3", model.VendorCisco, testConfig(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.Disconnect("COM3"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if _, ok := m.Get("COM3"); ok {
		t.Fatal("connection still tracked after disconnect")
	}
	if err := m.Disconnect("COM3"); !errors.Is(err, model.ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure on unknown port, got %v", err)
	}
}

func TestSendCommandUnknownPort(t *testing.T) {
	m := newTestManager(t)
	_, _, err := m.SendCommand(context.Background(), "COM9", "show version", time.Second)
	if !errors.Is(err, model.ErrConnectionFailure) {
		t.Fatalf("expected ErrConnectionFailure, got %v", err)
	}
}

func TestListenerNotifiedOnConnect(t *testing.T) {
	installFakePort(t, newFakePort())

	m := newTestManager(t)

	type event struct {
		port      string
		connected bool
	}
	events := make(chan event, 4)
	m.AddListener(func(port string, connected bool) {
		events <- event{port, connected}
	})

	if _, err := m.Connect(context.Background(), "COM3", model.VendorH3C, testConfig(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	select {
	case e := <-events:
		if e.port != "COM3" || !e.connected {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no connect notification")
	}

	m.Disconnect("COM3")
	select {
	case e := <-events:
		if e.port != "COM3" || e.connected {
			t.Fatalf("unexpected event: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no disconnect notification")
	}
}

func TestDataListenerReceivesRawBytes(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port)

	m := newTestManager(t)
	received := make(chan []byte, 4)
	m.SetDataListener(func(p string, data []byte) {
		if p == "COM3" {
			received <- data
		}
	})

	if _, err := m.Connect(context.Background(), "COM3", model.VendorCisco, testConfig(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	port.feed("banner text\r\n")
	select {
	case data := <-received:
		if string(data) != "banner text\r\n" {
			t.Fatalf("unexpected data: %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("data listener never fired")
	}
}

func TestReconnectExhaustionDropsPort(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port)

	m := NewManager(ManagerConfig{
		MonitorInterval:      time.Hour, // checkConnections is driven manually
		ReconnectBackoff:     time.Millisecond,
		MaxReconnectAttempts: 2,
	}, zap.NewNop())

	conn, err := m.Connect(context.Background(), "COM3", model.VendorCisco, testConfig(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Simulate a dropped link and a device that refuses to come back
	conn.Disconnect()
	prev := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	t.Cleanup(func() { openPort = prev })

	for i := 0; i < 3; i++ {
		m.checkConnections(context.Background())
	}

	if _, ok := m.Get("COM3"); ok {
		t.Fatal("port should be dropped after exhausting reconnect attempts")
	}
}

func TestReconnectRestoresConnection(t *testing.T) {
	port := newFakePort()
	installFakePort(t, port)

	m := NewManager(ManagerConfig{
		MonitorInterval:  time.Hour,
		ReconnectBackoff: time.Millisecond,
	}, zap.NewNop())

	conn, err := m.Connect(context.Background(), "COM3", model.VendorCisco, testConfig(t))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	conn.Disconnect()
	if conn.IsConnected() {
		t.Fatal("expected dropped connection")
	}

	// Next open attempt succeeds against a fresh fake device
	prev := openPort
	openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		return newFakePort(), nil
	}
	t.Cleanup(func() { openPort = prev })

	m.checkConnections(context.Background())

	if !conn.IsConnected() {
		t.Fatal("connection not restored")
	}
	if !m.IsAnyConnected() {
		t.Fatal("manager should report a live connection")
	}
}
