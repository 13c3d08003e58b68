// internal/service/session_lifecycle_test.go
package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"console-service/internal/model"
)

// scriptedPort is a serial.Port that answers each write with canned device
// output, close enough to a switch console to drive full session flows.
type scriptedPort struct {
	mu        sync.Mutex
	writes    []string
	respond   func(index int, line string) string
	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// newScriptedPort builds a port whose respond function is called once per
// write with the write index and the line without its terminator; a non-empty
// return value is fed back as received data.
func newScriptedPort(respond func(index int, line string) string) *scriptedPort {
	return &scriptedPort{
		respond: respond,
		reads:   make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	select {
	case data := <-p.reads:
		return copy(b, data), nil
	case <-p.closed:
		return 0, errors.New("port closed")
	case <-time.After(5 * time.Millisecond):
		// Poll timeout
		return 0, nil
	}
}

func (p *scriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	index := len(p.writes)
	p.writes = append(p.writes, string(b))
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		if reply := respond(index, strings.TrimRight(string(b), "\r\n")); reply != "" {
			p.reads <- []byte(reply)
		}
	}
	return len(b), nil
}

func (p *scriptedPort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *scriptedPort) writtenLines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.writes))
	copy(out, p.writes)
	return out
}

func (p *scriptedPort) SetMode(mode *serial.Mode) error                      { return nil }
func (p *scriptedPort) SetReadTimeout(t time.Duration) error                 { return nil }
func (p *scriptedPort) SetDTR(dtr bool) error                                { return nil }
func (p *scriptedPort) SetRTS(rts bool) error                                { return nil }
func (p *scriptedPort) Drain() error                                         { return nil }
func (p *scriptedPort) ResetInputBuffer() error                              { return nil }
func (p *scriptedPort) ResetOutputBuffer() error                             { return nil }
func (p *scriptedPort) Break(d time.Duration) error                          { return nil }
func (p *scriptedPort) GetModemStatusBits() (*serial.ModemStatusBits, error) { return nil, nil }

func TestSessionLifecycle(t *testing.T) {
	device := newScriptedPort(func(index int, line string) string {
		if line == "show version" {
			return "Cisco IOS Software, Version 15.2\r\nSwitch#"
		}
		return ""
	})
	f := newServiceFixtureWithPort(t, func(port string, mode *serial.Mode) (serial.Port, error) {
		return device, nil
	})
	ctx := context.Background()

	session, err := f.service.CreateSession(ctx, &CreateSessionRequest{
		Port:   "COM3",
		Vendor: model.VendorCisco,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := f.service.ConnectSession(ctx, session.ID); err != nil {
		t.Fatalf("ConnectSession: %v", err)
	}
	if got := f.sessionRepo.stored(session.ID); got.Status != model.SessionStatusConnected {
		t.Fatalf("status after connect = %s, want %s", got.Status, model.SessionStatusConnected)
	}

	result := f.service.ExecuteCommand(ctx, session.ID, "show version")
	if !result.Success {
		t.Fatalf("command failed: %s", result.Error)
	}
	if result.Output != "Cisco IOS Software, Version 15.2" {
		t.Errorf("output = %q, want device version banner", result.Output)
	}

	if n, _ := f.historyRepo.CountBySession(ctx, session.ID); n != 1 {
		t.Errorf("history records = %d, want 1", n)
	}
	if got := f.events.byType(model.EventCommandExecuted); len(got) != 1 {
		t.Errorf("expected one command event, got %d", len(got))
	}

	if err := f.service.DisconnectSession(ctx, session.ID); err != nil {
		t.Fatalf("DisconnectSession: %v", err)
	}
	if got := f.sessionRepo.stored(session.ID); got.Status != model.SessionStatusDisconnected {
		t.Errorf("status after disconnect = %s, want %s", got.Status, model.SessionStatusDisconnected)
	}
	if _, ok := f.manager.Get("COM3"); ok {
		t.Error("port still registered after disconnect")
	}
}

func TestConnectSessionAutomatesLogin(t *testing.T) {
	device := newScriptedPort(func(index int, line string) string {
		switch index {
		case 0:
			return "Username: "
		case 1:
			return "Password: "
		}
		return ""
	})
	f := newServiceFixtureWithPort(t, func(port string, mode *serial.Mode) (serial.Port, error) {
		return device, nil
	})
	ctx := context.Background()

	session, err := f.service.CreateSession(ctx, &CreateSessionRequest{
		Port:     "COM3",
		Vendor:   model.VendorCisco,
		Username: "admin",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := f.service.ConnectSession(ctx, session.ID); err != nil {
		t.Fatalf("ConnectSession: %v", err)
	}

	// Nudge, username, password, settle
	want := []string{"\r\n", "admin\r\n", "secret\r\n", "\r\n"}
	got := device.writtenLines()
	if len(got) != len(want) {
		t.Fatalf("writes = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %q, want %q", i, got[i], want[i])
		}
	}

	if stored := f.sessionRepo.stored(session.ID); stored.Status != model.SessionStatusConnected {
		t.Errorf("status = %s, want %s", stored.Status, model.SessionStatusConnected)
	}
}
