// internal/model/session_test.go
package model

import (
	"testing"
	"time"
)

func TestNewConnectionConfig(t *testing.T) {
	tests := []struct {
		name     string
		baudRate int
		dataBits int
		parity   string
		stopBits float64
		wantErr  bool
	}{
		{"standard 9600 8N1", 9600, 8, "N", 1, false},
		{"high speed", 115200, 8, "N", 1, false},
		{"even parity", 9600, 7, "E", 1, false},
		{"one and a half stop bits", 9600, 5, "N", 1.5, false},
		{"two stop bits", 9600, 8, "O", 2, false},
		{"nonstandard baud", 1234, 8, "N", 1, true},
		{"zero baud", 0, 8, "N", 1, true},
		{"data bits too small", 9600, 4, "N", 1, true},
		{"data bits too large", 9600, 9, "N", 1, true},
		{"bad parity", 9600, 8, "X", 1, true},
		{"bad stop bits", 9600, 8, "N", 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConnectionConfig(tt.baudRate, tt.dataBits, tt.parity, tt.stopBits, time.Second, time.Second)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewConnectionConfig: %v", err)
			}
			if cfg.BaudRate != tt.baudRate {
				t.Fatalf("baud rate = %d, want %d", cfg.BaudRate, tt.baudRate)
			}
		})
	}
}

func TestNewConnectionConfigRejectsNonPositiveTimeouts(t *testing.T) {
	if _, err := NewConnectionConfig(9600, 8, "N", 1, 0, time.Second); err == nil {
		t.Fatal("expected error for zero read timeout")
	}
	if _, err := NewConnectionConfig(9600, 8, "N", 1, time.Second, -time.Second); err == nil {
		t.Fatal("expected error for negative write timeout")
	}
}

func TestVendorTypeIsValid(t *testing.T) {
	for _, v := range AllVendors {
		if !v.IsValid() {
			t.Errorf("%s should be valid", v)
		}
	}
	if VendorType("netgear").IsValid() {
		t.Error("unknown vendor reported valid")
	}
	if VendorType("").IsValid() {
		t.Error("empty vendor reported valid")
	}
}

func TestSessionAddCommand(t *testing.T) {
	s := &Session{Status: SessionStatusConnected}
	if !s.IsConnected() {
		t.Fatal("expected connected")
	}

	s.AddCommand("show version", "output", true)
	s.AddCommand("show vlan", "", false)

	if len(s.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(s.Commands))
	}
	if s.Commands[0].Command != "show version" || !s.Commands[0].Success {
		t.Fatalf("first record wrong: %+v", s.Commands[0])
	}
	if s.Commands[1].Timestamp.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestJSONObjectScan(t *testing.T) {
	var obj JSONObject
	if err := obj.Scan([]byte(`{"model":"WS-C2960","ports":24}`)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if obj["model"] != "WS-C2960" {
		t.Fatalf("scan lost data: %v", obj)
	}

	value, err := obj.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if value == nil {
		t.Fatal("expected serialized value")
	}

	var nilObj JSONObject
	if v, err := nilObj.Value(); err != nil || v != nil {
		t.Fatalf("nil object should serialize to SQL NULL, got %v/%v", v, err)
	}
}
