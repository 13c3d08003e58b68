// internal/model/session.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VendorType represents a supported network device vendor dialect
type VendorType string

const (
	VendorCisco   VendorType = "cisco"
	VendorH3C     VendorType = "h3c"
	VendorJuniper VendorType = "juniper"
	VendorHuawei  VendorType = "huawei"
)

// AllVendors is the closed set of supported vendors.
var AllVendors = []VendorType{VendorCisco, VendorH3C, VendorJuniper, VendorHuawei}

// IsValid reports whether v is a member of the supported vendor set.
func (v VendorType) IsValid() bool {
	switch v {
	case VendorCisco, VendorH3C, VendorJuniper, VendorHuawei:
		return true
	}
	return false
}

// SessionStatus represents the current status of a session
type SessionStatus string

const (
	SessionStatusCreated      SessionStatus = "CREATED"
	SessionStatusConnected    SessionStatus = "CONNECTED"
	SessionStatusDisconnected SessionStatus = "DISCONNECTED"
	SessionStatusError        SessionStatus = "ERROR"
)

// ConnectionState represents the state of a transport connection
type ConnectionState string

const (
	ConnStateDisconnected ConnectionState = "DISCONNECTED"
	ConnStateConnecting   ConnectionState = "CONNECTING"
	ConnStateConnected    ConnectionState = "CONNECTED"
)

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// validBaudRates are the standard RS-232 rates accepted by ConnectionConfig.
var validBaudRates = map[int]bool{
	300: true, 600: true, 1200: true, 2400: true, 4800: true,
	9600: true, 19200: true, 38400: true, 57600: true, 115200: true,
}

// ConnectionConfig holds validated serial line parameters. Construct it with
// NewConnectionConfig; a zero value is not usable.
type ConnectionConfig struct {
	BaudRate     int           `json:"baud_rate"`
	DataBits     int           `json:"data_bits"`
	Parity       string        `json:"parity"`    // N, E, O, M, S
	StopBits     float64       `json:"stop_bits"` // 1, 1.5, 2
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

// NewConnectionConfig validates every field at construction. Invalid
// combinations fail here, never silently default.
func NewConnectionConfig(baudRate, dataBits int, parity string, stopBits float64, readTimeout, writeTimeout time.Duration) (*ConnectionConfig, error) {
	if !validBaudRates[baudRate] {
		return nil, fmt.Errorf("invalid baud rate: %d", baudRate)
	}
	if dataBits < 5 || dataBits > 8 {
		return nil, fmt.Errorf("invalid data bits: %d (must be 5-8)", dataBits)
	}
	switch parity {
	case "N", "E", "O", "M", "S":
	default:
		return nil, fmt.Errorf("invalid parity: %q (must be N, E, O, M or S)", parity)
	}
	switch stopBits {
	case 1, 1.5, 2:
	default:
		return nil, fmt.Errorf("invalid stop bits: %v (must be 1, 1.5 or 2)", stopBits)
	}
	if readTimeout <= 0 {
		return nil, fmt.Errorf("read timeout must be positive, got %v", readTimeout)
	}
	if writeTimeout <= 0 {
		return nil, fmt.Errorf("write timeout must be positive, got %v", writeTimeout)
	}
	return &ConnectionConfig{
		BaudRate:     baudRate,
		DataBits:     dataBits,
		Parity:       parity,
		StopBits:     stopBits,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}, nil
}

// CommandRecord is one entry in a session's command history
type CommandRecord struct {
	Command   string    `json:"command" db:"command_text"`
	Output    string    `json:"output" db:"output_text"`
	Success   bool      `json:"success" db:"success"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Session represents one logical device conversation bound to one port.
// The session holds only the port name as a reference to its transport; the
// connection manager owns the transport object itself.
type Session struct {
	ID             uuid.UUID       `json:"session_id" db:"session_id"`
	DeviceName     string          `json:"device_name" db:"device_name"`
	Port           string          `json:"port" db:"com_port"`
	BaudRate       int             `json:"baud_rate" db:"baud_rate"`
	Vendor         VendorType      `json:"vendor_type" db:"vendor_type"`
	Username       string          `json:"username,omitempty" db:"-"`
	Password       string          `json:"-" db:"-"`
	DeviceModel    string          `json:"device_model" db:"device_model"`
	OSVersion      string          `json:"os_version" db:"os_version"`
	Status         SessionStatus   `json:"status" db:"status"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"-"`
	StartTime      time.Time       `json:"start_time" db:"start_time"`
	ConnectedAt    *time.Time      `json:"connected_at,omitempty" db:"-"`
	DisconnectedAt *time.Time      `json:"disconnected_at,omitempty" db:"end_time"`
	Commands       []CommandRecord `json:"commands" db:"-"`
	VendorData     JSONObject      `json:"vendor_specific_data" db:"vendor_specific_data"`
}

// AddCommand appends an executed command to the session history
func (s *Session) AddCommand(command, output string, success bool) {
	s.Commands = append(s.Commands, CommandRecord{
		Command:   command,
		Output:    output,
		Success:   success,
		Timestamp: time.Now().UTC(),
	})
}

// IsConnected reports whether the session is in the connected state
func (s *Session) IsConnected() bool {
	return s.Status == SessionStatusConnected
}

// CommandResult is the immutable outcome of one execute/send-enter call
type CommandResult struct {
	Command       string        `json:"command"`
	Output        string        `json:"output"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
	Timestamp     time.Time     `json:"timestamp"`
}

// DeviceInfo is the normalized record produced by vendor inventory parsing
type DeviceInfo struct {
	DeviceModel    string     `json:"device_model,omitempty"`
	OSVersion      string     `json:"os_version,omitempty"`
	SerialNumber   string     `json:"serial_number,omitempty"`
	Hostname       string     `json:"hostname,omitempty"`
	Uptime         string     `json:"uptime,omitempty"`
	VendorSpecific JSONObject `json:"vendor_specific,omitempty"`
}

// PortInfo describes one enumerated physical serial port
type PortInfo struct {
	Device      string `json:"device"`
	Description string `json:"description"`
	HardwareID  string `json:"hardware_id"`
}

// ConnectionStats is a read-only snapshot of transport counters
type ConnectionStats struct {
	Port              string     `json:"port"`
	IsConnected       bool       `json:"is_connected"`
	Vendor            VendorType `json:"vendor_type,omitempty"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	UptimeSeconds     float64    `json:"uptime_seconds"`
	BytesSent         int64      `json:"bytes_sent"`
	BytesReceived     int64      `json:"bytes_received"`
	CommandsSent      int64      `json:"commands_sent"`
	ResponsesReceived int64      `json:"responses_received"`
	ErrorCount        int64      `json:"error_count"`
	SuccessRate       float64    `json:"success_rate"`
}
