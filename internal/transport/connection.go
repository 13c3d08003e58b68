// internal/transport/connection.go
package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"console-service/internal/model"
	"console-service/internal/vendor"
)

// openPort is swappable so tests can inject a fake serial port.
var openPort = func(port string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(port, mode)
}

// readChunkSize matches the device-side line buffering of console UARTs;
// larger reads just batch more lines per wakeup.
const readChunkSize = 1024

// pollReadTimeout bounds each blocking read so the loop can observe shutdown.
const pollReadTimeout = 200 * time.Millisecond

// Connection wraps one serial port with prompt-aware response parsing.
// A single reader goroutine owns the receive buffer; all other access to
// shared state goes through the mutex.
type Connection struct {
	port    string
	config  *model.ConnectionConfig
	profile *vendor.Profile
	logger  *zap.Logger

	// open overrides the serial port factory; nil means the platform
	// implementation
	open func(port string, mode *serial.Mode) (serial.Port, error)

	mu          sync.Mutex
	serialPort  serial.Port
	state       model.ConnectionState
	connectedAt time.Time
	done        chan struct{}

	receiveBuffer string

	// responseCallback receives parsed response text (prompt-terminated
	// blocks and complete lines). dataCallback receives raw bytes as read.
	responseCallback func(string)
	dataCallback     func([]byte)

	// commandDone is the completion slot for the in-flight SendCommand.
	// The read loop signals it when a prompt lands in the buffer.
	commandDone chan struct{}

	// expectWatch holds the login automation matcher, if any
	expectWatch *substringWatch

	stats connStats
}

type connStats struct {
	bytesSent         int64
	bytesReceived     int64
	commandsSent      int64
	responsesReceived int64
	errorCount        int64
}

type substringWatch struct {
	needles []string // lowercase
	found   chan string
}

// NewConnection creates an unconnected transport for a port. The vendor
// profile may be nil; prompt matching is then disabled and SendCommand
// completes on the first received chunk.
func NewConnection(port string, config *model.ConnectionConfig, profile *vendor.Profile, logger *zap.Logger) *Connection {
	return &Connection{
		port:    port,
		config:  config,
		profile: profile,
		logger: logger.With(
			zap.String("component", "transport"),
			zap.String("port", port),
		),
		state: model.ConnStateDisconnected,
	}
}

// Port returns the port name this connection is bound to
func (c *Connection) Port() string { return c.port }

// Profile returns the vendor profile, or nil
func (c *Connection) Profile() *vendor.Profile { return c.profile }

// SetDataCallback registers a raw byte listener. Must be set before Connect.
func (c *Connection) SetDataCallback(cb func([]byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dataCallback = cb
}

// SetResponseCallback registers the default parsed text listener
func (c *Connection) SetResponseCallback(cb func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseCallback = cb
}

// Connect opens the serial port and starts the read loop. Calling Connect
// on an already connected transport is a no-op.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == model.ConnStateConnected || c.state == model.ConnStateConnecting {
		return nil
	}
	c.state = model.ConnStateConnecting

	c.logger.Info("Opening serial port",
		zap.Int("baud_rate", c.config.BaudRate),
		zap.Int("data_bits", c.config.DataBits),
		zap.String("parity", c.config.Parity),
	)

	mode := &serial.Mode{
		BaudRate: c.config.BaudRate,
		DataBits: c.config.DataBits,
		Parity:   parityMode(c.config.Parity),
		StopBits: stopBitsMode(c.config.StopBits),
	}

	open := c.open
	if open == nil {
		open = openPort
	}
	port, err := open(c.port, mode)
	if err != nil {
		c.state = model.ConnStateDisconnected
		c.stats.errorCount++
		c.logger.Error("Failed to open serial port", zap.Error(err))
		return fmt.Errorf("%w: open %s: %v", model.ErrConnectionFailure, c.port, err)
	}

	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		port.Close()
		c.state = model.ConnStateDisconnected
		c.stats.errorCount++
		return fmt.Errorf("%w: set read timeout on %s: %v", model.ErrConnectionFailure, c.port, err)
	}

	c.serialPort = port
	c.state = model.ConnStateConnected
	c.connectedAt = time.Now().UTC()
	c.receiveBuffer = ""
	c.done = make(chan struct{})

	go c.readLoop(port, c.done)

	c.logger.Info("Serial port opened")
	return nil
}

// Disconnect stops the read loop and closes the port. Safe to call on an
// already disconnected transport.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state != model.ConnStateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = model.ConnStateDisconnected
	close(c.done)
	port := c.serialPort
	c.serialPort = nil

	// Unblock any in-flight waiters
	if c.commandDone != nil {
		select {
		case c.commandDone <- struct{}{}:
		default:
		}
	}
	if c.expectWatch != nil {
		close(c.expectWatch.found)
		c.expectWatch = nil
	}
	c.mu.Unlock()

	if port != nil {
		if err := port.Close(); err != nil {
			c.logger.Error("Failed to close serial port", zap.Error(err))
			return fmt.Errorf("close %s: %w", c.port, err)
		}
	}
	c.logger.Info("Serial port closed")
	return nil
}

// IsConnected reports whether the transport is connected
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == model.ConnStateConnected
}

// readLoop is the sole writer of receiveBuffer. Parse errors are absorbed
// and counted; only port read errors end the loop.
func (c *Connection) readLoop(port serial.Port, done chan struct{}) {
	defer c.Disconnect()

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-done:
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			c.mu.Lock()
			c.stats.errorCount++
			c.mu.Unlock()
			c.logger.Error("Serial read error", zap.Error(err))
			return
		}
		if n == 0 {
			// Poll timeout, nothing received
			continue
		}

		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		c.handleChunk(chunk)
	}
}

// handleChunk appends decoded text to the buffer and runs the parsers.
// Callbacks fire after the lock is released so a slow consumer cannot
// stall the read loop's bookkeeping. Command completion is signaled only
// after every response has reached its callback; a SendCommand waiter must
// never wake before its output is collected.
func (c *Connection) handleChunk(chunk []byte) {
	text := strings.ToValidUTF8(string(chunk), "")

	c.mu.Lock()
	c.stats.bytesReceived += int64(len(chunk))
	dataCB := c.dataCallback
	c.receiveBuffer += text
	responses, commandComplete := c.processBufferLocked()
	responseCB := c.responseCallback
	done := c.commandDone
	c.mu.Unlock()

	if dataCB != nil {
		c.invokeCallback("data", func() { dataCB(chunk) })
	}
	if responseCB != nil {
		for _, r := range responses {
			response := r
			c.invokeCallback("response", func() { responseCB(response) })
		}
	}

	if commandComplete && done != nil {
		select {
		case done <- struct{}{}:
		default:
		}
	}
}

// invokeCallback absorbs a callback panic; a misbehaving consumer must not
// take down the read loop.
func (c *Connection) invokeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.stats.errorCount++
			c.mu.Unlock()
			c.logger.Error("Callback panic",
				zap.String("callback", name),
				zap.Any("panic", r),
			)
		}
	}()
	fn()
}

// processBufferLocked scans for login prompts, command prompts and complete
// lines, in that order. Returns the parsed text blocks to hand to the
// response callback and whether the in-flight command completed; the caller
// signals completion, after callback delivery. Caller holds the mutex.
func (c *Connection) processBufferLocked() (responses []string, commandComplete bool) {
	// Login automation watch: plain case-insensitive substring match
	if w := c.expectWatch; w != nil {
		lower := strings.ToLower(c.receiveBuffer)
		for _, needle := range w.needles {
			if idx := strings.Index(lower, needle); idx >= 0 {
				c.receiveBuffer = c.receiveBuffer[idx+len(needle):]
				c.expectWatch = nil
				w.found <- needle
				break
			}
		}
	}

	// Without prompt patterns any received data completes the in-flight
	// command; the whole buffer is the response
	if (c.profile == nil || len(c.profile.PromptPatterns) == 0) && c.commandDone != nil {
		if text := strings.TrimSpace(c.receiveBuffer); text != "" {
			responses = append(responses, text)
			c.stats.responsesReceived++
		}
		c.receiveBuffer = ""
		commandComplete = true
	}

	// Prompt detection: earliest match wins, ties go to the first
	// configured pattern
	if c.profile != nil {
		matchStart, matchEnd := -1, -1
		for _, pat := range c.profile.PromptPatterns {
			if loc := pat.FindStringIndex(c.receiveBuffer); loc != nil {
				if matchStart < 0 || loc[0] < matchStart {
					matchStart, matchEnd = loc[0], loc[1]
				}
			}
		}
		if matchStart >= 0 {
			response := strings.TrimSpace(c.receiveBuffer[:matchStart])
			if response != "" {
				responses = append(responses, response)
				c.stats.responsesReceived++
			}
			c.receiveBuffer = c.receiveBuffer[matchEnd:]
			commandComplete = true
		}
	}

	// Stream complete lines; the trailing fragment stays buffered
	if idx := strings.LastIndexByte(c.receiveBuffer, '\n'); idx >= 0 {
		complete := c.receiveBuffer[:idx]
		c.receiveBuffer = c.receiveBuffer[idx+1:]
		for _, line := range strings.Split(complete, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				responses = append(responses, line)
			}
		}
	}

	return responses, commandComplete
}

// Write sends a command with the vendor line ending appended. Data already
// carrying a terminator is not doubled.
func (c *Connection) Write(ctx context.Context, data string) error {
	c.mu.Lock()
	port := c.serialPort
	connected := c.state == model.ConnStateConnected
	c.mu.Unlock()

	if !connected || port == nil {
		return fmt.Errorf("%w: port %s not open", model.ErrConnectionFailure, c.port)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := c.terminate(data)
	n, err := port.Write([]byte(payload))
	if err != nil {
		c.mu.Lock()
		c.stats.errorCount++
		c.mu.Unlock()
		c.logger.Error("Serial write failed", zap.Error(err))
		return fmt.Errorf("%w: %v", model.ErrWriteFailure, err)
	}
	if n != len(payload) {
		return fmt.Errorf("%w: wrote %d of %d bytes", model.ErrWriteFailure, n, len(payload))
	}

	c.mu.Lock()
	c.stats.bytesSent += int64(len(payload))
	c.stats.commandsSent++
	c.mu.Unlock()

	c.logger.Debug("Sent", zap.String("data", strings.TrimSpace(data)))
	return nil
}

func (c *Connection) terminate(data string) string {
	ending := "\n"
	if c.profile != nil {
		ending = c.profile.LineEnding
	}
	return strings.TrimRight(data, "\r\n") + ending
}

// SendCommand writes a command and collects response text until a prompt
// arrives or the timeout expires. On timeout the partial output gathered so
// far is returned with completed=false; a timeout is not an error.
func (c *Connection) SendCommand(ctx context.Context, command string, timeout time.Duration) (output string, completed bool, err error) {
	if timeout <= 0 {
		timeout = c.config.ReadTimeout
	}

	done := make(chan struct{}, 1)
	var parts []string
	var partsMu sync.Mutex

	c.mu.Lock()
	if c.state != model.ConnStateConnected {
		c.mu.Unlock()
		return "", false, fmt.Errorf("%w: port %s not open", model.ErrConnectionFailure, c.port)
	}
	prevCallback := c.responseCallback
	c.responseCallback = func(text string) {
		partsMu.Lock()
		parts = append(parts, text)
		partsMu.Unlock()
	}
	c.commandDone = done
	// Stale output from earlier traffic must not leak into this response
	c.receiveBuffer = ""
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.responseCallback = prevCallback
		c.commandDone = nil
		c.mu.Unlock()
	}()

	if err := c.Write(ctx, command); err != nil {
		return "", false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	completed = true
	select {
	case <-done:
		c.mu.Lock()
		connected := c.state == model.ConnStateConnected
		c.mu.Unlock()
		if !connected {
			completed = false
		}
	case <-timer.C:
		completed = false
		c.logger.Warn("Command timeout",
			zap.String("command", command),
			zap.Duration("timeout", timeout),
		)
	case <-ctx.Done():
		return "", false, ctx.Err()
	}

	partsMu.Lock()
	output = strings.Join(parts, "\n")
	partsMu.Unlock()
	return output, completed, nil
}

// ExpectSubstring waits until one of the given substrings appears in the
// receive stream. Matching is case-insensitive. Returns the matched needle,
// or "" when the timeout expires or the connection drops.
func (c *Connection) ExpectSubstring(ctx context.Context, needles []string, timeout time.Duration) string {
	lowered := make([]string, len(needles))
	for i, n := range needles {
		lowered[i] = strings.ToLower(n)
	}
	watch := &substringWatch{needles: lowered, found: make(chan string, 1)}

	c.mu.Lock()
	if c.state != model.ConnStateConnected {
		c.mu.Unlock()
		return ""
	}
	// Check text already buffered before waiting for new chunks
	lower := strings.ToLower(c.receiveBuffer)
	for _, needle := range lowered {
		if idx := strings.Index(lower, needle); idx >= 0 {
			c.receiveBuffer = c.receiveBuffer[idx+len(needle):]
			c.mu.Unlock()
			return needle
		}
	}
	c.expectWatch = watch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.expectWatch == watch {
			c.expectWatch = nil
		}
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case needle := <-watch.found:
		return needle
	case <-timer.C:
		return ""
	case <-ctx.Done():
		return ""
	}
}

// Stats returns a snapshot of the connection counters. Success rate is
// responses over commands, never dividing by zero.
func (c *Connection) Stats() model.ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := model.ConnectionStats{
		Port:              c.port,
		IsConnected:       c.state == model.ConnStateConnected,
		BytesSent:         c.stats.bytesSent,
		BytesReceived:     c.stats.bytesReceived,
		CommandsSent:      c.stats.commandsSent,
		ResponsesReceived: c.stats.responsesReceived,
		ErrorCount:        c.stats.errorCount,
	}
	if c.profile != nil {
		stats.Vendor = c.profile.Vendor
	}
	if !c.connectedAt.IsZero() {
		t := c.connectedAt
		stats.ConnectedAt = &t
		if stats.IsConnected {
			stats.UptimeSeconds = time.Since(t).Seconds()
		}
	}
	commands := c.stats.commandsSent
	if commands < 1 {
		commands = 1
	}
	stats.SuccessRate = float64(c.stats.responsesReceived) / float64(commands) * 100
	return stats
}

func parityMode(parity string) serial.Parity {
	switch parity {
	case "E":
		return serial.EvenParity
	case "O":
		return serial.OddParity
	case "M":
		return serial.MarkParity
	case "S":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func stopBitsMode(stopBits float64) serial.StopBits {
	switch stopBits {
	case 1.5:
		return serial.OnePointFiveStopBits
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}
