package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

var errNotConnected = errors.New("not connected")

// Signal is a message from the dispatch server.
type Signal struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Command is a message to the dispatch server.
type Command struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// WebSocketClient is one connection to the dispatch server. Reads and writes
// may run on separate goroutines; Close unblocks a pending read.
type WebSocketClient struct {
	url    string
	token  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	// writeMu serialises writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func NewWebSocketClient(serverURL, token string, logger *slog.Logger) *WebSocketClient {
	return &WebSocketClient{
		url:    serverURL,
		token:  token,
		logger: logger,
	}
}

func (c *WebSocketClient) Connect(ctx context.Context) error {
	if _, err := url.Parse(c.url); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Connecting to WebSocket", slog.String("url", c.url))

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("WebSocket connected", slog.String("url", c.url))
	return nil
}

func (c *WebSocketClient) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// ReadSignal blocks until the next signal arrives or the connection closes.
func (c *WebSocketClient) ReadSignal() (*Signal, error) {
	conn := c.current()
	if conn == nil {
		return nil, errNotConnected
	}

	var signal Signal
	if err := conn.ReadJSON(&signal); err != nil {
		return nil, fmt.Errorf("failed to read signal: %w", err)
	}

	c.logger.Debug("Received signal", slog.String("type", signal.Type))
	return &signal, nil
}

func (c *WebSocketClient) WriteCommand(ctx context.Context, cmd *Command) error {
	conn := c.current()
	if conn == nil {
		return errNotConnected
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.logger.Debug("Sending command", slog.String("type", cmd.Type))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(cmd); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	return nil
}

// Close closes the current connection. It is safe to call more than once.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	c.logger.Info("Closing WebSocket connection")
	return conn.Close()
}
