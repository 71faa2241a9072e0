// Package control is the MQTT control plane. It turns remote JSON commands
// into key events and operator actions, and publishes a JSON response for
// each one.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/loopgrid/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnKey       func(key int, down bool) error
	OnGetStatus func() map[string]interface{}
	OnPause     func() error
	OnResume    func() error
	OnShutdown  func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command

	mu        sync.RWMutex
	isPaused  bool
	callbacks CommandCallbacks

	respond func(Response)
	now     func() time.Time
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	h := &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 32),
		callbacks: callbacks,
		now:       time.Now,
	}
	h.respond = h.sendResponse
	return h
}

// Start subscribes to the control topic and processes commands until ctx is
// cancelled.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes from the control topic
func (h *Handler) Stop() {
	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(h.cfg.MQTT.Topics.Control)
		token.WaitTimeout(2 * time.Second)
	}
	slog.Info("control: handler stopped")
}

func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	h.enqueue(msg.Payload())
}

func (h *Handler) enqueue(payload []byte) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.respond(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Debug("control: command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.handleCommand(cmd)
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command, Status: "success"}

	fail := func(err error) {
		resp.Status = "error"
		resp.Error = err.Error()
	}

	switch cmd.Command {
	case "key_down", "key_up":
		key, err := keyParam(cmd.Params)
		if err != nil {
			fail(err)
			break
		}
		if h.callbacks.OnKey == nil {
			fail(fmt.Errorf("%s not implemented", cmd.Command))
			break
		}
		if err := h.callbacks.OnKey(key, cmd.Command == "key_down"); err != nil {
			fail(err)
			break
		}
		resp.Data = map[string]interface{}{"key": key}

	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			fail(fmt.Errorf("get_status not implemented"))
			break
		}
		resp.Data = h.callbacks.OnGetStatus()

	case "pause":
		if err := call(h.callbacks.OnPause, cmd.Command); err != nil {
			fail(err)
			break
		}
		h.setPaused(true)
		resp.Status = "paused"

	case "resume":
		if err := call(h.callbacks.OnResume, cmd.Command); err != nil {
			fail(err)
			break
		}
		h.setPaused(false)

	case "shutdown":
		if err := call(h.callbacks.OnShutdown, cmd.Command); err != nil {
			fail(err)
			break
		}
		resp.Status = "shutting_down"

	default:
		fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	h.respond(resp)
}

func call(fn func() error, name string) error {
	if fn == nil {
		return fmt.Errorf("%s not implemented", name)
	}
	return fn()
}

// keyParam extracts params.key (JSON numbers decode as float64).
func keyParam(params map[string]interface{}) (int, error) {
	raw, ok := params["key"]
	if !ok {
		return 0, fmt.Errorf("missing 'key' parameter")
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) {
		return 0, fmt.Errorf("invalid 'key' parameter (expected integer 1-9)")
	}
	key := int(f)
	if key < 1 || key > 9 {
		return 0, fmt.Errorf("key %d out of range 1-9", key)
	}
	return key, nil
}

func (h *Handler) setPaused(p bool) {
	h.mu.Lock()
	h.isPaused = p
	h.mu.Unlock()
}

// IsPaused reports whether playback is paused
func (h *Handler) IsPaused() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isPaused
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Control + "/response"
	token := h.client.Publish(topic, h.cfg.MQTT.QoS["control"], false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("control: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
