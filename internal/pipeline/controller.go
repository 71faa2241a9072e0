// Package pipeline supervises the media graph: whole-graph state
// transitions with recovery, and asynchronous runtime messages (errors,
// end-of-stream, state changes) routed to the right remedy.
//
// Cell-scoped errors are reported upward so the grid can degrade that cell
// alone. Capture-device loss triggers a bounded reconnect with exponential
// backoff. Allocation failures are fatal.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MessageKind is the type of a runtime bus message.
type MessageKind int

const (
	MessageError MessageKind = iota
	MessageWarning
	MessageEOS
	MessageStateChanged
)

func (k MessageKind) String() string {
	switch k {
	case MessageError:
		return "error"
	case MessageWarning:
		return "warning"
	case MessageEOS:
		return "eos"
	case MessageStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// Scope identifies which part of the graph a message came from.
type Scope int

const (
	// ScopeGraph is the top-level pipeline or a shared element
	ScopeGraph Scope = iota
	// ScopeCapture is the live capture branch
	ScopeCapture
	// ScopeCell is a playback branch; Message.Cell names it
	ScopeCell
)

func (s Scope) String() string {
	switch s {
	case ScopeCapture:
		return "capture"
	case ScopeCell:
		return "cell"
	default:
		return "graph"
	}
}

// Message is a runtime notification popped from the graph's bus.
type Message struct {
	Kind  MessageKind
	Scope Scope
	Cell  int
	// ID is the attachment that owns Source when Scope is ScopeCell, 0 if
	// the source name does not carry one
	ID     uint64
	Source string
	Text   string
	Debug  string
	// Old and New are set for MessageStateChanged on the top-level graph
	Old State
	New State
}

// Runtime is the media graph the controller drives.
type Runtime interface {
	// SetState moves the whole graph one step. It must not block past the
	// runtime's own async state-change timeout.
	SetState(s State) error
	CurrentState() State
	// Pop returns the next bus message or nil after timeout.
	Pop(timeout time.Duration) *Message
	// RestartSource tears down and rebuilds the capture branch.
	RestartSource(ctx context.Context) error
}

// NotificationKind is the type of an upward notification.
type NotificationKind int

const (
	// NotifyCellFault asks the grid to degrade one cell
	NotifyCellFault NotificationKind = iota
	// NotifyWarning reports a non-fatal runtime problem
	NotifyWarning
	// NotifyReconnected reports the capture source came back
	NotifyReconnected
	// NotifyFatal requires a graceful shutdown
	NotifyFatal
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyCellFault:
		return "cell_fault"
	case NotifyWarning:
		return "warning"
	case NotifyReconnected:
		return "reconnected"
	case NotifyFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Notification is sent from the controller to the application event loop.
type Notification struct {
	Kind     NotificationKind
	Cell     int
	ID       uint64
	Category ErrorCategory
	Err      error
}

// ErrorCounters holds per-category error totals.
type ErrorCounters struct {
	Device     atomic.Uint64
	Allocation atomic.Uint64
	Stream     atomic.Uint64
	Unknown    atomic.Uint64
}

func (c *ErrorCounters) add(cat ErrorCategory) {
	switch cat {
	case ErrCategoryDevice:
		c.Device.Add(1)
	case ErrCategoryAllocation:
		c.Allocation.Add(1)
	case ErrCategoryStream:
		c.Stream.Add(1)
	default:
		c.Unknown.Add(1)
	}
}

// Stats is a snapshot of controller counters.
type Stats struct {
	State            string `json:"state" msgpack:"state"`
	Reconnects       uint32 `json:"reconnects" msgpack:"reconnects"`
	CellFaults       uint64 `json:"cell_faults" msgpack:"cell_faults"`
	DeviceErrors     uint64 `json:"device_errors" msgpack:"device_errors"`
	AllocationErrors uint64 `json:"allocation_errors" msgpack:"allocation_errors"`
	StreamErrors     uint64 `json:"stream_errors" msgpack:"stream_errors"`
	UnknownErrors    uint64 `json:"unknown_errors" msgpack:"unknown_errors"`
	FailedTransition uint64 `json:"failed_transitions" msgpack:"failed_transitions"`
}

// Config configures a Controller.
type Config struct {
	Reconnect    ReconnectConfig
	PollInterval time.Duration
}

// Controller owns whole-graph state and the bus monitor.
type Controller struct {
	rt  Runtime
	cfg Config

	mu    sync.Mutex // serialises SetState
	state atomic.Int32

	reconnect   ReconnectState
	errors      ErrorCounters
	cellFaults  atomic.Uint64
	failedTrans atomic.Uint64

	notifications chan Notification
	deviceEvents  chan bool
}

// NewController creates a controller for rt.
func NewController(rt Runtime, cfg Config) (*Controller, error) {
	if rt == nil {
		return nil, fmt.Errorf("pipeline: runtime is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Reconnect.RetryDelay <= 0 || cfg.Reconnect.MaxRetryDelay <= 0 {
		def := DefaultReconnectConfig()
		if cfg.Reconnect.RetryDelay <= 0 {
			cfg.Reconnect.RetryDelay = def.RetryDelay
		}
		if cfg.Reconnect.MaxRetryDelay <= 0 {
			cfg.Reconnect.MaxRetryDelay = def.MaxRetryDelay
		}
	}

	c := &Controller{
		rt:            rt,
		cfg:           cfg,
		notifications: make(chan Notification, 32),
		deviceEvents:  make(chan bool, 4),
	}
	c.state.Store(int32(rt.CurrentState()))
	return c, nil
}

// Notifications delivers cell faults, warnings, reconnects and fatal errors.
func (c *Controller) Notifications() <-chan Notification {
	return c.notifications
}

// State returns the last known graph state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// SetState walks the graph to target one step at a time. On failure it
// applies recovery and returns a *StateError.
func (c *Controller) SetState(target State) error {
	if !target.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTransition, int(target))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.rt.CurrentState()
	for _, step := range Path(from, target) {
		prev := c.rt.CurrentState()
		if err := c.rt.SetState(step); err != nil {
			c.failedTrans.Add(1)
			recovery, landed := c.recover(prev)
			c.state.Store(int32(landed))
			serr := &StateError{
				From:     prev,
				To:       step,
				Target:   target,
				Recovery: recovery,
				Landed:   landed,
				Err:      err,
			}
			slog.Error("pipeline: state transition failed",
				"from", prev.String(),
				"to", step.String(),
				"target", target.String(),
				"recovery", recovery.String(),
				"landed", landed.String(),
				"error", err,
			)
			return serr
		}
		c.state.Store(int32(step))
		slog.Debug("pipeline: state step", "from", prev.String(), "to", step.String())
	}

	slog.Info("pipeline: state reached", "from", from.String(), "state", target.String())
	return nil
}

// recover tries revert, force-ready, then full reset.
func (c *Controller) recover(prev State) (Recovery, State) {
	err := c.rt.SetState(prev)
	if err == nil {
		return RecoveryRevert, prev
	}
	slog.Warn("pipeline: revert failed", "state", prev.String(), "error", err)

	if err = c.rt.SetState(StateReady); err == nil {
		return RecoveryForceReady, StateReady
	}
	slog.Warn("pipeline: force ready failed", "error", err)

	if err = c.rt.SetState(StateNull); err == nil {
		return RecoveryReset, StateNull
	}
	slog.Error("pipeline: reset to null failed", "error", err)
	return RecoveryFailed, c.rt.CurrentState()
}

// DeviceEvent reports a hot-plug change for the capture device. A removal
// goes through the same reconnect path as a device error on the bus. An
// arrival during that path's backoff triggers the next restart at once.
func (c *Controller) DeviceEvent(removed bool) {
	select {
	case c.deviceEvents <- removed:
	default:
		slog.Warn("pipeline: device event dropped, queue full", "removed", removed)
	}
}

// Run monitors the runtime bus until ctx is cancelled or a fatal error
// occurs. A fatal error is both returned and sent as a notification.
func (c *Controller) Run(ctx context.Context) error {
	slog.Info("pipeline: monitor started", "poll_interval", c.cfg.PollInterval)
	defer slog.Info("pipeline: monitor stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case removed := <-c.deviceEvents:
			if err := c.handleDevice(ctx, removed); err != nil {
				return err
			}
			continue
		default:
		}

		msg := c.rt.Pop(c.cfg.PollInterval)
		if msg == nil {
			continue
		}
		if err := c.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Controller) handleDevice(ctx context.Context, removed bool) error {
	if !removed {
		slog.Info("pipeline: capture device arrived")
		if c.State() == StatePlaying {
			return nil
		}
	} else {
		slog.Warn("pipeline: capture device removed")
		c.errors.add(ErrCategoryDevice)
	}
	return c.reconnectSource(ctx, ErrDeviceDisconnect)
}

func (c *Controller) handle(ctx context.Context, msg *Message) error {
	switch msg.Kind {
	case MessageStateChanged:
		if msg.Scope != ScopeGraph {
			return nil
		}
		c.state.Store(int32(msg.New))
		slog.Debug("pipeline: graph state changed", "from", msg.Old.String(), "to", msg.New.String())
		if msg.New == StatePlaying {
			c.reconnect.reset()
		}
		return nil

	case MessageWarning:
		slog.Warn("pipeline: runtime warning",
			"source", msg.Source,
			"scope", msg.Scope.String(),
			"cell", msg.Cell,
			"warning", msg.Text,
		)
		return nil

	case MessageEOS:
		if msg.Scope == ScopeCell {
			// Playback sources loop forever; EOS means the source gave up
			return c.cellFault(ctx, msg, ErrCategoryStream, errors.New("pipeline: unexpected end of stream"))
		}
		slog.Warn("pipeline: end of stream on live graph", "source", msg.Source)
		return c.reconnectSource(ctx, fmt.Errorf("%w: end of stream", ErrDeviceDisconnect))

	case MessageError:
		category := Classify(msg.Text, msg.Debug)
		c.errors.add(category)

		slog.Error("pipeline: runtime error",
			"source", msg.Source,
			"scope", msg.Scope.String(),
			"cell", msg.Cell,
			"attachment_id", msg.ID,
			"category", category.String(),
			"error", msg.Text,
			"debug", msg.Debug,
		)

		err := fmt.Errorf("pipeline: %s error from %s: %s", category, msg.Source, msg.Text)
		switch {
		case msg.Scope == ScopeCell:
			return c.cellFault(ctx, msg, category, err)
		case category == ErrCategoryAllocation:
			return c.fatal(ctx, fmt.Errorf("%w: %v", ErrAllocationFailure, err))
		case msg.Scope == ScopeCapture || category == ErrCategoryDevice:
			return c.reconnectSource(ctx, fmt.Errorf("%w: %v", ErrDeviceDisconnect, err))
		default:
			c.notify(ctx, Notification{Kind: NotifyWarning, Category: category, Err: err})
			return nil
		}
	}
	return nil
}

func (c *Controller) cellFault(ctx context.Context, msg *Message, category ErrorCategory, err error) error {
	c.cellFaults.Add(1)
	c.notify(ctx, Notification{Kind: NotifyCellFault, Cell: msg.Cell, ID: msg.ID, Category: category, Err: err})
	return nil
}

func (c *Controller) reconnectSource(ctx context.Context, cause error) error {
	slog.Warn("pipeline: restarting capture source", "cause", cause)

	// Hot-plug events arriving while we wait between restarts steer the retry
	err := RecoverSource(ctx, c.rt.RestartSource, c.deviceEvents, c.cfg.Reconnect, &c.reconnect)
	switch {
	case err == nil:
		c.notify(ctx, Notification{Kind: NotifyReconnected, Category: ErrCategoryDevice})
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return c.fatal(ctx, err)
	}
}

func (c *Controller) fatal(ctx context.Context, err error) error {
	slog.Error("pipeline: fatal error", "error", err)
	category := ErrCategoryUnknown
	switch {
	case errors.Is(err, ErrAllocationFailure):
		category = ErrCategoryAllocation
	case errors.Is(err, ErrDeviceDisconnect):
		category = ErrCategoryDevice
	}
	c.notify(ctx, Notification{Kind: NotifyFatal, Category: category, Err: err})
	return err
}

func (c *Controller) notify(ctx context.Context, n Notification) {
	select {
	case c.notifications <- n:
	case <-ctx.Done():
	}
}

// Shutdown walks the graph down to Null.
func (c *Controller) Shutdown() error {
	return c.SetState(StateNull)
}

// Stats returns controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		State:            c.State().String(),
		Reconnects:       c.reconnect.Reconnects.Load(),
		CellFaults:       c.cellFaults.Load(),
		DeviceErrors:     c.errors.Device.Load(),
		AllocationErrors: c.errors.Allocation.Load(),
		StreamErrors:     c.errors.Stream.Load(),
		UnknownErrors:    c.errors.Unknown.Load(),
		FailedTransition: c.failedTrans.Load(),
	}
}
