// Package devicewatch reports hot-plug events for the capture device using
// udev netlink, so a pulled camera is noticed before the source errors out.
package devicewatch

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/pilebones/go-udev/netlink"
)

// Notifier receives add/remove events for the watched device.
type Notifier interface {
	DeviceEvent(removed bool)
}

// Watcher listens for udev events on one device node.
type Watcher struct {
	device    string
	subsystem string
	notify    Notifier

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// New returns nil when there is no device to watch.
func New(device, subsystem string, notify Notifier) *Watcher {
	if device == "" || notify == nil {
		return nil
	}
	if subsystem == "" {
		subsystem = "video4linux"
	}
	return &Watcher{device: device, subsystem: subsystem, notify: notify}
}

// Start connects to the udev netlink socket. A connect failure is logged and
// ignored; the bus still reports device errors on its own.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		slog.Warn("devicewatch: netlink connect failed, hot-plug detection disabled",
			"error", err,
			"device", w.device)
		return nil
	}

	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true
	go w.loop(ctx, conn, w.quit)

	slog.Info("devicewatch: started", "device", w.device, "subsystem", w.subsystem)
	return nil
}

// Stop is idempotent.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.quit)
	_ = w.conn.Close()
	w.conn = nil
	w.running = false

	slog.Info("devicewatch: stopped")
}

// Running reports whether the watcher is connected.
func (w *Watcher) Running() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, w.matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case ev := <-queue:
			w.handle(ev)
		case err := <-errs:
			slog.Warn("devicewatch: netlink monitor error", "error", err)
		}
	}
}

func (w *Watcher) matcher() netlink.Matcher {
	action := "add|remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": w.subsystem,
		},
	})
	return rules
}

func (w *Watcher) handle(ev netlink.UEvent) {
	name := deviceName(ev)
	if name != w.device {
		slog.Debug("devicewatch: ignoring event for other device", "device", name, "action", string(ev.Action))
		return
	}

	switch ev.Action {
	case netlink.REMOVE:
		slog.Warn("devicewatch: capture device removed", "device", name)
		w.notify.DeviceEvent(true)
	case netlink.ADD:
		slog.Info("devicewatch: capture device added", "device", name)
		w.notify.DeviceEvent(false)
	}
}

func deviceName(ev netlink.UEvent) string {
	if name := ev.Env["DEVNAME"]; name != "" {
		if path.IsAbs(name) {
			return name
		}
		return "/dev/" + name
	}
	if devpath := ev.Env["DEVPATH"]; devpath != "" {
		return "/dev/" + path.Base(devpath)
	}
	return ""
}
