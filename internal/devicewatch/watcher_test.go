package devicewatch

import (
	"context"
	"testing"

	"github.com/pilebones/go-udev/netlink"
)

type recorder struct {
	events []bool
}

func (r *recorder) DeviceEvent(removed bool) { r.events = append(r.events, removed) }

func TestNew(t *testing.T) {
	if New("", "", &recorder{}) != nil {
		t.Error("New() without device should return nil")
	}
	if New("/dev/video0", "", nil) != nil {
		t.Error("New() without notifier should return nil")
	}
	w := New("/dev/video0", "", &recorder{})
	if w == nil || w.subsystem != "video4linux" {
		t.Fatalf("New() = %+v", w)
	}
}

func TestNilWatcher(t *testing.T) {
	var w *Watcher
	if err := w.Start(context.Background()); err != nil {
		t.Errorf("Start() on nil watcher = %v", err)
	}
	w.Stop()
	if w.Running() {
		t.Error("nil watcher reports running")
	}
}

func TestMatcher(t *testing.T) {
	w := New("/dev/video0", "video4linux", &recorder{})
	m := w.matcher()

	tests := []struct {
		name string
		ev   netlink.UEvent
		want bool
	}{
		{"add", netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"SUBSYSTEM": "video4linux"}}, true},
		{"remove", netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"SUBSYSTEM": "video4linux"}}, true},
		{"change", netlink.UEvent{Action: netlink.CHANGE, Env: map[string]string{"SUBSYSTEM": "video4linux"}}, false},
		{"other subsystem", netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"SUBSYSTEM": "block"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.Evaluate(tt.ev); got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandle(t *testing.T) {
	r := &recorder{}
	w := New("/dev/video0", "", r)

	w.handle(netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"DEVNAME": "video1"}})
	w.handle(netlink.UEvent{Action: netlink.REMOVE, Env: map[string]string{"DEVNAME": "video0"}})
	w.handle(netlink.UEvent{Action: netlink.ADD, Env: map[string]string{"DEVPATH": "/devices/pci0000:00/usb1/video4linux/video0"}})

	if len(r.events) != 2 || r.events[0] != true || r.events[1] != false {
		t.Errorf("events = %v, want [true false]", r.events)
	}
	t.Logf("✅ remove/add reported for /dev/video0 only")
}
