package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/loopgrid/internal/app"
	"github.com/e7canasta/loopgrid/internal/grid"
	"github.com/e7canasta/loopgrid/internal/handoff"
)

func TestNewLogger_NonTerminalIsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, false)
	logger.Info("hello", "key", 1)
	logger.Debug("hidden")

	var rec map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("log line is not JSON: %q", buf.String())
	}
	if rec["msg"] != "hello" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug record written at info level")
	}
}

func TestRenderTable(t *testing.T) {
	if renderTable(nil, nil, nil) != "" {
		t.Error("empty headers should render nothing")
	}
	out := renderTable([]string{"Cell", "Occupant"}, [][]string{{"0", "live"}, {"1"}}, []columnAlignment{alignRight})
	for _, want := range []string{"Cell", "Occupant", "live", "╭"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
}

func sampleStatus() app.Status {
	snap := &grid.Snapshot{Next: 3, Placed: 2}
	snap.Cells[0] = grid.CellView{Cell: 0, Occupant: grid.OccupantLive}
	for i := 1; i < grid.Cells; i++ {
		snap.Cells[i] = grid.CellView{Cell: i, Occupant: grid.OccupantEmpty}
	}
	snap.Cells[1] = grid.CellView{
		Cell:     1,
		Occupant: grid.OccupantPlayback,
		Key:      4,
		ClipID:   "8f14e45f-ceea-467f-a8f4-9d3c2a1b0e7d",
		Frames:   60,
		PlacedAt: time.Now(),
	}
	return app.Status{
		Status:     "healthy",
		InstanceID: "studio-a",
		Grid:       snap,
		Handoff:    handoff.PumpStats{Dropped: 3, Depth: 2, HighWater: 48, Capacity: 64},
		Recordings: []app.RecordingView{
			{Key: 1, State: "idle"},
			{Key: 7, State: "recording", Frames: 12, ElapsedS: 0.4},
		},
	}
}

func TestWriteStatus(t *testing.T) {
	var buf bytes.Buffer
	writeStatus(&buf, sampleStatus())
	out := buf.String()

	for _, want := range []string{"studio-a", "HEALTHY", "playback", "8f14e45f", "next cell 3", "Overflows", "high_water=48/64"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "ceea-467f") {
		t.Error("clip id should be shortened")
	}
}

func TestFetchStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(sampleStatus())
	}))
	defer srv.Close()

	st, err := fetchStatus(context.Background(), strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("fetchStatus() error = %v", err)
	}
	if st.InstanceID != "studio-a" || st.Grid.Cells[1].Key != 4 {
		t.Errorf("status = %+v", st)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loopgrid.yaml")
	if err := os.WriteFile(path, []byte("instance_id: bench\ncapture: {source_element: videotestsrc}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate-config", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("validate-config error = %v", err)
	}
	if !strings.Contains(out.String(), "configuration OK") || !strings.Contains(out.String(), "bench") {
		t.Errorf("output = %s", out.String())
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("capture: {fps: 1000}\n"), 0o644)
	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate-config", "--config", bad})
	if err := cmd.Execute(); err == nil {
		t.Error("validate-config should reject fps 1000")
	}
}
