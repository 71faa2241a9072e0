package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/loopgrid/internal/app"
	"github.com/e7canasta/loopgrid/internal/config"
	"github.com/e7canasta/loopgrid/internal/grid"
)

func newStatusCommand(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state, recordings and grid cells of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(*configPath)
				if err != nil {
					return err
				}
				addr = cfg.Health.Listen
			}
			if addr == "" {
				return fmt.Errorf("health.listen is not configured; pass --addr")
			}

			st, err := fetchStatus(cmd.Context(), addr)
			if err != nil {
				return err
			}
			writeStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Health server address (default: health.listen from config)")
	return cmd
}

func fetchStatus(ctx context.Context, addr string) (app.Status, error) {
	var st app.Status

	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimSuffix(url, "/") + "/healthz"

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return st, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return st, fmt.Errorf("query %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func writeStatus(w io.Writer, st app.Status) {
	fmt.Fprintf(w, "%s  %s  pipeline=%s  uptime=%s  fps=%.1f  reconnects=%d\n",
		st.InstanceID,
		strings.ToUpper(st.Status),
		st.Pipeline.State,
		(time.Duration(st.UptimeSeconds) * time.Second).String(),
		st.Capture.FPSMean,
		st.Pipeline.Reconnects,
	)
	fmt.Fprintf(w, "handoff  dropped=%d  depth=%d  high_water=%d/%d\n\n",
		st.Handoff.Dropped,
		st.Handoff.Depth,
		st.Handoff.HighWater,
		st.Handoff.Capacity,
	)

	if st.Grid != nil {
		rows := make([][]string, 0, grid.Cells)
		for _, c := range st.Grid.Cells {
			row := []string{strconv.Itoa(c.Cell), c.Occupant, "", "", "", ""}
			if c.Occupant == grid.OccupantPlayback {
				row[2] = strconv.Itoa(c.Key)
				row[3] = shortID(c.ClipID)
				row[4] = strconv.Itoa(c.Frames)
				row[5] = c.PlacedAt.Local().Format("15:04:05")
			}
			rows = append(rows, row)
		}
		fmt.Fprintln(w, renderTable(
			[]string{"Cell", "Occupant", "Key", "Clip", "Frames", "Placed"},
			rows,
			[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight, alignLeft},
		))
		fmt.Fprintf(w, "next cell %d, placed %d, evicted %d, failed %d, degraded %d\n\n",
			st.Grid.Next, st.Grid.Placed, st.Grid.Evicted, st.Grid.Failed, st.Grid.Degraded)
	}

	var active [][]string
	for _, r := range st.Recordings {
		if r.State != "recording" {
			continue
		}
		active = append(active, []string{
			strconv.Itoa(r.Key),
			strconv.Itoa(r.Frames),
			strconv.FormatUint(r.Overflows, 10),
			fmt.Sprintf("%.1fs", r.ElapsedS),
		})
	}
	if len(active) == 0 {
		fmt.Fprintln(w, "no keys recording")
		return
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Key", "Frames", "Overflows", "Held"},
		active,
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight},
	))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
