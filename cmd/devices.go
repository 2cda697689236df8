package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kidguard/kidguard/internal/liveness"
)

var healthcheckCmd = &cobra.Command{
	Use:   "healthcheck",
	Short: "Run one device liveness pass",
	Long: `Scans every paired device whose last heartbeat is older than the
disconnected threshold and raises a heartbeat_lost event and alert for it,
unless one was already raised inside the dedup window.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.monitor.RunHealthCheck(cmd.Context())
		if err != nil {
			return err
		}
		return report(res, "Device health check",
			field{"Stale devices", strconv.Itoa(res.StaleDevices)},
			field{"Events created", strconv.Itoa(res.EventsCreated)},
			field{"Alerts created", strconv.Itoa(res.AlertsCreated)},
			field{"Skipped (dedup)", strconv.Itoa(res.SkippedDuplicates)},
			field{"Failed", status(res.Failed == 0, "0", strconv.Itoa(res.Failed))},
			field{"Checked at", res.CheckedAt.Local().Format(time.RFC3339)},
		)
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List devices with their liveness state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		devices, err := a.monitor.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return report(devices, "")
		}
		rows := make([][]string, len(devices))
		for i, d := range devices {
			rows[i] = []string{d.ID, deref(d.ChildID), stateText(d.State), sinceText(d.MinutesSinceLastSeen), batteryText(d.BatteryLevel)}
		}
		fmt.Println(table([]string{"DEVICE", "CHILD", "STATE", "LAST SEEN", "BATTERY"}, rows))
		return nil
	},
}

func stateText(s liveness.State) string {
	switch s {
	case liveness.Fresh:
		return successStyle.Render(string(s))
	case liveness.Disconnected:
		return errStyle.Render(string(s))
	case liveness.NeverSeen:
		return dimStyle.Render(string(s))
	default:
		return warnStyle.Render(string(s))
	}
}

func sinceText(minutes *int) string {
	if minutes == nil {
		return "-"
	}
	return fmt.Sprintf("%dm ago", *minutes)
}

func batteryText(level *int) string {
	if level == nil {
		return "-"
	}
	return strconv.Itoa(*level) + "%"
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
