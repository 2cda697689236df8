package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List or run the daemon's scheduled jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every scheduled job and its next run",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		gw, err := a.gateway()
		if err != nil {
			return err
		}

		jobs := gw.Scheduler().List()
		if jsonOutput {
			return report(jobs, "")
		}
		rows := make([][]string, len(jobs))
		for i, j := range jobs {
			next := dimStyle.Render("manual only")
			if j.NextRunAt != nil {
				next = j.NextRunAt.Local().Format("2006-01-02 15:04:05")
			}
			rows[i] = []string{j.Name, j.Spec, status(j.Enabled, "enabled", "disabled"), next, j.Description}
		}
		fmt.Println(table([]string{"JOB", "SCHEDULE", "STATE", "NEXT RUN", "DESCRIPTION"}, rows))
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one job now, as the scheduler would",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		gw, err := a.gateway()
		if err != nil {
			return err
		}

		st, err := gw.Scheduler().Trigger(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fields := []field{
			{"Job", st.Name},
			{"Runs", strconv.FormatInt(st.Runs, 10)},
			{"Took", (time.Duration(st.LastDurationMS) * time.Millisecond).String()},
		}
		if st.LastError != "" {
			fields = append(fields, field{"Error", errStyle.Render(st.LastError)})
		} else {
			fields = append(fields, field{"Result", fmt.Sprintf("%+v", st.LastResult)})
		}
		if err := report(st, "Job finished", fields...); err != nil {
			return err
		}
		if st.LastError != "" {
			return fmt.Errorf("job %s failed", st.Name)
		}
		return nil
	},
}

func init() {
	jobsCmd.AddCommand(jobsListCmd, jobsRunCmd)
}
