package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/telclaude/telclaude/internal/scheduler"
)

var (
	cronScheduleKind string
	cronAction       string
	cronService      string
)

func init() {
	cronAddCmd.Flags().StringVar(&cronScheduleKind, "kind", scheduler.KindCron, "schedule kind: at, every or cron")
	cronAddCmd.Flags().StringVar(&cronAction, "action", scheduler.ActionPrivateHeartbeat, "job action")
	cronAddCmd.Flags().StringVar(&cronService, "service", "", "target service for social actions")

	cronCmd.AddCommand(cronStatusCmd, cronListCmd, cronAddCmd, cronRemoveCmd,
		cronEnableCmd, cronDisableCmd, cronRunCmd)
}

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage scheduled jobs",
}

// cronScheduler opens the store and wraps it in a scheduler for job CRUD.
// The returned scheduler never runs its dispatch loop here; that belongs to
// the serve process.
func cronScheduler() (*scheduler.Scheduler, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStoreWith(cfg)
	if err != nil {
		return nil, nil, err
	}
	sched := scheduler.New(st.DB(), scheduler.Config{
		TickInterval: cfg.Scheduler.TickInterval,
		Timeout:      cfg.Scheduler.Timeout,
		Grace:        cfg.Scheduler.Grace,
	}, nil)
	return sched, func() { st.Close() }, nil
}

func fmtMS(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}

var cronStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize job and run state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, closeStore, err := cronScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		all, err := sched.ListJobs(context.Background())
		if err != nil {
			return err
		}
		enabled, running := 0, 0
		for _, j := range all {
			if j.Enabled {
				enabled++
			}
			if j.Running {
				running++
			}
		}
		fmt.Printf("jobs: %d total, %d enabled, %d running\n", len(all), enabled, running)
		return nil
	},
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, closeStore, err := cronScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		all, err := sched.ListJobs(context.Background())
		if err != nil {
			return err
		}
		if len(all) == 0 {
			fmt.Println("no jobs")
			return nil
		}
		for _, j := range all {
			state := "disabled"
			switch {
			case j.Running:
				state = "running"
			case j.Enabled:
				state = "enabled"
			}
			fmt.Printf("%s\t%s\t%s %q\t%s\t%s\tnext %s\n",
				j.ID, j.Name, j.ScheduleKind, j.ScheduleExpr, j.Action, state, fmtMS(j.NextRunAtMS))
		}
		return nil
	},
}

var cronAddCmd = &cobra.Command{
	Use:   "add <name> <schedule-expr>",
	Short: "Add a scheduled job",
	Long: `Add a job. The schedule expression depends on --kind:
  at     RFC3339 timestamp, runs once
  every  Go duration (e.g. 30m), runs repeatedly
  cron   five-field cron expression in UTC`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, closeStore, err := cronScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		job, err := sched.AddJob(context.Background(), args[0], cronScheduleKind, args[1], cronAction, cronService)
		if err != nil {
			return validationErr("%v", err)
		}
		fmt.Printf("added job %s, next run %s\n", job.ID, fmtMS(job.NextRunAtMS))
		return nil
	},
}

var cronRemoveCmd = &cobra.Command{
	Use:   "remove <job-id>",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, closeStore, err := cronScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := sched.RemoveJob(context.Background(), args[0]); err != nil {
			return validationErr("%v", err)
		}
		fmt.Printf("removed job %s\n", args[0])
		return nil
	},
}

func setEnabled(id string, enabled bool) error {
	sched, closeStore, err := cronScheduler()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := sched.SetEnabled(context.Background(), id, enabled); err != nil {
		return validationErr("%v", err)
	}
	if enabled {
		fmt.Printf("enabled job %s\n", id)
	} else {
		fmt.Printf("disabled job %s\n", id)
	}
	return nil
}

var cronEnableCmd = &cobra.Command{
	Use:   "enable <job-id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var cronDisableCmd = &cobra.Command{
	Use:   "disable <job-id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

var cronRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Mark a job due for immediate execution",
	Long: "Move the job's next run to now. The serve process claims it on its\n" +
		"next tick; fails when the job is already running.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, closeStore, err := cronScheduler()
		if err != nil {
			return err
		}
		defer closeStore()

		if err := sched.MarkDue(context.Background(), args[0]); err != nil {
			return validationErr("%v", err)
		}
		fmt.Printf("job %s marked due for the next scheduler tick\n", args[0])
		return nil
	},
}
