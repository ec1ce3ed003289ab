package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/spin"
	"github.com/dustin/go-humanize"
	"github.com/idfleet/idfleet/api/decomd/gateway"
	"github.com/idfleet/idfleet/cmd"
	"github.com/idfleet/idfleet/decommission"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
)

var lsCmd = &cobra.Command{
	Use: "ls",
	Aliases: []string{
		"list",
	},
	Short: "List jobs",
	Long:  `Lists decommission jobs, newest first.`,
	Args:  cobra.ExactArgs(0),
	Run: func(c *cobra.Command, args []string) {
		status, err := c.Flags().GetString("status")
		cmd.ErrCheck(err)
		ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
		defer cancel()
		jobs, err := decom.List(ctx, decommission.Status(status))
		cmd.ErrCheck(err)
		if len(jobs) == 0 {
			cmd.End("No jobs found.")
		}
		now := time.Now()
		data := make([][]string, len(jobs))
		for i, j := range jobs {
			scheduled := "-"
			if j.ScheduledFor != nil {
				scheduled = humanize.RelTime(*j.ScheduledFor, now, "ago", "from now")
			}
			data[i] = []string{
				j.ID,
				j.IdentityID,
				string(j.TriggerType),
				statusText(j.Status),
				scheduled,
				humanize.Time(j.TriggeredAt),
			}
		}
		cmd.RenderTable([]string{"id", "identity", "trigger", "status", "scheduled", "triggered"}, data)
		cmd.Message("Found %d jobs", aurora.White(len(jobs)).Bold())
	},
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a job",
	Long:  `Shows a decommission job and the state of each resource.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
		defer cancel()
		job, err := decom.Get(ctx, args[0])
		cmd.ErrCheck(err)
		printJob(job)
	},
}

var startCmd = &cobra.Command{
	Use:   "start [identity]",
	Short: "Start a job",
	Long:  `Starts a manual decommission job for an identity.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		jobType, err := c.Flags().GetString("job-type")
		cmd.ErrCheck(err)
		in, err := c.Flags().GetDuration("in")
		cmd.ErrCheck(err)
		req := gateway.StartRequest{
			IdentityID:  args[0],
			TriggerType: string(decommission.TriggerManual),
			TriggeredBy: operator(),
			JobType:     jobType,
		}
		if in > 0 {
			at := time.Now().Add(in)
			req.ScheduledFor = &at
		}
		ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
		defer cancel()
		job, err := decom.Start(ctx, req)
		cmd.ErrCheck(err)
		cmd.Success("Started job %s", aurora.White(job.ID).Bold())
		printJob(job)
	},
}

var executeCmd = &cobra.Command{
	Use:   "execute [id]",
	Short: "Execute a job now",
	Long:  `Executes a pending job immediately, regardless of its schedule.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		confirm(c, fmt.Sprintf("Execute job %s now", args[0]))
		job := wait("Executing", func(ctx context.Context) (*decommission.Job, error) {
			return decom.Execute(ctx, args[0])
		})
		finished(job)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a job",
	Long:  `Cancels a pending job.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		confirm(c, fmt.Sprintf("Cancel job %s", args[0]))
		ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout)
		defer cancel()
		job, err := decom.Cancel(ctx, args[0])
		cmd.ErrCheck(err)
		cmd.Success("Cancelled job %s", aurora.White(job.ID).Bold())
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Retry a failed job",
	Long:  `Resets a failed job and executes it again.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		confirm(c, fmt.Sprintf("Retry job %s", args[0]))
		job := wait("Retrying", func(ctx context.Context) (*decommission.Job, error) {
			return decom.Retry(ctx, args[0])
		})
		finished(job)
	},
}

var banCmd = &cobra.Command{
	Use:   "ban [identity]",
	Short: "Handle a ban",
	Long:  `Decommissions a banned identity right away.`,
	Args:  cobra.ExactArgs(1),
	Run: func(c *cobra.Command, args []string) {
		confirm(c, fmt.Sprintf("Decommission banned identity %s now", args[0]))
		job := wait("Decommissioning", func(ctx context.Context) (*decommission.Job, error) {
			return decom.Ban(ctx, args[0], operator())
		})
		finished(job)
	},
}

func confirm(c *cobra.Command, label string) {
	if yes, _ := c.Flags().GetBool("yes"); yes {
		return
	}
	prompt := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
	}
	if _, err := prompt.Run(); err != nil {
		cmd.End("")
	}
}

// wait runs a long request behind a spinner. Cleanup runs every provider
// handler so it gets a longer deadline than plain reads.
func wait(label string, fn func(context.Context) (*decommission.Job, error)) *decommission.Job {
	s := spin.New("%s " + label + "...")
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), cmd.Timeout*30)
	defer cancel()
	job, err := fn(ctx)
	s.Stop()
	cmd.ErrCheck(err)
	return job
}

func finished(job *decommission.Job) {
	printJob(job)
	if job.Status == decommission.StatusFailed {
		cmd.Warn("Job %s failed: %s", job.ID, job.FirstError())
		return
	}
	cmd.Success("Job %s is %s", aurora.White(job.ID).Bold(), job.Status)
}

func printJob(job *decommission.Job) {
	cmd.Message("Job %s for identity %s", aurora.White(job.ID).Bold(), aurora.White(job.IdentityID).Bold())
	cmd.Message("Status: %s, trigger: %s, type: %s", statusText(job.Status), job.TriggerType, job.JobType)
	if job.ScheduledFor != nil {
		cmd.Message("Scheduled for %s (%s)", job.ScheduledFor.Format(time.RFC1123), humanize.Time(*job.ScheduledFor))
	}
	data := make([][]string, 0, len(decommission.Kinds))
	for _, k := range decommission.Kinds {
		data = append(data, []string{string(k), stateText(job.ResourceStatus.Get(k))})
	}
	cmd.RenderTable([]string{"resource", "state"}, data)
	if job.ErrorMessage != "" {
		for _, line := range strings.Split(job.ErrorMessage, "\n") {
			cmd.Warn("%s", line)
		}
	}
}

func statusText(s decommission.Status) string {
	switch s {
	case decommission.StatusCompleted:
		return aurora.Green(s).String()
	case decommission.StatusFailed:
		return aurora.Red(s).String()
	case decommission.StatusInProgress:
		return aurora.Cyan(s).String()
	case decommission.StatusCancelled:
		return aurora.BrightBlack(s).String()
	default:
		return aurora.Yellow(s).String()
	}
}

func stateText(s decommission.ResourceState) string {
	switch s {
	case decommission.StateCompleted:
		return aurora.Green(s).String()
	case decommission.StateFailed:
		return aurora.Red(s).String()
	case decommission.StateSkipped:
		return aurora.BrightBlack(s).String()
	default:
		return aurora.Yellow(s).String()
	}
}
