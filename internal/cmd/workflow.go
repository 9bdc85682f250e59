package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/core"
)

func CmdWorkflow() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect and control workflows",
	}
	cmd.AddCommand(
		workflowStatusCmd(),
		workflowTasksCmd(),
		workflowResumeCmd(),
		workflowResetCmd(),
		workflowUsageCmd(),
	)
	return cmd
}

func workflowStatusCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status <workflow-id>",
			Short: "Show a workflow's status and task counts",
			Args:  cobra.ExactArgs(1),
		}, nil, runWorkflowStatus,
	)
}

func runWorkflowStatus(ctx *Context, args []string) error {
	workflowID, err := parseID(args[0], "workflow id")
	if err != nil {
		return err
	}

	resp, err := ctx.Client().WorkflowStatus(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to get workflow status: %w", err)
	}

	fmt.Printf("Workflow %d: %s\n", resp.WorkflowID, resp.Name)
	fmt.Printf("  Status:  %s\n", resp.Status)
	fmt.Printf("  Created: %s\n", resp.CreatedDate.Format(time.RFC3339))

	names := make([]string, 0, len(resp.TaskCounts))
	for name := range resp.TaskCounts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %-20s %d\n", name, resp.TaskCounts[name])
	}

	return nil
}

func workflowTasksCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "tasks [flags] <workflow-id>",
			Short: "List a workflow's tasks",
			Long: `List the tasks bound to a workflow with their status and attempt counts.

Example:
  jobmon workflow tasks 42
  jobmon workflow tasks --status ERROR_FATAL,ADJUSTING_RESOURCES 42
`,
			Args: cobra.ExactArgs(1),
		}, workflowTasksFlags, runWorkflowTasks,
	)
}

var workflowTasksFlags = []commandLineFlag{statusFilterFlag}

func runWorkflowTasks(ctx *Context, args []string) error {
	workflowID, err := parseID(args[0], "workflow id")
	if err != nil {
		return err
	}

	statuses, err := statusFilter(ctx)
	if err != nil {
		return err
	}

	rows, err := ctx.Client().WorkflowTaskStatuses(ctx, workflowID, statuses)
	if err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	fmt.Printf("%-10s %-20s %-12s %-30s\n", "TASK_ID", "STATUS", "ATTEMPTS", "NAME")
	for _, row := range rows {
		attempts := fmt.Sprintf("%d/%d", row.NumAttempts, row.MaxAttempts)
		fmt.Printf("%-10d %-20s %-12s %-30s\n", row.TaskID, row.Status, attempts, row.Name)
	}

	return nil
}

// statusFilter parses the comma-separated --status flag into status codes.
func statusFilter(ctx *Context) ([]core.TaskStatus, error) {
	raw, err := ctx.StringParam("status")
	if err != nil || raw == "" {
		return nil, err
	}
	var statuses []core.TaskStatus
	for _, part := range strings.Split(raw, ",") {
		status, err := core.ParseTaskStatus(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func workflowResumeCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "resume <workflow-id>",
			Short: "Signal active runs to cede control",
			Long: `Mark the workflow's active runs for hot resume. Running task instances
keep running; the swarm driving the workflow stops claiming new work so a
new client run can bind and take over.
`,
			Args: cobra.ExactArgs(1),
		}, nil, runWorkflowResume,
	)
}

func runWorkflowResume(ctx *Context, args []string) error {
	workflowID, err := parseID(args[0], "workflow id")
	if err != nil {
		return err
	}

	if err := ctx.Client().SetResume(ctx, workflowID, false); err != nil {
		return fmt.Errorf("failed to set resume: %w", err)
	}
	fmt.Printf("Workflow %d marked for hot resume\n", workflowID)

	return nil
}

func workflowResetCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "reset [flags] <workflow-id>",
			Short: "Terminate active runs and rewind unfinished tasks",
			Long: `Mark the workflow's active runs for cold resume, wait for them to release
control, and rewind every unfinished task to REGISTERING. Running task
instances are killed. The next client run starts the rewound tasks over.
`,
			Args: cobra.ExactArgs(1),
		}, nil, runWorkflowReset,
	)
}

func runWorkflowReset(ctx *Context, args []string) error {
	workflowID, err := parseID(args[0], "workflow id")
	if err != nil {
		return err
	}

	c := ctx.Client()
	if err := c.SetResume(ctx, workflowID, true); err != nil {
		return fmt.Errorf("failed to set resume: %w", err)
	}

	deadline := time.Now().Add(resetTimeout)
	for {
		resumable, err := c.IsResumable(ctx, workflowID)
		if err != nil {
			return err
		}
		if resumable {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("workflow %d did not become resumable within %s", workflowID, resetTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(resetPollInterval):
		}
	}

	if err := c.ResetTasks(ctx, workflowID, false); err != nil {
		return fmt.Errorf("failed to reset tasks: %w", err)
	}
	fmt.Printf("Workflow %d reset\n", workflowID)

	return nil
}

const (
	resetTimeout      = 5 * time.Minute
	resetPollInterval = 2 * time.Second
)

func workflowUsageCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "usage <workflow-id>",
			Short: "Show aggregate resource usage for a workflow",
			Args:  cobra.ExactArgs(1),
		}, nil, runWorkflowUsage,
	)
}

func runWorkflowUsage(ctx *Context, args []string) error {
	workflowID, err := parseID(args[0], "workflow id")
	if err != nil {
		return err
	}

	usage, err := ctx.Client().WorkflowUsage(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to get workflow usage: %w", err)
	}

	fmt.Printf("Task instances: %d\n", usage.NumTaskInstances)
	fmt.Printf("Wallclock mean: %.1fs  max: %ds\n", usage.MeanWallclock, usage.MaxWallclock)
	fmt.Printf("MaxRSS mean:    %.0f  max: %d\n", usage.MeanMaxRSS, usage.MaxMaxRSS)

	return nil
}

// parseID parses a positional numeric id argument.
func parseID(raw, what string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, raw)
	}
	return id, nil
}
