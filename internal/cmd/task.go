package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jobmon-org/jobmon/internal/core"
)

func CmdTask() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect and repair tasks",
	}
	cmd.AddCommand(
		taskStatusCmd(),
		taskUpdateCmd(),
		taskDependenciesCmd(),
	)
	return cmd
}

func taskStatusCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status <task-id>",
			Short: "Show a task and its instances",
			Args:  cobra.ExactArgs(1),
		}, nil, runTaskStatus,
	)
}

func runTaskStatus(ctx *Context, args []string) error {
	taskID, err := parseID(args[0], "task id")
	if err != nil {
		return err
	}

	resp, err := ctx.Client().TaskStatus(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task status: %w", err)
	}

	fmt.Printf("Task %d: %s\n", resp.TaskID, resp.Name)
	fmt.Printf("  Status: %s\n", resp.Status)
	for _, ti := range resp.TaskInstances {
		fmt.Printf("  Instance %d: %s", ti.TaskInstanceID, ti.Status)
		if ti.DistributorID != "" {
			fmt.Printf("  distributor_id=%s", ti.DistributorID)
		}
		if ti.Nodename != "" {
			fmt.Printf("  node=%s", ti.Nodename)
		}
		fmt.Println()
		if ti.Stdout != "" || ti.Stderr != "" {
			fmt.Printf("    stdout: %s\n    stderr: %s\n", ti.Stdout, ti.Stderr)
		}
		if ti.ErrorLog != "" {
			fmt.Printf("    error: %s\n", ti.ErrorLog)
		}
	}

	return nil
}

func taskUpdateCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "update [flags] <task-id>...",
			Short: "Force tasks to DONE or REGISTERING",
			Long: `Operator repair for a stuck workflow. Setting DONE marks the tasks
finished so downstreams can proceed on the next run. Setting REGISTERING
rewinds the tasks with a fresh attempt budget and re-registers the
workflow so a new run can bind.

Example:
  jobmon task update --workflow-id 42 --status DONE 101 102
  jobmon task update --workflow-id 42 --status REGISTERING 103
`,
			Args: cobra.MinimumNArgs(1),
		}, taskUpdateFlags, runTaskUpdate,
	)
}

var taskUpdateFlags = []commandLineFlag{workflowIDFlag, statusFlag}

func runTaskUpdate(ctx *Context, args []string) error {
	rawWorkflowID, err := ctx.StringParam("workflow-id")
	if err != nil {
		return err
	}
	workflowID, err := parseID(rawWorkflowID, "workflow id")
	if err != nil {
		return err
	}

	rawStatus, err := ctx.StringParam("status")
	if err != nil {
		return err
	}
	newStatus, err := core.ParseTaskStatus(rawStatus)
	if err != nil {
		return err
	}

	taskIDs := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := parseID(arg, "task id")
		if err != nil {
			return err
		}
		taskIDs = append(taskIDs, id)
	}

	req := core.UpdateTaskStatusesRequest{
		TaskIDs:    taskIDs,
		NewStatus:  newStatus,
		WorkflowID: workflowID,
	}
	// Rewinding tasks re-registers the workflow so it can run again.
	if newStatus == core.TaskRegistering {
		req.WorkflowStatus = string(core.WorkflowRegistering)
	}

	n, err := ctx.Client().UpdateTaskStatuses(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to update task statuses: %w", err)
	}
	fmt.Printf("%d tasks set to %s\n", n, newStatus)

	return nil
}

func taskDependenciesCmd() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "dependencies <task-id>",
			Short: "Show a task's upstream and downstream tasks",
			Args:  cobra.ExactArgs(1),
		}, nil, runTaskDependencies,
	)
}

func runTaskDependencies(ctx *Context, args []string) error {
	taskID, err := parseID(args[0], "task id")
	if err != nil {
		return err
	}

	resp, err := ctx.Client().TaskDependencies(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to get task dependencies: %w", err)
	}

	fmt.Println("Upstream:")
	printDependencyRows(resp.Upstream)
	fmt.Println("Downstream:")
	printDependencyRows(resp.Downstream)

	return nil
}

func printDependencyRows(rows []core.TaskDependencyRow) {
	if len(rows) == 0 {
		fmt.Println("  (none)")
		return
	}
	for _, row := range rows {
		fmt.Printf("  %d %-20s %s\n", row.TaskID, row.Status, row.Name)
	}
}
