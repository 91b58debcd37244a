package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proxy-rental/pkg/models"
	"proxy-rental/pkg/queue"
	"proxy-rental/pkg/waiter"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and clear the provisioning task queue",
}

var tasksListCmd = &cobra.Command{
	Use:       "list [status]",
	Short:     "List tasks in a status, oldest first",
	Args:      cobra.ExactArgs(1),
	ValidArgs: statusArgs(),
	Run: func(cmd *cobra.Command, args []string) {
		db := mustInitDB(cmd.Context())
		defer db.Close()

		tasks, err := newQueue(db).ListByStatus(cmd.Context(), models.TaskStatus(args[0]))
		if err != nil {
			logger.Error("Error listing tasks", "error", err)
			os.Exit(1)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSERVER\tINTERNAL IP\tPORT\tCREATED\tUPDATED\tERROR")
		for _, t := range tasks {
			updated := "-"
			if t.UpdatedAt != nil {
				updated = t.UpdatedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
				t.ID, t.TaskType, t.ServerIP, t.Payload.InternalIP, t.Payload.Port,
				t.CreatedAt.Format(time.RFC3339), updated, t.ErrorMessage)
		}
		w.Flush()
	},
}

var tasksClearCmd = &cobra.Command{
	Use:       "clear [status]",
	Short:     "Delete every task in a status",
	Args:      cobra.ExactArgs(1),
	ValidArgs: statusArgs(),
	Run: func(cmd *cobra.Command, args []string) {
		db := mustInitDB(cmd.Context())
		defer db.Close()

		matched, deleted, err := newQueue(db).DeleteByStatus(cmd.Context(), models.TaskStatus(args[0]))
		if err != nil {
			logger.Error("Error clearing tasks", "error", err)
			os.Exit(1)
		}
		fmt.Printf("matched %d, deleted %d\n", matched, deleted)
	},
}

var tasksStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Print the status of a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustParseID(args[0])

		db := mustInitDB(cmd.Context())
		defer db.Close()

		status, err := newQueue(db).GetStatus(cmd.Context(), id)
		if errors.Is(err, queue.ErrTaskNotFound) {
			fmt.Println("not found")
			os.Exit(2)
		}
		if err != nil {
			logger.Error("Error getting task status", "error", err)
			os.Exit(1)
		}
		fmt.Println(status)
	},
}

var tasksWaitCmd = &cobra.Command{
	Use:   "wait [task-id]",
	Short: "Wait for a task to finish; exits non-zero unless it is done",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := mustParseID(args[0])
		timeout, _ := cmd.Flags().GetDuration("timeout")
		poll, _ := cmd.Flags().GetDuration("poll")
		if timeout == 0 {
			timeout = cfg.Wait.Timeout()
		}
		if poll == 0 {
			poll = cfg.Wait.PollInterval()
		}

		db := mustInitDB(cmd.Context())
		defer db.Close()

		if !waiter.New(newQueue(db), logger.With("component", "waiter")).WaitForCompletion(cmd.Context(), id, timeout, poll) {
			fmt.Println("not confirmed")
			os.Exit(1)
		}
		fmt.Println("done")
	},
}

func init() {
	tasksWaitCmd.Flags().Duration("timeout", 0, "How long to wait (default: wait.timeout_seconds)")
	tasksWaitCmd.Flags().Duration("poll", 0, "Poll interval (default: wait.poll_interval_seconds)")

	tasksCmd.AddCommand(tasksListCmd, tasksClearCmd, tasksStatusCmd, tasksWaitCmd)
	rootCmd.AddCommand(tasksCmd)
}

func statusArgs() []string {
	args := make([]string, 0, len(models.TaskStatuses))
	for _, s := range models.TaskStatuses {
		args = append(args, string(s))
	}
	return args
}

func mustParseID(s string) int64 {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		fmt.Fprintf(os.Stderr, "Invalid id %q\n", s)
		os.Exit(1)
	}
	return id
}
