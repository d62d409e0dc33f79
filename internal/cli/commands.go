package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/workerkit/internal/ratelimit"
)

// NewTaskCmd создаёт группу команд для задач.
func NewTaskCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Publish tasks",
	}

	cmd.AddCommand(newTaskPublishCmd(clientFn, outputFn))
	return cmd
}

func newTaskPublishCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	var queue string

	cmd := &cobra.Command{
		Use:   "publish PAYLOAD",
		Short: "Publish a JSON task to a queue",
		Example: `  workerctl task publish --queue tasks '{"type":"http","url":"https://example.com"}'
  workerctl task publish '{"type":"delay","duration_ms":500}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(args[0])
			if err != nil {
				return err
			}

			client, err := clientFn()
			if err != nil {
				return err
			}
			defer client.Close()

			taskID, err := client.PublishTask(cmd.Context(), queue, payload)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Task published to %s", queue))
			out.Print(
				[]string{"TASK_ID", "QUEUE"},
				[][]string{{taskID, queue}},
				map[string]string{"task_id": taskID, "queue": queue},
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&queue, "queue", "tasks", "Target queue")
	return cmd
}

// NewQueueCmd создаёт группу команд для очередей.
func NewQueueCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "depth QUEUE...",
		Short: "Show ready and dead-lettered message counts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			defer client.Close()

			infos, err := client.QueueDepths(cmd.Context(), args)
			if err != nil {
				return err
			}

			rows := make([][]string, len(infos))
			for i, q := range infos {
				rows[i] = []string{q.Queue, strconv.Itoa(q.Ready), strconv.Itoa(q.DeadLetters)}
			}
			outputFn().Print([]string{"QUEUE", "READY", "DEAD_LETTERS"}, rows, infos)
			return nil
		},
	})

	return cmd
}

// NewHealthCmd создаёт команду чтения health-документов воркеров.
func NewHealthCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "health [WORKER...]",
		Short: "Show worker health published to Redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			defer client.Close()

			statuses, err := client.Health(cmd.Context(), args...)
			if err != nil {
				return err
			}

			rows := make([][]string, len(statuses))
			for i, h := range statuses {
				rows[i] = []string{
					h.Worker,
					string(h.Status),
					string(h.BreakerState),
					strconv.FormatInt(h.ProcessedCount, 10),
					strconv.FormatInt(h.FailedCount, 10),
					formatUptime(h.UptimeSeconds),
					h.LastCheck.Format(time.RFC3339),
				}
			}

			outputFn().Print(
				[]string{"WORKER", "STATUS", "BREAKER", "PROCESSED", "FAILED", "UPTIME", "LAST_CHECK"},
				rows,
				statuses,
			)
			return nil
		},
	}
}

// NewCacheCmd создаёт группу команд для общего кэша.
func NewCacheCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the shared cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate TAG",
		Short: "Delete all cache entries with a tag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.InvalidateTag(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outputFn().Success(fmt.Sprintf("Invalidated %d entries tagged %q", n, args[0]))
			return nil
		},
	})

	return cmd
}

// NewRateLimitCmd создаёт группу команд для общего лимитера.
func NewRateLimitCmd(clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ratelimit",
		Short: "Inspect shared rate limits",
	}

	var cfg ratelimit.Config

	remaining := &cobra.Command{
		Use:     "remaining IDENTIFIER",
		Short:   "Show calls left in the current window",
		Example: `  workerctl ratelimit remaining --name enricher --rate 10 --period 1s api.example.com`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFn()
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.Remaining(cmd.Context(), cfg, args[0])
			if err != nil {
				return err
			}

			outputFn().Print(
				[]string{"LIMITER", "IDENTIFIER", "REMAINING", "RATE"},
				[][]string{{cfg.Name, args[0], strconv.Itoa(n), fmt.Sprintf("%d/%s", cfg.Rate, cfg.Period)}},
				map[string]any{"limiter": cfg.Name, "identifier": args[0], "remaining": n},
			)
			return nil
		},
	}

	remaining.Flags().StringVar(&cfg.Name, "name", "worker", "Limiter name (worker name)")
	remaining.Flags().IntVar(&cfg.Rate, "rate", 0, "Calls per period (required)")
	remaining.Flags().DurationVar(&cfg.Period, "period", time.Second, "Window length")
	_ = remaining.MarkFlagRequired("rate")

	cmd.AddCommand(remaining)
	return cmd
}

// NewRootCmd собирает корневую команду workerctl.
func NewRootCmd(version string, clientFn func() (*Client, error), outputFn func() *Output) *cobra.Command {
	root := &cobra.Command{
		Use:           "workerctl",
		Short:         "workerctl — operate queue workers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		NewTaskCmd(clientFn, outputFn),
		NewQueueCmd(clientFn, outputFn),
		NewHealthCmd(clientFn, outputFn),
		NewCacheCmd(clientFn, outputFn),
		NewRateLimitCmd(clientFn, outputFn),
	)

	return root
}
