package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/stageflow/internal/domain"
	redisstore "github.com/ramiqadoumi/stageflow/internal/redis"
)

var deadLetterCmd = &cobra.Command{
	Use:     "deadletter",
	Aliases: []string{"dlq"},
	Short:   "Inspect and requeue dead-lettered tasks",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list <stage>",
	Short: "List the most recent dead letters of a stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client := redisstore.NewClient(viper.GetString("redis_addr"))
		defer func() { _ = client.Close() }()

		tasks, err := redisstore.NewQueue(client, args[0]).DeadLetters(cmd.Context(), limit)
		if err != nil {
			return err
		}
		printDeadLetters(cmd.OutOrStdout(), tasks)
		return nil
	},
}

var deadLetterRequeueCmd = &cobra.Command{
	Use:   "requeue <stage> <task-id>...",
	Short: "Move dead-lettered tasks back to pending with a fresh retry budget",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := redisstore.NewClient(viper.GetString("redis_addr"))
		defer func() { _ = client.Close() }()

		q := redisstore.NewQueue(client, args[0])
		for _, id := range args[1:] {
			if err := q.Requeue(cmd.Context(), id); err != nil {
				return fmt.Errorf("requeue %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", id)
		}
		return nil
	},
}

func init() {
	deadLetterListCmd.Flags().Int("limit", 50, "maximum number of tasks to list")
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRequeueCmd)
}

func printDeadLetters(w io.Writer, tasks []*domain.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRETRIES\tCREATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%d/%d\t%s\t%s\n", t.ID, t.RetryCount, t.MaxRetries, t.CreatedAt.Format(time.RFC3339), t.Error)
	}
	_ = tw.Flush()
}
