package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/infra/queue"
)

var deadLimit int

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the payment job queue",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counters",
	Run:   runQueueStats,
}

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List jobs that exhausted or skipped their retries",
	Run:   runQueueDead,
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue [payment_id]",
	Short: "Move a dead job back to the pending queue",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueRequeue,
}

func init() {
	queueDeadCmd.Flags().IntVar(&deadLimit, "limit", 20, "maximum number of jobs to list")
	queueCmd.AddCommand(queueStatsCmd, queueDeadCmd, queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

func openInspector() *queue.Inspector {
	cfg := loadConfig()
	insp, err := queue.NewInspector(control.QueueConfig(cfg))
	if err != nil {
		fatal("Failed to connect to queue", err)
	}
	return insp
}

func runQueueStats(cmd *cobra.Command, args []string) {
	insp := openInspector()
	defer func() {
		_ = insp.Close()
	}()

	s, err := insp.Stats()
	if err != nil {
		fatal("Failed to fetch queue stats", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tDEAD\tDONE\tPROCESSED\tFAILED\tLATENCY")
	fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
		s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived,
		s.Completed, s.Processed, s.Failed, s.Latency.Round(time.Millisecond))
	_ = w.Flush()
}

func runQueueDead(cmd *cobra.Command, args []string) {
	insp := openInspector()
	defer func() {
		_ = insp.Close()
	}()

	dead, err := insp.DeadLetters(deadLimit)
	if err != nil {
		fatal("Failed to list dead jobs", err)
	}
	if len(dead) == 0 {
		fmt.Println("No dead jobs")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PAYMENT\tRETRIED\tFAILED AT\tERROR")
	for _, d := range dead {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			d.PaymentID, d.Retried, d.LastFailedAt.Format(time.RFC3339), d.LastErr)
	}
	_ = w.Flush()
}

func runQueueRequeue(cmd *cobra.Command, args []string) {
	insp := openInspector()
	defer func() {
		_ = insp.Close()
	}()

	if err := insp.Requeue(args[0]); err != nil {
		fatal("Failed to requeue job", err)
	}
	fmt.Printf("Requeued payment %s\n", args[0])
}
