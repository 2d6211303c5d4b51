package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/settler/internal/control"
	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/infra/queue"
	"github.com/vietddude/settler/internal/infra/storage"
	"github.com/vietddude/settler/internal/processing"
)

const cliTimeout = 30 * time.Second

var submitCmd = &cobra.Command{
	Use:   "submit [currency] [amount] [recipient]",
	Short: "Submit a payment for asynchronous settlement",
	Args:  cobra.ExactArgs(3),
	Run:   runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status [payment_id]",
	Short: "Show the status of a payment",
	Args:  cobra.ExactArgs(1),
	Run:   runStatus,
}

var balanceCmd = &cobra.Command{
	Use:   "balance [currency] [address]",
	Short: "Query an address balance through the configured node",
	Args:  cobra.ExactArgs(2),
	Run:   runBalance,
}

func init() {
	rootCmd.AddCommand(submitCmd, statusCmd, balanceCmd)
}

func runSubmit(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	store, err := control.OpenStore(ctx, cfg)
	if err != nil {
		fatal("Failed to open status store", err)
	}
	defer func() {
		_ = store.Close()
	}()

	q, err := queue.NewClient(control.QueueConfig(cfg))
	if err != nil {
		fatal("Failed to create queue client", err)
	}
	defer func() {
		_ = q.Close()
	}()

	receipt, err := processing.NewSubmitter(store, q).Submit(ctx, processing.Request{
		Currency:  args[0],
		Amount:    args[1],
		Recipient: args[2],
	})
	if err != nil {
		fatal("Failed to submit payment", err)
	}
	printJSON(receipt)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	store, err := control.OpenStore(ctx, cfg)
	if err != nil {
		fatal("Failed to open status store", err)
	}
	defer func() {
		_ = store.Close()
	}()

	rec, err := store.Get(ctx, args[0])
	if errors.Is(err, storage.ErrPaymentNotFound) {
		fmt.Printf("Payment %s not found\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		fatal("Failed to fetch payment", err)
	}
	printRecord(rec)
}

func printRecord(rec *domain.PaymentStatusRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "PAYMENT\t%s\n", rec.PaymentID)
	fmt.Fprintf(w, "STATUS\t%s\n", rec.Status)
	fmt.Fprintf(w, "CURRENCY\t%s\n", rec.Currency)
	fmt.Fprintf(w, "AMOUNT\t%s\n", rec.Amount)
	fmt.Fprintf(w, "RECIPIENT\t%s\n", rec.Recipient)
	if rec.TransactionHash != "" {
		fmt.Fprintf(w, "TX HASH\t%s\n", rec.TransactionHash)
	}
	if rec.BlockReference != "" {
		fmt.Fprintf(w, "BLOCK\t%s\n", rec.BlockReference)
	}
	if rec.Fee != "" {
		fmt.Fprintf(w, "FEE\t%s\n", rec.Fee)
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "ERROR\t%s\n", rec.Error)
	}
	fmt.Fprintf(w, "UPDATED\t%s\n", rec.UpdatedAt.Format(time.RFC3339))
	_ = w.Flush()
}

func runBalance(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), cliTimeout)
	defer cancel()

	nodes, err := control.BuildNodes(cfg.Currencies)
	if err != nil {
		fatal("Failed to build settlement backends", err)
	}
	defer func() {
		_ = nodes.Close()
	}()

	currency := domain.ParseCurrency(args[0])
	backend, err := nodes.Registry.Resolve(currency)
	if err != nil {
		fatal("Unsupported currency", fmt.Errorf("%s: %w", currency, err))
	}
	balance, err := backend.GetBalance(ctx, args[1])
	if err != nil {
		fatal("Failed to fetch balance", err)
	}
	fmt.Printf("%s %s\n", balance, currency)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
