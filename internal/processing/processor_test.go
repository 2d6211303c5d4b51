package processing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/retry"
	"github.com/vietddude/settler/internal/infra/rpc"
	"github.com/vietddude/settler/internal/infra/storage/memory"
	"github.com/vietddude/settler/internal/settlement"
	"github.com/vietddude/settler/internal/settlement/ethereum"
)

var fastPolicy = retry.Policy{Retries: 3, Factor: 2, MinTimeout: time.Millisecond, MaxTimeout: 2 * time.Millisecond}

// fakeBackend scripts ProcessPayment outcomes in order; once the script runs
// out every call succeeds.
type fakeBackend struct {
	currency domain.Currency

	mu         sync.Mutex
	script     []error
	attempts   int
	feeCalls   int
	lastOpts   settlement.Options
	confirms   int
	confirmErr error
}

func (f *fakeBackend) Currency() domain.Currency { return f.currency }

func (f *fakeBackend) EstimateFee(ctx context.Context, p settlement.FeeParams) (settlement.FeeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeCalls++
	return settlement.FeeQuote{Fee: "0.0000282", Rate: "0.0002"}, nil
}

func (f *fakeBackend) ProcessPayment(
	ctx context.Context,
	recipient, amount string,
	opts settlement.Options,
) (domain.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	f.lastOpts = opts
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		// A timeout happens after broadcast; other scripted errors before signing.
		var timeout *settlement.ConfirmationTimeoutError
		if errors.As(err, &timeout) {
			if serr := opts.ReportSigned(ctx, timeout.TxHash); serr != nil {
				return domain.SettlementResult{}, serr
			}
		}
		if err != nil {
			return domain.SettlementResult{}, err
		}
	}
	if err := opts.ReportSigned(ctx, "0xhash"); err != nil {
		return domain.SettlementResult{}, err
	}
	return domain.SettlementResult{TransactionHash: "0xhash", BlockReference: "42", Fee: "0.000021"}, nil
}

func (f *fakeBackend) GetBalance(ctx context.Context, address string) (string, error) {
	return "1", nil
}

func (f *fakeBackend) AwaitConfirmation(ctx context.Context, txHash string) (domain.SettlementResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms++
	if f.confirmErr != nil {
		return domain.SettlementResult{}, f.confirmErr
	}
	return domain.SettlementResult{TransactionHash: txHash, BlockReference: "43", Fee: "0.000021"}, nil
}

// memQueue keeps jobs in memory until drained.
type memQueue struct {
	mu   sync.Mutex
	jobs []domain.PaymentJob
	err  error
}

func (q *memQueue) Enqueue(ctx context.Context, job domain.PaymentJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *memQueue) drain(t *testing.T, p *Processor) []error {
	t.Helper()
	q.mu.Lock()
	jobs := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		errs = append(errs, p.Process(context.Background(), job))
	}
	return errs
}

type harness struct {
	store     *memory.StatusStore
	queue     *memQueue
	eth       *fakeBackend
	btc       *fakeBackend
	processor *Processor
	submitter *Submitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memory.NewStatusStore(),
		queue: &memQueue{},
		eth:   &fakeBackend{currency: domain.CurrencyETH},
		btc:   &fakeBackend{currency: domain.CurrencyBTC},
	}
	reg := settlement.NewRegistry()
	if err := reg.Register(h.eth, fastPolicy); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(h.btc, fastPolicy); err != nil {
		t.Fatal(err)
	}
	h.processor = NewProcessor(h.store, reg, Config{FeeCacheTTL: time.Minute})
	h.submitter = NewSubmitter(h.store, h.queue)
	return h
}

func (h *harness) submit(t *testing.T, currency, amount string) string {
	t.Helper()
	receipt, err := h.submitter.Submit(context.Background(), Request{
		Currency:  currency,
		Amount:    amount,
		Recipient: "recipient-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !receipt.Success || receipt.PaymentID == "" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	return receipt.PaymentID
}

func (h *harness) status(t *testing.T, id string) *domain.PaymentStatusRecord {
	t.Helper()
	rec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func TestEndToEnd_ETHCompleted(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "eth", "1.5")

	if rec := h.status(t, id); rec.Status != domain.PaymentStatusPending {
		t.Fatalf("expected PENDING after submit, got %s", rec.Status)
	}

	errs := h.queue.drain(t, h.processor)
	if len(errs) != 1 || errs[0] != nil {
		t.Fatalf("unexpected process result %v", errs)
	}

	rec := h.status(t, id)
	if rec.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", rec.Status, rec.Error)
	}
	if rec.TransactionHash != "0xhash" || rec.BlockReference != "42" || rec.Fee != "0.000021" {
		t.Errorf("unexpected settlement fields %+v", rec)
	}
	if rec.Currency != domain.CurrencyETH {
		t.Errorf("expected normalized currency ETH, got %s", rec.Currency)
	}
	if h.eth.attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", h.eth.attempts)
	}
	if h.eth.lastOpts.Reference != id {
		t.Errorf("expected payment id as reference, got %q", h.eth.lastOpts.Reference)
	}
	if h.eth.lastOpts.OnSigned == nil {
		t.Error("expected a hook recording the signed transaction")
	}
}

func TestEndToEnd_UnsupportedCurrencyFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "DOGE", "10")

	start := time.Now()
	errs := h.queue.drain(t, h.processor)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected immediate failure, took %v", elapsed)
	}

	if !errors.Is(errs[0], ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", errs[0])
	}
	rec := h.status(t, id)
	if rec.Status != domain.PaymentStatusFailed || rec.Error != "unsupported currency" {
		t.Errorf("expected FAILED unsupported currency, got %s %q", rec.Status, rec.Error)
	}
	if h.eth.attempts+h.btc.attempts != 0 {
		t.Errorf("expected no settlement attempts, got %d", h.eth.attempts+h.btc.attempts)
	}
}

func TestProcessor_InvalidAmount(t *testing.T) {
	h := newHarness(t)
	for _, amount := range []string{"abc", "0", "-5"} {
		id := h.submit(t, "ETH", amount)
		errs := h.queue.drain(t, h.processor)
		if !errors.Is(errs[0], ErrPaymentFailed) {
			t.Errorf("amount %q: expected ErrPaymentFailed, got %v", amount, errs[0])
		}
		if rec := h.status(t, id); rec.Error != "invalid amount" {
			t.Errorf("amount %q: expected invalid amount, got %q", amount, rec.Error)
		}
	}
	if h.eth.attempts != 0 {
		t.Errorf("expected no settlement attempts, got %d", h.eth.attempts)
	}
}

func TestProcessor_IdempotentRedelivery(t *testing.T) {
	h := newHarness(t)
	id := h.submit(t, "ETH", "1")
	job := h.queue.jobs[0]

	if err := h.processor.Process(context.Background(), job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	first := h.status(t, id)

	if err := h.processor.Process(context.Background(), job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if h.eth.attempts != 1 {
		t.Errorf("expected a single settlement call, got %d", h.eth.attempts)
	}
	if second := h.status(t, id); !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Error("redelivery must not rewrite a terminal record")
	}
}

func TestProcessor_RetriesTransientErrors(t *testing.T) {
	h := newHarness(t)
	h.eth.script = []error{errors.New("connection reset"), errors.New("timeout")}
	id := h.submit(t, "ETH", "1")

	if errs := h.queue.drain(t, h.processor); errs[0] != nil {
		t.Fatalf("unexpected error: %v", errs[0])
	}
	if h.eth.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", h.eth.attempts)
	}
	if rec := h.status(t, id); rec.Status != domain.PaymentStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", rec.Status)
	}
}

func TestProcessor_ExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t)
	h.eth.script = []error{errors.New("e1"), errors.New("e2"), errors.New("node down")}
	id := h.submit(t, "ETH", "1")

	errs := h.queue.drain(t, h.processor)
	if !errors.Is(errs[0], ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", errs[0])
	}
	if h.eth.attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", h.eth.attempts)
	}
	rec := h.status(t, id)
	if rec.Status != domain.PaymentStatusFailed || rec.Error != "node down" {
		t.Errorf("expected FAILED with last error, got %s %q", rec.Status, rec.Error)
	}
}

func TestProcessor_UnrecoverableStopsImmediately(t *testing.T) {
	h := newHarness(t)
	h.eth.script = []error{settlement.Invalid("invalid address %q", "x")}
	id := h.submit(t, "ETH", "1")

	errs := h.queue.drain(t, h.processor)
	if !errors.Is(errs[0], ErrPaymentFailed) {
		t.Fatalf("expected ErrPaymentFailed, got %v", errs[0])
	}
	if h.eth.attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", h.eth.attempts)
	}
	if rec := h.status(t, id); !strings.Contains(rec.Error, "invalid address") {
		t.Errorf("unexpected error %q", rec.Error)
	}
}

func TestProcessor_BTCFeeIsMemoized(t *testing.T) {
	h := newHarness(t)
	h.submit(t, "BTC", "0.01")
	h.submit(t, "BTC", "0.02")

	for _, err := range h.queue.drain(t, h.processor) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if h.btc.feeCalls != 1 {
		t.Errorf("expected one fee estimate within ttl, got %d", h.btc.feeCalls)
	}
	if h.btc.lastOpts.Fee == nil || h.btc.lastOpts.Fee.Rate != "0.0002" {
		t.Errorf("expected fee quote to be passed to backend, got %+v", h.btc.lastOpts.Fee)
	}

	h.submit(t, "ETH", "1")
	h.queue.drain(t, h.processor)
	if h.eth.feeCalls != 0 || h.eth.lastOpts.Fee != nil {
		t.Error("ETH payments should not request a fee quote")
	}
}

func TestProcessor_ConfirmationTimeoutStaysPending(t *testing.T) {
	h := newHarness(t)
	h.eth.script = []error{&settlement.ConfirmationTimeoutError{TxHash: "0xslow", Timeout: time.Minute}}
	id := h.submit(t, "ETH", "1")
	job := h.queue.jobs[0]

	err := h.processor.Process(context.Background(), job)
	if !errors.Is(err, settlement.ErrConfirmationTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}
	if errors.Is(err, ErrPaymentFailed) {
		t.Fatal("confirmation timeout must not be terminal")
	}
	if h.eth.attempts != 1 {
		t.Errorf("a broadcast transfer must not be resent, got %d attempts", h.eth.attempts)
	}
	rec := h.status(t, id)
	if rec.Status != domain.PaymentStatusPending || rec.TransactionHash != "0xslow" {
		t.Fatalf("expected PENDING with tx hash, got %s %q", rec.Status, rec.TransactionHash)
	}

	// Redelivery reconciles instead of sending again.
	if err := h.processor.Process(context.Background(), job); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if h.eth.attempts != 1 || h.eth.confirms != 1 {
		t.Errorf("expected reconcile only, got %d attempts %d confirms", h.eth.attempts, h.eth.confirms)
	}
	rec = h.status(t, id)
	if rec.Status != domain.PaymentStatusCompleted || rec.TransactionHash != "0xslow" || rec.BlockReference != "43" {
		t.Errorf("unexpected record after reconcile %+v", rec)
	}
}

func TestProcessor_AdoptsJobWithoutRecord(t *testing.T) {
	h := newHarness(t)
	job := domain.PaymentJob{PaymentID: "external-1", Currency: domain.CurrencyETH, Amount: "1", Recipient: "r"}

	if err := h.processor.Process(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec := h.status(t, "external-1"); rec.Status != domain.PaymentStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", rec.Status)
	}
}

func TestProcessor_CancelledContextLeavesPending(t *testing.T) {
	h := newHarness(t)
	h.eth.script = []error{context.Canceled}
	id := h.submit(t, "ETH", "1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.processor.Process(ctx, h.queue.jobs[0])
	if err == nil || errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if rec := h.status(t, id); rec.Status != domain.PaymentStatusPending {
		t.Errorf("expected PENDING, got %s", rec.Status)
	}
}

func TestProcessor_AverageDuration(t *testing.T) {
	h := newHarness(t)
	tick := time.Unix(0, 0)
	h.processor.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	h.submit(t, "ETH", "1")
	h.queue.drain(t, h.processor)

	if avg := h.processor.AverageDuration(); avg <= 0 {
		t.Errorf("expected positive rolling average, got %v", avg)
	}
}

// gethNode scripts geth JSON-RPC answers for the ethereum backend.
type gethNode struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(method string, call int) (any, error)
}

func (n *gethNode) CallInto(ctx context.Context, method string, params any, out any) error {
	n.mu.Lock()
	if n.calls == nil {
		n.calls = make(map[string]int)
	}
	n.calls[method]++
	call := n.calls[method]
	n.mu.Unlock()

	res, err := n.fn(method, call)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (n *gethNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[method]
}

const ethRecipient = "0x2222222222222222222222222222222222222222"

func signedTx(hash string) map[string]any {
	return map[string]any{"raw": "0xraw" + hash, "tx": map[string]string{"hash": hash}}
}

func minedReceipt(hash string) map[string]string {
	return map[string]string{"transactionHash": hash, "blockNumber": "0x10", "status": "0x1",
		"gasUsed": "0x5208", "effectiveGasPrice": "0x3b9aca00"}
}

// newETHHarness wires the processor to a real ethereum backend on node.
func newETHHarness(t *testing.T, node *gethNode) (*Processor, *memory.StatusStore) {
	t.Helper()
	store := memory.NewStatusStore()
	reg := settlement.NewRegistry()
	backend := ethereum.New(node, ethereum.Config{
		From:                "0x1111111111111111111111111111111111111111",
		ConfirmationTimeout: time.Minute,
		PollInterval:        time.Millisecond,
	})
	if err := reg.Register(backend, fastPolicy); err != nil {
		t.Fatal(err)
	}
	return NewProcessor(store, reg, Config{}), store
}

func ethJob(id string) domain.PaymentJob {
	return domain.PaymentJob{PaymentID: id, Currency: domain.CurrencyETH, Amount: "1", Recipient: ethRecipient}
}

func TestProcessor_StopDuringConfirmationReconcilesOnRedelivery(t *testing.T) {
	var mu sync.Mutex
	mined := false
	node := &gethNode{fn: func(method string, call int) (any, error) {
		switch method {
		case "eth_getTransactionCount":
			return "0x1", nil
		case "eth_signTransaction":
			return signedTx("0xfeed"), nil
		case "eth_sendRawTransaction":
			return "0xfeed", nil
		case "eth_getTransactionReceipt":
			mu.Lock()
			defer mu.Unlock()
			if !mined {
				return nil, nil
			}
			return minedReceipt("0xfeed"), nil
		}
		return nil, errors.New("unexpected method " + method)
	}}
	p, store := newETHHarness(t, node)
	job := ethJob("pay-stop")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Process(ctx, job)
	if err == nil || errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	rec, _ := store.Get(context.Background(), job.PaymentID)
	if rec.Status != domain.PaymentStatusPending || rec.TransactionHash != "0xfeed" {
		t.Fatalf("expected PENDING with tx hash, got %s %q", rec.Status, rec.TransactionHash)
	}

	mu.Lock()
	mined = true
	mu.Unlock()
	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := node.count("eth_sendRawTransaction"); n != 1 {
		t.Errorf("expected exactly one broadcast, got %d", n)
	}
	if n := node.count("eth_signTransaction"); n != 1 {
		t.Errorf("expected exactly one signature, got %d", n)
	}
	rec, _ = store.Get(context.Background(), job.PaymentID)
	if rec.Status != domain.PaymentStatusCompleted || rec.TransactionHash != "0xfeed" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestProcessor_LostBroadcastReplySendsOneTransfer(t *testing.T) {
	node := &gethNode{fn: func(method string, call int) (any, error) {
		switch method {
		case "eth_getTransactionCount":
			return "0x1", nil
		case "eth_signTransaction":
			return signedTx("0xfeed"), nil
		case "eth_sendRawTransaction":
			if call == 1 {
				return nil, &rpc.HTTPError{StatusCode: 502, Body: "bad gateway"}
			}
			return nil, &rpc.Error{Code: -32000, Message: "already known"}
		case "eth_getTransactionReceipt":
			return minedReceipt("0xfeed"), nil
		}
		return nil, errors.New("unexpected method " + method)
	}}
	p, store := newETHHarness(t, node)
	job := ethJob("pay-502")

	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := node.count("eth_signTransaction"); n != 1 {
		t.Errorf("expected one signed transfer, got %d", n)
	}
	if n := node.count("eth_getTransactionCount"); n != 1 {
		t.Errorf("expected nonce fetched once, got %d", n)
	}
	rec, _ := store.Get(context.Background(), job.PaymentID)
	if rec.Status != domain.PaymentStatusCompleted || rec.TransactionHash != "0xfeed" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestProcessor_UnknownBroadcastOutcomeStaysPending(t *testing.T) {
	node := &gethNode{fn: func(method string, call int) (any, error) {
		switch method {
		case "eth_getTransactionCount":
			return "0x1", nil
		case "eth_signTransaction":
			return signedTx("0xfeed"), nil
		case "eth_sendRawTransaction":
			return nil, &rpc.HTTPError{StatusCode: 502, Body: "bad gateway"}
		case "eth_getTransactionReceipt":
			return minedReceipt("0xfeed"), nil
		}
		return nil, errors.New("unexpected method " + method)
	}}
	p, store := newETHHarness(t, node)
	job := ethJob("pay-unknown")

	err := p.Process(context.Background(), job)
	if err == nil || errors.Is(err, ErrPaymentFailed) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	rec, _ := store.Get(context.Background(), job.PaymentID)
	if rec.Status != domain.PaymentStatusPending || rec.TransactionHash != "0xfeed" {
		t.Fatalf("expected PENDING with tx hash, got %s %q", rec.Status, rec.TransactionHash)
	}

	sends := node.count("eth_sendRawTransaction")
	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if n := node.count("eth_sendRawTransaction"); n != sends {
		t.Errorf("redelivery must reconcile without broadcasting, got %d more sends", n-sends)
	}
	if rec, _ := store.Get(context.Background(), job.PaymentID); rec.Status != domain.PaymentStatusCompleted {
		t.Errorf("expected COMPLETED, got %s", rec.Status)
	}
}

func TestProcessor_SupersededTransferIsSignedAgain(t *testing.T) {
	node := &gethNode{fn: func(method string, call int) (any, error) {
		switch method {
		case "eth_getTransactionCount":
			return fmt.Sprintf("0x%d", call), nil
		case "eth_signTransaction":
			return signedTx(fmt.Sprintf("0x%d", call)), nil
		case "eth_sendRawTransaction":
			if call == 1 {
				return nil, &rpc.Error{Code: -32000, Message: "nonce too low"}
			}
			return "0x2", nil
		case "eth_getTransactionByHash":
			return nil, nil
		case "eth_getTransactionReceipt":
			return minedReceipt("0x2"), nil
		}
		return nil, errors.New("unexpected method " + method)
	}}
	p, store := newETHHarness(t, node)
	job := ethJob("pay-superseded")

	if err := p.Process(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := node.count("eth_signTransaction"); n != 2 {
		t.Errorf("expected a second signature, got %d", n)
	}
	rec, _ := store.Get(context.Background(), job.PaymentID)
	if rec.Status != domain.PaymentStatusCompleted || rec.TransactionHash != "0x2" {
		t.Errorf("unexpected record %+v", rec)
	}
}
