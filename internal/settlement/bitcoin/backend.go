// Package bitcoin settles BTC payments through a bitcoind wallet. Transfers
// are funded and signed by the wallet, then broadcast as raw transactions.
// The node holds the keys.
package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/retry"
	"github.com/vietddude/settler/internal/infra/rpc"
	"github.com/vietddude/settler/internal/settlement"
)

const (
	satDecimals      = 8
	defaultFeeTarget = 6
	// P2WPKH sizes in vbytes.
	overheadVBytes = 11
	inputVBytes    = 68
	outputVBytes   = 31

	codeInvalidAddressOrKey = -5
	codeVerifyError         = -25
	codeVerifyRejected      = -26
	codeAlreadyInChain      = -27
)

type Config struct {
	// FeeTarget is the confirmation target in blocks for estimatesmartfee.
	FeeTarget           int
	Confirmations       int
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

type Backend struct {
	client rpc.Caller
	cfg    Config
	pins   *settlement.Pins
	log    *slog.Logger
}

func New(client rpc.Caller, cfg Config) *Backend {
	if cfg.FeeTarget <= 0 {
		cfg.FeeTarget = defaultFeeTarget
	}
	if cfg.Confirmations <= 0 {
		cfg.Confirmations = 1
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = settlement.DefaultConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Backend{
		client: client,
		cfg:    cfg,
		pins:   settlement.NewPins(),
		log:    slog.Default().With("currency", domain.CurrencyBTC),
	}
}

func (b *Backend) Currency() domain.Currency { return domain.CurrencyBTC }

// VSize approximates the virtual size of a P2WPKH transaction.
func VSize(inputs, outputs int) int64 {
	if inputs < 1 {
		inputs = 1
	}
	if outputs < 1 {
		outputs = 1
	}
	return int64(overheadVBytes + inputVBytes*inputs + outputVBytes*outputs)
}

func (b *Backend) EstimateFee(ctx context.Context, params settlement.FeeParams) (settlement.FeeQuote, error) {
	var resp struct {
		FeeRate json.Number `json:"feerate"`
		Errors  []string    `json:"errors"`
		Blocks  int         `json:"blocks"`
	}
	if err := b.client.CallInto(ctx, "estimatesmartfee", []any{b.cfg.FeeTarget}, &resp); err != nil {
		return settlement.FeeQuote{}, settlement.RPCError("estimatesmartfee", err)
	}
	if resp.FeeRate == "" {
		return settlement.FeeQuote{}, fmt.Errorf("estimatesmartfee: no estimate: %s", strings.Join(resp.Errors, "; "))
	}
	rate, err := decimal.NewFromString(resp.FeeRate.String())
	if err != nil {
		return settlement.FeeQuote{}, fmt.Errorf("estimatesmartfee: bad feerate %q: %w", resp.FeeRate, err)
	}

	// feerate is BTC per 1000 vbytes.
	vsize := decimal.NewFromInt(VSize(params.Inputs, params.Outputs))
	fee := rate.Mul(vsize).Div(decimal.NewFromInt(1000)).RoundUp(satDecimals)
	return settlement.FeeQuote{Fee: fee.String(), Rate: rate.String()}, nil
}

func (b *Backend) ProcessPayment(
	ctx context.Context,
	recipient, amount string,
	opts settlement.Options,
) (domain.SettlementResult, error) {
	if strings.TrimSpace(recipient) == "" {
		return domain.SettlementResult{}, settlement.Invalid("invalid address %q", recipient)
	}
	value, err := parseAmount(amount)
	if err != nil {
		return domain.SettlementResult{}, err
	}

	signed, err := b.sign(ctx, recipient, value, opts)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if err := opts.ReportSigned(ctx, signed.Hash); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("record transaction %s: %w", signed.Hash, err)
	}
	if err := b.broadcast(ctx, signed); err != nil {
		if errors.Is(err, settlement.ErrNonceTaken) || retry.IsUnrecoverable(err) {
			b.pins.Drop(opts.Reference)
		}
		return domain.SettlementResult{}, err
	}
	b.log.Info("Transaction broadcast", "tx", signed.Hash, "to", recipient, "amount", value.String())

	res, err := b.AwaitConfirmation(ctx, signed.Hash)
	if err == nil || retry.IsUnrecoverable(err) {
		b.pins.Drop(opts.Reference)
	}
	return res, err
}

// sign returns the transfer pinned to opts.Reference, or has the wallet
// fund and sign a new one. Funded inputs are locked so concurrent workers
// sharing the wallet never spend them twice.
func (b *Backend) sign(
	ctx context.Context,
	recipient string,
	value decimal.Decimal,
	opts settlement.Options,
) (settlement.Signed, error) {
	if s, ok := b.pins.Get(opts.Reference); ok {
		return s, nil
	}

	outputs := map[string]any{recipient: json.Number(value.StringFixed(satDecimals))}
	var unfunded string
	if err := b.client.CallInto(ctx, "createrawtransaction", []any{[]any{}, outputs}, &unfunded); err != nil {
		return settlement.Signed{}, settlement.RPCError("createrawtransaction", err)
	}

	fundOpts := map[string]any{"lockUnspents": true}
	if opts.Fee != nil && opts.Fee.Rate != "" {
		// BTC/kvB to sat/vB
		if rate, err := decimal.NewFromString(opts.Fee.Rate); err == nil && rate.IsPositive() {
			fundOpts["fee_rate"] = json.Number(rate.Shift(5).Round(3).String())
		}
	}
	var funded struct {
		Hex string `json:"hex"`
	}
	if err := b.client.CallInto(ctx, "fundrawtransaction", []any{unfunded, fundOpts}, &funded); err != nil {
		return settlement.Signed{}, settlement.RPCError("fundrawtransaction", err)
	}

	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := b.client.CallInto(ctx, "signrawtransactionwithwallet", []any{funded.Hex}, &signed); err != nil {
		return settlement.Signed{}, settlement.RPCError("signrawtransactionwithwallet", err)
	}
	if !signed.Complete {
		return settlement.Signed{}, retry.Unrecoverable(fmt.Errorf("signrawtransactionwithwallet: incomplete signature"))
	}

	var decoded struct {
		TxID string `json:"txid"`
	}
	if err := b.client.CallInto(ctx, "decoderawtransaction", []any{signed.Hex}, &decoded); err != nil {
		return settlement.Signed{}, settlement.RPCError("decoderawtransaction", err)
	}

	s := settlement.Signed{Hash: decoded.TxID, Raw: signed.Hex}
	b.pins.Put(opts.Reference, s)
	return s, nil
}

// broadcast sends a signed transaction. One the node already has in its
// mempool or chain counts as success.
func (b *Backend) broadcast(ctx context.Context, s settlement.Signed) error {
	var txid string
	err := b.client.CallInto(ctx, "sendrawtransaction", []any{s.Raw}, &txid)
	if err == nil {
		return nil
	}

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case codeAlreadyInChain:
			return nil
		case codeVerifyError, codeVerifyRejected:
			// Spent inputs: either by this transfer or by another one.
			msg := strings.ToLower(rpcErr.Message)
			if !strings.Contains(msg, "missing") && !strings.Contains(msg, "spent") &&
				!strings.Contains(msg, "conflict") && !strings.Contains(msg, "already") {
				break
			}
			known, lerr := b.known(ctx, s.Hash)
			if lerr != nil {
				return fmt.Errorf("gettransaction: %w", lerr)
			}
			if known {
				return nil
			}
			return fmt.Errorf("sendrawtransaction: %w", settlement.ErrNonceTaken)
		}
	}
	return settlement.RPCError("sendrawtransaction", err)
}

func (b *Backend) known(ctx context.Context, txid string) (bool, error) {
	var tx struct {
		TxID string `json:"txid"`
	}
	err := b.client.CallInto(ctx, "gettransaction", []any{txid}, &tx)
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Code == codeInvalidAddressOrKey {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) AwaitConfirmation(ctx context.Context, txid string) (domain.SettlementResult, error) {
	return settlement.WaitConfirmation(ctx, txid, b.cfg.ConfirmationTimeout, b.cfg.PollInterval,
		func(ctx context.Context) (domain.SettlementResult, bool, error) {
			var tx struct {
				Confirmations int         `json:"confirmations"`
				BlockHash     string      `json:"blockhash"`
				BlockHeight   int64       `json:"blockheight"`
				Fee           json.Number `json:"fee"`
			}
			if err := b.client.CallInto(ctx, "gettransaction", []any{txid}, &tx); err != nil {
				return domain.SettlementResult{}, false, err
			}
			if tx.Confirmations < 0 {
				return domain.SettlementResult{}, false, settlement.Invalid("transaction %s conflicted", txid)
			}
			if tx.Confirmations < b.cfg.Confirmations {
				return domain.SettlementResult{}, false, nil
			}
			res := domain.SettlementResult{
				TransactionHash: txid,
				BlockReference:  tx.BlockHash,
			}
			if fee, err := decimal.NewFromString(tx.Fee.String()); err == nil {
				// wallet reports the fee as a negative delta
				res.Fee = fee.Abs().String()
			}
			return res, true, nil
		})
}

// GetBalance scans the UTXO set for address, so it works for addresses the
// node wallet does not own.
func (b *Backend) GetBalance(ctx context.Context, address string) (string, error) {
	if strings.TrimSpace(address) == "" {
		return "", settlement.Invalid("invalid address %q", address)
	}
	var resp struct {
		Success     bool        `json:"success"`
		TotalAmount json.Number `json:"total_amount"`
	}
	desc := fmt.Sprintf("addr(%s)", address)
	if err := b.client.CallInto(ctx, "scantxoutset", []any{"start", []string{desc}}, &resp); err != nil {
		return "", settlement.RPCError("scantxoutset", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("scantxoutset: scan aborted")
	}
	total, err := decimal.NewFromString(resp.TotalAmount.String())
	if err != nil {
		return "", fmt.Errorf("scantxoutset: bad total %q: %w", resp.TotalAmount, err)
	}
	return total.String(), nil
}

func parseAmount(amount string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || !d.IsPositive() {
		return decimal.Decimal{}, settlement.Invalid("invalid amount %q", amount)
	}
	if !d.Shift(satDecimals).IsInteger() {
		return decimal.Decimal{}, settlement.Invalid("invalid amount %q: more than %d decimals", amount, satDecimals)
	}
	return d, nil
}
