// Package ethereum settles ETH payments through a node-managed account
// (eth_signTransaction + eth_sendRawTransaction); the node holds the key.
package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vietddude/settler/internal/core/domain"
	"github.com/vietddude/settler/internal/core/memo"
	"github.com/vietddude/settler/internal/core/retry"
	"github.com/vietddude/settler/internal/infra/rpc"
	"github.com/vietddude/settler/internal/settlement"
)

const (
	weiDecimals     = 18
	defaultGasLimit = 21000
	gasPriceTTL     = time.Minute
)

type Config struct {
	// From is the node-unlocked account that funds payments.
	From                string
	GasLimit            uint64
	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

type Backend struct {
	client   rpc.Caller
	cfg      Config
	gasPrice *memo.Memo[struct{}, *big.Int]
	pins     *settlement.Pins
	log      *slog.Logger
}

func New(client rpc.Caller, cfg Config) *Backend {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = settlement.DefaultConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	b := &Backend{
		client: client,
		cfg:    cfg,
		pins:   settlement.NewPins(),
		log:    slog.Default().With("currency", domain.CurrencyETH),
	}
	b.gasPrice = memo.Memoize[struct{}, *big.Int](b.fetchGasPrice, gasPriceTTL)
	return b
}

func (b *Backend) Currency() domain.Currency { return domain.CurrencyETH }

func (b *Backend) fetchGasPrice(ctx context.Context, _ struct{}) (*big.Int, error) {
	var hex string
	if err := b.client.CallInto(ctx, "eth_gasPrice", nil, &hex); err != nil {
		return nil, settlement.RPCError("eth_gasPrice", err)
	}
	return parseHexBig(hex)
}

func (b *Backend) EstimateFee(ctx context.Context, params settlement.FeeParams) (settlement.FeeQuote, error) {
	gas := new(big.Int).SetUint64(b.cfg.GasLimit)
	if params.Recipient != "" {
		tx := map[string]string{"from": b.cfg.From, "to": params.Recipient}
		if params.Amount != "" {
			wei, err := toWei(params.Amount)
			if err != nil {
				return settlement.FeeQuote{}, err
			}
			tx["value"] = toHex(wei)
		}
		var hex string
		if err := b.client.CallInto(ctx, "eth_estimateGas", []any{tx}, &hex); err != nil {
			return settlement.FeeQuote{}, settlement.RPCError("eth_estimateGas", err)
		}
		est, err := parseHexBig(hex)
		if err != nil {
			return settlement.FeeQuote{}, err
		}
		gas = est
	}

	price, err := b.gasPrice.Call(ctx, struct{}{})
	if err != nil {
		return settlement.FeeQuote{}, err
	}

	fee := new(big.Int).Mul(gas, price)
	return settlement.FeeQuote{
		Fee:  fromWei(fee),
		Rate: price.String(),
	}, nil
}

func (b *Backend) ProcessPayment(
	ctx context.Context,
	recipient, amount string,
	opts settlement.Options,
) (domain.SettlementResult, error) {
	if !isAddress(recipient) {
		return domain.SettlementResult{}, settlement.Invalid("invalid address %q", recipient)
	}
	wei, err := toWei(amount)
	if err != nil {
		return domain.SettlementResult{}, err
	}

	signed, err := b.sign(ctx, recipient, wei, opts)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if err := opts.ReportSigned(ctx, signed.Hash); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("record transaction %s: %w", signed.Hash, err)
	}
	if err := b.broadcast(ctx, signed); err != nil {
		if errors.Is(err, settlement.ErrNonceTaken) {
			b.pins.Drop(opts.Reference)
		}
		return domain.SettlementResult{}, err
	}
	b.log.Info("Transaction broadcast", "tx", signed.Hash, "nonce", signed.Seq, "to", recipient, "amount", amount)

	res, err := b.AwaitConfirmation(ctx, signed.Hash)
	if err == nil || retry.IsUnrecoverable(err) {
		b.pins.Drop(opts.Reference)
	}
	return res, err
}

// sign returns the transfer pinned to opts.Reference, or signs a new one
// with the account's next pending nonce.
func (b *Backend) sign(
	ctx context.Context,
	recipient string,
	wei *big.Int,
	opts settlement.Options,
) (settlement.Signed, error) {
	if s, ok := b.pins.Get(opts.Reference); ok {
		return s, nil
	}

	var nonceHex string
	if err := b.client.CallInto(ctx, "eth_getTransactionCount", []any{b.cfg.From, "pending"}, &nonceHex); err != nil {
		return settlement.Signed{}, settlement.RPCError("eth_getTransactionCount", err)
	}
	nonce, err := parseHexBig(nonceHex)
	if err != nil {
		return settlement.Signed{}, err
	}

	tx := map[string]string{
		"from":  b.cfg.From,
		"to":    recipient,
		"value": toHex(wei),
		"gas":   toHex(new(big.Int).SetUint64(b.cfg.GasLimit)),
		"nonce": toHex(nonce),
	}
	if opts.Fee != nil && opts.Fee.Rate != "" {
		if price, ok := new(big.Int).SetString(opts.Fee.Rate, 10); ok {
			tx["gasPrice"] = toHex(price)
		}
	}

	var out struct {
		Raw string `json:"raw"`
		Tx  struct {
			Hash string `json:"hash"`
		} `json:"tx"`
	}
	if err := b.client.CallInto(ctx, "eth_signTransaction", []any{tx}, &out); err != nil {
		return settlement.Signed{}, settlement.RPCError("eth_signTransaction", err)
	}
	if out.Raw == "" || out.Tx.Hash == "" {
		return settlement.Signed{}, fmt.Errorf("eth_signTransaction: empty result")
	}

	s := settlement.Signed{Hash: out.Tx.Hash, Raw: out.Raw, Seq: nonce.Uint64()}
	b.pins.Put(opts.Reference, s)
	return s, nil
}

// broadcast sends a signed transfer. A node that already holds it, or has
// already included it, counts as success.
func (b *Backend) broadcast(ctx context.Context, s settlement.Signed) error {
	var hash string
	err := b.client.CallInto(ctx, "eth_sendRawTransaction", []any{s.Raw}, &hash)
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"):
		return nil
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "replacement transaction underpriced"):
		known, lerr := b.known(ctx, s.Hash)
		if lerr != nil {
			return fmt.Errorf("eth_getTransactionByHash: %w", lerr)
		}
		if known {
			return nil
		}
		return fmt.Errorf("eth_sendRawTransaction: nonce %d: %w", s.Seq, settlement.ErrNonceTaken)
	}
	return settlement.RPCError("eth_sendRawTransaction", err)
}

func (b *Backend) known(ctx context.Context, txHash string) (bool, error) {
	var raw json.RawMessage
	if err := b.client.CallInto(ctx, "eth_getTransactionByHash", []any{txHash}, &raw); err != nil {
		return false, err
	}
	return len(raw) > 0 && string(raw) != "null", nil
}

type receipt struct {
	TransactionHash   string `json:"transactionHash"`
	BlockNumber       string `json:"blockNumber"`
	Status            string `json:"status"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
}

func (b *Backend) AwaitConfirmation(ctx context.Context, txHash string) (domain.SettlementResult, error) {
	return settlement.WaitConfirmation(ctx, txHash, b.cfg.ConfirmationTimeout, b.cfg.PollInterval,
		func(ctx context.Context) (domain.SettlementResult, bool, error) {
			var raw json.RawMessage
			if err := b.client.CallInto(ctx, "eth_getTransactionReceipt", []any{txHash}, &raw); err != nil {
				return domain.SettlementResult{}, false, err
			}
			if len(raw) == 0 || string(raw) == "null" {
				return domain.SettlementResult{}, false, nil
			}
			var r receipt
			if err := json.Unmarshal(raw, &r); err != nil {
				return domain.SettlementResult{}, false, fmt.Errorf("decode receipt: %w", err)
			}
			if r.Status == "0x0" {
				return domain.SettlementResult{}, false, settlement.Invalid("transaction %s reverted", txHash)
			}
			return receiptResult(txHash, r), true, nil
		})
}

func receiptResult(txHash string, r receipt) domain.SettlementResult {
	res := domain.SettlementResult{TransactionHash: txHash}
	if n, err := parseHexBig(r.BlockNumber); err == nil {
		res.BlockReference = n.String()
	}
	gasUsed, err1 := parseHexBig(r.GasUsed)
	price, err2 := parseHexBig(r.EffectiveGasPrice)
	if err1 == nil && err2 == nil {
		res.Fee = fromWei(new(big.Int).Mul(gasUsed, price))
	}
	return res
}

func (b *Backend) GetBalance(ctx context.Context, address string) (string, error) {
	if !isAddress(address) {
		return "", settlement.Invalid("invalid address %q", address)
	}
	var hex string
	if err := b.client.CallInto(ctx, "eth_getBalance", []any{address, "latest"}, &hex); err != nil {
		return "", settlement.RPCError("eth_getBalance", err)
	}
	wei, err := parseHexBig(hex)
	if err != nil {
		return "", err
	}
	return fromWei(wei), nil
}

func toWei(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || !d.IsPositive() {
		return nil, settlement.Invalid("invalid amount %q", amount)
	}
	wei := d.Shift(weiDecimals)
	if !wei.IsInteger() {
		return nil, settlement.Invalid("invalid amount %q: more than %d decimals", amount, weiDecimals)
	}
	return wei.BigInt(), nil
}

func fromWei(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}

func toHex(n *big.Int) string {
	return "0x" + n.Text(16)
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return n, nil
}

func isAddress(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(strings.ToLower(s), "0x") {
		return false
	}
	_, ok := new(big.Int).SetString(s[2:], 16)
	return ok
}
