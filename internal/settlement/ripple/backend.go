// Package ripple settles XRP payments through rippled's sign and submit
// methods, with the sender secret held in configuration.
package ripple

import (
	"context"
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

const dropsDecimals = 6

type Config struct {
	Account             string
	Secret              string
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
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = settlement.DefaultConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Backend{
		client: client,
		cfg:    cfg,
		pins:   settlement.NewPins(),
		log:    slog.Default().With("currency", domain.CurrencyXRP),
	}
}

func (b *Backend) Currency() domain.Currency { return domain.CurrencyXRP }

func (b *Backend) EstimateFee(ctx context.Context, _ settlement.FeeParams) (settlement.FeeQuote, error) {
	var resp struct {
		Drops struct {
			OpenLedgerFee string `json:"open_ledger_fee"`
			BaseFee       string `json:"base_fee"`
		} `json:"drops"`
	}
	if err := b.client.CallInto(ctx, "fee", nil, &resp); err != nil {
		return settlement.FeeQuote{}, settlement.RPCError("fee", err)
	}
	drops := resp.Drops.OpenLedgerFee
	if drops == "" {
		drops = resp.Drops.BaseFee
	}
	d, err := decimal.NewFromString(drops)
	if err != nil {
		return settlement.FeeQuote{}, fmt.Errorf("fee: bad drops %q: %w", drops, err)
	}
	return settlement.FeeQuote{Fee: d.Shift(-dropsDecimals).String(), Rate: d.String()}, nil
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxBlob              string `json:"tx_blob"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

func (b *Backend) ProcessPayment(
	ctx context.Context,
	recipient, amount string,
	opts settlement.Options,
) (domain.SettlementResult, error) {
	if !strings.HasPrefix(recipient, "r") || len(recipient) < 25 || len(recipient) > 35 {
		return domain.SettlementResult{}, settlement.Invalid("invalid address %q", recipient)
	}
	drops, err := toDrops(amount)
	if err != nil {
		return domain.SettlementResult{}, err
	}

	signed, err := b.sign(ctx, recipient, drops, opts)
	if err != nil {
		return domain.SettlementResult{}, err
	}
	if err := opts.ReportSigned(ctx, signed.Hash); err != nil {
		return domain.SettlementResult{}, fmt.Errorf("record transaction %s: %w", signed.Hash, err)
	}
	if err := b.submit(ctx, signed); err != nil {
		if errors.Is(err, settlement.ErrNonceTaken) || retry.IsUnrecoverable(err) {
			b.pins.Drop(opts.Reference)
		}
		return domain.SettlementResult{}, err
	}
	b.log.Info("Transaction submitted", "tx", signed.Hash, "sequence", signed.Seq, "to", recipient, "amount", amount)

	res, err := b.AwaitConfirmation(ctx, signed.Hash)
	if err == nil || retry.IsUnrecoverable(err) {
		b.pins.Drop(opts.Reference)
	}
	return res, err
}

// sign returns the transfer pinned to opts.Reference, or signs a new one
// with the account's current Sequence.
func (b *Backend) sign(ctx context.Context, recipient, drops string, opts settlement.Options) (settlement.Signed, error) {
	if s, ok := b.pins.Get(opts.Reference); ok {
		return s, nil
	}

	var info struct {
		AccountData struct {
			Sequence uint64 `json:"Sequence"`
		} `json:"account_data"`
	}
	params := map[string]any{"account": b.cfg.Account, "ledger_index": "current"}
	if err := b.client.CallInto(ctx, "account_info", params, &info); err != nil {
		return settlement.Signed{}, settlement.RPCError("account_info", err)
	}

	tx := map[string]any{
		"TransactionType": "Payment",
		"Account":         b.cfg.Account,
		"Destination":     recipient,
		"Amount":          drops,
		"Sequence":        info.AccountData.Sequence,
	}
	if opts.Fee != nil && opts.Fee.Rate != "" {
		tx["Fee"] = opts.Fee.Rate
	}

	var out submitResult
	if err := b.client.CallInto(ctx, "sign", map[string]any{"tx_json": tx, "secret": b.cfg.Secret}, &out); err != nil {
		return settlement.Signed{}, settlement.RPCError("sign", err)
	}
	if out.TxBlob == "" || out.TxJSON.Hash == "" {
		return settlement.Signed{}, fmt.Errorf("sign: empty result")
	}

	s := settlement.Signed{Hash: out.TxJSON.Hash, Raw: out.TxBlob, Seq: info.AccountData.Sequence}
	b.pins.Put(opts.Reference, s)
	return s, nil
}

// submit broadcasts a signed blob. A sequence already consumed by this same
// transfer counts as success.
func (b *Backend) submit(ctx context.Context, s settlement.Signed) error {
	var res submitResult
	if err := b.client.CallInto(ctx, "submit", map[string]any{"tx_blob": s.Raw}, &res); err != nil {
		return settlement.RPCError("submit", err)
	}
	switch res.EngineResult {
	case "tefPAST_SEQ", "tefALREADY":
		known, err := b.known(ctx, s.Hash)
		if err != nil {
			return fmt.Errorf("tx: %w", err)
		}
		if known {
			return nil
		}
		return fmt.Errorf("submit: sequence %d: %w", s.Seq, settlement.ErrNonceTaken)
	}
	return engineError(res)
}

func (b *Backend) known(ctx context.Context, txHash string) (bool, error) {
	var tx struct {
		Hash string `json:"hash"`
	}
	err := b.client.CallInto(ctx, "tx", map[string]any{"transaction": txHash}, &tx)
	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Name == "txnNotFound" {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// engineError maps the preliminary result of submit. tem/tef codes can never
// succeed; tel and ter (other than queued) may succeed on resubmission.
func engineError(res submitResult) error {
	code := res.EngineResult
	switch {
	case code == "tesSUCCESS", code == "terQUEUED", strings.HasPrefix(code, "tec"):
		return nil
	case strings.HasPrefix(code, "tem"), strings.HasPrefix(code, "tef"):
		return settlement.Invalid("submit: %s: %s", code, res.EngineResultMessage)
	default:
		return fmt.Errorf("submit: %s: %s", code, res.EngineResultMessage)
	}
}

func (b *Backend) AwaitConfirmation(ctx context.Context, txHash string) (domain.SettlementResult, error) {
	return settlement.WaitConfirmation(ctx, txHash, b.cfg.ConfirmationTimeout, b.cfg.PollInterval,
		func(ctx context.Context) (domain.SettlementResult, bool, error) {
			var tx struct {
				Validated   bool   `json:"validated"`
				LedgerIndex int64  `json:"ledger_index"`
				Fee         string `json:"Fee"`
				Meta        struct {
					TransactionResult string `json:"TransactionResult"`
				} `json:"meta"`
			}
			err := b.client.CallInto(ctx, "tx", map[string]any{"transaction": txHash}, &tx)
			var rpcErr *rpc.Error
			if errors.As(err, &rpcErr) && rpcErr.Name == "txnNotFound" {
				return domain.SettlementResult{}, false, nil
			}
			if err != nil {
				return domain.SettlementResult{}, false, err
			}
			if !tx.Validated {
				return domain.SettlementResult{}, false, nil
			}
			if tx.Meta.TransactionResult != "tesSUCCESS" {
				return domain.SettlementResult{}, false,
					settlement.Invalid("transaction %s failed: %s", txHash, tx.Meta.TransactionResult)
			}
			res := domain.SettlementResult{
				TransactionHash: txHash,
				BlockReference:  fmt.Sprintf("%d", tx.LedgerIndex),
			}
			if fee, err := decimal.NewFromString(tx.Fee); err == nil {
				res.Fee = fee.Shift(-dropsDecimals).String()
			}
			return res, true, nil
		})
}

func (b *Backend) GetBalance(ctx context.Context, address string) (string, error) {
	var resp struct {
		AccountData struct {
			Balance string `json:"Balance"`
		} `json:"account_data"`
	}
	params := map[string]any{"account": address, "ledger_index": "validated"}
	if err := b.client.CallInto(ctx, "account_info", params, &resp); err != nil {
		return "", settlement.RPCError("account_info", err)
	}
	d, err := decimal.NewFromString(resp.AccountData.Balance)
	if err != nil {
		return "", fmt.Errorf("account_info: bad balance %q: %w", resp.AccountData.Balance, err)
	}
	return d.Shift(-dropsDecimals).String(), nil
}

func toDrops(amount string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil || !d.IsPositive() {
		return "", settlement.Invalid("invalid amount %q", amount)
	}
	drops := d.Shift(dropsDecimals)
	if !drops.IsInteger() {
		return "", settlement.Invalid("invalid amount %q: more than %d decimals", amount, dropsDecimals)
	}
	return drops.String(), nil
}
