// Package evm implements the ledger gateway against an EVM escrow contract.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"escrowline/internal/domain"
	"escrowline/internal/identity"
	"escrowline/internal/ledger"
)

// Backend is the subset of *ethclient.Client the gateway uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// TxSigner is implemented by signing contexts that can sign transactions.
type TxSigner interface {
	identity.SigningContext
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

type Config struct {
	Contract       string
	ChainID        int64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	IDScanDepth    int
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IDScanDepth <= 0 {
		c.IDScanDepth = 32
	}
	return c
}

type Gateway struct {
	backend  Backend
	abi      abi.ABI
	contract common.Address
	chainID  *big.Int
	cfg      Config
	poll     *rate.Limiter
	log      *slog.Logger

	// sendMu serializes nonce assignment and broadcast.
	sendMu sync.Mutex
}

var _ ledger.Gateway = (*Gateway)(nil)

// Dial connects to rpcURL and returns a gateway for the configured contract.
func Dial(ctx context.Context, rpcURL string, cfg Config, log *slog.Logger) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return New(ctx, client, cfg, log)
}

func New(ctx context.Context, backend Backend, cfg Config, log *slog.Logger) (*Gateway, error) {
	cfg = cfg.withDefaults()
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		backend:  backend,
		abi:      parsed,
		contract: common.HexToAddress(cfg.Contract),
		cfg:      cfg,
		poll:     rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
		log:      log.With("component", "ledger.evm"),
	}
	if cfg.ChainID > 0 {
		g.chainID = big.NewInt(cfg.ChainID)
	} else {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		g.chainID = id
	}
	return g, nil
}

func (g *Gateway) LockFunds(ctx context.Context, sc identity.SigningContext, payee string, amount *big.Int, memo string) (ledger.Receipt, error) {
	if amount == nil || amount.Sign() <= 0 {
		return ledger.Receipt{}, ledger.Reject(ledger.OpLock, ledger.ReasonInvalidAmount)
	}
	if !common.IsHexAddress(payee) || common.HexToAddress(payee) == (common.Address{}) {
		return ledger.Receipt{}, ledger.Reject(ledger.OpLock, ledger.ReasonInvalidPayee)
	}
	from, signer, err := g.signerFor(ctx, sc)
	if err != nil {
		return ledger.Receipt{}, err
	}
	bal, err := g.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("read balance of %s: %w", from.Hex(), err)
	}
	if bal.Cmp(amount) < 0 {
		return ledger.Receipt{}, ledger.Reject(ledger.OpLock, ledger.ReasonInsufficientFunds)
	}
	data, err := g.abi.Pack(methodCreate, common.HexToAddress(payee), memo)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("pack %s: %w", methodCreate, err)
	}
	rcpt, err := g.transact(ctx, ledger.OpLock, from, signer, data, amount)
	if err != nil {
		return ledger.Receipt{}, err
	}
	out := ledger.Receipt{TxHash: rcpt.TxHash.Hex(), Block: rcpt.BlockNumber.Uint64()}
	id, err := g.resolveLockID(ctx, rcpt.BlockNumber, from.Hex(), payee, amount, memo)
	if err != nil {
		return out, &ledger.TimeoutError{Op: ledger.OpLock, TxHash: out.TxHash, Cause: err}
	}
	out.LedgerID = id
	return out, nil
}

func (g *Gateway) MarkWorkComplete(ctx context.Context, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	return g.callRecord(ctx, ledger.OpComplete, methodComplete, sc, id)
}

func (g *Gateway) ReleaseFunds(ctx context.Context, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	return g.callRecord(ctx, ledger.OpRelease, methodRelease, sc, id)
}

func (g *Gateway) callRecord(ctx context.Context, op, method string, sc identity.SigningContext, id uint64) (ledger.Receipt, error) {
	from, signer, err := g.signerFor(ctx, sc)
	if err != nil {
		return ledger.Receipt{}, err
	}
	data, err := g.abi.Pack(method, new(big.Int).SetUint64(id))
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("pack %s: %w", method, err)
	}
	rcpt, err := g.transact(ctx, op, from, signer, data, nil)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{LedgerID: id, TxHash: rcpt.TxHash.Hex(), Block: rcpt.BlockNumber.Uint64()}, nil
}

func (g *Gateway) RecordCount(ctx context.Context) (uint64, error) {
	return g.recordCountAt(ctx, nil)
}

func (g *Gateway) Record(ctx context.Context, id uint64) (domain.LedgerRecord, error) {
	return g.recordAt(ctx, id, nil)
}

func (g *Gateway) recordCountAt(ctx context.Context, block *big.Int) (uint64, error) {
	out, err := g.call(ctx, block, methodCount)
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok || !n.IsUint64() {
		return 0, fmt.Errorf("%s: unexpected result %v", methodCount, out[0])
	}
	return n.Uint64(), nil
}

func (g *Gateway) recordAt(ctx context.Context, id uint64, block *big.Int) (domain.LedgerRecord, error) {
	out, err := g.call(ctx, block, methodRecord, new(big.Int).SetUint64(id))
	if err != nil {
		return domain.LedgerRecord{}, err
	}
	if len(out) != 7 {
		return domain.LedgerRecord{}, fmt.Errorf("%s: expected 7 outputs, got %d", methodRecord, len(out))
	}
	rid, _ := out[0].(*big.Int)
	client, _ := out[1].(common.Address)
	freelancer, _ := out[2].(common.Address)
	amount, _ := out[3].(*big.Int)
	memo, _ := out[4].(string)
	completed, _ := out[5].(bool)
	paid, _ := out[6].(bool)
	if rid == nil || amount == nil || client == (common.Address{}) {
		return domain.LedgerRecord{}, fmt.Errorf("record %d: %w", id, ledger.ErrUnknownRecord)
	}
	return domain.LedgerRecord{
		ID:        rid.Uint64(),
		Payer:     client.Hex(),
		Payee:     freelancer.Hex(),
		AmountWei: amount.String(),
		Memo:      memo,
		Completed: completed,
		Released:  paid,
	}, nil
}

func (g *Gateway) call(ctx context.Context, block *big.Int, method string, args ...any) ([]any, error) {
	data, err := g.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := g.backend.CallContract(ctx, ethereum.CallMsg{To: &g.contract, Data: data}, block)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := g.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}

// resolveLockID finds the id the lock in block created. The contract only
// exposes a counter, so the count is read at the receipt's block and the
// records below it are matched against the submission.
func (g *Gateway) resolveLockID(ctx context.Context, block *big.Int, payer, payee string, amount *big.Int, memo string) (uint64, error) {
	count, err := g.recordCountAt(ctx, block)
	if err != nil {
		return 0, err
	}
	fetch := func(ctx context.Context, id uint64) (domain.LedgerRecord, error) {
		return g.recordAt(ctx, id, block)
	}
	rec, ok, err := ledger.FindRecord(ctx, fetch, count, g.cfg.IDScanDepth, ledger.LockMatcher(payer, payee, amount, memo))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no record matching lock in the last %d records at block %s", g.cfg.IDScanDepth, block)
	}
	return rec.ID, nil
}

func (g *Gateway) signerFor(ctx context.Context, sc identity.SigningContext) (common.Address, TxSigner, error) {
	if sc == nil {
		return common.Address{}, nil, identity.ErrNoSigner
	}
	addr, err := sc.Address(ctx)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("%w: %w", identity.ErrNoSigner, err)
	}
	s, ok := sc.(TxSigner)
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: signing context for %s cannot sign transactions", identity.ErrNoSigner, addr)
	}
	return common.HexToAddress(addr), s, nil
}

// transact estimates, signs, broadcasts and waits for the receipt of a call
// to the escrow contract.
func (g *Gateway) transact(ctx context.Context, op string, from common.Address, signer TxSigner, data []byte, value *big.Int) (*types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: from, To: &g.contract, Value: value, Data: data}
	gas, err := g.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason := revertReason(err); reason != "" {
			return nil, ledger.Reject(op, reason)
		}
		if isInsufficientFunds(err) {
			return nil, ledger.Reject(op, ledger.ReasonInsufficientFunds)
		}
		return nil, fmt.Errorf("estimate gas for %s: %w", op, err)
	}

	signed, err := g.send(ctx, from, signer, gas, data, value)
	if err != nil {
		if isInsufficientFunds(err) {
			return nil, ledger.Reject(op, ledger.ReasonInsufficientFunds)
		}
		return nil, fmt.Errorf("send %s: %w", op, err)
	}
	g.log.Info("ledger tx submitted", "op", op, "tx_hash", signed.Hash().Hex(), "from", from.Hex())

	rcpt, err := g.waitMined(ctx, op, signed.Hash())
	if err != nil {
		return nil, err
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		reason := g.replayRevert(ctx, msg, rcpt.BlockNumber)
		if reason == "" {
			reason = "execution reverted"
		}
		return nil, ledger.Reject(op, reason)
	}
	return rcpt, nil
}

func (g *Gateway) send(ctx context.Context, from common.Address, signer TxSigner, gas uint64, data []byte, value *big.Int) (*types.Transaction, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	nonce, err := g.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("read head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 12 / 10,
		To:        &g.contract,
		Value:     value,
		Data:      data,
	})
	signed, err := signer.SignTx(tx, g.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// waitMined polls for the receipt until it appears or ConfirmTimeout passes.
func (g *Gateway) waitMined(ctx context.Context, op string, hash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	wctx, cancel := context.WithTimeout(ctx, g.cfg.ConfirmTimeout)
	defer cancel()
	for {
		if err := g.poll.Wait(wctx); err != nil {
			return nil, &ledger.TimeoutError{Op: op, TxHash: hash.Hex(), Cause: timeoutCause(wctx, err)}
		}
		rcpt, err := g.backend.TransactionReceipt(wctx, hash)
		if err == nil && rcpt != nil {
			g.log.Info("ledger tx confirmed", "op", op, "tx_hash", hash.Hex(), "block", rcpt.BlockNumber, "elapsed", time.Since(start))
			return rcpt, nil
		}
		if wctx.Err() != nil {
			return nil, &ledger.TimeoutError{Op: op, TxHash: hash.Hex(), Cause: wctx.Err()}
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			g.log.Warn("receipt poll failed", "op", op, "tx_hash", hash.Hex(), "err", err)
		}
	}
}

// rate.Limiter.Wait fails early when the next token would arrive after the
// deadline; report that as the deadline.
func timeoutCause(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		return context.DeadlineExceeded
	}
	return err
}

// replayRevert re-executes a reverted call against the state it ran on to
// recover the revert reason.
func (g *Gateway) replayRevert(ctx context.Context, msg ethereum.CallMsg, block *big.Int) string {
	var at *big.Int
	if block != nil && block.Sign() > 0 {
		at = new(big.Int).Sub(block, big.NewInt(1))
	}
	_, err := g.backend.CallContract(ctx, msg, at)
	if err == nil {
		return ""
	}
	return revertReason(err)
}

const revertPrefix = "execution reverted"

// revertReason extracts the Error(string) reason from a node error.
func revertReason(err error) string {
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, revertPrefix+": "); i >= 0 {
		return strings.TrimSpace(msg[i+len(revertPrefix)+2:])
	}
	if strings.Contains(msg, revertPrefix) {
		return revertPrefix
	}
	return ""
}

func isInsufficientFunds(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "insufficient funds")
}
