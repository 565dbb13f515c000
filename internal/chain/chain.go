// Package chain writes escalation records to the ThreatLog contract on an
// EVM ledger. Each record is a signed logThreat transaction; the receipt's
// ThreatLogged event carries the on-ledger id.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/traces"
)

var (
	ErrInvalidPrivateKey = errors.New("chain: invalid private key")
	ErrInvalidContract   = errors.New("chain: invalid contract address")
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrTransactionFailed = errors.New("chain: transaction reverted")
	ErrTimeout           = errors.New("chain: confirmation timed out")
	ErrEventNotFound     = errors.New("chain: ThreatLogged event missing from receipt")
	ErrChainMismatch     = errors.New("chain: connected to unexpected chain")
)

// TxError wraps a failed ledger operation. TxHash is set once the
// transaction has been signed.
type TxError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *TxError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// Unconfirmed reports whether err left a broadcast transaction whose outcome
// is unknown, and returns its hash. Such a transaction may still be mined, so
// it must be waited on with WaitForReceipt rather than sent again.
func Unconfirmed(err error) (string, bool) {
	var txErr *TxError
	if !errors.As(err, &txErr) || txErr.Op != "confirm" || txErr.TxHash == "" {
		return "", false
	}
	if errors.Is(txErr.Err, ErrTransactionFailed) {
		return "", false
	}
	return txErr.TxHash, true
}

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	NetworkID(ctx context.Context) (*big.Int, error)
	Close()
}

const threatLogABI = `[
	{"inputs":[{"internalType":"string","name":"_userIdHash","type":"string"},{"internalType":"string","name":"_attackType","type":"string"}],"name":"logThreat","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"id","type":"uint256"},{"indexed":true,"internalType":"address","name":"logger","type":"address"},{"indexed":false,"internalType":"string","name":"userIdHash","type":"string"},{"indexed":false,"internalType":"string","name":"attackType","type":"string"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"ThreatLogged","type":"event"}
]`

const (
	DefaultGasLimit       = uint64(300000)
	DefaultConfirmTimeout = 60 * time.Second
	DefaultPollInterval   = time.Second
)

// Config for a ThreatLog client.
type Config struct {
	RPCURL         string
	PrivateKey     string // hex, 0x prefix optional
	ChainID        int64
	Contract       string
	GasLimit       uint64
	ConfirmTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithClient injects an Ethereum client instead of dialing RPCURL.
func WithClient(c EthClient) Option {
	return func(cl *Client) { cl.eth = c }
}

// WithPollInterval sets how often receipts are polled.
func WithPollInterval(d time.Duration) Option {
	return func(cl *Client) { cl.pollInterval = d }
}

// Receipt describes a mined ThreatLogged record.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	ThreatID    uint64
	GasUsed     uint64
}

// Client signs and submits logThreat transactions from a single account.
type Client struct {
	eth            EthClient
	key            *ecdsa.PrivateKey
	from           common.Address
	chainID        *big.Int
	contract       common.Address
	abi            abi.ABI
	gasLimit       uint64
	confirmTimeout time.Duration
	pollInterval   time.Duration
	reads          retry.Policy

	// serializes nonce allocation through broadcast
	sendMu sync.Mutex
}

// New creates a client. It dials cfg.RPCURL unless WithClient is given.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsed, err := abi.JSON(strings.NewReader(threatLogABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ThreatLog ABI: %w", err)
	}

	c := &Client{
		key:            key,
		from:           crypto.PubkeyToAddress(*pub),
		chainID:        big.NewInt(cfg.ChainID),
		contract:       common.HexToAddress(cfg.Contract),
		abi:            parsed,
		gasLimit:       cfg.GasLimit,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   DefaultPollInterval,
		reads:          retry.Policy{MaxAttempts: 3, BaseDelay: 250 * time.Millisecond, MaxDelay: 2 * time.Second},
	}
	if c.gasLimit == 0 {
		c.gasLimit = DefaultGasLimit
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = DefaultConfirmTimeout
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.eth == nil {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.eth = eth
	}
	return c, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID <= 0 {
		return fmt.Errorf("chain ID required")
	}
	if !common.IsHexAddress(cfg.Contract) {
		return fmt.Errorf("%w: %q", ErrInvalidContract, cfg.Contract)
	}
	return nil
}

// Address returns the signing account.
func (c *Client) Address() string {
	return c.from.Hex()
}

// Ping checks the RPC endpoint answers and serves the configured chain.
func (c *Client) Ping(ctx context.Context) error {
	id, err := c.eth.NetworkID(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	if id.Cmp(c.chainID) != 0 {
		return fmt.Errorf("%w: want %s, got %s", ErrChainMismatch, c.chainID, id)
	}
	return nil
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// LogThreat submits logThreat(userIDHash, attackType) and waits for it to be
// mined. It returns only once the record is confirmed on the ledger.
func (c *Client) LogThreat(ctx context.Context, userIDHash, attackType string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "chain.log_threat")
	defer span.End()

	tx, err := c.send(ctx, userIDHash, attackType)
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(traces.TxHash(tx.Hash().Hex()))

	rcpt, err := c.WaitForReceipt(ctx, tx.Hash().Hex())
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return rcpt, nil
}

func (c *Client) send(ctx context.Context, userIDHash, attackType string) (*types.Transaction, error) {
	data, err := c.abi.Pack("logThreat", userIDHash, attackType)
	if err != nil {
		return nil, &TxError{Op: "pack", Err: err}
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var nonce uint64
	err = c.reads.Do(ctx, func(ctx context.Context) error {
		nonce, err = c.eth.PendingNonceAt(ctx, c.from)
		return err
	})
	if err != nil {
		return nil, &TxError{Op: "nonce", Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	var gasPrice *big.Int
	err = c.reads.Do(ctx, func(ctx context.Context) error {
		gasPrice, err = c.eth.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, &TxError{Op: "gas_price", Err: fmt.Errorf("%w: %v", ErrRPCConnection, err)}
	}

	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.from,
		To:    &c.contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil || gasLimit == 0 {
		gasLimit = c.gasLimit
	}

	tx := types.NewTransaction(nonce, c.contract, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, &TxError{Op: "sign", Err: err}
	}

	// Never retried: a resend after an ambiguous failure could log twice.
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, &TxError{Op: "send", TxHash: signed.Hash().Hex(), Err: err}
	}
	return signed, nil
}

// WaitForReceipt polls until txHash is mined, the confirm timeout passes or
// ctx is done.
func (c *Client) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTimeout}
			}
			return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ctx.Err()}

		case <-ticker.C:
			r, err := c.eth.TransactionReceipt(ctx, hash)
			if err != nil {
				// not mined yet
				continue
			}
			if r.Status == types.ReceiptStatusFailed {
				return nil, &TxError{Op: "confirm", TxHash: txHash, Err: ErrTransactionFailed}
			}
			return c.decodeReceipt(txHash, r)
		}
	}
}

func (c *Client) decodeReceipt(txHash string, r *types.Receipt) (*Receipt, error) {
	out := &Receipt{TxHash: txHash, GasUsed: r.GasUsed}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}

	ev := c.abi.Events["ThreatLogged"]
	for _, l := range r.Logs {
		if l.Address != c.contract || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := c.abi.Unpack("ThreatLogged", l.Data)
		if err != nil {
			return nil, &TxError{Op: "decode", TxHash: txHash, Err: err}
		}
		id, ok := vals[0].(*big.Int)
		if !ok {
			return nil, &TxError{Op: "decode", TxHash: txHash, Err: fmt.Errorf("unexpected id type %T", vals[0])}
		}
		out.ThreatID = id.Uint64()
		return out, nil
	}
	return nil, &TxError{Op: "decode", TxHash: txHash, Err: ErrEventNotFound}
}
