// Package rpcclient talks to the ledger gateway over JSON-RPC. Transactions
// are signed locally; only public keys and signatures cross the wire.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ksred/klear-energy-api/internal/ledger"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	MethodGetOrCreateTokenAccount = "getOrCreateTokenAccount"
	MethodGetTokenAccountBalance  = "getTokenAccountBalance"
	MethodMintTo                  = "mintTo"
	MethodSendTransaction         = "sendTransaction"
	MethodGetEscrowAccount        = "getEscrowAccount"

	maxResponseBytes = 1 << 20
)

type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData is the ledger detail the gateway attaches to failures
type ErrorData struct {
	LedgerCode string   `json:"ledgerCode,omitempty"`
	Logs       []string `json:"logs,omitempty"`
}

// Signature pairs a signer with its base58 signature
type Signature struct {
	PublicKey types.PublicKey `json:"publicKey"`
	Signature string          `json:"signature"`
}

type TokenAccountParams struct {
	Owner              types.PublicKey `json:"owner"`
	Mint               types.PublicKey `json:"mint"`
	AllowOwnerOffCurve bool            `json:"allowOwnerOffCurve"`
	Payer              Signature       `json:"payer"`
}

type BalanceParams struct {
	Account types.PublicKey `json:"account"`
}

type MintToParams struct {
	Mint        types.PublicKey `json:"mint"`
	Destination types.PublicKey `json:"destination"`
	Amount      uint64          `json:"amount"`
	Authority   Signature       `json:"authority"`
}

type SendTransactionParams struct {
	Method      string             `json:"method"`
	Instruction ledger.Instruction `json:"instruction"`
	Signatures  []Signature        `json:"signatures"`
}

type EscrowParams struct {
	Address types.PublicKey `json:"address"`
}

type AddressResult struct {
	Address types.PublicKey `json:"address"`
}

type BalanceResult struct {
	Amount   string `json:"amount"`
	Decimals int    `json:"decimals"`
}

type SignatureResult struct {
	Signature string `json:"signature"`
}

// Client implements ledger.Client against a gateway
type Client struct {
	url        string
	payer      types.Keypair
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	nextID     uint64
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithBreaker replaces the default circuit breaker settings
func WithBreaker(settings gobreaker.Settings) Option {
	return func(cl *Client) { cl.breaker = gobreaker.NewCircuitBreaker(settings) }
}

// DefaultBreakerSettings trips after five consecutive transport failures
func DefaultBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:    "ledger-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger := log.With().Str("breaker", name).Logger()
			switch {
			case to == gobreaker.StateOpen:
				logger.Warn().Msg("ledger gateway seems down, stop allowing requests")
			case from == gobreaker.StateOpen && to == gobreaker.StateHalfOpen:
				logger.Info().Msg("checking ledger gateway status")
			case from == gobreaker.StateHalfOpen && to == gobreaker.StateClosed:
				logger.Info().Msg("ledger gateway seems ok, restart allowing requests")
			}
		},
	}
}

// New creates a gateway client. payer signs account creation and mints.
// Calls are bounded only by the caller's ctx deadline.
func New(url string, payer types.Keypair, opts ...Option) *Client {
	c := &Client{
		url:        url,
		payer:      payer,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = gobreaker.NewCircuitBreaker(DefaultBreakerSettings())
	}
	return c
}

var _ ledger.Client = (*Client)(nil)

// Call performs one JSON-RPC request and decodes its result into out
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	req := Request{
		JSONRPC: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, body)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ledger gateway %s: %w", method, ctxErr)
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ledger.NewError(ledger.CodeUnavailable, "ledger gateway circuit open")
		}
		return ledger.NewError(ledger.CodeUnavailable, fmt.Sprintf("%s: %v", method, err))
	}

	resp := raw.(*Response)
	if resp.Error != nil {
		return toLedgerError(resp.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// roundTrip fails only for transport problems; JSON-RPC errors are returned
// inside the response so they do not count against the breaker.
func (c *Client) roundTrip(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response (status %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error == nil && resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return &rpcResp, nil
}

func toLedgerError(e *RPCError) *ledger.Error {
	code := ledger.CodeRejected
	var logs []string
	if e.Data != nil {
		if e.Data.LedgerCode != "" {
			code = e.Data.LedgerCode
		}
		logs = e.Data.Logs
	}
	return ledger.NewError(code, e.Message, logs...)
}

func (c *Client) sign(method string, params interface{}) (Signature, error) {
	msg, err := PayerMessage(method, params)
	if err != nil {
		return Signature{}, fmt.Errorf("marshal signing payload: %w", err)
	}
	return Signature{
		PublicKey: c.payer.PublicKey(),
		Signature: base58.Encode(c.payer.Sign(msg)),
	}, nil
}

// PayerMessage is what the payer signs for account creation and mints: the
// method and its params with the signature field zeroed
func PayerMessage(method string, params interface{}) ([]byte, error) {
	return json.Marshal(struct {
		Method string      `json:"method"`
		Params interface{} `json:"params"`
	}{method, params})
}

func (c *Client) GetOrCreateTokenAccount(ctx context.Context, owner, mint types.PublicKey, allowOwnerOffCurve bool) (types.PublicKey, error) {
	params := TokenAccountParams{Owner: owner, Mint: mint, AllowOwnerOffCurve: allowOwnerOffCurve}
	sig, err := c.sign(MethodGetOrCreateTokenAccount, params)
	if err != nil {
		return types.PublicKey{}, err
	}
	params.Payer = sig

	var result AddressResult
	if err := c.Call(ctx, MethodGetOrCreateTokenAccount, params, &result); err != nil {
		return types.PublicKey{}, err
	}
	return result.Address, nil
}

func (c *Client) TokenBalance(ctx context.Context, account types.PublicKey) (decimal.Decimal, error) {
	var result BalanceResult
	if err := c.Call(ctx, MethodGetTokenAccountBalance, BalanceParams{Account: account}, &result); err != nil {
		return decimal.Zero, err
	}
	base, err := strconv.ParseUint(result.Amount, 10, 64)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid balance amount %q: %w", result.Amount, err)
	}
	decimals := result.Decimals
	if decimals == 0 {
		decimals = types.TokenDecimals
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(base), int32(-decimals)), nil
}

func (c *Client) MintTo(ctx context.Context, mint, destination types.PublicKey, amount uint64) (string, error) {
	params := MintToParams{Mint: mint, Destination: destination, Amount: amount}
	sig, err := c.sign(MethodMintTo, params)
	if err != nil {
		return "", err
	}
	params.Authority = sig

	var result SignatureResult
	if err := c.Call(ctx, MethodMintTo, params, &result); err != nil {
		return "", err
	}
	return result.Signature, nil
}

func (c *Client) Submit(ctx context.Context, ix ledger.Instruction, signers []types.Keypair) (string, error) {
	msg, err := ledger.SigningMessage(ix)
	if err != nil {
		return "", fmt.Errorf("marshal instruction: %w", err)
	}

	params := SendTransactionParams{Method: ix.Method(), Instruction: ix}
	for _, pk := range ix.RequiredSigners() {
		found := false
		for _, kp := range signers {
			if kp.PublicKey() == pk {
				params.Signatures = append(params.Signatures, Signature{
					PublicKey: pk,
					Signature: base58.Encode(kp.Sign(msg)),
				})
				found = true
				break
			}
		}
		if !found {
			return "", ledger.NewError(ledger.CodeMissingSigner, "missing signer "+pk.String())
		}
	}

	var result SignatureResult
	if err := c.Call(ctx, MethodSendTransaction, params, &result); err != nil {
		return "", err
	}
	return result.Signature, nil
}

func (c *Client) FetchEscrow(ctx context.Context, address types.PublicKey) (*ledger.EscrowRecord, error) {
	var record ledger.EscrowRecord
	if err := c.Call(ctx, MethodGetEscrowAccount, EscrowParams{Address: address}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
