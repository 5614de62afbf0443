// Package rpc serves the settlement operations over a single JSON-RPC 2.0
// endpoint.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-energy-api/internal/fault"
	"github.com/ksred/klear-energy-api/internal/settlement"
	"github.com/ksred/klear-energy-api/internal/types"
	"github.com/ksred/klear-energy-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Path is the only route the front door answers on
const Path = "/json-rpc"

// DefaultMaxBodyBytes bounds a request body
const DefaultMaxBodyBytes int64 = 1 << 20

const idKey = "rpc_id"

// Settler is the settlement surface dispatched to; satisfied by *settlement.Service
type Settler interface {
	SellEnergy(ctx context.Context, req settlement.SellEnergyRequest) (*types.SettlementResult, error)
	ConfirmSelling(ctx context.Context, escrowPublicKey string) (*types.SettlementResult, error)
	BuyEnergy(ctx context.Context, req settlement.BuyEnergyRequest) (*types.SettlementResult, error)
	ConfirmBuying(ctx context.Context, escrowPublicKey string) (*types.SettlementResult, error)
}

// Request is a JSON-RPC 2.0 request
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type SellEnergyParams struct {
	ProducerKeypairBytes []int           `json:"producerKeypairBytes"`
	Seed                 uint64          `json:"seed"`
	USDCAmount           decimal.Decimal `json:"usdcAmount"`
}

type BuyEnergyParams struct {
	ConsumerKeypairBytes []int           `json:"consumerKeypairBytes"`
	Seed                 uint64          `json:"seed"`
	EnergyAmount         decimal.Decimal `json:"energyAmount"`
}

type ConfirmParams struct {
	EscrowPublicKey string `json:"escrowPublicKey"`
}

type method func(ctx context.Context, params json.RawMessage) (*types.SettlementResult, error)

// Handler dispatches JSON-RPC requests to a Settler
type Handler struct {
	service      Settler
	methods      map[string]method
	maxBodyBytes int64
}

// NewHandler creates a handler for the four settlement methods
func NewHandler(service Settler) *Handler {
	h := &Handler{
		service:      service,
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	h.methods = map[string]method{
		"sell_energy":     h.sellEnergy,
		"confirm_selling": h.confirmSelling,
		"buy_energy":      h.buyEnergy,
		"confirm_buying":  h.confirmBuying,
	}
	return h
}

// Serve handles POST /json-rpc
func (h *Handler) Serve(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		log.Debug().Err(err).Str("service", "rpc").Msg("Unreadable request body")
		response.ParseError(c)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		log.Debug().Err(err).Str("service", "rpc").Msg("Malformed request body")
		response.ParseError(c)
		return
	}
	c.Set(idKey, req.ID)

	logger := log.With().
		Str("method", req.Method).
		RawJSON("id", idOrNull(req.ID)).
		Str("service", "rpc").
		Logger()
	logger.Info().Msg("Handling request")

	call, ok := h.methods[req.Method]
	if !ok {
		logger.Warn().Msg("Unknown method")
		response.MethodNotFound(c, req.ID, req.Method)
		return
	}

	result, err := call(c.Request.Context(), req.Params)
	if err != nil {
		logger.Error().Err(err).Str("kind", fault.KindOf(err).String()).Msg("Request failed")
	}
	response.Handle(c, req.ID, result, err)
}

// Recover turns a panic into a 500 envelope with the request id when known
func Recover(c *gin.Context, recovered interface{}) {
	log.Error().Interface("panic", recovered).Str("service", "rpc").Msg("Recovered from panic")
	var id json.RawMessage
	if v, ok := c.Get(idKey); ok {
		id, _ = v.(json.RawMessage)
	}
	response.InternalError(c, id)
	c.Abort()
}

func (h *Handler) sellEnergy(ctx context.Context, raw json.RawMessage) (*types.SettlementResult, error) {
	var p SellEnergyParams
	if err := decodeParams("sell_energy", raw, &p); err != nil {
		return nil, err
	}
	secret, err := keypairBytes("sell_energy", "producerKeypairBytes", p.ProducerKeypairBytes)
	if err != nil {
		return nil, err
	}
	return h.service.SellEnergy(ctx, settlement.SellEnergyRequest{
		ProducerSecret: secret,
		Seed:           p.Seed,
		USDCAmount:     p.USDCAmount,
	})
}

func (h *Handler) confirmSelling(ctx context.Context, raw json.RawMessage) (*types.SettlementResult, error) {
	var p ConfirmParams
	if err := decodeParams("confirm_selling", raw, &p); err != nil {
		return nil, err
	}
	return h.service.ConfirmSelling(ctx, p.EscrowPublicKey)
}

func (h *Handler) buyEnergy(ctx context.Context, raw json.RawMessage) (*types.SettlementResult, error) {
	var p BuyEnergyParams
	if err := decodeParams("buy_energy", raw, &p); err != nil {
		return nil, err
	}
	secret, err := keypairBytes("buy_energy", "consumerKeypairBytes", p.ConsumerKeypairBytes)
	if err != nil {
		return nil, err
	}
	return h.service.BuyEnergy(ctx, settlement.BuyEnergyRequest{
		ConsumerSecret: secret,
		Seed:           p.Seed,
		EnergyAmount:   p.EnergyAmount,
	})
}

func (h *Handler) confirmBuying(ctx context.Context, raw json.RawMessage) (*types.SettlementResult, error) {
	var p ConfirmParams
	if err := decodeParams("confirm_buying", raw, &p); err != nil {
		return nil, err
	}
	return h.service.ConfirmBuying(ctx, p.EscrowPublicKey)
}

func decodeParams(op string, raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fault.New(fault.InvalidInput, op, "Invalid params: params are required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return fault.Newf(fault.InvalidInput, op, "Invalid params: %s must be %s", typeErr.Field, typeErr.Type)
		}
		return fault.Newf(fault.InvalidInput, op, "Invalid params: %v", err)
	}
	return nil
}

func keypairBytes(op, field string, values []int) ([]byte, error) {
	if values == nil {
		return nil, fault.Newf(fault.InvalidInput, op, "Invalid params: %s is required", field)
	}
	b, err := types.BytesFromInts(values)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, op, fmt.Errorf("%s: %w", field, err))
	}
	return b, nil
}

func idOrNull(id json.RawMessage) []byte {
	if len(id) == 0 {
		return []byte("null")
	}
	return id
}
