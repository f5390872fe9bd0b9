package api

import (
	"time"

	"github.com/uhyunpark/veilx/pkg/app/core/matching"
	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
)

// ==============================
// Requests
// ==============================

// PlaceOrderRequest is the body of POST /api/v1/orders. Amount is in the
// base token's smallest unit; price is quote smallest units per base unit.
type PlaceOrderRequest struct {
	ID             string `json:"id" validate:"omitempty,max=64"`
	PairID         string `json:"pairId" validate:"required"`
	Side           string `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	Amount         string `json:"amount" validate:"required,numeric"`
	Price          int64  `json:"price" validate:"gt=0"`
	StealthAddress string `json:"stealthAddress" validate:"required,eth_addr"`
	UserAddress    string `json:"userAddress" validate:"required,eth_addr"`
	TTLSeconds     int64  `json:"ttlSeconds" validate:"gte=0"`
}

type CancelOrderRequest struct {
	OrderID string `json:"orderId" validate:"required"`
}

// WithdrawalRequest is the body of POST /api/v1/withdrawals. ID is the
// client's idempotency key (bytes32 hex); one is generated when empty.
type WithdrawalRequest struct {
	ID     string `json:"id" validate:"omitempty,hexadecimal,len=66"`
	User   string `json:"user" validate:"required,eth_addr"`
	Token  string `json:"token" validate:"omitempty,eth_addr"`
	Chain  uint64 `json:"chain" validate:"required"`
	Amount string `json:"amount" validate:"required,numeric"`
}

type VerifyRequest struct {
	User string `json:"user" validate:"required,eth_addr"`
}

// ==============================
// Responses
// ==============================

type PairInfo struct {
	ID           string    `json:"id"`
	Base         TokenInfo `json:"base"`
	Quote        TokenInfo `json:"quote"`
	CrossChain   bool      `json:"crossChain"`
	AllowResting bool      `json:"allowResting"`
	Status       string    `json:"status"`
}

type TokenInfo struct {
	Address  string `json:"address"`
	Chain    uint64 `json:"chain"`
	Symbol   string `json:"symbol,omitempty"`
	Decimals uint8  `json:"decimals"`
}

// BalanceInfo carries raw integer amounts plus a decimal projection using
// the token's decimals.
type BalanceInfo struct {
	Token            TokenInfo `json:"token"`
	Balance          string    `json:"balance"`
	Reserved         string    `json:"reserved"`
	Available        string    `json:"available"`
	BalanceDisplay   string    `json:"balanceDisplay"`
	AvailableDisplay string    `json:"availableDisplay"`
}

type AccountBalances struct {
	Address  string        `json:"address"`
	Balances []BalanceInfo `json:"balances"`
}

type OrderResult struct {
	Order   *orderbook.Order       `json:"order"`
	Matches []matching.MatchResult `json:"matches"`
}

type HealthResponse struct {
	Status      string `json:"status"`
	PendingJobs int    `json:"pendingJobs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// StreamLine is one NDJSON line of a streamed response: progress lines have
// Type "log", the last line has Type "result" or "error".
type StreamLine struct {
	Type    string    `json:"type"`
	Message string    `json:"message,omitempty"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// ==============================
// WebSocket
// ==============================

// WSSubscribeRequest: {"op":"subscribe","channels":["orderbook:TBILL-USDC","settlements"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

type WSMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
	Time    int64  `json:"timestamp"` // Unix milliseconds
}
