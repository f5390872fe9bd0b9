package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/params"
	"github.com/uhyunpark/veilx/pkg/app/darkpool"
	"github.com/uhyunpark/veilx/pkg/metrics"
	"github.com/uhyunpark/veilx/pkg/report/reporttest"
	"github.com/uhyunpark/veilx/pkg/settlement"
	"github.com/uhyunpark/veilx/pkg/storage"
	"github.com/uhyunpark/veilx/pkg/util"
	"github.com/uhyunpark/veilx/pkg/vault"
	"github.com/uhyunpark/veilx/pkg/vault/vaulttest"
)

const sepolia uint64 = 16015286601757825753

var (
	sepoliaVault  = common.HexToAddress("0x1111111111111111111111111111111111111111")
	usdc          = common.HexToAddress("0x05DC000000000000000000000000000000000002")
	tbill         = common.HexToAddress("0x7B11000000000000000000000000000000000001")
	buyer         = common.HexToAddress("0xB000000000000000000000000000000000000001")
	seller        = common.HexToAddress("0x5E00000000000000000000000000000000000002")
	stealthBuyer  = common.HexToAddress("0x5B00000000000000000000000000000000000003")
	stealthSeller = common.HexToAddress("0x5500000000000000000000000000000000000004")
)

type testNode struct {
	t      *testing.T
	app    *darkpool.App
	server *Server
	ts     *httptest.Server
	sub    *reporttest.Recorder
	block  uint64
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	cfg := params.Default()
	cfg.Chains = []params.Chain{{
		Name: "sepolia", Selector: sepolia, RPCURL: "ws://sepolia.invalid", Vault: sepoliaVault.Hex(),
		QuoteToken: usdc.Hex(), QuoteSymbol: "USDC", QuoteDecimals: 6,
	}}
	cfg.Pairs = []params.Pair{{
		ID: "TBILL-USDC", BaseToken: tbill.Hex(), BaseChain: sepolia, BaseSymbol: "TBILL",
		QuoteToken: usdc.Hex(), QuoteChain: sepolia, QuoteSymbol: "USDC", QuoteDecimals: 6,
		AllowResting: true,
	}}
	cfg.Settlement.HomeChain = sepolia

	store, err := storage.NewMemStore()
	require.NoError(t, err)
	log := zap.NewNop().Sugar()
	hub := NewHub(log)
	sub := &reporttest.Recorder{}
	app, err := darkpool.NewApp(cfg, darkpool.Deps{
		Store:     store,
		Submitter: sub,
		Publisher: hub,
		Log:       log,
		Clock:     util.RealClock{},
		Metrics:   metrics.New(),
	})
	require.NoError(t, err)

	srv := NewServer(app, hub, []string{"*"}, log)
	srv.PollInterval = 5 * time.Millisecond
	srv.WithdrawalWait = 2 * time.Second
	ts := httptest.NewServer(srv.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	appDone := make(chan struct{})
	go func() {
		defer close(appDone)
		app.Run(ctx)
	}()
	go hub.Run(ctx)

	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-appDone
		app.Close()
		store.Close()
	})
	return &testNode{t: t, app: app, server: srv, ts: ts, sub: sub, block: 1}
}

func (n *testNode) fund(user, token common.Address, amount int64) {
	n.t.Helper()
	n.block++
	ev, err := vault.Decode(sepolia, vaulttest.Funded(sepoliaVault, vaulttest.Pos{Block: n.block}, token, user, amount))
	require.NoError(n.t, err)
	require.NoError(n.t, n.app.Apply(context.Background(), ev))
}

func (n *testNode) do(method, path string, body any) *http.Response {
	n.t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(n.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, n.ts.URL+path, rdr)
	require.NoError(n.t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(n.t, err)
	n.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type streamLine struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func readStream(t *testing.T, resp *http.Response) []streamLine {
	t.Helper()
	require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
	var lines []streamLine
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		var l streamLine
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, sc.Err())
	require.NotEmpty(t, lines)
	return lines
}

func orderBody(side string, amount string, price int64, user, stealth common.Address) PlaceOrderRequest {
	return PlaceOrderRequest{
		PairID:         "TBILL-USDC",
		Side:           side,
		Amount:         amount,
		Price:          price,
		StealthAddress: stealth.Hex(),
		UserAddress:    user.Hex(),
	}
}

// flipCase inverts the case of every hex letter, which breaks a mixed-case
// checksum.
func flipCase(addr string) string {
	b := []byte(addr)
	for i := 2; i < len(b); i++ {
		switch {
		case b[i] >= 'a' && b[i] <= 'f':
			b[i] -= 'a' - 'A'
		case b[i] >= 'A' && b[i] <= 'F':
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func TestHealthAndPairs(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, resp).Status)

	resp = n.do(http.MethodGet, "/api/v1/pairs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pairs := decodeBody[[]PairInfo](t, resp)
	require.Len(t, pairs, 1)
	assert.Equal(t, "TBILL-USDC", pairs[0].ID)
	assert.Equal(t, "USDC", pairs[0].Quote.Symbol)
	assert.False(t, pairs[0].CrossChain)

	resp = n.do(http.MethodGet, "/api/v1/chains", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = n.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "veilx_")
}

func TestPlaceOrderRejections(t *testing.T) {
	n := newTestNode(t)
	n.fund(buyer, usdc, 100)

	tests := []struct {
		name string
		body PlaceOrderRequest
		code int
	}{
		{"bad side", orderBody("HOLD", "1", 10, buyer, stealthBuyer), http.StatusBadRequest},
		{"zero price", orderBody("BUY", "1", 0, buyer, stealthBuyer), http.StatusBadRequest},
		{"non numeric amount", orderBody("BUY", "1e3", 10, buyer, stealthBuyer), http.StatusBadRequest},
		{"unknown pair", func() PlaceOrderRequest {
			b := orderBody("BUY", "1", 10, buyer, stealthBuyer)
			b.PairID = "NOPE"
			return b
		}(), http.StatusNotFound},
		{"insufficient balance", orderBody("BUY", "5", 50, buyer, stealthBuyer), http.StatusConflict},
		{"bad checksum", func() PlaceOrderRequest {
			b := orderBody("BUY", "1", 10, buyer, stealthBuyer)
			b.StealthAddress = flipCase(common.HexToAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd").Hex())
			return b
		}(), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := n.do(http.MethodPost, "/api/v1/orders", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, resp).Error)
		})
	}
}

func TestTradeStreamsAndSettles(t *testing.T) {
	n := newTestNode(t)
	n.fund(buyer, usdc, 1000)
	n.fund(seller, tbill, 10)

	resp := n.do(http.MethodPost, "/api/v1/orders", orderBody("SELL", "4", 50, seller, stealthSeller))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := readStream(t, resp)
	last := lines[len(lines)-1]
	require.Equal(t, "result", last.Type)
	var ask OrderResult
	require.NoError(t, json.Unmarshal(last.Data, &ask))
	assert.Equal(t, "log", lines[0].Type)
	assert.Empty(t, ask.Matches)

	resp = n.do(http.MethodPost, "/api/v1/orders", orderBody("buy", "4", 50, buyer, stealthBuyer))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines = readStream(t, resp)
	var bid OrderResult
	require.NoError(t, json.Unmarshal(lines[len(lines)-1].Data, &bid))
	require.Len(t, bid.Matches, 1)
	assert.Equal(t, "200", bid.Matches[0].QuoteAmount.String())

	sid := settlement.ID(bid.Order.ID, ask.Order.ID, stealthBuyer, stealthSeller)
	require.Eventually(t, func() bool {
		resp := n.do(http.MethodGet, "/api/v1/settlements/"+sid.Hex(), nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return decodeBody[settlement.Settlement](t, resp).Status == settlement.Submitted
	}, 2*time.Second, 10*time.Millisecond)

	resp = n.do(http.MethodGet, "/api/v1/orders/"+bid.Order.ID+"/settlements", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]settlement.Settlement](t, resp), 1)

	resp = n.do(http.MethodGet, "/api/v1/balances/"+buyer.Hex(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	acct := decodeBody[AccountBalances](t, resp)
	require.Len(t, acct.Balances, 1)
	assert.Equal(t, "800", acct.Balances[0].Balance)
	assert.Equal(t, "0", acct.Balances[0].Reserved)
	assert.Equal(t, "0.0008", acct.Balances[0].BalanceDisplay)
	assert.Equal(t, "USDC", acct.Balances[0].Token.Symbol)
}

func TestSettlementLookupErrors(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(http.MethodGet, "/api/v1/settlements/0x1234", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = n.do(http.MethodGet, "/api/v1/settlements/"+common.HexToHash("0xdead").Hex(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = n.do(http.MethodGet, "/api/v1/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelReleasesReservation(t *testing.T) {
	n := newTestNode(t)
	n.fund(buyer, usdc, 500)

	resp := n.do(http.MethodPost, "/api/v1/orders", orderBody("BUY", "2", 100, buyer, stealthBuyer))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := readStream(t, resp)
	var placed OrderResult
	require.NoError(t, json.Unmarshal(lines[len(lines)-1].Data, &placed))

	resp = n.do(http.MethodDelete, "/api/v1/orders/"+placed.Order.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decodeBody[map[string]any](t, resp)["cancelled"])

	resp = n.do(http.MethodPost, "/api/v1/orders/cancel", CancelOrderRequest{OrderID: placed.Order.ID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decodeBody[map[string]any](t, resp)["cancelled"])

	resp = n.do(http.MethodGet, "/api/v1/balances/"+buyer.Hex(), nil)
	acct := decodeBody[AccountBalances](t, resp)
	require.Len(t, acct.Balances, 1)
	assert.Equal(t, "500", acct.Balances[0].Available)
}

func TestWithdrawalStreamsToCompletion(t *testing.T) {
	n := newTestNode(t)
	n.fund(buyer, usdc, 100)

	id := common.HexToHash("0x77").Hex()
	resp := n.do(http.MethodPost, "/api/v1/withdrawals", WithdrawalRequest{
		ID: id, User: buyer.Hex(), Chain: sepolia, Amount: "40",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := readStream(t, resp)
	last := lines[len(lines)-1]
	require.Equal(t, "result", last.Type)
	var w settlement.Withdrawal
	require.NoError(t, json.Unmarshal(last.Data, &w))
	assert.Equal(t, settlement.WithdrawalCompleted, w.Status)
	assert.Equal(t, usdc, w.Token)
	require.Len(t, n.sub.Withdrawals(), 1)

	resp = n.do(http.MethodGet, "/api/v1/withdrawals/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, settlement.WithdrawalCompleted, decodeBody[settlement.Withdrawal](t, resp).Status)

	resp = n.do(http.MethodGet, "/api/v1/balances/"+buyer.Hex(), nil)
	acct := decodeBody[AccountBalances](t, resp)
	assert.Equal(t, "60", acct.Balances[0].Balance)
}

func TestWithdrawalOverBalanceIsConflict(t *testing.T) {
	n := newTestNode(t)
	n.fund(buyer, usdc, 10)

	resp := n.do(http.MethodPost, "/api/v1/withdrawals", WithdrawalRequest{
		User: buyer.Hex(), Chain: sepolia, Amount: "40",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, n.sub.Withdrawals())
}

func TestVerify(t *testing.T) {
	n := newTestNode(t)

	resp := n.do(http.MethodPost, "/api/v1/verify", VerifyRequest{User: buyer.Hex()})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	verifies := n.sub.Verifies()
	require.Len(t, verifies, 1)
	assert.Equal(t, buyer, verifies[0].User)
	assert.Equal(t, sepolia, verifies[0].Chain)

	resp = n.do(http.MethodPost, "/api/v1/verify", map[string]string{"user": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketOrderbookUpdates(t *testing.T) {
	n := newTestNode(t)
	n.fund(seller, tbill, 10)

	url := "ws" + strings.TrimPrefix(n.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{"orderbook:TBILL-USDC"}}))
	var ack WSMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe", ack.Type)

	resp := n.do(http.MethodPost, "/api/v1/orders", orderBody("SELL", "3", 70, seller, stealthSeller))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readStream(t, resp)

	for {
		var msg struct {
			Type    string `json:"type"`
			Channel string `json:"channel"`
			Data    struct {
				PairID  string `json:"pairId"`
				BestAsk int64  `json:"bestAsk"`
			} `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type != "orderbook" {
			continue
		}
		assert.Equal(t, "orderbook:TBILL-USDC", msg.Channel)
		assert.Equal(t, "TBILL-USDC", msg.Data.PairID)
		assert.Equal(t, int64(70), msg.Data.BestAsk)
		return
	}
}
