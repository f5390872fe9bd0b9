package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/veilx/pkg/app/core/market"
	"github.com/uhyunpark/veilx/pkg/app/core/matching"
	"github.com/uhyunpark/veilx/pkg/app/core/orderbook"
	"github.com/uhyunpark/veilx/pkg/app/darkpool"
	"github.com/uhyunpark/veilx/pkg/crypto"
	"github.com/uhyunpark/veilx/pkg/errs"
	"github.com/uhyunpark/veilx/pkg/settlement"
)

// DefaultWithdrawalWait bounds how long a streamed withdrawal response
// follows the record before returning its current state.
const DefaultWithdrawalWait = 30 * time.Second

// Server handles REST API and WebSocket connections
type Server struct {
	app      *darkpool.App
	router   *mux.Router
	hub      *Hub
	validate *validator.Validate
	log      *zap.SugaredLogger
	origins  []string

	// WithdrawalWait and PollInterval tune streamed withdrawal responses.
	WithdrawalWait time.Duration
	PollInterval   time.Duration
}

// NewServer builds the router and attaches hub to the engine as its book
// observer.
func NewServer(app *darkpool.App, hub *Hub, origins []string, log *zap.SugaredLogger) *Server {
	s := &Server{
		app:            app,
		router:         mux.NewRouter(),
		hub:            hub,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		log:            log,
		origins:        origins,
		WithdrawalWait: DefaultWithdrawalWait,
		PollInterval:   200 * time.Millisecond,
	}
	hub.SetSnapshots(app.Engine.Snapshot)
	app.Engine.SetObserver(hub)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Markets
	api.HandleFunc("/pairs", s.handleGetPairs).Methods(http.MethodGet)
	api.HandleFunc("/pairs/{id}/orderbook", s.handleGetOrderbook).Methods(http.MethodGet)

	// Orders
	api.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/cancel", s.handleCancelOrderBody).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}/settlements", s.handleGetOrderSettlements).Methods(http.MethodGet)

	// Funds
	api.HandleFunc("/balances/{address}", s.handleGetBalances).Methods(http.MethodGet)
	api.HandleFunc("/withdrawals", s.handleRequestWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/withdrawals/{id}", s.handleGetWithdrawal).Methods(http.MethodGet)
	api.HandleFunc("/settlements/{id}", s.handleGetSettlement).Methods(http.MethodGet)
	api.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)

	// Node
	api.HandleFunc("/chains", s.handleGetChains).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.app.Metrics().Handler()).Methods(http.MethodGet)
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(s.router)
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Infow("api_server_starting", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// Markets
// ==============================

func (s *Server) tokenInfo(ref market.TokenRef) TokenInfo {
	info := TokenInfo{Address: ref.Address.Hex(), Chain: ref.Chain}
	if t, ok := s.app.Registry.Token(ref); ok {
		info.Symbol = t.Symbol
		info.Decimals = t.Decimals
	}
	return info
}

func (s *Server) handleGetPairs(w http.ResponseWriter, r *http.Request) {
	pairs := s.app.Registry.Pairs()
	out := make([]PairInfo, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, PairInfo{
			ID:           p.ID,
			Base:         s.tokenInfo(p.Base),
			Quote:        s.tokenInfo(p.Quote),
			CrossChain:   p.CrossChain(),
			AllowResting: p.AllowResting,
			Status:       p.Status.String(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	snap, err := s.app.Engine.Snapshot(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// ==============================
// Orders
// ==============================

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	side, err := orderbook.ParseSide(req.Side)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid side", err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	stealth, err := crypto.ParseAddress(req.StealthAddress)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid stealth address", err.Error())
		return
	}
	user, err := crypto.ParseAddress(req.UserAddress)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user address", err.Error())
		return
	}

	res, err := s.app.Engine.Submit(r.Context(), matching.PlaceOrder{
		ID:             req.ID,
		PairID:         req.PairID,
		Side:           side,
		Amount:         amount,
		Price:          req.Price,
		StealthAddress: stealth,
		UserAddress:    user,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		respondErr(w, err)
		return
	}

	st := newStream(w)
	for _, line := range res.Trace {
		st.log(line)
	}
	st.result(OrderResult{Order: res.Order, Matches: res.Matches})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	s.cancel(w, r, mux.Vars(r)["id"])
}

func (s *Server) handleCancelOrderBody(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.cancel(w, r, req.OrderID)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request, orderID string) {
	ok, err := s.app.Engine.Cancel(r.Context(), orderID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"orderId": orderID, "cancelled": ok})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.app.Engine.Order(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetOrderSettlements(w http.ResponseWriter, r *http.Request) {
	list, err := s.app.Orchestrator.Settlements(mux.Vars(r)["id"])
	if err != nil {
		respondErr(w, err)
		return
	}
	if list == nil {
		list = []*settlement.Settlement{}
	}
	respondJSON(w, http.StatusOK, list)
}

// ==============================
// Funds
// ==============================

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	addr, err := crypto.ParseAddress(mux.Vars(r)["address"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid address", err.Error())
		return
	}
	rows, err := s.app.Ledger.Balances(addr)
	if err != nil {
		respondErr(w, err)
		return
	}

	out := AccountBalances{Address: addr.Hex(), Balances: make([]BalanceInfo, 0, len(rows))}
	for _, b := range rows {
		tok := s.tokenInfo(market.TokenRef{Address: b.Token, Chain: b.Chain})
		avail := b.Available()
		exp := -int32(tok.Decimals)
		out.Balances = append(out.Balances, BalanceInfo{
			Token:            tok,
			Balance:          b.Balance.String(),
			Reserved:         b.Reserved.String(),
			Available:        avail.String(),
			BalanceDisplay:   decimal.NewFromBigInt(b.Balance, exp).String(),
			AvailableDisplay: decimal.NewFromBigInt(avail, exp).String(),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleRequestWithdrawal debits synchronously, then streams the record's
// progress until it is terminal or the wait runs out.
func (s *Server) handleRequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := crypto.ParseAddress(req.User)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user address", err.Error())
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid amount", req.Amount)
		return
	}
	in := settlement.WithdrawalRequest{
		User:   user,
		Chain:  req.Chain,
		Amount: amount,
		Source: settlement.SourceAPI,
	}
	if req.ID != "" {
		in.ID = common.HexToHash(req.ID)
	}
	if req.Token != "" {
		in.Token = common.HexToAddress(req.Token)
	}

	wd, err := s.app.Orchestrator.RequestWithdrawal(r.Context(), in)
	if err != nil {
		respondErr(w, err)
		return
	}

	st := newStream(w)
	st.log(fmt.Sprintf("withdrawal %s %s", wd.ID.Hex(), wd.Status))
	last := wd.Status

	deadline := time.After(s.WithdrawalWait)
	tick := time.NewTicker(s.PollInterval)
	defer tick.Stop()
	for !wd.Status.Terminal() {
		select {
		case <-r.Context().Done():
			return
		case <-deadline:
			st.result(wd)
			return
		case <-tick.C:
		}
		cur, err := s.app.Orchestrator.Withdrawal(wd.ID)
		if err != nil {
			st.fail(err)
			return
		}
		wd = cur
		if wd.Status != last {
			st.log(fmt.Sprintf("withdrawal %s %s", wd.ID.Hex(), wd.Status))
			last = wd.Status
		}
	}
	st.result(wd)
}

func (s *Server) handleGetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := parseHash(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	wd, err := s.app.Orchestrator.Withdrawal(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, wd)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := parseHash(w, mux.Vars(r)["id"])
	if !ok {
		return
	}
	st, err := s.app.Orchestrator.Settlement(id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	user, err := crypto.ParseAddress(req.User)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid user address", err.Error())
		return
	}
	rcpt, err := s.app.Orchestrator.VerifyUser(r.Context(), user)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rcpt)
}

// ==============================
// Node
// ==============================

func (s *Server) handleGetChains(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.app.Listeners.Statuses())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", PendingJobs: s.app.Orchestrator.Pending()})
}

// ==============================
// Helpers
// ==============================

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return false
	}
	return true
}

func parseHash(w http.ResponseWriter, s string) (common.Hash, bool) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		respondError(w, http.StatusBadRequest, "invalid id", "want 0x-prefixed 32-byte hex")
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrInsufficientBalance), errors.Is(err, errs.ErrInsufficientFunds):
		return http.StatusConflict
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrSubmissionFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	respondError(w, code, http.StatusText(code), err.Error())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{Error: error, Message: message})
}
