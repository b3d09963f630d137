package btcrpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerdDan/braavos/internal/chain"
	"github.com/nerdDan/braavos/internal/circuitbreaker"
)

type rpcHandler struct {
	mu       sync.Mutex
	requests []Request
	results  map[string]string // method -> raw result JSON
	rpcErrs  map[string]*RPCError
	username string
	password string
	gotAuth  bool
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.username != "" {
		user, pass, ok := r.BasicAuth()
		h.gotAuth = ok && user == h.username && pass == h.password
	}

	body, _ := io.ReadAll(r.Body)
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	h.requests = append(h.requests, req)

	resp := Response{JSONRPC: "1.0", ID: req.ID}
	if rpcErr, ok := h.rpcErrs[req.Method]; ok {
		resp.Error = rpcErr
	} else if result, ok := h.results[req.Method]; ok {
		resp.Result = json.RawMessage(result)
	} else {
		resp.Error = &RPCError{Code: -32601, Message: "method not found"}
	}
	json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, handler *rpcHandler) *Client {
	t.Helper()
	if handler.results == nil {
		handler.results = map[string]string{}
	}
	if handler.rpcErrs == nil {
		handler.rpcErrs = map[string]*RPCError{}
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

// walletHandler serves listtransactions with bitcoind's real windowing:
// skip counts back from the NEWEST transaction, the page is trimmed from
// the newest side, and entries within the page come back oldest first.
type walletHandler struct {
	mu      sync.Mutex
	history []string // raw JSON entries, oldest first
}

func (h *walletHandler) append(entry string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.history = append(h.history, entry)
}

func (h *walletHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	resp := Response{JSONRPC: "1.0", ID: req.ID}
	if req.Method != "listtransactions" {
		resp.Error = &RPCError{Code: -32601, Message: "method not found"}
	} else {
		count := int(req.Params[1].(float64))
		skip := int(req.Params[2].(float64))
		n := len(h.history)
		to := n - skip
		from := to - count
		if from < 0 {
			from = 0
		}
		if to < 0 {
			to = 0
		}
		resp.Result = json.RawMessage("[" + strings.Join(h.history[from:to], ",") + "]")
	}
	json.NewEncoder(w).Encode(resp)
}

func newWalletClient(t *testing.T, h *walletHandler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestListTransactions_MapsEntries(t *testing.T) {
	h := &walletHandler{history: []string{
		`{"txid":"aa","category":"receive","address":"bc1qone","amount":0.5,"confirmations":3}`,
		`{"txid":"bb","category":"send","address":"bc1qtwo","amount":0.1,"confirmations":1,"comment":"7"}`,
	}}
	c := newWalletClient(t, h)

	records, err := c.ListTransactions(context.Background(), "hot", 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, chain.CategoryReceive, records[0].Category)
	assert.Equal(t, "0.5", records[0].Amount.String())
	assert.Equal(t, "7", records[1].Comment)
}

func TestListTransactions_PagesOldestFirst(t *testing.T) {
	h := &walletHandler{}
	for _, id := range []string{"t0", "t1", "t2", "t3", "t4"} {
		h.append(`{"txid":"` + id + `","category":"receive","amount":0.1}`)
	}
	c := newWalletClient(t, h)

	var seen []string
	var cursor int64
	for {
		page, err := c.ListTransactions(context.Background(), "hot", 2, cursor)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			seen = append(seen, rec.TxID)
		}
		cursor += int64(len(page))
	}
	assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4"}, seen)
	assert.Equal(t, int64(5), cursor)
}

func TestListTransactions_NewArrivalsVisibleToForwardCursor(t *testing.T) {
	h := &walletHandler{history: []string{
		`{"txid":"a1","category":"receive","amount":0.1}`,
	}}
	c := newWalletClient(t, h)

	page, err := c.ListTransactions(context.Background(), "hot", 10, 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a1", page[0].TxID)

	// The cursor has caught up with the history; a transaction arriving now
	// must still surface on the next page.
	h.append(`{"txid":"a2","category":"receive","amount":0.2}`)

	page, err = c.ListTransactions(context.Background(), "hot", 10, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "a2", page[0].TxID)

	page, err = c.ListTransactions(context.Background(), "hot", 10, 2)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListTransactions_SkipBeyondHistoryIsEmpty(t *testing.T) {
	h := &walletHandler{history: []string{
		`{"txid":"aa","category":"receive","amount":0.1}`,
	}}
	c := newWalletClient(t, h)

	page, err := c.ListTransactions(context.Background(), "hot", 5, 40)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestListTransactions_CommentFallsBackToLabel(t *testing.T) {
	h := &walletHandler{history: []string{
		`{"txid":"aa","category":"send","amount":0.1,"label":"12"}`,
	}}
	c := newWalletClient(t, h)

	records, err := c.ListTransactions(context.Background(), "hot", 10, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "12", records[0].Comment)
}

func TestGetTransactionConfirmations(t *testing.T) {
	h := &rpcHandler{results: map[string]string{
		"gettransaction": `{"txid":"aa","amount":0.5,"confirmations":6}`,
	}}
	c := newTestClient(t, h)

	confs, err := c.GetTransactionConfirmations(context.Background(), "aa")
	require.NoError(t, err)
	assert.Equal(t, int64(6), confs)
}

func TestEstimateFeeRate(t *testing.T) {
	h := &rpcHandler{results: map[string]string{
		"estimatesmartfee": `{"feerate":0.00012,"blocks":6}`,
	}}
	c := newTestClient(t, h)

	rate, err := c.EstimateFeeRate(context.Background(), 6)
	require.NoError(t, err)
	assert.Equal(t, "0.00012", rate.String())
}

func TestEstimateFeeRate_NodeErrorsSurface(t *testing.T) {
	h := &rpcHandler{results: map[string]string{
		"estimatesmartfee": `{"errors":["Insufficient data or no feerate found"],"blocks":6}`,
	}}
	c := newTestClient(t, h)

	_, err := c.EstimateFeeRate(context.Background(), 6)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Insufficient data")
}

func TestSetFeeRate_RejectionSurfaces(t *testing.T) {
	h := &rpcHandler{results: map[string]string{"settxfee": `false`}}
	c := newTestClient(t, h)

	err := c.SetFeeRate(context.Background(), decimal.RequireFromString("0.0001"))
	require.Error(t, err)
}

func TestSendMany_SendsAmountsAsNumbers(t *testing.T) {
	h := &rpcHandler{results: map[string]string{"sendmany": `"txid-123"`}}
	c := newTestClient(t, h)

	txid, err := c.SendMany(context.Background(), "hot",
		map[string]decimal.Decimal{"bc1qdst": decimal.RequireFromString("0.25")}, 6, "42")
	require.NoError(t, err)
	assert.Equal(t, "txid-123", txid)

	require.Len(t, h.requests, 1)
	params := h.requests[0].Params
	require.Len(t, params, 4)
	amounts, ok := params[1].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 0.25, amounts["bc1qdst"])
	assert.Equal(t, "42", params[3])
}

func TestSendMany_EmptyOutputsRejected(t *testing.T) {
	c := newTestClient(t, &rpcHandler{})
	_, err := c.SendMany(context.Background(), "hot", nil, 6, "1")
	require.Error(t, err)
}

func TestRPCErrorIsReturned(t *testing.T) {
	h := &rpcHandler{rpcErrs: map[string]*RPCError{
		"gettransaction": {Code: -5, Message: "Invalid or non-wallet transaction id"},
	}}
	c := newTestClient(t, h)

	_, err := c.GetTransactionConfirmations(context.Background(), "missing")
	require.Error(t, err)
	var rpcErr *RPCError
	assert.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -5, rpcErr.Code)
}

func TestCredentialsFromURL(t *testing.T) {
	h := &rpcHandler{
		username: "rpcuser",
		password: "rpcpass",
		results:  map[string]string{"gettransaction": `{"confirmations":1}`},
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient("http://rpcuser:rpcpass@"+srv.Listener.Addr().String(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	_, err = c.GetTransactionConfirmations(context.Background(), "aa")
	require.NoError(t, err)
	assert.True(t, h.gotAuth)
}

func TestBreaker_OpensOnTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // every request now fails at the transport

	c, err := NewClient(url, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 3})
	c.SetBreaker(breaker)

	for i := 0; i < 3; i++ {
		_, err := c.GetTransactionConfirmations(context.Background(), "aa")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	_, err = c.GetTransactionConfirmations(context.Background(), "aa")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
}

func TestBreaker_RPCErrorsAreHealthy(t *testing.T) {
	h := &rpcHandler{rpcErrs: map[string]*RPCError{
		"gettransaction": {Code: -5, Message: "not found"},
	}}
	c := newTestClient(t, h)
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2})
	c.SetBreaker(breaker)

	for i := 0; i < 5; i++ {
		_, err := c.GetTransactionConfirmations(context.Background(), "aa")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}
