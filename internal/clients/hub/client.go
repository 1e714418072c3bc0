// Package hub is the JSON-over-HTTP transport to the hub operator.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/hubclient/internal/domain"
	"github.com/vadiminshakov/hubclient/pkg/retrier"
)

const (
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	defaultRetryDelay = 500 * time.Millisecond
	maxErrorBody      = 4 << 10
)

// StatusError non-2xx response from the hub.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub returned status %d: %s", e.Code, e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *StatusError) Temporary() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

// OrderBookLevel aggregated amount at a price.
type OrderBookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// OrderBook snapshot of a market.
type OrderBook struct {
	Base  common.Address   `json:"base"`
	Quote common.Address   `json:"quote"`
	Bids  []OrderBookLevel `json:"bids"`
	Asks  []OrderBookLevel `json:"asks"`
}

// Trade executed trade of a market.
type Trade struct {
	ID     uint64          `json:"id"`
	Round  uint64          `json:"round"`
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Time   time.Time       `json:"ts"`
}

// Balance the hub's view of a wallet balance in one asset.
type Balance struct {
	Asset     common.Address  `json:"asset"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
}

// Order approval with its fill progress as tracked by the hub.
type Order struct {
	domain.SignedApproval
	Filled decimal.Decimal `json:"filled"`
	Status string          `json:"status"`
}

type joinRequest struct {
	Address   common.Address `json:"address"`
	Signature hexutil.Bytes  `json:"signature"`
}

type mediatorResponse struct {
	Address common.Address `json:"address"`
}

type cancelRequest struct {
	ApprovalID string        `json:"approvalId"`
	Signature  hexutil.Bytes `json:"signature"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Client talks to the hub REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retrier    *retrier.Retrier
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int, delay time.Duration) Option {
	return func(c *Client) {
		c.retrier = newRetrier(n, delay)
	}
}

// New creates a client for the hub at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse hub url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported hub url scheme %q", u.Scheme)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		retrier:    newRetrier(defaultMaxRetries, defaultRetryDelay),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func newRetrier(retries int, delay time.Duration) *retrier.Retrier {
	return retrier.New(
		retrier.WithMaxRetries(retries),
		retrier.WithInitialInterval(delay),
		retrier.WithMaxInterval(10*delay),
		retrier.WithRetryIf(isTransient),
	)
}

// isTransient network failures and 5xx/429 responses are retried, everything else is final.
func isTransient(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}

// Join submits the client's signature over its own address and returns the operator authorization.
func (c *Client) Join(ctx context.Context, address common.Address, signature []byte) (domain.AuthorizationMessage, error) {
	var auth domain.AuthorizationMessage
	err := c.do(ctx, http.MethodPost, "/join", joinRequest{Address: address, Signature: signature}, &auth)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return auth, errors.Wrap(domain.ErrSignatureInvalid, se.Error())
		}
		return auth, errors.Wrap(err, "join")
	}
	return auth, nil
}

// Mediator returns the mediator address the hub is bound to.
func (c *Client) Mediator(ctx context.Context) (common.Address, error) {
	var resp mediatorResponse
	if err := c.do(ctx, http.MethodGet, "/mediator", nil, &resp); err != nil {
		return common.Address{}, errors.Wrap(err, "fetch mediator address")
	}
	return resp.Address, nil
}

// Audit returns the solvency proofs of address for round, one per registered asset.
func (c *Client) Audit(ctx context.Context, address common.Address, round uint64) ([]domain.Proof, error) {
	var proofs []domain.Proof
	path := fmt.Sprintf("/audit/%s/%d", address.Hex(), round)
	if err := c.do(ctx, http.MethodGet, path, nil, &proofs); err != nil {
		return nil, errors.Wrapf(err, "fetch proofs for round %d", round)
	}
	return proofs, nil
}

// FetchFills returns the operator-signed fills of wallet at round.
func (c *Client) FetchFills(ctx context.Context, wallet common.Address, round uint64) ([]domain.SignedFill, error) {
	var fills []domain.SignedFill
	path := fmt.Sprintf("/fills/%s/%d", wallet.Hex(), round)
	if err := c.do(ctx, http.MethodGet, path, nil, &fills); err != nil {
		return nil, errors.Wrapf(err, "fetch fills for round %d", round)
	}
	return fills, nil
}

// FetchOrderBook returns the order book of the base/quote market.
func (c *Client) FetchOrderBook(ctx context.Context, base, quote common.Address) (OrderBook, error) {
	var book OrderBook
	if err := c.do(ctx, http.MethodGet, "/orderbook"+marketQuery(base, quote), nil, &book); err != nil {
		return book, errors.Wrap(err, "fetch order book")
	}
	return book, nil
}

// FetchTrades returns recent trades of the base/quote market.
func (c *Client) FetchTrades(ctx context.Context, base, quote common.Address) ([]Trade, error) {
	var trades []Trade
	if err := c.do(ctx, http.MethodGet, "/trades"+marketQuery(base, quote), nil, &trades); err != nil {
		return nil, errors.Wrap(err, "fetch trades")
	}
	return trades, nil
}

// FetchBalances returns the hub's view of wallet balances.
func (c *Client) FetchBalances(ctx context.Context, wallet common.Address) ([]Balance, error) {
	var balances []Balance
	if err := c.do(ctx, http.MethodGet, "/balances/"+wallet.Hex(), nil, &balances); err != nil {
		return nil, errors.Wrap(err, "fetch balances")
	}
	return balances, nil
}

// CreateOrder submits a signed approval.
func (c *Client) CreateOrder(ctx context.Context, approval domain.SignedApproval) error {
	if err := c.do(ctx, http.MethodPost, "/orders", approval, nil); err != nil {
		return errors.Wrapf(err, "create order %s", approval.ID)
	}
	return nil
}

// CancelOrder cancels the approval; signature is the owner's signature over the cancel digest.
func (c *Client) CancelOrder(ctx context.Context, approvalID string, signature []byte) error {
	req := cancelRequest{ApprovalID: approvalID, Signature: signature}
	if err := c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(approvalID), req, nil); err != nil {
		return errors.Wrapf(err, "cancel order %s", approvalID)
	}
	return nil
}

// FetchOrder returns a single order.
func (c *Client) FetchOrder(ctx context.Context, approvalID string) (Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/orders/"+url.PathEscape(approvalID), nil, &order); err != nil {
		return order, errors.Wrapf(err, "fetch order %s", approvalID)
	}
	return order, nil
}

// FetchOrders returns the orders of wallet.
func (c *Client) FetchOrders(ctx context.Context, wallet common.Address) ([]Order, error) {
	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/orders?wallet="+wallet.Hex(), nil, &orders); err != nil {
		return nil, errors.Wrap(err, "fetch orders")
	}
	return orders, nil
}

func marketQuery(base, quote common.Address) string {
	q := url.Values{}
	q.Set("base", base.Hex())
	q.Set("quote", quote.Hex())
	return "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
	}

	return c.retrier.Do(ctx, func(ctx context.Context) error {
		return c.send(ctx, method, path, payload, out)
	})
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "HTTP request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode response")
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(body))
	var er errorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Code: resp.StatusCode, Message: msg}
}
