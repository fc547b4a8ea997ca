package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"riskguard/internal/config"
	"riskguard/internal/model"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROJECTX GATEWAY CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// REST client for the TopstepX / ProjectX futures gateway. Authenticates
// with username + API key, caches the session token, and re-authenticates
// once on a 401 before failing a call.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Wire enums used by the gateway API.
const (
	wireOrderTypeLimit    = 1
	wireOrderTypeMarket   = 2
	wireOrderTypeStop     = 4
	wireOrderTypeTrailing = 5

	wireSideBuy  = 0
	wireSideSell = 1
)

// tokenLifetime is how long a session token is trusted before proactively
// re-authenticating.
const tokenLifetime = 23 * time.Hour

// ProjectXClient implements Gateway over the REST API.
type ProjectXClient struct {
	http     *resty.Client
	username string
	apiKey   string

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewProjectXClient builds a client against baseURL. Credentials come from
// config (which resolves them from the environment); they are never logged
// unredacted.
func NewProjectXClient(baseURL, username, apiKey string, timeout time.Duration, retries int, backoff time.Duration) *ProjectXClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(backoff).
		SetRetryMaxWaitTime(10 * backoff).
		SetHeader("Content-Type", "application/json")

	log.Info().
		Str("url", baseURL).
		Str("username", config.Redact(username)).
		Str("api_key", config.Redact(apiKey)).
		Msg("🔌 Gateway client initialized")

	return &ProjectXClient{
		http:     httpClient,
		username: username,
		apiKey:   apiKey,
	}
}

type loginRequest struct {
	UserName string `json:"userName"`
	APIKey   string `json:"apiKey"`
}

type loginResponse struct {
	Token        string `json:"token"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

// Login authenticates and caches the session token.
func (c *ProjectXClient) Login(ctx context.Context) error {
	var result loginResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(loginRequest{UserName: c.username, APIKey: c.apiKey}).
		SetResult(&result).
		Post("/api/Auth/loginKey")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || !result.Success {
		return fmt.Errorf("login: status %d: %s", resp.StatusCode(), result.ErrorMessage)
	}

	c.mu.Lock()
	c.token = result.Token
	c.tokenExpiry = time.Now().Add(tokenLifetime)
	c.mu.Unlock()

	log.Info().Str("username", config.Redact(c.username)).Msg("🔑 Gateway session established")
	return nil
}

// Bearer returns a valid authorization header value, logging in when the
// cached token is missing or expired. The event stream uses it per
// (re)connect.
func (c *ProjectXClient) Bearer(ctx context.Context) (string, error) {
	return c.bearer(ctx)
}

func (c *ProjectXClient) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.Unlock()

	if token == "" || time.Now().After(expiry) {
		if err := c.Login(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
		token = c.token
		c.mu.Unlock()
	}
	return "Bearer " + token, nil
}

// call issues one authorized POST, retrying once through a fresh login on a
// 401.
func (c *ProjectXClient) call(ctx context.Context, path string, body, result any) error {
	for attempt := 0; attempt < 2; attempt++ {
		auth, err := c.bearer(ctx)
		if err != nil {
			return err
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeader("Authorization", auth).
			SetBody(body).
			SetResult(result).
			Post(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if resp.StatusCode() == http.StatusUnauthorized && attempt == 0 {
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			continue
		}
		if resp.StatusCode() != http.StatusOK {
			return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode(), resp.String())
		}
		return nil
	}
	return fmt.Errorf("%s: unauthorized after token refresh", path)
}

// Wire DTOs

type wireAccount struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
	CanTrade bool            `json:"canTrade"`
}

type wirePosition struct {
	ContractID    string          `json:"contractId"`
	AccountID     string          `json:"accountId"`
	Size          int64           `json:"size"` // signed: >0 long, <0 short
	AvgEntryPrice decimal.Decimal `json:"averagePrice"`
	CreatedAt     time.Time       `json:"creationTimestamp"`
}

type wireOrder struct {
	OrderID    string           `json:"orderId"`
	AccountID  string           `json:"accountId"`
	ContractID string           `json:"contractId"`
	Type       int              `json:"type"`
	Side       int              `json:"side"`
	Size       int64            `json:"size"`
	StopPrice  *decimal.Decimal `json:"stopPrice"`
	LimitPrice *decimal.Decimal `json:"limitPrice"`
	Status     int              `json:"status"`
	CreatedAt  time.Time        `json:"creationTimestamp"`
}

func (w wirePosition) toModel() model.Position {
	return model.Position{
		ContractID:    w.ContractID,
		SymbolRoot:    model.SymbolRootFromContract(w.ContractID),
		AccountID:     w.AccountID,
		Size:          w.Size,
		AvgEntryPrice: w.AvgEntryPrice,
		OpenedAt:      w.CreatedAt,
	}
}

func orderTypeFromWire(t int) model.OrderType {
	switch t {
	case wireOrderTypeLimit:
		return model.OrderLimit
	case wireOrderTypeMarket:
		return model.OrderMarket
	case wireOrderTypeStop:
		return model.OrderStop
	case wireOrderTypeTrailing:
		return model.OrderTrailingStop
	default:
		return model.OrderStopLimit
	}
}

func orderStatusFromWire(s int) model.OrderStatus {
	switch s {
	case 1:
		return model.StatusWorking
	case 2:
		return model.StatusFilled
	case 3:
		return model.StatusCancelled
	case 4:
		return model.StatusExpired
	case 5:
		return model.StatusRejected
	default:
		return model.StatusWorking
	}
}

func (w wireOrder) toModel() model.Order {
	side := model.SideBuy
	if w.Side == wireSideSell {
		side = model.SideSell
	}
	return model.Order{
		OrderID:    w.OrderID,
		AccountID:  w.AccountID,
		ContractID: w.ContractID,
		SymbolRoot: model.SymbolRootFromContract(w.ContractID),
		Type:       orderTypeFromWire(w.Type),
		Side:       side,
		Size:       w.Size,
		StopPrice:  w.StopPrice,
		LimitPrice: w.LimitPrice,
		Status:     orderStatusFromWire(w.Status),
		PlacedAt:   w.CreatedAt,
	}
}

// Gateway implementation

// AccountInfo fetches account metadata.
func (c *ProjectXClient) AccountInfo(ctx context.Context, accountID string) (model.AccountInfo, error) {
	var result struct {
		Account wireAccount `json:"account"`
		Success bool        `json:"success"`
	}
	body := map[string]any{"accountId": accountID}
	if err := c.call(ctx, "/api/Account/search", body, &result); err != nil {
		return model.AccountInfo{}, err
	}
	return model.AccountInfo{
		ID:       result.Account.ID,
		Name:     result.Account.Name,
		Balance:  result.Account.Balance,
		CanTrade: result.Account.CanTrade,
	}, nil
}

// GetAllPositions lists the account's open positions.
func (c *ProjectXClient) GetAllPositions(ctx context.Context, accountID string) ([]model.Position, error) {
	var result struct {
		Positions []wirePosition `json:"positions"`
		Success   bool           `json:"success"`
	}
	body := map[string]any{"accountId": accountID}
	if err := c.call(ctx, "/api/Position/searchOpen", body, &result); err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(result.Positions))
	for _, p := range result.Positions {
		out = append(out, p.toModel())
	}
	return out, nil
}

// ClosePosition market-closes one contract.
func (c *ProjectXClient) ClosePosition(ctx context.Context, accountID, contractID string) error {
	var result struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	body := map[string]any{"accountId": accountID, "contractId": contractID}
	if err := c.call(ctx, "/api/Position/closeContract", body, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("close %s: %s", contractID, result.ErrorMessage)
	}
	return nil
}

// CloseAllPositions flattens the whole account.
func (c *ProjectXClient) CloseAllPositions(ctx context.Context, accountID string) error {
	positions, err := c.GetAllPositions(ctx, accountID)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range positions {
		if err := c.ClosePosition(ctx, accountID, p.ContractID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type placeOrderRequest struct {
	AccountID  string           `json:"accountId"`
	ContractID string           `json:"contractId"`
	Type       int              `json:"type"`
	Side       int              `json:"side"`
	Size       int64            `json:"size"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	StopPrice  *decimal.Decimal `json:"stopPrice,omitempty"`
}

type placeOrderResponse struct {
	OrderID      string `json:"orderId"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage"`
}

func wireSide(side model.OrderSide) int {
	if side == model.SideSell {
		return wireSideSell
	}
	return wireSideBuy
}

func (c *ProjectXClient) placeOrder(ctx context.Context, req placeOrderRequest) (string, error) {
	var result placeOrderResponse
	if err := c.call(ctx, "/api/Order/place", req, &result); err != nil {
		return "", err
	}
	if !result.Success {
		return "", fmt.Errorf("place order on %s: %s", req.ContractID, result.ErrorMessage)
	}
	return result.OrderID, nil
}

// PlaceLimitOrder places a resting limit order and returns its id.
func (c *ProjectXClient) PlaceLimitOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, limit decimal.Decimal) (string, error) {
	return c.placeOrder(ctx, placeOrderRequest{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       wireOrderTypeLimit,
		Side:       wireSide(side),
		Size:       size,
		LimitPrice: &limit,
	})
}

// PlaceStopOrder places a stop order and returns its id.
func (c *ProjectXClient) PlaceStopOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop decimal.Decimal) (string, error) {
	return c.placeOrder(ctx, placeOrderRequest{
		AccountID:  accountID,
		ContractID: contractID,
		Type:       wireOrderTypeStop,
		Side:       wireSide(side),
		Size:       size,
		StopPrice:  &stop,
	})
}

// PlaceBracketOrder places the protective pair: stop first, then the
// take-profit limit. If the second leg fails the stop is cancelled so the
// position is never half-bracketed by this call. Returns the stop's id.
func (c *ProjectXClient) PlaceBracketOrder(ctx context.Context, accountID, contractID string, side model.OrderSide, size int64, stop, target decimal.Decimal) (string, error) {
	stopID, err := c.PlaceStopOrder(ctx, accountID, contractID, side, size, stop)
	if err != nil {
		return "", fmt.Errorf("bracket stop leg: %w", err)
	}
	if _, err := c.PlaceLimitOrder(ctx, accountID, contractID, side, size, target); err != nil {
		if cerr := c.CancelOrder(ctx, accountID, stopID); cerr != nil {
			log.Error().Err(cerr).
				Str("order_id", stopID).
				Msg("Failed to cancel stop leg after take-profit failure")
		}
		return "", fmt.Errorf("bracket take-profit leg: %w", err)
	}
	return stopID, nil
}

// CancelOrder cancels a resting order. Cancelling an already-dead order is
// surfaced as an error by the gateway and ignored by callers that race fills.
func (c *ProjectXClient) CancelOrder(ctx context.Context, accountID, orderID string) error {
	var result struct {
		Success      bool   `json:"success"`
		ErrorMessage string `json:"errorMessage"`
	}
	body := map[string]any{"accountId": accountID, "orderId": orderID}
	if err := c.call(ctx, "/api/Order/cancel", body, &result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("cancel %s: %s", orderID, result.ErrorMessage)
	}
	return nil
}

// GetOpenOrders lists the account's working orders.
func (c *ProjectXClient) GetOpenOrders(ctx context.Context, accountID string) ([]model.Order, error) {
	var result struct {
		Orders  []wireOrder `json:"orders"`
		Success bool        `json:"success"`
	}
	body := map[string]any{"accountId": accountID}
	if err := c.call(ctx, "/api/Order/searchOpen", body, &result); err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		out = append(out, o.toModel())
	}
	return out, nil
}

// LastPrice returns the most recent trade price for a contract.
func (c *ProjectXClient) LastPrice(ctx context.Context, contractID string) (decimal.Decimal, error) {
	var result struct {
		Price   decimal.Decimal `json:"lastPrice"`
		Success bool            `json:"success"`
	}
	body := map[string]any{"contractId": contractID}
	if err := c.call(ctx, "/api/MarketData/lastPrice", body, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Price, nil
}
