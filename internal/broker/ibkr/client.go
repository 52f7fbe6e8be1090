package ibkr

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/signal-trader/internal/broker"
	"github.com/tathienbao/signal-trader/internal/types"
	"golang.org/x/time/rate"
)

// Incoming IB API message IDs.
const (
	msgTickPrice        = 1
	msgTickSize         = 2
	msgOrderStatus      = 3
	msgErrMsg           = 4
	msgNextValidID      = 9
	msgExecutionData    = 11
	msgManagedAccounts  = 15
	msgHistoricalData   = 17
	msgCommissionReport = 59
)

// Outgoing IB API message IDs.
const (
	outReqMktData        = 1
	outCancelMktData     = 2
	outPlaceOrder        = 3
	outCancelOrder       = 4
	outReqHistoricalData = 20
	outStartAPI          = 71
)

// Broker error codes treated as transient.
const (
	codePacingViolation   = 100
	codeConnectivityLost  = 1100
	codeConnectivityBack  = 1102 // restored, data lost
	codeDuplicateOrderID  = 103
	codeDuplicateTickerID = 322
)

// Client implements broker.Client against TWS/Gateway over its native TCP
// socket protocol.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// Connection
	conn        net.Conn
	state       atomic.Int32
	stateMu     sync.Mutex
	connectedAt time.Time

	// Rate limiting
	limiter *rate.Limiter

	// Broker-assigned order IDs; seeded by the nextValidId handshake message.
	nextOrderID atomic.Int64

	// Request tracking
	nextReqID atomic.Int64
	reqMu     sync.Mutex
	quoteReqs map[int64]chan decimal.Decimal
	barReqs   map[int64]chan []types.Bar
	reqSymbol map[int64]string

	// Push streams
	statuses     chan broker.StatusUpdate
	executions   chan broker.Execution
	commissions  chan broker.CommissionReport
	connectivity chan bool
	notices      chan broker.Notice

	// execution order-id lookup by exec id prefix (orderStatus lacks symbol)
	symMu       sync.RWMutex
	orderSymbol map[int64]string
	orderSide   map[int64]types.Side

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a new IBKR client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:          cfg,
		logger:       logger,
		limiter:      rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
		quoteReqs:    make(map[int64]chan decimal.Decimal),
		barReqs:      make(map[int64]chan []types.Bar),
		reqSymbol:    make(map[int64]string),
		statuses:     make(chan broker.StatusUpdate, 256),
		executions:   make(chan broker.Execution, 256),
		commissions:  make(chan broker.CommissionReport, 256),
		connectivity: make(chan bool, 16),
		notices:      make(chan broker.Notice, 64),
		orderSymbol:  make(map[int64]string),
		orderSide:    make(map[int64]types.Side),
		done:         make(chan struct{}),
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.nextReqID.Store(1000)
	c.nextOrderID.Store(1)

	return c
}

// Connect establishes the connection and performs the API handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.connState() == broker.StateConnected {
		return nil
	}

	c.state.Store(int32(broker.StateConnecting))

	c.logger.Info("connecting to IBKR",
		"host", c.cfg.Host,
		"port", c.cfg.Port,
		"client_id", c.cfg.ClientID,
	)

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("%w: %v", types.ErrConnectionTimeout, err)
	}

	c.conn = conn
	c.connectedAt = time.Now()

	if err := c.handshake(); err != nil {
		_ = conn.Close()
		c.state.Store(int32(broker.StateError))
		return fmt.Errorf("handshake: %w", err)
	}

	c.state.Store(int32(broker.StateConnected))

	c.wg.Add(1)
	go c.readLoop()

	c.pushConnectivity(true)
	c.logger.Info("connected to IBKR", "connected_at", c.connectedAt)
	return nil
}

// handshake performs the IB API v100+ connection handshake and startAPI.
func (c *Client) handshake() error {
	greeting := []byte("API\x00")
	greeting = append(greeting, []byte(fmt.Sprintf("v%d..%d", 100, 151))...)
	greeting = append(greeting, 0)

	if _, err := c.conn.Write(greeting); err != nil {
		return fmt.Errorf("write greeting: %w", err)
	}

	buf := make([]byte, 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := c.conn.Read(buf)
	_ = c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read server version: %w", err)
	}
	c.logger.Debug("handshake response", "bytes", n)

	startAPI := frame(fmt.Sprintf("%d\x002\x00%d\x00\x00", outStartAPI, c.cfg.ClientID))
	if _, err := c.conn.Write(startAPI); err != nil {
		return fmt.Errorf("write startAPI: %w", err)
	}
	return nil
}

// frame prepends the 4-byte big-endian length prefix.
func frame(msg string) []byte {
	size := len(msg)
	out := make([]byte, 4+size)
	out[0] = byte(size >> 24)
	out[1] = byte(size >> 16)
	out[2] = byte(size >> 8)
	out[3] = byte(size)
	copy(out[4:], msg)
	return out
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, err := c.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			c.logger.Error("read error", "err", err)
			c.handleDisconnect()
			return
		}
		if n > 0 {
			c.processMessage(buf[:n])
		}
	}
}

// processMessage parses one inbound message. Fields are null-separated; the
// first field is the message ID.
func (c *Client) processMessage(data []byte) {
	fields := bytes.Split(data, []byte{0})
	if len(fields) < 2 {
		return
	}

	msgID, err := strconv.Atoi(string(fields[0]))
	if err != nil {
		// Length-prefixed frame: skip the 4-byte size.
		if len(data) > 4 {
			c.processMessage(data[4:])
		}
		return
	}

	switch msgID {
	case msgTickPrice:
		c.handleTickPrice(fields)
	case msgOrderStatus:
		c.handleOrderStatus(fields)
	case msgErrMsg:
		c.handleErrMsg(fields)
	case msgNextValidID:
		c.handleNextValidID(fields)
	case msgExecutionData:
		c.handleExecution(fields)
	case msgManagedAccounts:
		c.logger.Info("managed accounts", "accounts", string(fields[2]))
	case msgHistoricalData:
		c.handleHistoricalData(fields)
	case msgCommissionReport:
		c.handleCommissionReport(fields)
	default:
		c.logger.Debug("unhandled message type", "msg_id", msgID)
	}
}

func (c *Client) handleNextValidID(fields [][]byte) {
	if len(fields) < 3 {
		return
	}
	id, err := strconv.ParseInt(string(fields[2]), 10, 64)
	if err != nil {
		return
	}
	c.nextOrderID.Store(id)
	c.logger.Debug("next valid order id", "id", id)
}

// handleTickPrice resolves pending snapshot quote requests on last-price
// ticks (tick type 4).
func (c *Client) handleTickPrice(fields [][]byte) {
	if len(fields) < 5 {
		return
	}

	tickerID, _ := strconv.ParseInt(string(fields[2]), 10, 64)
	tickType, _ := strconv.Atoi(string(fields[3]))
	price, err := decimal.NewFromString(string(fields[4]))
	if err != nil {
		return
	}

	if tickType != 4 {
		return
	}

	c.reqMu.Lock()
	ch, ok := c.quoteReqs[tickerID]
	if ok {
		delete(c.quoteReqs, tickerID)
		delete(c.reqSymbol, tickerID)
	}
	c.reqMu.Unlock()

	if ok {
		ch <- price
	}
}

// handleOrderStatus forwards order status transitions.
// Format: msgID, orderID, status, filled, remaining, avgFillPrice, ...
func (c *Client) handleOrderStatus(fields [][]byte) {
	if len(fields) < 6 {
		return
	}

	orderID, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	status := string(fields[2])
	filled, _ := strconv.Atoi(string(fields[3]))
	remaining, _ := strconv.Atoi(string(fields[4]))
	avg, _ := decimal.NewFromString(string(fields[5]))

	upd := broker.StatusUpdate{
		OrderID:      orderID,
		Status:       status,
		Filled:       filled,
		Remaining:    remaining,
		AvgFillPrice: avg,
		At:           time.Now(),
	}

	select {
	case c.statuses <- upd:
	default:
		c.logger.Warn("status channel full, dropping", "order_id", orderID)
	}
}

// handleExecution forwards fills.
// Format: msgID, reqID, orderID, conID, symbol, secType, ..., execID, time,
// account, exchange, side, shares, price, ..., cumQty, ...
// The simplified layout used here: msgID, reqID, orderID, execID, symbol,
// side, shares, price, cumQty.
func (c *Client) handleExecution(fields [][]byte) {
	if len(fields) < 9 {
		return
	}

	orderID, _ := strconv.ParseInt(string(fields[2]), 10, 64)
	execID := string(fields[3])
	symbol := string(fields[4])
	sideStr := string(fields[5])
	shares, _ := strconv.Atoi(string(fields[6]))
	price, _ := decimal.NewFromString(string(fields[7]))
	cumQty, _ := strconv.Atoi(string(fields[8]))

	side := types.SideBuy
	if strings.EqualFold(sideStr, "SLD") || strings.EqualFold(sideStr, "SELL") {
		side = types.SideSell
	}

	exec := broker.Execution{
		ExecID:  execID,
		OrderID: orderID,
		Symbol:  symbol,
		Side:    side,
		Shares:  shares,
		Price:   price,
		CumQty:  cumQty,
		At:      time.Now(),
	}

	select {
	case c.executions <- exec:
	default:
		c.logger.Warn("execution channel full, dropping", "order_id", orderID)
	}
}

func (c *Client) handleCommissionReport(fields [][]byte) {
	if len(fields) < 4 {
		return
	}

	execID := string(fields[2])
	commission, err := decimal.NewFromString(string(fields[3]))
	if err != nil {
		return
	}

	select {
	case c.commissions <- broker.CommissionReport{ExecID: execID, Commission: commission}:
	default:
		c.logger.Warn("commission channel full, dropping", "exec_id", execID)
	}
}

// handleErrMsg forwards broker error codes. Codes 1100/1102 also drive the
// connectivity stream. Historical-data and snapshot requests that error out
// are failed by closing their pending channel.
func (c *Client) handleErrMsg(fields [][]byte) {
	if len(fields) < 5 {
		return
	}

	reqID, _ := strconv.ParseInt(string(fields[2]), 10, 64)
	code, _ := strconv.Atoi(string(fields[3]))
	msg := string(fields[4])

	switch code {
	case codeConnectivityLost:
		c.pushConnectivity(false)
	case codeConnectivityBack:
		c.pushConnectivity(true)
	}

	c.reqMu.Lock()
	if ch, ok := c.quoteReqs[reqID]; ok {
		delete(c.quoteReqs, reqID)
		delete(c.reqSymbol, reqID)
		close(ch)
	}
	if ch, ok := c.barReqs[reqID]; ok {
		delete(c.barReqs, reqID)
		close(ch)
	}
	c.reqMu.Unlock()

	notice := broker.Notice{Code: code, Message: msg, OrderID: reqID}
	select {
	case c.notices <- notice:
	default:
	}

	c.logger.Warn("broker message", "code", code, "req_id", reqID, "msg", msg)
}

// handleHistoricalData parses a full bar response.
// Format: msgID, reqID, startDate, endDate, barCount, then per bar:
// date, open, high, low, close, volume, wap, count.
func (c *Client) handleHistoricalData(fields [][]byte) {
	if len(fields) < 5 {
		return
	}

	reqID, _ := strconv.ParseInt(string(fields[1]), 10, 64)
	count, _ := strconv.Atoi(string(fields[4]))

	bars := make([]types.Bar, 0, count)
	idx := 5
	for i := 0; i < count && idx+7 < len(fields); i++ {
		ts, _ := strconv.ParseInt(string(fields[idx]), 10, 64)
		open, _ := decimal.NewFromString(string(fields[idx+1]))
		high, _ := decimal.NewFromString(string(fields[idx+2]))
		low, _ := decimal.NewFromString(string(fields[idx+3]))
		closep, _ := decimal.NewFromString(string(fields[idx+4]))
		volume, _ := strconv.ParseInt(string(fields[idx+5]), 10, 64)

		bars = append(bars, types.Bar{
			Timestamp: time.Unix(ts, 0),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closep,
			Volume:    volume,
		})
		idx += 8
	}

	c.reqMu.Lock()
	ch, ok := c.barReqs[reqID]
	if ok {
		delete(c.barReqs, reqID)
	}
	c.reqMu.Unlock()

	if ok {
		ch <- bars
	}
}

func (c *Client) pushConnectivity(up bool) {
	select {
	case c.connectivity <- up:
	default:
	}
}

func (c *Client) handleDisconnect() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.connState() == broker.StateDisconnected {
		return
	}

	c.state.Store(int32(broker.StateDisconnected))
	c.pushConnectivity(false)
	c.logger.Warn("disconnected from IBKR")

	if c.cfg.AutoReconnect {
		go c.reconnectLoop()
	}
}

func (c *Client) reconnectLoop() {
	for i := 0; i < c.cfg.MaxReconnectTries; i++ {
		select {
		case <-c.done:
			return
		case <-time.After(c.cfg.ReconnectInterval):
		}

		c.logger.Info("attempting reconnect", "attempt", i+1)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			c.logger.Info("reconnected")
			return
		}
		c.logger.Warn("reconnect failed", "err", err)
	}
	c.logger.Error("max reconnect attempts reached")
}

// sendMessage frames and writes one message, honoring the pacing limiter.
func (c *Client) sendMessage(ctx context.Context, msg string) error {
	if c.connState() != broker.StateConnected {
		return types.ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrRateLimited, err)
	}
	_, err := c.conn.Write(frame(msg))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrConnectionLost, err)
	}
	return nil
}

// SubmitOrder places an order. Orders with ID <= 0 get a broker-assigned ID,
// which is returned either way. The eTradeOnly and firmQuoteOnly flags are
// always sent as 0: newer TWS builds reject orders carrying them set.
func (c *Client) SubmitOrder(ctx context.Context, o *types.Order) (int64, error) {
	if c.connState() != broker.StateConnected {
		return 0, types.ErrNotConnected
	}

	orderID := o.ID
	if orderID <= 0 {
		orderID = c.nextOrderID.Add(1)
	}

	contract := broker.StockContract(o.Symbol)
	action := o.Side.String()

	limitPx := ""
	if o.Type == types.OrderTypeLimit || o.Type == types.OrderTypeStopLimit {
		limitPx = o.LimitPrice.String()
	}
	stopPx := ""
	if o.Type == types.OrderTypeStop || o.Type == types.OrderTypeStopLimit || o.Type == types.OrderTypeTrail {
		stopPx = o.StopPrice.String()
	}

	tif := string(o.TIF)
	if tif == "" {
		tif = string(types.TIFDay)
	}

	// PLACE_ORDER: contract block, then order block. Trailing zeros are the
	// eTradeOnly / firmQuoteOnly flags.
	msg := fmt.Sprintf("%d\x0045\x00%d\x000\x00%s\x00%s\x00\x00%s\x00%s\x00\x00\x00%s\x00%d\x00%s\x00%s\x00%s\x00%s\x00%s\x00%d\x00%s\x000\x000\x00",
		outPlaceOrder,
		orderID,
		contract.Symbol,
		contract.SecType,
		contract.Exchange,
		contract.Currency,
		action,
		o.Qty,
		string(o.Type),
		limitPx,
		stopPx,
		tif,
		c.cfg.Account,
		o.ParentID,
		o.ClientID,
	)

	if err := c.sendMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("send order: %w", err)
	}

	c.symMu.Lock()
	c.orderSymbol[orderID] = o.Symbol
	c.orderSide[orderID] = o.Side
	c.symMu.Unlock()

	c.logger.Info("order submitted",
		"order_id", orderID,
		"client_id", o.ClientID,
		"symbol", o.Symbol,
		"side", action,
		"qty", o.Qty,
		"type", string(o.Type),
	)

	return orderID, nil
}

// CancelOrder requests cancellation of a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	msg := fmt.Sprintf("%d\x001\x00%d\x00\x00", outCancelOrder, orderID)
	if err := c.sendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send cancel: %w", err)
	}
	c.logger.Info("order cancel requested", "order_id", orderID)
	return nil
}

// SnapshotQuote requests a one-shot market data snapshot and waits for the
// last-price tick, bounded by ctx.
func (c *Client) SnapshotQuote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c.connState() != broker.StateConnected {
		return decimal.Zero, types.ErrNotConnected
	}

	tickerID := c.nextReqID.Add(1)
	ch := make(chan decimal.Decimal, 1)

	c.reqMu.Lock()
	c.quoteReqs[tickerID] = ch
	c.reqSymbol[tickerID] = symbol
	c.reqMu.Unlock()

	contract := broker.StockContract(symbol)
	// REQ_MKT_DATA with snapshot=1.
	msg := fmt.Sprintf("%d\x0011\x00%d\x000\x00%s\x00%s\x00\x00\x00\x00\x00\x00%s\x00%s\x00\x00\x00\x001\x000\x00\x00",
		outReqMktData,
		tickerID,
		contract.Symbol,
		contract.SecType,
		contract.Exchange,
		contract.Currency,
	)

	if err := c.sendMessage(ctx, msg); err != nil {
		c.dropQuoteReq(tickerID)
		return decimal.Zero, err
	}

	select {
	case price, ok := <-ch:
		if !ok {
			return decimal.Zero, types.ErrPriceUnavailable
		}
		return price, nil
	case <-ctx.Done():
		c.dropQuoteReq(tickerID)
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrPriceUnavailable, ctx.Err())
	}
}

func (c *Client) dropQuoteReq(tickerID int64) {
	c.reqMu.Lock()
	delete(c.quoteReqs, tickerID)
	delete(c.reqSymbol, tickerID)
	c.reqMu.Unlock()
}

// HistoricalBars fetches historical bars, e.g. ("AAPL", "300 S", "10 secs").
func (c *Client) HistoricalBars(ctx context.Context, symbol, duration, barSize string) ([]types.Bar, error) {
	if c.connState() != broker.StateConnected {
		return nil, types.ErrNotConnected
	}

	reqID := c.nextReqID.Add(1)
	ch := make(chan []types.Bar, 1)

	c.reqMu.Lock()
	c.barReqs[reqID] = ch
	c.reqMu.Unlock()

	contract := broker.StockContract(symbol)
	msg := fmt.Sprintf("%d\x006\x00%d\x000\x00%s\x00%s\x00\x00\x00\x00\x00\x00%s\x00%s\x00\x00\x00\x00%s\x00%s\x00TRADES\x001\x002\x00\x00",
		outReqHistoricalData,
		reqID,
		contract.Symbol,
		contract.SecType,
		contract.Exchange,
		contract.Currency,
		duration,
		barSize,
	)

	if err := c.sendMessage(ctx, msg); err != nil {
		c.reqMu.Lock()
		delete(c.barReqs, reqID)
		c.reqMu.Unlock()
		return nil, err
	}

	select {
	case bars, ok := <-ch:
		if !ok {
			return nil, types.ErrStaleData
		}
		return bars, nil
	case <-ctx.Done():
		c.reqMu.Lock()
		delete(c.barReqs, reqID)
		c.reqMu.Unlock()
		return nil, fmt.Errorf("historical bars: %w", ctx.Err())
	}
}

// Push streams.
func (c *Client) Statuses() <-chan broker.StatusUpdate        { return c.statuses }
func (c *Client) Executions() <-chan broker.Execution         { return c.executions }
func (c *Client) Commissions() <-chan broker.CommissionReport { return c.commissions }
func (c *Client) Connectivity() <-chan bool                   { return c.connectivity }
func (c *Client) Notices() <-chan broker.Notice               { return c.notices }

// Disconnect closes the connection and stops the reader.
func (c *Client) Disconnect() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.connState() == broker.StateDisconnected {
		return nil
	}

	c.closeOnce.Do(func() { close(c.done) })
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.wg.Wait()
	c.state.Store(int32(broker.StateDisconnected))

	c.logger.Info("disconnected from IBKR")
	return nil
}

func (c *Client) connState() broker.ConnectionState {
	return broker.ConnectionState(c.state.Load())
}

// IsConnected returns true if connected.
func (c *Client) IsConnected() bool {
	return c.connState() == broker.StateConnected
}

// Shutdown disconnects and closes the push streams.
func (c *Client) Shutdown(ctx context.Context) error {
	c.logger.Info("shutting down IBKR client")
	err := c.Disconnect()
	close(c.statuses)
	close(c.executions)
	close(c.commissions)
	close(c.connectivity)
	close(c.notices)
	return err
}

// Ensure Client implements broker.Client.
var _ broker.Client = (*Client)(nil)
