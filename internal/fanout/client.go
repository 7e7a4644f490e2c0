package fanout

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Client is one connected WebSocket peer, grounded on the teacher's
// pkg/api/websocket.go Client, generalized from a flat channel-string
// subscription set to the token-set/trader/risk-flag triple §4.9
// specifies.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	id     string
	logger *zap.Logger

	subMu  sync.RWMutex
	tokens map[common.Address]bool
	trader *common.Address
	risk   bool
}

func (c *Client) subscribedTokens() map[common.Address]bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make(map[common.Address]bool, len(c.tokens))
	for t := range c.tokens {
		out[t] = true
	}
	return out
}

func (c *Client) isSubscribedToToken(token common.Address) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.tokens[token]
}

func (c *Client) isSubscribedToTrader(trader common.Address) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.trader != nil && *c.trader == trader
}

func (c *Client) isRiskSubscribed() bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return c.risk
}

// enqueue is non-blocking: a client whose outbound queue is full is
// slow and gets disconnected rather than stalling the broadcast (§4.9,
// §5 "slow clients are disconnected when the queue overflows").
func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		// Hub.Run itself reaches enqueue through its push ticks, so the
		// unregister hand-off runs on its own goroutine.
		go func() { c.hub.unregister <- c }()
	}
}

// ingressMessage is the shape of every client-to-engine text frame (§6).
type ingressMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Token   string `json:"token"`
	Trader  string `json:"trader"`
}

// readPump pumps subscription requests from the WebSocket connection,
// mirroring the teacher's readPump ping/pong deadline handling.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("ws read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		var msg ingressMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid message")
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg ingressMessage) {
	switch msg.Type {
	case "subscribe":
		if !common.IsHexAddress(msg.Token) {
			c.sendError("subscribe requires a valid token address")
			return
		}
		token := common.HexToAddress(msg.Token)
		c.subMu.Lock()
		c.tokens[token] = true
		c.subMu.Unlock()
		c.sendTokenSnapshot(token)
	case "unsubscribe":
		if !common.IsHexAddress(msg.Token) {
			return
		}
		c.subMu.Lock()
		delete(c.tokens, common.HexToAddress(msg.Token))
		c.subMu.Unlock()
	case "subscribe_trader":
		if !common.IsHexAddress(msg.Trader) {
			c.sendError("subscribe_trader requires a valid trader address")
			return
		}
		addr := common.HexToAddress(msg.Trader)
		c.subMu.Lock()
		c.trader = &addr
		c.subMu.Unlock()
	case "unsubscribe_trader":
		c.subMu.Lock()
		c.trader = nil
		c.subMu.Unlock()
	case "subscribe_risk":
		c.subMu.Lock()
		c.risk = true
		c.subMu.Unlock()
	case "unsubscribe_risk":
		c.subMu.Lock()
		c.risk = false
		c.subMu.Unlock()
	case "get_orderbook", "get_positions", "get_balance", "get_funding":
		c.handleQuery(msg)
	case "ping":
		env := newEnvelope("pong", nil)
		if payload, err := json.Marshal(env); err == nil {
			c.enqueue(payload)
		}
	default:
		c.sendError("unknown message type: " + msg.Type)
	}
}

// handleQuery answers the one-shot get_* requests (§6) by reading straight
// through the hub's repositories/book sources rather than waiting for the
// next pusher tick.
func (c *Client) handleQuery(msg ingressMessage) {
	switch msg.Type {
	case "get_orderbook":
		if !common.IsHexAddress(msg.Token) {
			c.sendError("get_orderbook requires a valid token address")
			return
		}
		token := common.HexToAddress(msg.Token)
		c.hub.mu.RLock()
		book, ok := c.hub.books[token]
		c.hub.mu.RUnlock()
		if !ok {
			c.sendError("unknown token")
			return
		}
		depth := book.Depth(50)
		c.sendEnvelope(newEnvelope("orderbook", OrderbookFrame{
			Token:     token.Hex(),
			Bids:      depth.Bids,
			Asks:      depth.Asks,
			LastPrice: depth.LastPrice,
			Timestamp: depth.Timestamp.UnixMilli(),
		}))
	case "get_positions":
		if !common.IsHexAddress(msg.Trader) {
			c.sendError("get_positions requires a valid trader address")
			return
		}
		positions, err := c.hub.positions.ListByTrader(common.HexToAddress(msg.Trader))
		if err != nil {
			c.sendError("failed to load positions")
			return
		}
		frames := make([]PositionFrame, 0, len(positions))
		for _, p := range positions {
			frames = append(frames, positionFrame(p))
		}
		c.sendEnvelope(newEnvelope("position", frames))
	case "get_balance":
		if !common.IsHexAddress(msg.Trader) {
			c.sendError("get_balance requires a valid trader address")
			return
		}
		balance, err := c.hub.balances.GetOrCreate(common.HexToAddress(msg.Trader))
		if err != nil {
			c.sendError("failed to load balance")
			return
		}
		c.sendEnvelope(newEnvelope("balance", balance))
	case "get_funding":
		if !common.IsHexAddress(msg.Token) {
			c.sendError("get_funding requires a valid token address")
			return
		}
		token := common.HexToAddress(msg.Token)
		stats, ok, err := c.hub.stats.Get(token)
		if err != nil || !ok {
			c.sendError("unknown token")
			return
		}
		c.sendEnvelope(newEnvelope("funding_rate", FundingRateFrame{
			Token:         token.Hex(),
			FundingRateBp: stats.FundingRate,
			NextFundingAt: stats.NextFundingAt.Unix(),
		}))
	}
}

// sendTokenSnapshot sends exactly one orderbook frame and one market_data
// frame to this client on subscribe (§4.9 "On connect, a snapshot is
// sent"; S6 "within one RTT"), so the client never has to wait for the
// next 1Hz pushTick for its first view of the book.
func (c *Client) sendTokenSnapshot(token common.Address) {
	c.hub.mu.RLock()
	book, ok := c.hub.books[token]
	c.hub.mu.RUnlock()
	if !ok {
		return
	}

	depth := book.Depth(50)
	bookEnv := newEnvelope("orderbook", OrderbookFrame{
		Token:     token.Hex(),
		Bids:      depth.Bids,
		Asks:      depth.Asks,
		LastPrice: depth.LastPrice,
		Timestamp: depth.Timestamp.UnixMilli(),
	})
	bookEnv.Token = token.Hex()
	c.sendEnvelope(bookEnv)

	stats, ok, err := c.hub.stats.Get(token)
	if err != nil || !ok {
		return
	}
	statsEnv := newEnvelope("market_data", stats)
	statsEnv.Token = token.Hex()
	c.sendEnvelope(statsEnv)
}

func (c *Client) sendEnvelope(env Envelope) {
	if payload, err := json.Marshal(env); err == nil {
		c.enqueue(payload)
	}
}

func (c *Client) sendError(msg string) {
	env := newEnvelope("error", ErrorFrame{Error: msg})
	if payload, err := json.Marshal(env); err == nil {
		c.enqueue(payload)
	}
}

// writePump pumps queued frames to the socket, batching anything queued
// since the last write into the same frame, and pings on idle — identical
// shape to the teacher's writePump.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
