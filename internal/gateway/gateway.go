// Package gateway implements the public HTTP surface spec.md §6 calls out
// as a cross-cutting contract: a websocket that republishes bus events to
// downstream clients, filtered by pair and optional timeframe, plus thin
// read endpoints over store.Store and a backtest trigger. Out of the
// core's domain-logic scope, but still built with the pool's own stack
// (chi + gorilla/websocket) rather than bare net/http, per the
// ambient-stack rule. Grounded on
// original_source/rest/src/router/backtesting.rs's
// get_candles/get_fvgs/ws_handler/recv_broadcast and on the teacher's
// cmd/api_gateway Hub (client registry + broadcast fan-out), generalized
// from Redis-stream/token filtering to pair/timeframe envelope filtering
// over bus.Bus.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"candlestream/internal/bus"
	"candlestream/internal/model"
	"candlestream/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// envelope is the minimal shape every bus payload carries at its JSON top
// level (model.Envelope): pair, and the timeframe it belongs to.
type envelope struct {
	Pair      string `json:"pair"`
	Timeframe string `json:"timeframe"`
}

// Hub subscribes to every bus topic a websocket client might want and
// republishes filtered copies to each connected client, grounded on the
// teacher's cmd/api_gateway.Hub client-registry pattern.
type Hub struct {
	b        bus.Bus
	log      *slog.Logger
	backtest bool

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn      *websocket.Conn
	send      chan []byte
	pair      string
	timeframe string
}

// topics every Hub subscription covers, per spec.md §4.7's production
// namespace.
var topics = []string{
	bus.TopicCandle, bus.TopicCandleClose,
	bus.TopicFVG, bus.TopicFVGClose,
	bus.TopicSwing, bus.TopicSwingClose,
	bus.TopicStrategyFVG, bus.TopicTrade,
}

// NewHub builds a Hub over every production (or backtest-namespaced)
// topic.
func NewHub(b bus.Bus, log *slog.Logger, backtest bool) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{b: b, log: log, backtest: backtest, clients: make(map[*client]struct{})}
}

func (h *Hub) topic(name string) string {
	if h.backtest {
		return bus.BacktestTopic(name)
	}
	return name
}

// Run subscribes to every topic and fans out each message to every
// matching client until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for _, name := range topics {
		name := name
		ch, cancel := h.b.Subscribe(ctx, h.topic(name))
		go func() {
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					h.broadcast(msg.Payload)
				}
			}
		}()
	}
}

func (h *Hub) broadcast(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.pair != "" && c.pair != env.Pair {
			continue
		}
		if c.timeframe != "" && c.timeframe != env.Timeframe {
			continue
		}
		select {
		case c.send <- payload:
		default:
			// Slow client: drop this payload rather than block the
			// fan-out. Unlike the bus's drop-oldest policy, the client's
			// queued messages are kept and the new one is discarded.
		}
	}
}

// ServeWS upgrades the connection and registers a client filtered by the
// `pair` path value and optional `timeframe` query parameter, matching
// original_source's ws_handler/WsPagination shape.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	pair := chi.URLParam(r, "pair")
	timeframe := r.URL.Query().Get("timeframe")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("gateway: ws upgrade", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64), pair: pair, timeframe: timeframe}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
		close(c.send)
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Router builds the chi router exposing read endpoints over st plus the
// websocket republisher, matching
// original_source/rest/src/router/backtesting.rs::create_router's four
// routes.
func Router(st store.Store, h *Hub, trigger func(ctx context.Context, pair string, start, end time.Time) error) http.Handler {
	r := chi.NewRouter()

	r.Get("/{pair}/candles", handleCandles(st))
	r.Get("/{pair}/fvgs", handleFVGs(st))
	r.Get("/{pair}/swings", handleSwings(st))
	r.Get("/{pair}/ws", h.ServeWS)
	if trigger != nil {
		r.Post("/{pair}/backtest", handleBacktest(trigger))
	}

	return r
}

func parseWindow(r *http.Request) (tf model.Timeframe, start, end time.Time, err error) {
	tf, err = model.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		return tf, start, end, err
	}
	startUnix, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
	if err != nil {
		return tf, start, end, err
	}
	endUnix, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
	if err != nil {
		return tf, start, end, err
	}
	return tf, time.Unix(startUnix, 0).UTC(), time.Unix(endUnix, 0).UTC(), nil
}

func handleCandles(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair := chi.URLParam(r, "pair")
		tf, start, end, err := parseWindow(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err := st.CandlesInRange(r.Context(), pair, tf, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	}
}

func handleFVGs(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair := chi.URLParam(r, "pair")
		tf, start, end, err := parseWindow(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err := st.FVGsInRange(r.Context(), pair, tf, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	}
}

func handleSwings(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair := chi.URLParam(r, "pair")
		tf, start, end, err := parseWindow(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rows, err := st.SwingsInRange(r.Context(), pair, tf, start, end)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, rows)
	}
}

func handleBacktest(trigger func(ctx context.Context, pair string, start, end time.Time) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pair := chi.URLParam(r, "pair")
		startUnix, err := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
		if err != nil {
			http.Error(w, "invalid start", http.StatusBadRequest)
			return
		}
		endUnix, err := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
		if err != nil {
			http.Error(w, "invalid end", http.StatusBadRequest)
			return
		}
		start := time.Unix(startUnix, 0).UTC()
		end := time.Unix(endUnix, 0).UTC()

		go func() {
			if err := trigger(context.Background(), pair, start, end); err != nil {
				slog.Default().Error("gateway: backtest trigger", "pair", pair, "error", err)
			}
		}()
		w.WriteHeader(http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
