package liveserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"livetrader/internal/core"
	"livetrader/internal/engine"
)

var (
	websocketActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "websocket_active_connections",
		Help: "Current number of active WebSocket connections",
	}, []string{"endpoint"})

	websocketRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "websocket_rejected_total",
		Help: "Total number of rejected WebSocket connections",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(websocketActiveConnections)
	prometheus.MustRegister(websocketRejectedTotal)
}

// Engine is the command surface the control server drives
type Engine interface {
	Snapshot() core.TradingState
	SetMargin(pct decimal.Decimal)
	SetLeverage(leverage int)
	SetMode(mode core.Mode) error
	OpenSimulated(side core.Side) error
	CloseSimulated() error
	OpenReal(side core.Side, reply core.ReplyFunc)
	CloseReal(reply core.ReplyFunc)
	SizeOrder(equity, marginPct decimal.Decimal, leverage int, price decimal.Decimal) engine.QuantityResult
}

// Config holds the server's tunables
type Config struct {
	StaticDir      string
	AllowedOrigins []string
	MaxConnections int
	WriteWait      time.Duration
	PingInterval   time.Duration
}

// Server terminates WebSocket control connections, serves the dashboard and
// exposes the query API. Every connected client receives the full state
// snapshot before any incremental event.
type Server struct {
	hub      *Hub
	engine   Engine
	exchange core.IExchange // nil when credentials are not configured
	symbol   string
	cfg      Config

	srv           *http.Server
	logger        Logger
	staticHandler http.Handler
	upgrader      websocket.Upgrader
	mu            sync.Mutex

	connSemaphore chan struct{}

	rateLimitEnabled bool
	ipLimiters       sync.Map // map[string]*rate.Limiter
	rateLimit        rate.Limit
	rateBurst        int
}

// NewServer creates a new Server. exchange may be nil; the position and price
// query endpoints then degrade to local state only.
func NewServer(hub *Hub, eng Engine, exchange core.IExchange, symbol string, cfg Config, logger Logger) *Server {
	if cfg.StaticDir == "" {
		cfg.StaticDir = "web"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.WriteWait == 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 54 * time.Second
	}

	s := &Server{
		hub:              hub,
		engine:           eng,
		exchange:         exchange,
		symbol:           symbol,
		cfg:              cfg,
		logger:           logger,
		staticHandler:    http.FileServer(http.Dir(cfg.StaticDir)),
		connSemaphore:    make(chan struct{}, cfg.MaxConnections),
		rateLimitEnabled: true,
		rateLimit:        10.0, // 10 connections per second per IP
		rateBurst:        20,
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// checkOrigin validates the WebSocket connection origin against the whitelist
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")

	// Non-browser clients send no Origin header; allow them.
	if origin == "" {
		return true
	}

	parsedOrigin, err := url.Parse(origin)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Rejected WebSocket connection with invalid Origin",
				"origin", origin, "error", err)
		}
		return false
	}

	originStr := parsedOrigin.Scheme + "://" + parsedOrigin.Host

	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" {
			return true
		}
		if originStr == allowed {
			return true
		}
	}

	if s.logger != nil {
		s.logger.Warn("Rejected WebSocket connection from unauthorized origin",
			"origin", origin, "remote_addr", r.RemoteAddr)
	}
	websocketRejectedTotal.WithLabelValues("invalid_origin").Inc()
	return false
}

// Start starts the HTTP server and blocks until ctx is cancelled
func (s *Server) Start(ctx context.Context, addr string) error {
	s.mu.Lock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/price", s.handlePrice)
	mux.HandleFunc("/api/position", s.handlePosition)
	mux.HandleFunc("/api/computeQty", s.handleComputeQty)
	mux.HandleFunc("/api/order", s.handleOrder)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", s.staticHandler)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Starting live server", "addr", addr)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv == nil {
		return nil
	}

	if s.logger != nil {
		s.logger.Info("Stopping live server")
	}

	return s.srv.Shutdown(ctx)
}

// handleWebSocket handles WebSocket upgrade and client management
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// 1. Check IP rate limit before upgrade resource consumption
	if s.rateLimitEnabled {
		ip := s.getRemoteIP(r)
		limiter := s.getIPLimiter(ip)

		if !limiter.Allow() {
			if s.logger != nil {
				s.logger.Warn("IP rate limit exceeded", "ip", ip)
			}
			websocketRejectedTotal.WithLabelValues("rate_limit").Inc()
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	// 2. Check global connection limit
	select {
	case s.connSemaphore <- struct{}{}:
		websocketActiveConnections.WithLabelValues(r.URL.Path).Inc()
		defer func() {
			<-s.connSemaphore
			websocketActiveConnections.WithLabelValues(r.URL.Path).Dec()
		}()
	default:
		if s.logger != nil {
			s.logger.Warn("Max connections reached")
		}
		websocketRejectedTotal.WithLabelValues("connection_limit").Inc()
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("WebSocket upgrade failed", "error", err)
		}
		return
	}

	clientID := uuid.New().String()
	client := NewClient(clientID)

	// Queue the init snapshot before registering so no broadcast can slip
	// in ahead of it.
	client.Send(Message{Type: core.EventInit, Data: s.engine.Snapshot()})
	s.hub.Register(client)

	if s.logger != nil {
		s.logger.Info("Client connected", "client_id", clientID, "remote_addr", r.RemoteAddr)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.writePump(conn, client)
	}()

	go func() {
		defer wg.Done()
		s.readPump(conn, client)
	}()

	wg.Wait()

	s.hub.Unregister(client)
	conn.Close()

	if s.logger != nil {
		s.logger.Info("Client disconnected", "client_id", clientID)
	}
}

// writePump sends messages from hub to WebSocket connection
func (s *Server) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.GetSendChan():
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))

			if !ok {
				// Channel closed
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteJSON(msg); err != nil {
				if s.logger != nil {
					s.logger.Warn("Write error", "client_id", client.id, "error", err)
				}
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads control frames from the WebSocket connection and dispatches
// them to the engine
func (s *Server) readPump(conn *websocket.Conn, client *Client) {
	defer func() {
		s.hub.Unregister(client)
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if s.logger != nil {
					s.logger.Warn("Read error", "client_id", client.id, "error", err)
				}
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		s.dispatch(client, raw)
	}
}

// handleHealth handles health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.hub.ClientCount(),
		"time":    time.Now().Unix(),
	})
}

// handlePrice returns the last streamed price, falling back to the exchange
// mark price when no tick has arrived yet
func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	price := s.engine.Snapshot().Price
	if !price.IsPositive() && s.exchange != nil {
		mark, err := s.exchange.GetMarkPrice(r.Context(), s.symbol)
		if err == nil {
			price = mark
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"symbol": s.symbol,
		"price":  price,
	})
}

// handlePosition returns the exchange-reported position for the symbol
func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	if s.exchange == nil {
		http.Error(w, "exchange not configured", http.StatusServiceUnavailable)
		return
	}

	risk, err := s.exchange.GetPositionRisk(r.Context(), s.symbol)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, risk)
}

// handleComputeQty returns the hypothetical order size for the given sizing
// inputs. Missing parameters default to the engine's current state.
func (s *Server) handleComputeQty(w http.ResponseWriter, r *http.Request) {
	snap := s.engine.Snapshot()

	equity := queryDecimal(r, "equity", snap.Equity)
	marginPct := queryDecimal(r, "marginPct", snap.MarginPct)
	price := queryDecimal(r, "price", snap.Price)
	leverage := snap.Leverage
	if raw := r.URL.Query().Get("leverage"); raw != "" {
		if lev, err := decimal.NewFromString(raw); err == nil {
			leverage = int(lev.IntPart())
		}
	}

	writeJSON(w, http.StatusOK, s.engine.SizeOrder(equity, marginPct, leverage, price))
}

// handleOrder submits a real market order and waits for its resolution
func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Side string `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	// OpenReal resolves asynchronously with exactly one reply.
	done := make(chan Message, 1)
	s.engine.OpenReal(core.ParseSide(body.Side), func(eventType string, data interface{}) {
		done <- Message{Type: eventType, Data: data}
	})

	select {
	case msg := <-done:
		status := http.StatusOK
		if msg.Type == core.EventOrderError {
			status = http.StatusConflict
		}
		writeJSON(w, status, msg)
	case <-r.Context().Done():
		http.Error(w, "request cancelled", http.StatusRequestTimeout)
	}
}

// BroadcastMessage is a convenience method to broadcast messages
func (s *Server) BroadcastMessage(msgType string, data interface{}) {
	s.hub.Broadcast(Message{Type: msgType, Data: data})
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// GetHub returns the hub instance
func (s *Server) GetHub() *Hub {
	return s.hub
}

// SetRateLimit updates the IP-based rate limiting parameters
func (s *Server) SetRateLimit(limit float64, burst int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimit = rate.Limit(limit)
	s.rateBurst = burst

	// Clear existing limiters to apply new limits
	s.ipLimiters = sync.Map{}
}

// getRemoteIP extracts the client IP address
func (s *Server) getRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// getIPLimiter returns or creates a rate limiter for the given IP
func (s *Server) getIPLimiter(ip string) *rate.Limiter {
	if val, ok := s.ipLimiters.Load(ip); ok {
		return val.(*rate.Limiter)
	}

	newLimiter := rate.NewLimiter(s.rateLimit, s.rateBurst)

	// LoadOrStore handles the race when multiple requests arrive at once
	actual, _ := s.ipLimiters.LoadOrStore(ip, newLimiter)
	return actual.(*rate.Limiter)
}

func queryDecimal(r *http.Request, key string, fallback decimal.Decimal) decimal.Decimal {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fallback
	}
	return d
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
