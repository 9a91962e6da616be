package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/alphawatch/internal/copytrade"
)

// ---------------------------------------------------------------------------
// Wallet Watcher — realtime buys via Helius transactionSubscribe
// Disconnected -> Connecting -> Subscribed, PermanentlyFailed on auth rejection
// ---------------------------------------------------------------------------

// ErrUnauthorized means the endpoint rejected the key or plan. The watcher
// stops for good when it sees it.
var ErrUnauthorized = errors.New("ws: unauthorized")

var errNoTargets = errors.New("ws: no solana watch targets")

var errTargetsChanged = errors.New("ws: solana watch targets changed")

// State is the connection state of the watcher.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StatePermanentlyFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StatePermanentlyFailed:
		return "PERMANENTLY_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Backoff is a doubling reconnect delay with a ceiling.
type Backoff struct {
	base time.Duration
	max  time.Duration
	next time.Duration
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{base: base, max: max, next: base}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Reset returns the next delay to the base.
func (b *Backoff) Reset() {
	b.next = b.base
}

// WatcherConfig configures the realtime watcher.
type WatcherConfig struct {
	Endpoint      string        `yaml:"endpoint"` // wss://... with api key; empty disables the stream
	ReconnectBase time.Duration `yaml:"reconnect_base"`
	ReconnectMax  time.Duration `yaml:"reconnect_max"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReceiveGrace  time.Duration `yaml:"receive_grace"` // added to PingInterval to form the receive timeout
	BufferSize    int           `yaml:"buffer_size"`
}

// DefaultWatcherConfig returns the production reconnect policy.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		ReconnectBase: 5 * time.Second,
		ReconnectMax:  300 * time.Second,
		PingInterval:  30 * time.Second,
		ReceiveGrace:  10 * time.Second,
		BufferSize:    256,
	}
}

// Watcher keeps one subscription covering every Solana watch target and
// emits parsed buys on a bounded channel. A change to the Solana targets in
// the registry triggers an immediate resubscription.
type Watcher struct {
	config   WatcherConfig
	registry *copytrade.Registry

	events chan copytrade.BuyEvent
	state  atomic.Int32
	now    func() time.Time

	mu       sync.Mutex
	onChange func(from, to State)

	nextID atomic.Int64

	messagesRecv atomic.Int64
	buysEmitted  atomic.Int64
	dropped      atomic.Int64
	malformed    atomic.Int64
	reconnects   atomic.Int64
	attempts     atomic.Int64
	liveness     atomic.Int64
	resubscribes atomic.Int64
}

// NewWatcher creates a watcher over the Solana targets of registry.
func NewWatcher(config WatcherConfig, registry *copytrade.Registry) *Watcher {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.ReceiveGrace <= 0 {
		config.ReceiveGrace = 10 * time.Second
	}
	if config.ReconnectBase <= 0 {
		config.ReconnectBase = 5 * time.Second
	}
	if config.ReconnectMax < config.ReconnectBase {
		config.ReconnectMax = config.ReconnectBase
	}
	return &Watcher{
		config:   config,
		registry: registry,
		events:   make(chan copytrade.BuyEvent, config.BufferSize),
		now:      time.Now,
	}
}

// Enabled reports whether an endpoint is configured.
func (w *Watcher) Enabled() bool { return w.config.Endpoint != "" }

// Events is closed when Run returns.
func (w *Watcher) Events() <-chan copytrade.BuyEvent { return w.events }

// State returns the current connection state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// SetOnStateChange registers a callback invoked on every transition, from
// the watcher goroutine.
func (w *Watcher) SetOnStateChange(fn func(from, to State)) {
	w.mu.Lock()
	w.onChange = fn
	w.mu.Unlock()
}

func (w *Watcher) setState(to State) {
	from := State(w.state.Swap(int32(to)))
	if from == to {
		return
	}
	log.Info().Str("from", from.String()).Str("to", to.String()).Msg("ws: state change")

	w.mu.Lock()
	fn := w.onChange
	w.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

// Run connects, subscribes and reads until ctx is cancelled or the endpoint
// rejects the credentials. It blocks; Events is closed on return.
func (w *Watcher) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("ws: runLoop panic recovered")
			w.setState(StateDisconnected)
		}
		close(w.events)
	}()

	if !w.Enabled() {
		log.Info().Msg("ws: no endpoint configured, stream disabled")
		return
	}

	backoff := NewBackoff(w.config.ReconnectBase, w.config.ReconnectMax)
	for {
		if ctx.Err() != nil {
			w.setState(StateDisconnected)
			return
		}

		err := w.session(ctx, backoff)

		if errors.Is(err, errTargetsChanged) && ctx.Err() == nil {
			w.resubscribes.Add(1)
			log.Info().Msg("ws: watch targets changed, resubscribing")
			continue
		}
		if errors.Is(err, ErrUnauthorized) {
			w.setState(StatePermanentlyFailed)
			log.Error().Err(err).Msg("ws: endpoint rejected credentials, stream disabled for this process")
			return
		}
		w.setState(StateDisconnected)
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next()
		w.reconnects.Add(1)
		log.Warn().Err(err).Dur("retry_in", delay).Msg("ws: disconnected, reconnecting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// session runs one connection from dial to the first read error.
func (w *Watcher) session(ctx context.Context, backoff *Backoff) error {
	w.setState(StateConnecting)
	w.attempts.Add(1)

	version := w.registry.Version()
	targets := w.registry.Targets("solana")
	if len(targets) == 0 {
		return errNoTargets
	}

	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	subID, err := w.subscribe(conn, targets)
	if err != nil {
		return err
	}

	backoff.Reset()
	w.setState(StateSubscribed)
	log.Info().Int("wallets", len(targets)).Msg("ws: subscribed to wallet transactions")

	watched := make(map[string]copytrade.WatchTarget, len(targets))
	for _, t := range targets {
		watched[copytrade.NormalizeAddress(t.Address)] = t
	}
	return w.readLoop(ctx, conn, subID, watched, version)
}

func (w *Watcher) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, w.config.Endpoint, http.Header{})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial: %w", err)
	}
	return conn, nil
}

func (w *Watcher) subscribe(conn *websocket.Conn, targets []copytrade.WatchTarget) (int64, error) {
	addrs := make([]string, 0, len(targets))
	for _, t := range targets {
		addrs = append(addrs, t.Address)
	}

	id := w.nextID.Add(1)
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "transactionSubscribe",
		Params: []any{
			map[string]any{"accountInclude": addrs},
			map[string]any{
				"commitment":                     "confirmed",
				"encoding":                       "jsonParsed",
				"transactionDetails":             "full",
				"maxSupportedTransactionVersion": 0,
			},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return 0, fmt.Errorf("ws: write subscribe: %w", err)
	}
	return id, nil
}

// readLoop reads until error. A receive timeout (PingInterval+ReceiveGrace
// without any inbound frame or pong) sends a liveness ping and keeps the
// connection; only a second silent window drops it. Gorilla read errors are
// permanent for a connection, so the read deadline is armed at two windows
// and keepalive does the pinging.
func (w *Watcher) readLoop(ctx context.Context, conn *websocket.Conn, subID int64, watched map[string]copytrade.WatchTarget, version int64) error {
	window := w.config.PingInterval + w.config.ReceiveGrace

	var last atomic.Int64
	touch := func() {
		now := time.Now()
		last.Store(now.UnixNano())
		conn.SetReadDeadline(now.Add(2 * window))
	}
	touch()
	conn.SetPongHandler(func(string) error {
		touch()
		return nil
	})

	var changed atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go w.keepalive(conn, done, &last, window, version, watched, &changed)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if changed.Load() {
				return errTargetsChanged
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return fmt.Errorf("ws: closed by server: %w", err)
			}
			return fmt.Errorf("ws: read: %w", err)
		}
		touch()
		w.messagesRecv.Add(1)

		if err := w.handleMessage(message, subID, watched); err != nil {
			return err
		}
	}
}

// keepalive pings every PingInterval, sends a liveness ping once per silent
// window, and closes the connection when the Solana targets change so the
// session resubscribes.
func (w *Watcher) keepalive(conn *websocket.Conn, done <-chan struct{}, last *atomic.Int64, window time.Duration, version int64, watched map[string]copytrade.WatchTarget, changed *atomic.Bool) {
	ping := time.NewTicker(w.config.PingInterval)
	defer ping.Stop()
	check := time.NewTicker(window / 4)
	defer check.Stop()

	send := func() bool {
		if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
			log.Debug().Err(err).Msg("ws: ping failed")
			return false
		}
		return true
	}

	var probed int64
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if !send() {
				return
			}
		case <-check.C:
			if v := w.registry.Version(); v != version {
				version = v
				if w.targetsChanged(watched) {
					changed.Store(true)
					conn.Close()
					return
				}
			}
			l := last.Load()
			if l == probed || time.Since(time.Unix(0, l)) < window {
				continue
			}
			probed = l
			w.liveness.Add(1)
			log.Debug().Dur("silent_for", time.Since(time.Unix(0, l))).Msg("ws: receive timeout, sending liveness ping")
			if !send() {
				return
			}
		}
	}
}

// targetsChanged compares the registry's Solana targets with the set this
// connection subscribed to.
func (w *Watcher) targetsChanged(subscribed map[string]copytrade.WatchTarget) bool {
	current := w.registry.Targets("solana")
	if len(current) != len(subscribed) {
		return true
	}
	for _, t := range current {
		if _, ok := subscribed[copytrade.NormalizeAddress(t.Address)]; !ok {
			return true
		}
	}
	return false
}

// handleMessage returns an error only when the connection must be dropped.
// Malformed frames are counted and ignored.
func (w *Watcher) handleMessage(data []byte, subID int64, watched map[string]copytrade.WatchTarget) error {
	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		w.malformed.Add(1)
		log.Debug().Err(err).Msg("ws: malformed frame dropped")
		return nil
	}

	if env.Error != nil {
		if isEntitlementError(env.Error) {
			return fmt.Errorf("%w: %s", ErrUnauthorized, env.Error.Message)
		}
		if env.ID != nil && *env.ID == subID {
			return fmt.Errorf("ws: subscribe rejected: %d %s", env.Error.Code, env.Error.Message)
		}
		log.Warn().Int("code", env.Error.Code).Str("message", env.Error.Message).Msg("ws: rpc error")
		return nil
	}

	if env.Method != "transactionNotification" || env.Params == nil {
		if env.ID != nil && *env.ID == subID {
			log.Debug().Str("result", string(env.Result)).Msg("ws: subscription confirmed")
		}
		return nil
	}

	buys, err := parseNotification(env.Params.Result, watched, w.now())
	if err != nil {
		w.malformed.Add(1)
		log.Debug().Err(err).Msg("ws: unparseable notification dropped")
		return nil
	}
	for _, b := range buys {
		select {
		case w.events <- b:
			w.buysEmitted.Add(1)
			log.Info().
				Str("wallet", copytrade.ShortAddr(b.Wallet)).
				Str("token", copytrade.ShortAddr(b.Token)).
				Str("amount", b.Amount.String()).
				Msg("ws: buy detected")
		default:
			w.dropped.Add(1)
			log.Warn().Msg("ws: event channel full, dropping buy")
		}
	}
	return nil
}

// WatcherStats are cumulative watcher counters.
type WatcherStats struct {
	State        string `json:"state"`
	Attempts     int64  `json:"connect_attempts"`
	Reconnects   int64  `json:"reconnects"`
	MessagesRecv int64  `json:"messages_recv"`
	BuysEmitted  int64  `json:"buys_emitted"`
	Dropped      int64  `json:"dropped"`
	Malformed    int64  `json:"malformed"`
	Liveness     int64  `json:"liveness_pings"`
	Resubscribes int64  `json:"resubscribes"`
}

func (w *Watcher) Stats() WatcherStats {
	return WatcherStats{
		State:        w.State().String(),
		Attempts:     w.attempts.Load(),
		Reconnects:   w.reconnects.Load(),
		MessagesRecv: w.messagesRecv.Load(),
		BuysEmitted:  w.buysEmitted.Load(),
		Dropped:      w.dropped.Load(),
		Malformed:    w.malformed.Load(),
		Liveness:     w.liveness.Load(),
		Resubscribes: w.resubscribes.Load(),
	}
}
