// Package transport is the client-side session transport: an HTTP client
// that reaches the relay either through the local DNS-tunnel SOCKS5 proxy
// or directly, survives link loss with exponential backoff, queues
// outgoing ciphertext during outages, and drives the incremental message
// poll.
//
// Concurrency model: one long-lived poll goroutine per session owns all
// mutable transfer state. User-facing Send only enqueues onto a mailbox
// channel the poll goroutine drains; there is never more than one
// in-flight HTTP request per session.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// State is the connection state machine position.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Timing constants for the transport loop.
const (
	defaultPollInterval = 1500 * time.Millisecond

	backoffInitial    = 1 * time.Second
	backoffMax        = 30 * time.Second
	backoffMultiplier = 2

	// queueMaxAge bounds how long a queued outbound message stays
	// deliverable. Entries older than this are discarded on drain.
	queueMaxAge = 300 * time.Second

	// connectTimeout covers a whole request; connectPhaseTimeout covers
	// the TCP/SOCKS dial; probeTimeout is the budget for the initial
	// /health probe through the tunnel.
	connectTimeout      = 10 * time.Second
	connectPhaseTimeout = 5 * time.Second
	probeTimeout        = 3 * time.Second

	// leaveTimeout bounds the best-effort leave request during teardown.
	leaveTimeout = 2 * time.Second

	// sendQueueCapacity is the mailbox size. A full mailbox rejects the
	// send outright; at one message per keystroke this is never hit in
	// practice.
	sendQueueCapacity = 256
)

const (
	// DefaultRelay is the public relay reachable without the tunnel.
	DefaultRelay = "relay.dnscloak.net:8899"

	// defaultSocksAddr is where the local dnstt client exposes SOCKS5.
	defaultSocksAddr = "127.0.0.1:10800"
)

var (
	// ErrRoomExists maps HTTP 409 from room creation.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound maps HTTP 404: the room is absent or expired.
	ErrRoomNotFound = errors.New("room not found")

	// ErrInvalidRequest maps HTTP 400.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidKey maps HTTP 401, reserved for a future PIN challenge.
	ErrInvalidKey = errors.New("invalid room key")
)

// RateLimitedError maps HTTP 429. The caller must wait RetryAfter seconds
// before retrying.
type RateLimitedError struct {
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %ds", e.RetryAfter)
}

// Message is one relayed entry as seen by the client. Content is still
// base64 ciphertext at this layer.
type Message struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// RoomState is the relay's view of a room, returned on create and join.
type RoomState struct {
	RoomHash      string   `json:"room_hash"`
	Mode          string   `json:"mode"`
	CreatedAt     float64  `json:"created_at"`
	ExpiresAt     float64  `json:"expires_at"`
	MemberID      string   `json:"member_id"`
	Members       []string `json:"members"`
	MessageCount  int      `json:"message_count"`
	LastMessageTS float64  `json:"last_message_ts"`
}

// RoomInfo is the read-only projection from GET /room/{fp}/info.
type RoomInfo struct {
	RoomHash      string   `json:"room_hash"`
	Mode          string   `json:"mode"`
	CreatedAt     float64  `json:"created_at"`
	ExpiresAt     float64  `json:"expires_at"`
	Members       []string `json:"members"`
	MessageCount  int      `json:"message_count"`
	TimeRemaining int      `json:"time_remaining"`
}

type queuedMessage struct {
	content  string
	sender   string
	queuedAt time.Time
}

// Config controls a Transport. Zero values pick the defaults above, so
// Config{} is a working production configuration.
type Config struct {
	// RelayAddr is "host:port" of the relay. Default: SOS_RELAY_HOST env
	// or DefaultRelay.
	RelayAddr string

	// SocksAddr is the local SOCKS5 proxy. Default 127.0.0.1:10800.
	SocksAddr string

	// UseDirect skips the SOCKS probe entirely. Default: SOS_USE_DIRECT
	// env == "1".
	UseDirect bool

	// PollInterval overrides the 1.5 s poll cadence (tests).
	PollInterval time.Duration

	Logger *slog.Logger
}

// RelayAddrFromEnv resolves the relay address: SOS_RELAY_HOST (host or
// host:port) falling back to DefaultRelay.
func RelayAddrFromEnv() string {
	addr := strings.TrimSpace(os.Getenv("SOS_RELAY_HOST"))
	if addr == "" {
		return DefaultRelay
	}
	if !strings.Contains(addr, ":") {
		addr += ":8899"
	}
	return addr
}

// Transport is the client connection state machine.
type Transport struct {
	cfg     Config
	baseURL string
	log     *slog.Logger

	mu            sync.Mutex
	state         State
	client        *http.Client
	roomHash      string
	memberID      string
	lastMessageTS float64

	// sendCh is the mailbox: user sends enqueue, the poll goroutine
	// drains. pending holds entries the poll goroutine pulled but could
	// not deliver; it is touched only by that goroutine.
	sendCh  chan queuedMessage
	pending []queuedMessage

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	cbMu            sync.RWMutex
	onMessage       func(Message)
	onStateChange   func(State)
	onMembersUpdate func([]string)
	onRoomExpire    func()

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New creates a disconnected Transport.
func New(cfg Config) *Transport {
	if cfg.RelayAddr == "" {
		cfg.RelayAddr = RelayAddrFromEnv()
	}
	if cfg.SocksAddr == "" {
		cfg.SocksAddr = defaultSocksAddr
	}
	if !cfg.UseDirect {
		cfg.UseDirect = os.Getenv("SOS_USE_DIRECT") == "1"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{
		cfg:     cfg,
		baseURL: "http://" + cfg.RelayAddr,
		log:     cfg.Logger,
		state:   StateDisconnected,
		sendCh:  make(chan queuedMessage, sendQueueCapacity),
		now:     time.Now,
	}
}

// --- Callback setters ---

func (t *Transport) SetOnMessage(fn func(Message)) {
	t.cbMu.Lock()
	t.onMessage = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnStateChange(fn func(State)) {
	t.cbMu.Lock()
	t.onStateChange = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnMembersUpdate(fn func([]string)) {
	t.cbMu.Lock()
	t.onMembersUpdate = fn
	t.cbMu.Unlock()
}

func (t *Transport) SetOnRoomExpire(fn func()) {
	t.cbMu.Lock()
	t.onRoomExpire = fn
	t.cbMu.Unlock()
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MemberID returns the relay-issued roster token, or "" before join.
func (t *Transport) MemberID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memberID
}

// LastMessageTS returns the newest observed message timestamp.
func (t *Transport) LastMessageTS() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastMessageTS
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	changed := t.state != s
	t.state = s
	t.mu.Unlock()
	if !changed {
		return
	}
	t.cbMu.RLock()
	fn := t.onStateChange
	t.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// newHTTPClient builds the relay client. Unless direct mode is forced it
// first tries the SOCKS5 tunnel and probes /health through it; any
// failure falls through to a plain HTTP client.
func (t *Transport) newHTTPClient(ctx context.Context) *http.Client {
	if !t.cfg.UseDirect {
		if c := t.trySocksClient(ctx); c != nil {
			return c
		}
	}
	return &http.Client{
		Timeout: connectTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectPhaseTimeout}).DialContext,
		},
	}
}

func (t *Transport) trySocksClient(ctx context.Context) *http.Client {
	dialer, err := proxy.SOCKS5("tcp", t.cfg.SocksAddr, nil, &net.Dialer{Timeout: connectPhaseTimeout})
	if err != nil {
		return nil
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil
	}
	client := &http.Client{
		Timeout:   connectTimeout,
		Transport: &http.Transport{DialContext: cd.DialContext},
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return nil
	}
	resp, err := client.Do(req)
	if err != nil {
		client.CloseIdleConnections()
		return nil
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
	t.log.Debug("using SOCKS5 tunnel", "addr", t.cfg.SocksAddr)
	return client
}

// Connect brings the transport up: builds the HTTP client (SOCKS probe
// first, direct fallback) and verifies the relay answers /health. On
// failure the state machine lands in Error.
func (t *Transport) Connect(ctx context.Context) error {
	t.setState(StateConnecting)

	client := t.newHTTPClient(ctx)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		t.setState(StateError)
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		t.setState(StateError)
		return fmt.Errorf("relay unreachable: %w", err)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.setState(StateConnected)
	return nil
}

// reconnect re-establishes the HTTP client while preserving all session
// state (room fingerprint, member id, last_message_ts).
func (t *Transport) reconnect(ctx context.Context) bool {
	client := t.newHTTPClient(ctx)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	return true
}

// doJSON issues one JSON request and decodes the response body into out
// (when non-nil). Transport-level failures come back as errors; HTTP
// status is always returned for the caller to interpret.
func (t *Transport) doJSON(ctx context.Context, method, path string, body, out any) (int, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return 0, errors.New("not connected")
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
		return resp.StatusCode, nil
	}

	// Drain non-200 bodies for the error tag where one matters.
	if resp.StatusCode == http.StatusTooManyRequests {
		var e struct {
			RetryAfter int `json:"retry_after"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return resp.StatusCode, &RateLimitedError{RetryAfter: e.RetryAfter}
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return resp.StatusCode, nil
}

// CreateRoom registers a fresh room under roomHash and enrolls the caller
// as creator.
func (t *Transport) CreateRoom(ctx context.Context, roomHash, mode string) (RoomState, error) {
	var state RoomState
	status, err := t.doJSON(ctx, http.MethodPost, "/room",
		map[string]string{"room_hash": roomHash, "mode": mode}, &state)
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return RoomState{}, err
		}
		t.setState(StateReconnecting)
		return RoomState{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusConflict:
		return RoomState{}, ErrRoomExists
	case http.StatusBadRequest:
		return RoomState{}, ErrInvalidRequest
	default:
		return RoomState{}, fmt.Errorf("create room: unexpected status %d", status)
	}

	t.mu.Lock()
	t.roomHash = roomHash
	t.memberID = state.MemberID
	t.lastMessageTS = 0
	t.mu.Unlock()
	return state, nil
}

// JoinRoom enrolls in an existing room and primes last_message_ts so the
// first poll returns only unseen history.
func (t *Transport) JoinRoom(ctx context.Context, roomHash, nickname string) (RoomState, error) {
	var state RoomState
	status, err := t.doJSON(ctx, http.MethodPost, "/room/"+roomHash+"/join",
		map[string]string{"nickname": nickname}, &state)
	if err != nil {
		t.setState(StateReconnecting)
		return RoomState{}, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return RoomState{}, ErrRoomNotFound
	case http.StatusUnauthorized:
		return RoomState{}, ErrInvalidKey
	default:
		return RoomState{}, fmt.Errorf("join room: unexpected status %d", status)
	}

	t.mu.Lock()
	t.roomHash = roomHash
	t.memberID = state.MemberID
	t.lastMessageTS = state.LastMessageTS
	t.mu.Unlock()
	return state, nil
}

// Send queues a ciphertext payload for delivery by the poll goroutine.
// The return value reports whether the transport is currently connected;
// false means the message sits in the queue until reconnection (or until
// it ages out after 300 s).
func (t *Transport) Send(content, sender string) bool {
	qm := queuedMessage{content: content, sender: sender, queuedAt: t.now()}
	select {
	case t.sendCh <- qm:
	default:
		t.log.Warn("send queue full, dropping message")
		return false
	}
	return t.State() == StateConnected
}

// RoomInfo fetches the read-only room projection.
func (t *Transport) RoomInfo(ctx context.Context) (RoomInfo, error) {
	t.mu.Lock()
	hash := t.roomHash
	t.mu.Unlock()
	if hash == "" {
		return RoomInfo{}, ErrRoomNotFound
	}

	var info RoomInfo
	status, err := t.doJSON(ctx, http.MethodGet, "/room/"+hash+"/info", nil, &info)
	if err != nil {
		return RoomInfo{}, err
	}
	if status == http.StatusNotFound {
		return RoomInfo{}, ErrRoomNotFound
	}
	if status != http.StatusOK {
		return RoomInfo{}, fmt.Errorf("room info: unexpected status %d", status)
	}
	return info, nil
}

// StartPolling launches the poll goroutine. It runs until Leave or ctx
// cancellation.
func (t *Transport) StartPolling(ctx context.Context) {
	pollCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	t.mu.Lock()
	if t.pollCancel != nil {
		t.pollCancel()
	}
	t.pollCancel = cancel
	t.pollDone = done
	t.mu.Unlock()

	go t.pollLoop(pollCtx, done)
}

// pollLoop is the single owner of the transfer cycle: poll, deliver,
// drain queue, back off on failure. Liveness outranks any single
// iteration: unexpected errors are logged and the loop continues.
func (t *Transport) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := backoffInitial

	for {
		switch t.State() {
		case StateConnected:
			roomGone, transportErr := t.pollOnce(ctx)
			if roomGone {
				t.fireRoomExpire()
				return
			}
			if transportErr {
				t.setState(StateReconnecting)
			} else {
				t.drainQueue(ctx)
				backoff = backoffInitial
			}

		case StateReconnecting:
			if t.reconnect(ctx) {
				t.setState(StateConnected)
				continue
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= backoffMultiplier
			if backoff > backoffMax {
				backoff = backoffMax
			}

		case StateDisconnected, StateError:
			return
		}

		if !sleepCtx(ctx, t.cfg.PollInterval) {
			return
		}
	}
}

// sleepCtx sleeps for d, returning false when ctx is cancelled first.
// This is the cooperative cancellation point of the poll task.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// pollOnce fetches messages newer than last_message_ts and fires the
// delivery callbacks. roomGone reports a 404 (permanent room loss);
// transportErr reports a link failure that should trigger reconnection.
func (t *Transport) pollOnce(ctx context.Context) (roomGone, transportErr bool) {
	t.mu.Lock()
	hash := t.roomHash
	memberID := t.memberID
	since := t.lastMessageTS
	t.mu.Unlock()
	if hash == "" {
		return false, false
	}

	path := fmt.Sprintf("/room/%s/poll?since=%s&member_id=%s",
		hash, url.QueryEscape(formatTS(since)), url.QueryEscape(memberID))

	var res struct {
		Messages  []Message `json:"messages"`
		Members   []string  `json:"members"`
		ExpiresAt float64   `json:"expires_at"`
	}
	status, err := t.doJSON(ctx, http.MethodGet, path, nil, &res)
	if err != nil {
		return false, true
	}
	if status == http.StatusNotFound {
		return true, false
	}
	if status != http.StatusOK {
		return false, false
	}

	t.cbMu.RLock()
	onMessage := t.onMessage
	onMembers := t.onMembersUpdate
	t.cbMu.RUnlock()

	maxTS := since
	for _, m := range res.Messages {
		if onMessage != nil {
			onMessage(m)
		}
		if m.Timestamp > maxTS {
			maxTS = m.Timestamp
		}
	}
	if maxTS > since {
		t.mu.Lock()
		t.lastMessageTS = maxTS
		t.mu.Unlock()
	}

	if onMembers != nil && len(res.Members) > 0 {
		onMembers(res.Members)
	}

	if res.ExpiresAt > 0 && float64(t.now().UnixNano())/1e9 > res.ExpiresAt {
		return true, false
	}
	return false, false
}

// formatTS renders a float timestamp without scientific notation so the
// relay's ParseFloat on the other side always succeeds.
func formatTS(f float64) string {
	return fmt.Sprintf("%f", f)
}

// drainQueue delivers pending and newly queued messages oldest-first,
// discarding entries past queueMaxAge. A transport failure re-queues the
// current entry and flips the state to Reconnecting.
func (t *Transport) drainQueue(ctx context.Context) {
	for {
		select {
		case qm := <-t.sendCh:
			t.pending = append(t.pending, qm)
			continue
		default:
		}
		break
	}

	for len(t.pending) > 0 {
		qm := t.pending[0]
		t.pending = t.pending[1:]

		if t.now().Sub(qm.queuedAt) > queueMaxAge {
			continue
		}
		if !t.sendNow(ctx, qm) {
			t.pending = append([]queuedMessage{qm}, t.pending...)
			t.setState(StateReconnecting)
			return
		}
	}
}

// sendNow performs the actual POST /send for one queued entry.
func (t *Transport) sendNow(ctx context.Context, qm queuedMessage) bool {
	t.mu.Lock()
	hash := t.roomHash
	memberID := t.memberID
	t.mu.Unlock()
	if hash == "" {
		return true // no room: drop silently, nothing to retry against
	}

	status, err := t.doJSON(ctx, http.MethodPost, "/room/"+hash+"/send", map[string]string{
		"content":   qm.content,
		"sender":    qm.sender,
		"member_id": memberID,
	}, nil)
	if err != nil {
		return false
	}
	// A definitive rejection is final; retrying the same payload cannot
	// succeed. 404 additionally means the room is gone, which the poll
	// side surfaces. Only transport-level failures report false.
	if status >= 400 && status < 500 {
		t.log.Warn("relay rejected queued message, dropping", "status", status)
		return true
	}
	return status == http.StatusOK
}

func (t *Transport) fireRoomExpire() {
	t.cbMu.RLock()
	fn := t.onRoomExpire
	t.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Leave tears the session down: cancels the poll task, issues a
// best-effort leave, releases the HTTP client, and returns the machine to
// Disconnected. It never fails.
func (t *Transport) Leave() {
	t.mu.Lock()
	cancel := t.pollCancel
	done := t.pollDone
	t.pollCancel = nil
	t.pollDone = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	t.mu.Lock()
	client := t.client
	hash := t.roomHash
	memberID := t.memberID
	t.roomHash = ""
	t.memberID = ""
	t.mu.Unlock()

	if client != nil && hash != "" {
		ctx, cancelLeave := context.WithTimeout(context.Background(), leaveTimeout)
		_, _ = t.doJSON(ctx, http.MethodPost, "/room/"+hash+"/leave",
			map[string]string{"member_id": memberID}, nil)
		cancelLeave()
	}
	if client != nil {
		client.CloseIdleConnections()
	}

	t.mu.Lock()
	t.client = nil
	t.lastMessageTS = 0
	t.mu.Unlock()
	t.setState(StateDisconnected)
}
