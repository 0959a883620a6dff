// Package session binds room credentials to the relay transport: it
// encrypts outbound text, decrypts inbound ciphertext across PIN-rotation
// boundaries, and re-exposes the transport's event streams with plaintext
// payloads.
package session

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/behnamkhorsandian/DNSCloak/internal/crypto"
	"github.com/behnamkhorsandian/DNSCloak/internal/transport"
)

// keyCacheLimit caps the anchor→key cache. Key derivation costs 64 MiB of
// Argon2 work, so every successfully used key is kept; the cache is
// pruned oldest-anchor-first past this size.
const keyCacheLimit = 16

// Message is a decrypted chat message.
type Message struct {
	ID        string
	Sender    string
	Text      string
	Timestamp float64
}

// Controller drives one chat session: one set of credentials, one
// transport, one room.
type Controller struct {
	creds    crypto.RoomCredentials
	tr       *transport.Transport
	nickname string
	log      *slog.Logger

	keyMu sync.Mutex
	keys  map[int64]crypto.Key // key anchor (unix seconds) → derived key

	cbMu            sync.RWMutex
	onMessage       func(Message)
	onStateChange   func(transport.State)
	onMembersUpdate func([]string)
	onRoomExpire    func()

	// now is the clock; overridable in tests.
	now func() time.Time
}

// New wires a controller onto a transport. The transport's callbacks are
// claimed by the controller; register listeners on the controller instead.
func New(creds crypto.RoomCredentials, tr *transport.Transport, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		creds: creds,
		tr:    tr,
		log:   logger,
		keys:  make(map[int64]crypto.Key),
		now:   time.Now,
	}
	tr.SetOnMessage(c.handleCiphertext)
	tr.SetOnStateChange(func(s transport.State) { c.fireStateChange(s) })
	tr.SetOnMembersUpdate(func(members []string) { c.fireMembersUpdate(members) })
	tr.SetOnRoomExpire(func() { c.fireRoomExpire() })
	return c
}

// --- Callback setters ---

func (c *Controller) SetOnMessage(fn func(Message)) {
	c.cbMu.Lock()
	c.onMessage = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnStateChange(fn func(transport.State)) {
	c.cbMu.Lock()
	c.onStateChange = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnMembersUpdate(fn func([]string)) {
	c.cbMu.Lock()
	c.onMembersUpdate = fn
	c.cbMu.Unlock()
}

func (c *Controller) SetOnRoomExpire(fn func()) {
	c.cbMu.Lock()
	c.onRoomExpire = fn
	c.cbMu.Unlock()
}

// Credentials returns the session's room credentials.
func (c *Controller) Credentials() crypto.RoomCredentials {
	return c.creds
}

// State returns the transport's connection state.
func (c *Controller) State() transport.State {
	return c.tr.State()
}

// CurrentPIN returns the PIN in force right now and, in rotating mode,
// the seconds until it changes (0 in fixed mode).
func (c *Controller) CurrentPIN() (pin string, secondsLeft int) {
	now := c.now()
	pin = c.creds.CurrentPIN(now)
	if c.creds.Mode == crypto.ModeRotating {
		secondsLeft = crypto.TimeRemaining(now)
	}
	return pin, secondsLeft
}

// Create connects, registers the room under the credential fingerprint,
// and starts polling. The relay's created_at becomes the fixed-mode key
// anchor, so creator and joiners agree on it exactly.
func (c *Controller) Create(ctx context.Context, nickname string) (transport.RoomState, error) {
	if err := c.tr.Connect(ctx); err != nil {
		return transport.RoomState{}, err
	}
	state, err := c.tr.CreateRoom(ctx, c.creds.Fingerprint(), string(c.creds.Mode))
	if err != nil {
		return transport.RoomState{}, err
	}
	c.creds.CreatedAt = int64(state.CreatedAt)
	c.nickname = nickname
	c.tr.StartPolling(ctx)
	c.log.Info("room created", "room", c.creds.Fingerprint(), "mode", c.creds.Mode)
	return state, nil
}

// Join connects, enrolls in the room, and starts polling. Fails with
// transport.ErrRoomNotFound when the fingerprint is unknown to the relay.
func (c *Controller) Join(ctx context.Context, nickname string) (transport.RoomState, error) {
	if err := c.tr.Connect(ctx); err != nil {
		return transport.RoomState{}, err
	}
	state, err := c.tr.JoinRoom(ctx, c.creds.Fingerprint(), nickname)
	if err != nil {
		return transport.RoomState{}, err
	}
	// The relay's created_at is the key anchor shared with the creator.
	c.creds.CreatedAt = int64(state.CreatedAt)
	c.creds.Mode = crypto.Mode(state.Mode)
	c.nickname = nickname
	c.tr.StartPolling(ctx)
	return state, nil
}

// Send encrypts text under the key in force and queues it for delivery.
// The return value mirrors transport.Send: false means the message waits
// in the outbound queue for reconnection.
func (c *Controller) Send(text string) (bool, error) {
	anchor, pin := c.currentAnchor()
	key := c.keyForAnchor(anchor, pin)

	sealed, err := crypto.Encrypt([]byte(text), key)
	if err != nil {
		return false, fmt.Errorf("encrypt: %w", err)
	}
	return c.tr.Send(base64.StdEncoding.EncodeToString(sealed), c.nickname), nil
}

// Leave tears the session down. Safe to call repeatedly.
func (c *Controller) Leave() {
	c.tr.Leave()
}

// currentAnchor returns the key anchor and PIN in force right now.
func (c *Controller) currentAnchor() (int64, string) {
	if c.creds.Mode == crypto.ModeFixed {
		return c.creds.CreatedAt, c.creds.FixedPin
	}
	bucket := crypto.Bucket(c.now())
	return bucket * crypto.BucketSeconds, crypto.PINForBucket(c.creds.Emojis, bucket)
}

type anchorPIN struct {
	anchor int64
	pin    string
}

// candidateAnchors lists the anchors to try on inbound ciphertext. In
// rotating mode a message sealed just before a rotation arrives under the
// previous bucket's key, and clock skew can put a peer one bucket ahead,
// so current, previous, and next are all candidates.
func (c *Controller) candidateAnchors() []anchorPIN {
	if c.creds.Mode == crypto.ModeFixed {
		return []anchorPIN{{c.creds.CreatedAt, c.creds.FixedPin}}
	}
	bucket := crypto.Bucket(c.now())
	out := make([]anchorPIN, 0, 3)
	for _, b := range []int64{bucket, bucket - 1, bucket + 1} {
		out = append(out, anchorPIN{
			anchor: b * crypto.BucketSeconds,
			pin:    crypto.PINForBucket(c.creds.Emojis, b),
		})
	}
	return out
}

// keyForAnchor returns the cached key for an anchor, deriving and caching
// it on first use.
func (c *Controller) keyForAnchor(anchor int64, pin string) crypto.Key {
	c.keyMu.Lock()
	if key, ok := c.keys[anchor]; ok {
		c.keyMu.Unlock()
		return key
	}
	c.keyMu.Unlock()

	// Derivation is slow; do it outside the lock.
	key := crypto.DeriveKey(c.creds.Emojis, pin, anchor)

	c.keyMu.Lock()
	c.keys[anchor] = key
	if len(c.keys) > keyCacheLimit {
		oldest := anchor
		for a := range c.keys {
			if a < oldest {
				oldest = a
			}
		}
		delete(c.keys, oldest)
	}
	c.keyMu.Unlock()
	return key
}

// open base64-decodes and decrypts one inbound payload, trying every
// candidate anchor. ok is false when no key opens it.
func (c *Controller) open(content string) (plaintext []byte, ok bool) {
	sealed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, false
	}
	for _, cand := range c.candidateAnchors() {
		key := c.keyForAnchor(cand.anchor, cand.pin)
		if pt, opened := crypto.Decrypt(sealed, key); opened {
			return pt, true
		}
	}
	return nil, false
}

// handleCiphertext is the transport's message callback: decrypt and
// deliver, or drop silently. An undecryptable message means a key
// mismatch (wrong room generation, hostile injection); there is nothing
// useful to surface to the user.
func (c *Controller) handleCiphertext(m transport.Message) {
	pt, ok := c.open(m.Content)
	if !ok {
		c.log.Debug("dropping undecryptable message", "id", m.ID)
		return
	}
	c.cbMu.RLock()
	fn := c.onMessage
	c.cbMu.RUnlock()
	if fn != nil {
		fn(Message{
			ID:        m.ID,
			Sender:    m.Sender,
			Text:      string(pt),
			Timestamp: m.Timestamp,
		})
	}
}

func (c *Controller) fireStateChange(s transport.State) {
	c.cbMu.RLock()
	fn := c.onStateChange
	c.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Controller) fireMembersUpdate(members []string) {
	c.cbMu.RLock()
	fn := c.onMembersUpdate
	c.cbMu.RUnlock()
	if fn != nil {
		fn(members)
	}
}

func (c *Controller) fireRoomExpire() {
	c.cbMu.RLock()
	fn := c.onRoomExpire
	c.cbMu.RUnlock()
	if fn != nil {
		fn()
	}
}
