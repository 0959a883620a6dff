// Package relay implements the stateful message relay: an ephemeral room
// registry with bounded memory, per-IP rate limiting, background expiry,
// and the HTTP surface clients poll through the DNS tunnel.
//
// The relay only ever sees opaque room fingerprints and base64 ciphertext;
// room identifiers, PINs, and plaintext never reach it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

var (
	// ErrRoomExists is returned when creating a room whose fingerprint is
	// already registered and not yet expired.
	ErrRoomExists = errors.New("room already exists")

	// ErrRoomNotFound is returned when a room is absent or expired.
	ErrRoomNotFound = errors.New("room not found")
)

// Message is one relayed ciphertext entry. Content is opaque base64; the
// relay never interprets it.
type Message struct {
	ID        string  `json:"id"`
	Sender    string  `json:"sender"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// Room is the server-side session state for one fingerprint.
type Room struct {
	RoomHash  string            `json:"room_hash"`
	Mode      string            `json:"mode"`
	CreatedAt float64           `json:"created_at"`
	ExpiresAt float64           `json:"expires_at"`
	Members   map[string]string `json:"members"` // member id → nickname
	Messages  []Message         `json:"messages"`
}

// clone deep-copies a room so it can be persisted or returned without
// holding the registry lock.
func (r *Room) clone() *Room {
	cp := *r
	cp.Members = make(map[string]string, len(r.Members))
	for id, nick := range r.Members {
		cp.Members[id] = nick
	}
	cp.Messages = append([]Message(nil), r.Messages...)
	return &cp
}

func (r *Room) memberNames() []string {
	names := make([]string, 0, len(r.Members))
	for _, nick := range r.Members {
		names = append(names, nick)
	}
	return names
}

func (r *Room) lastMessageTS() float64 {
	if len(r.Messages) == 0 {
		return 0
	}
	return r.Messages[len(r.Messages)-1].Timestamp
}

// Store persists rooms so they survive a relay restart within their TTL.
// The in-memory registry is authoritative; the store is write-behind.
type Store interface {
	Save(room *Room) error
	Delete(roomHash string) error
	LoadAll() ([]*Room, error)
}

// Purger is implemented by stores that can bulk-delete expired rows.
// Restore uses it to clear stale rooms in one pass before loading.
type Purger interface {
	PurgeExpired(now float64) (int64, error)
}

// RoomSnapshot is a point-in-time read-only projection of a room.
type RoomSnapshot struct {
	RoomHash      string
	Mode          string
	CreatedAt     float64
	ExpiresAt     float64
	Members       []string
	MessageCount  int
	LastMessageTS float64
	TimeRemaining int
}

// PollResult is the snapshot returned to a polling client.
type PollResult struct {
	Messages     []Message
	Members      []string
	ExpiresAt    float64
	MessageCount int
}

// Registry owns all room state, the rate limiter, and the expiry sweeper.
// Handlers receive it by reference; there are no package-level singletons.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	limiter *RateLimiter
	store   Store // nil when persistence is disabled
	log     *slog.Logger

	// now is the clock; overridable in tests.
	now func() time.Time
}

// NewRegistry creates an empty registry. st may be nil for memory-only
// operation.
func NewRegistry(st Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		rooms: make(map[string]*Room),
		store: st,
		log:   logger,
		now:   time.Now,
	}
	r.limiter = NewRateLimiter()
	r.limiter.now = func() time.Time { return r.now() }
	return r
}

// Limiter exposes the registry's rate limiter to the HTTP layer.
func (r *Registry) Limiter() *RateLimiter { return r.limiter }

func (r *Registry) nowUnix() float64 {
	return float64(r.now().UnixNano()) / float64(time.Second)
}

// Restore loads persisted rooms into memory, evicting anything expired or
// malformed. Called once at startup, before the registry serves requests.
func (r *Registry) Restore() error {
	if r.store == nil {
		return nil
	}
	now := r.nowUnix()
	if p, ok := r.store.(Purger); ok {
		n, err := p.PurgeExpired(now)
		if err != nil {
			r.log.Error("purge expired rooms", "err", err)
		} else if n > 0 {
			r.log.Info("purged expired rooms", "count", n)
		}
	}

	rooms, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load persisted rooms: %w", err)
	}
	for _, room := range rooms {
		switch {
		case room.RoomHash == "" || room.ExpiresAt <= room.CreatedAt:
			// Malformed record: log, evict, keep serving.
			r.log.Warn("evicting malformed persisted room", "room", room.RoomHash)
			if err := r.store.Delete(room.RoomHash); err != nil {
				r.log.Error("delete malformed room", "room", room.RoomHash, "err", err)
			}
		case now > room.ExpiresAt:
			if err := r.store.Delete(room.RoomHash); err != nil {
				r.log.Error("delete expired room", "room", room.RoomHash, "err", err)
			}
		default:
			if room.Members == nil {
				room.Members = make(map[string]string)
			}
			r.mu.Lock()
			r.rooms[room.RoomHash] = room
			r.mu.Unlock()
		}
	}
	r.log.Info("restored rooms", "count", r.RoomCount())
	return nil
}

// Run drives the expiry sweeper until ctx is cancelled. The sweeper's only
// job is bounding memory for rooms nobody polls; access paths evict lazily.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts every expired room. Store deletes happen after the lock is
// released; the sweeper does no I/O while holding it.
func (r *Registry) sweep() {
	now := r.nowUnix()

	r.mu.Lock()
	var expired []string
	for hash, room := range r.rooms {
		if now > room.ExpiresAt {
			expired = append(expired, hash)
			delete(r.rooms, hash)
		}
	}
	r.mu.Unlock()

	for _, hash := range expired {
		r.log.Info("swept expired room", "room", hash)
		if r.store != nil {
			if err := r.store.Delete(hash); err != nil {
				r.log.Error("delete swept room", "room", hash, "err", err)
			}
		}
	}
}

// getRoom returns the live room for hash, evicting it first when expired.
// Caller must hold r.mu. The returned eviction hash is non-empty when a
// store delete should happen after unlock.
func (r *Registry) getRoomLocked(hash string) (room *Room, evict string) {
	room, ok := r.rooms[hash]
	if !ok {
		return nil, ""
	}
	if r.nowUnix() > room.ExpiresAt {
		delete(r.rooms, hash)
		return nil, hash
	}
	return room, ""
}

// persist writes a room copy to the backing store, if one is attached.
func (r *Registry) persist(cp *Room) {
	if r.store == nil || cp == nil {
		return
	}
	if err := r.store.Save(cp); err != nil {
		r.log.Error("persist room", "room", cp.RoomHash, "err", err)
	}
}

func (r *Registry) storeDelete(hash string) {
	if r.store == nil || hash == "" {
		return
	}
	if err := r.store.Delete(hash); err != nil {
		r.log.Error("delete room", "room", hash, "err", err)
	}
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// newMemberID issues a random 8-hex-char roster token, unique within room.
func newMemberID(room *Room) string {
	for {
		id := uuid.NewString()[:memberIDLength]
		if _, taken := room.Members[id]; !taken {
			return id
		}
	}
}

func newMessageID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:messageIDLength]
}

// sanitizeNickname trims, strips control characters, caps the result at
// nicknameMaxRunes code points, and falls back to "anon".
func sanitizeNickname(nick string) string {
	nick = strings.TrimSpace(nick)
	nick = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, nick)
	runes := []rune(nick)
	if len(runes) > nicknameMaxRunes {
		nick = string(runes[:nicknameMaxRunes])
	}
	if nick == "" {
		return "anon"
	}
	return nick
}

// Create registers a new room and enrolls the caller as "creator".
// Returns ErrRoomExists when a live room already holds the fingerprint.
func (r *Registry) Create(roomHash, mode string) (RoomSnapshot, string, error) {
	r.mu.Lock()
	existing, evict := r.getRoomLocked(roomHash)
	if existing != nil {
		r.mu.Unlock()
		return RoomSnapshot{}, "", ErrRoomExists
	}

	now := r.nowUnix()
	room := &Room{
		RoomHash:  roomHash,
		Mode:      mode,
		CreatedAt: now,
		ExpiresAt: now + roomTTL.Seconds(),
		Members:   make(map[string]string),
	}
	memberID := newMemberID(room)
	room.Members[memberID] = "creator"
	r.rooms[roomHash] = room
	cp := room.clone()
	r.mu.Unlock()

	r.storeDelete(evict)
	r.persist(cp)
	r.log.Info("room created", "room", roomHash, "mode", mode)
	return r.snapshot(cp), memberID, nil
}

// Join enrolls a new member and returns the room state they need to start
// polling.
func (r *Registry) Join(roomHash, nickname string) (RoomSnapshot, string, error) {
	r.mu.Lock()
	room, evict := r.getRoomLocked(roomHash)
	if room == nil {
		r.mu.Unlock()
		r.storeDelete(evict)
		return RoomSnapshot{}, "", ErrRoomNotFound
	}

	memberID := newMemberID(room)
	room.Members[memberID] = sanitizeNickname(nickname)
	cp := room.clone()
	r.mu.Unlock()

	r.persist(cp)
	return r.snapshot(cp), memberID, nil
}

// Append stores a ciphertext message with a server-assigned id and a
// monotone-non-decreasing timestamp. When memberID resolves to a roster
// entry the stored sender is the roster nickname; otherwise the
// client-supplied sender string is kept verbatim (display hint only).
func (r *Registry) Append(roomHash, content, sender, memberID string) (Message, error) {
	r.mu.Lock()
	room, evict := r.getRoomLocked(roomHash)
	if room == nil {
		r.mu.Unlock()
		r.storeDelete(evict)
		return Message{}, ErrRoomNotFound
	}

	if nick, ok := room.Members[memberID]; memberID != "" && ok {
		sender = nick
	}

	ts := r.nowUnix()
	if last := room.lastMessageTS(); ts < last {
		ts = last
	}
	msg := Message{
		ID:        newMessageID(),
		Sender:    sender,
		Content:   content,
		Timestamp: ts,
	}
	room.Messages = append(room.Messages, msg)
	if len(room.Messages) > maxMessages {
		room.Messages = append([]Message(nil), room.Messages[len(room.Messages)-maxMessages:]...)
	}
	cp := room.clone()
	r.mu.Unlock()

	r.persist(cp)
	return msg, nil
}

// Poll returns every message with timestamp strictly greater than since,
// plus the current roster and expiry. since=0 returns the full log.
func (r *Registry) Poll(roomHash string, since float64) (PollResult, error) {
	r.mu.Lock()
	room, evict := r.getRoomLocked(roomHash)
	if room == nil {
		r.mu.Unlock()
		r.storeDelete(evict)
		return PollResult{}, ErrRoomNotFound
	}

	var msgs []Message
	for _, m := range room.Messages {
		if m.Timestamp > since {
			msgs = append(msgs, m)
		}
	}
	res := PollResult{
		Messages:     msgs,
		Members:      room.memberNames(),
		ExpiresAt:    room.ExpiresAt,
		MessageCount: len(room.Messages),
	}
	r.mu.Unlock()

	return res, nil
}

// Leave removes memberID from the roster. The room itself survives until
// the sweeper takes it; leaving never deletes state other members rely on.
func (r *Registry) Leave(roomHash, memberID string) error {
	r.mu.Lock()
	room, evict := r.getRoomLocked(roomHash)
	if room == nil {
		r.mu.Unlock()
		r.storeDelete(evict)
		return ErrRoomNotFound
	}

	var cp *Room
	if _, ok := room.Members[memberID]; ok {
		delete(room.Members, memberID)
		cp = room.clone()
	}
	r.mu.Unlock()

	r.persist(cp)
	return nil
}

// Info returns the read-only room projection.
func (r *Registry) Info(roomHash string) (RoomSnapshot, error) {
	r.mu.Lock()
	room, evict := r.getRoomLocked(roomHash)
	if room == nil {
		r.mu.Unlock()
		r.storeDelete(evict)
		return RoomSnapshot{}, ErrRoomNotFound
	}
	cp := room.clone()
	r.mu.Unlock()

	return r.snapshot(cp), nil
}

func (r *Registry) snapshot(room *Room) RoomSnapshot {
	remaining := int(room.ExpiresAt - r.nowUnix())
	if remaining < 0 {
		remaining = 0
	}
	return RoomSnapshot{
		RoomHash:      room.RoomHash,
		Mode:          room.Mode,
		CreatedAt:     room.CreatedAt,
		ExpiresAt:     room.ExpiresAt,
		Members:       room.memberNames(),
		MessageCount:  len(room.Messages),
		LastMessageTS: room.lastMessageTS(),
		TimeRemaining: remaining,
	}
}
