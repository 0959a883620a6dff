// Package crypto implements the SOS session cipher: emoji room identifiers,
// time-bucketed PIN rotation, Argon2id key derivation, and the
// XSalsa20-Poly1305 message framing.
//
// The emoji alphabet and every derivation below are part of the wire
// protocol. Both endpoints must agree on glyph indices, the PIN function,
// and the Argon2 parameters, or they derive different keys.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

// EmojiSet is the fixed 32-glyph room-ID alphabet: 5 bits per glyph,
// 6 glyphs per room ID. Order is protocol-significant.
var EmojiSet = []string{
	"🔥", "🌙", "⭐", "🎯", "🌊", "💎", "🍀", "🎲",
	"🚀", "🌈", "⚡", "🎵", "🔑", "🌸", "🍄", "🦋",
	"🎪", "🌵", "🍎", "🐋", "🦊", "🌻", "🎭", "🔔",
	"🏔️", "🌴", "🍕", "🐙", "🦉", "🌺", "🎨", "🔮",
}

// emojiPhonetics maps each glyph to a stable ASCII name for verbal readout.
var emojiPhonetics = map[string]string{
	"🔥": "fire", "🌙": "moon", "⭐": "star", "🎯": "target",
	"🌊": "wave", "💎": "gem", "🍀": "clover", "🎲": "dice",
	"🚀": "rocket", "🌈": "rainbow", "⚡": "bolt", "🎵": "music",
	"🔑": "key", "🌸": "bloom", "🍄": "shroom", "🦋": "butterfly",
	"🎪": "circus", "🌵": "cactus", "🍎": "apple", "🐋": "whale",
	"🦊": "fox", "🌻": "sunflower", "🎭": "mask", "🔔": "bell",
	"🏔️": "mountain", "🌴": "palm", "🍕": "pizza", "🐙": "octopus",
	"🦉": "owl", "🌺": "hibiscus", "🎨": "palette", "🔮": "crystal",
}

// phoneticsToEmoji is the reverse lookup, built once at init.
var phoneticsToEmoji = func() map[string]string {
	m := make(map[string]string, len(emojiPhonetics))
	for e, p := range emojiPhonetics {
		m[p] = e
	}
	return m
}()

const (
	// RoomIDLength is the number of glyphs in a room identifier.
	RoomIDLength = 6

	// PINLength is the number of decimal digits in an access PIN.
	PINLength = 6

	// BucketSeconds is the rotating-PIN time window.
	BucketSeconds = 15

	// KeySize is the derived symmetric key length in bytes.
	KeySize = 32

	// NonceSize is the secretbox nonce length prepended to each ciphertext.
	NonceSize = 24

	// saltPrefix versions the key-derivation salt. Changing it breaks
	// compatibility with every deployed endpoint.
	saltPrefix = "sos-chat-v1:"

	// Argon2id parameters: fast enough to rederive inside a 15 s bucket on
	// a phone, expensive enough to make offline PIN search costly.
	argonTime    = 2
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 1
)

// Mode selects how the room PIN behaves over time.
type Mode string

const (
	// ModeRotating derives a fresh PIN from the room ID every 15 seconds.
	ModeRotating Mode = "rotating"

	// ModeFixed uses one random PIN for the room's whole lifetime.
	ModeFixed Mode = "fixed"
)

// Valid reports whether m is a recognised mode.
func (m Mode) Valid() bool {
	return m == ModeRotating || m == ModeFixed
}

// Key is a derived symmetric session key.
type Key = [KeySize]byte

// RoomCredentials identifies a room and everything needed to derive its
// keys. It never leaves the client.
type RoomCredentials struct {
	Emojis    []string // exactly RoomIDLength glyphs from EmojiSet
	Mode      Mode
	CreatedAt int64  // Unix seconds; key anchor in fixed mode
	FixedPin  string // set iff Mode == ModeFixed
}

// RoomID returns the concatenated glyph sequence.
func (c RoomCredentials) RoomID() string {
	return strings.Join(c.Emojis, "")
}

// Fingerprint returns the opaque 16-hex-char identifier the relay sees.
func (c RoomCredentials) Fingerprint() string {
	return Fingerprint(c.Emojis)
}

// Fingerprint hashes an emoji sequence to the relay-visible room
// identifier: the first 8 bytes of SHA-256 over the concatenated UTF-8
// glyphs, lowercase hex.
func Fingerprint(emojis []string) string {
	sum := sha256.Sum256([]byte(strings.Join(emojis, "")))
	return hex.EncodeToString(sum[:8])
}

// GenerateRoomID picks RoomIDLength glyphs uniformly at random.
func GenerateRoomID() ([]string, error) {
	out := make([]string, RoomIDLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(EmojiSet))))
		if err != nil {
			return nil, fmt.Errorf("random glyph: %w", err)
		}
		out[i] = EmojiSet[n.Int64()]
	}
	return out, nil
}

// GeneratePIN returns PINLength uniformly random decimal digits.
func GeneratePIN() (string, error) {
	var b strings.Builder
	for i := 0; i < PINLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("random digit: %w", err)
		}
		fmt.Fprintf(&b, "%d", n.Int64())
	}
	return b.String(), nil
}

// Bucket returns the 15-second window index for the given instant.
func Bucket(now time.Time) int64 {
	return now.Unix() / BucketSeconds
}

// TimeRemaining returns the seconds left until the next PIN rotation.
func TimeRemaining(now time.Time) int {
	return BucketSeconds - int(now.Unix()%BucketSeconds)
}

// PINForBucket derives the rotating PIN for a room at the given bucket:
// SHA-256 over "emojis:bucket", first six hex digits, each mapped mod 10.
func PINForBucket(emojis []string, bucket int64) string {
	seed := fmt.Sprintf("%s:%d", strings.Join(emojis, ""), bucket)
	sum := sha256.Sum256([]byte(seed))
	digest := hex.EncodeToString(sum[:])

	var b strings.Builder
	for _, c := range digest[:PINLength] {
		v, _ := hexDigit(byte(c))
		fmt.Fprintf(&b, "%d", v%10)
	}
	return b.String()
}

func hexDigit(c byte) (int, bool) {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0'), true
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10, true
	}
	return 0, false
}

// CurrentPIN returns the PIN in force at the given instant: the fixed PIN
// in fixed mode, the bucket-derived PIN otherwise.
func (c RoomCredentials) CurrentPIN(now time.Time) string {
	if c.Mode == ModeFixed {
		return c.FixedPin
	}
	return PINForBucket(c.Emojis, Bucket(now))
}

// DeriveKey computes the symmetric key for (emojis, pin, anchor).
//
// Password is "emojis:pin"; salt is the first 16 bytes of SHA-256 over
// "sos-chat-v1:emojis:anchor" with the anchor in decimal. Two endpoints
// derive the same key iff all three inputs match.
func DeriveKey(emojis []string, pin string, anchor int64) Key {
	emojiStr := strings.Join(emojis, "")
	password := []byte(emojiStr + ":" + pin)

	saltInput := fmt.Sprintf("%s%s:%d", saltPrefix, emojiStr, anchor)
	saltSum := sha256.Sum256([]byte(saltInput))

	var key Key
	raw := argon2.IDKey(password, saltSum[:16], argonTime, argonMemory, argonThreads, KeySize)
	copy(key[:], raw)
	return key
}

// KeyForBucket derives the rotating-mode key for a specific time bucket.
// The PIN is itself a function of the bucket, so adjacent buckets yield
// fully independent keys.
func KeyForBucket(emojis []string, bucket int64) Key {
	pin := PINForBucket(emojis, bucket)
	return DeriveKey(emojis, pin, bucket*BucketSeconds)
}

// SessionKey returns the key in force for the credentials at the given
// instant: the createdAt-anchored key in fixed mode, the current bucket's
// key otherwise.
func (c RoomCredentials) SessionKey(now time.Time) Key {
	if c.Mode == ModeFixed {
		return DeriveKey(c.Emojis, c.FixedPin, c.CreatedAt)
	}
	return KeyForBucket(c.Emojis, Bucket(now))
}

// Encrypt seals plaintext under key with a fresh random nonce. The result
// is nonce‖ciphertext‖tag, ready for base64 framing.
func Encrypt(plaintext []byte, key Key) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &key), nil
}

// Decrypt opens a nonce‖ciphertext‖tag blob. ok is false when the payload
// is malformed or the tag does not verify under key; no further detail is
// exposed.
func Decrypt(sealed []byte, key Key) (plaintext []byte, ok bool) {
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, false
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	return secretbox.Open(nil, sealed[NonceSize:], &nonce, &key)
}

// Phonetic returns the ASCII readout name for a glyph, or the glyph itself
// when it is not part of the alphabet.
func Phonetic(emoji string) string {
	if p, ok := emojiPhonetics[emoji]; ok {
		return p
	}
	return emoji
}

// FromPhonetic resolves a readout name back to its glyph.
func FromPhonetic(name string) (string, bool) {
	e, ok := phoneticsToEmoji[strings.ToLower(strings.TrimSpace(name))]
	return e, ok
}

// PhoneticRoomID renders a room ID as space-separated readout names for
// verbal sharing.
func PhoneticRoomID(emojis []string) string {
	parts := make([]string, len(emojis))
	for i, e := range emojis {
		parts[i] = Phonetic(e)
	}
	return strings.Join(parts, " ")
}

// EmojisToIndices maps glyphs to their alphabet positions, skipping
// anything outside the alphabet.
func EmojisToIndices(emojis []string) []int {
	idx := make(map[string]int, len(EmojiSet))
	for i, e := range EmojiSet {
		idx[e] = i
	}
	out := make([]int, 0, len(emojis))
	for _, e := range emojis {
		if i, ok := idx[e]; ok {
			out = append(out, i)
		}
	}
	return out
}

// IndicesToEmojis maps alphabet positions back to glyphs, skipping
// out-of-range values.
func IndicesToEmojis(indices []int) []string {
	out := make([]string, 0, len(indices))
	for _, i := range indices {
		if i >= 0 && i < len(EmojiSet) {
			out = append(out, EmojiSet[i])
		}
	}
	return out
}

// NewRoomCredentials creates credentials for a fresh room. Fixed mode gets
// a random PIN; rotating mode leaves FixedPin empty.
func NewRoomCredentials(mode Mode, now time.Time) (RoomCredentials, error) {
	emojis, err := GenerateRoomID()
	if err != nil {
		return RoomCredentials{}, err
	}
	creds := RoomCredentials{
		Emojis:    emojis,
		Mode:      mode,
		CreatedAt: now.Unix(),
	}
	if mode == ModeFixed {
		pin, err := GeneratePIN()
		if err != nil {
			return RoomCredentials{}, err
		}
		creds.FixedPin = pin
	}
	return creds, nil
}
