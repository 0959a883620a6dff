package crypto

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestEmojiSetShape(t *testing.T) {
	if len(EmojiSet) != 32 {
		t.Fatalf("alphabet must have 32 glyphs, got %d", len(EmojiSet))
	}
	seen := make(map[string]bool)
	for _, e := range EmojiSet {
		if seen[e] {
			t.Errorf("duplicate glyph %q", e)
		}
		seen[e] = true
		if Phonetic(e) == e {
			t.Errorf("glyph %q has no phonetic name", e)
		}
	}
}

func TestPhoneticRoundTrip(t *testing.T) {
	for _, e := range EmojiSet {
		back, ok := FromPhonetic(Phonetic(e))
		if !ok || back != e {
			t.Errorf("phonetic round trip failed for %q: got %q ok=%v", e, back, ok)
		}
	}
	if _, ok := FromPhonetic("definitely-not-a-glyph"); ok {
		t.Error("unknown phonetic name should not resolve")
	}
}

func TestIndicesRoundTrip(t *testing.T) {
	emojis := []string{EmojiSet[0], EmojiSet[31], EmojiSet[7]}
	idx := EmojisToIndices(emojis)
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 31 || idx[2] != 7 {
		t.Fatalf("unexpected indices %v", idx)
	}
	back := IndicesToEmojis(idx)
	for i := range emojis {
		if back[i] != emojis[i] {
			t.Errorf("index %d: got %q want %q", i, back[i], emojis[i])
		}
	}
	if got := IndicesToEmojis([]int{-1, 99}); len(got) != 0 {
		t.Errorf("out-of-range indices should be skipped, got %v", got)
	}
}

func TestGenerateRoomID(t *testing.T) {
	emojis, err := GenerateRoomID()
	if err != nil {
		t.Fatalf("GenerateRoomID: %v", err)
	}
	if len(emojis) != RoomIDLength {
		t.Fatalf("expected %d glyphs, got %d", RoomIDLength, len(emojis))
	}
	for _, e := range emojis {
		if Phonetic(e) == e {
			t.Errorf("generated glyph %q not in alphabet", e)
		}
	}
}

func TestGeneratePIN(t *testing.T) {
	pin, err := GeneratePIN()
	if err != nil {
		t.Fatalf("GeneratePIN: %v", err)
	}
	if !regexp.MustCompile(`^[0-9]{6}$`).MatchString(pin) {
		t.Fatalf("PIN %q is not six decimal digits", pin)
	}
}

func TestFingerprintShape(t *testing.T) {
	emojis := EmojiSet[:6]
	fp := Fingerprint(emojis)
	if !regexp.MustCompile(`^[0-9a-f]{16}$`).MatchString(fp) {
		t.Fatalf("fingerprint %q is not 16 lowercase hex chars", fp)
	}
	// Deterministic, and sensitive to glyph order.
	if fp != Fingerprint(emojis) {
		t.Error("fingerprint not deterministic")
	}
	reversed := []string{emojis[5], emojis[4], emojis[3], emojis[2], emojis[1], emojis[0]}
	if fp == Fingerprint(reversed) {
		t.Error("fingerprint ignores glyph order")
	}
}

func TestPINForBucketDeterministic(t *testing.T) {
	emojis := EmojiSet[:6]
	a := PINForBucket(emojis, 1000)
	b := PINForBucket(emojis, 1000)
	if a != b {
		t.Fatalf("PIN not deterministic: %q vs %q", a, b)
	}
	if !regexp.MustCompile(`^[0-9]{6}$`).MatchString(a) {
		t.Fatalf("PIN %q is not six decimal digits", a)
	}
	if a == PINForBucket(emojis, 1001) {
		t.Error("adjacent buckets produced the same PIN (possible but 1-in-10^6; treat as failure)")
	}
}

func TestCurrentPINClockAgreement(t *testing.T) {
	creds := RoomCredentials{Emojis: EmojiSet[:6], Mode: ModeRotating}
	// Two clocks inside the same bucket agree.
	base := time.Unix(1_700_000_025, 0) // bucket boundary at ...030
	if creds.CurrentPIN(base) != creds.CurrentPIN(base.Add(4*time.Second)) {
		t.Error("clocks within one bucket must compute the same PIN")
	}
	// Crossing the boundary rotates.
	if creds.CurrentPIN(base) == creds.CurrentPIN(base.Add(BucketSeconds*time.Second)) {
		t.Error("PIN did not rotate across bucket boundary")
	}
}

func TestFixedModePIN(t *testing.T) {
	creds := RoomCredentials{Emojis: EmojiSet[:6], Mode: ModeFixed, FixedPin: "123456"}
	if got := creds.CurrentPIN(time.Now()); got != "123456" {
		t.Fatalf("fixed mode must return the fixed PIN, got %q", got)
	}
}

func TestTimeRemaining(t *testing.T) {
	if got := TimeRemaining(time.Unix(30, 0)); got != 15 {
		t.Errorf("at a bucket boundary expected 15, got %d", got)
	}
	if got := TimeRemaining(time.Unix(44, 0)); got != 1 {
		t.Errorf("one second before rotation expected 1, got %d", got)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := DeriveKey(EmojiSet[:6], "123456", 1000)
	plaintext := []byte("hello over the tunnel")

	sealed, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if len(sealed) <= NonceSize {
		t.Fatalf("sealed blob too short: %d bytes", len(sealed))
	}

	got, ok := Decrypt(sealed, key)
	if !ok {
		t.Fatal("Decrypt failed with the correct key")
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q", got)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	emojis := EmojiSet[:6]
	key := DeriveKey(emojis, "123456", 1000)
	sealed, err := Encrypt([]byte("secret"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	for name, wrong := range map[string]Key{
		"different pin":    DeriveKey(emojis, "123457", 1000),
		"different anchor": DeriveKey(emojis, "123456", 1015),
		"different emojis": DeriveKey(EmojiSet[1:7], "123456", 1000),
	} {
		if _, ok := Decrypt(sealed, wrong); ok {
			t.Errorf("%s: decryption should fail", name)
		}
	}
}

func TestDecryptMalformed(t *testing.T) {
	key := DeriveKey(EmojiSet[:6], "123456", 1000)
	for _, blob := range [][]byte{nil, {}, make([]byte, 10), make([]byte, NonceSize)} {
		if _, ok := Decrypt(blob, key); ok {
			t.Errorf("malformed blob of %d bytes should not decrypt", len(blob))
		}
	}
	// Flipping one ciphertext byte must break the tag.
	sealed, _ := Encrypt([]byte("x"), key)
	sealed[len(sealed)-1] ^= 0x01
	if _, ok := Decrypt(sealed, key); ok {
		t.Error("tampered ciphertext should not decrypt")
	}
}

func TestKeyForBucketMatchesManualDerivation(t *testing.T) {
	emojis := EmojiSet[:6]
	const bucket = int64(113333335)
	pin := PINForBucket(emojis, bucket)
	want := DeriveKey(emojis, pin, bucket*BucketSeconds)
	if KeyForBucket(emojis, bucket) != want {
		t.Fatal("KeyForBucket disagrees with explicit PIN+anchor derivation")
	}
}

func TestSessionKeyAnchors(t *testing.T) {
	emojis := EmojiSet[:6]
	now := time.Unix(1_700_000_000, 0)

	fixed := RoomCredentials{Emojis: emojis, Mode: ModeFixed, FixedPin: "999000", CreatedAt: 1_600_000_000}
	if fixed.SessionKey(now) != DeriveKey(emojis, "999000", 1_600_000_000) {
		t.Error("fixed mode must anchor on CreatedAt")
	}

	rot := RoomCredentials{Emojis: emojis, Mode: ModeRotating}
	if rot.SessionKey(now) != KeyForBucket(emojis, Bucket(now)) {
		t.Error("rotating mode must anchor on the current bucket")
	}
}

func TestBucketBoundaryRecovery(t *testing.T) {
	// A sends in bucket B, B receives in bucket B+1: previous-bucket key
	// must still open the message.
	emojis := EmojiSet[:6]
	sendTime := time.Unix(1_700_000_024, 0) // last second of its bucket
	recvTime := sendTime.Add(2 * time.Second)
	if Bucket(sendTime) == Bucket(recvTime) {
		t.Fatal("test times must straddle a bucket boundary")
	}

	sealed, err := Encrypt([]byte("late"), KeyForBucket(emojis, Bucket(sendTime)))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, ok := Decrypt(sealed, KeyForBucket(emojis, Bucket(recvTime))); ok {
		t.Fatal("current-bucket key unexpectedly opened a previous-bucket message")
	}
	got, ok := Decrypt(sealed, KeyForBucket(emojis, Bucket(recvTime)-1))
	if !ok || string(got) != "late" {
		t.Fatalf("previous-bucket key should recover the message, ok=%v got=%q", ok, got)
	}
}

func TestNewRoomCredentials(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	rot, err := NewRoomCredentials(ModeRotating, now)
	if err != nil {
		t.Fatalf("NewRoomCredentials rotating: %v", err)
	}
	if rot.FixedPin != "" {
		t.Error("rotating credentials must not carry a fixed PIN")
	}
	if rot.CreatedAt != now.Unix() {
		t.Errorf("CreatedAt = %d, want %d", rot.CreatedAt, now.Unix())
	}

	fixed, err := NewRoomCredentials(ModeFixed, now)
	if err != nil {
		t.Fatalf("NewRoomCredentials fixed: %v", err)
	}
	if len(fixed.FixedPin) != PINLength {
		t.Errorf("fixed credentials need a %d-digit PIN, got %q", PINLength, fixed.FixedPin)
	}
	if strings.Count(fixed.RoomID(), "") == 0 {
		t.Error("empty room id")
	}
}

func TestModeValid(t *testing.T) {
	if !ModeRotating.Valid() || !ModeFixed.Valid() {
		t.Error("canonical modes must validate")
	}
	if Mode("spinning").Valid() {
		t.Error("unknown mode must not validate")
	}
}
