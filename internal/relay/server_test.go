package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, *fakeClock) {
	t.Helper()
	reg, clock := newTestRegistry(nil)
	return New(reg, nil), clock
}

// doJSON runs one request through the Echo handler chain and decodes the
// response body into out (when non-nil).
func doJSON(t *testing.T, s *Server, method, path, ip, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s response: %v\nbody: %s", method, path, err, rec.Body.String())
		}
	}
	return rec
}

func errorTag(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e.Error
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var res healthResponse
	rec := doJSON(t, s, http.MethodGet, "/health", "", "", &res)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if res.Status != "ok" || res.Rooms != 0 || res.Timestamp <= 0 {
		t.Errorf("health = %+v", res)
	}
}

func TestCreateRoomEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	var res createRoomResponse
	rec := doJSON(t, s, http.MethodPost, "/room", "192.0.2.10",
		fmt.Sprintf(`{"room_hash":%q,"mode":"rotating"}`, testHash), &res)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if res.RoomHash != testHash || res.Mode != "rotating" || res.MemberID == "" {
		t.Errorf("response = %+v", res)
	}
	if res.ExpiresAt-res.CreatedAt != roomTTL.Seconds() {
		t.Errorf("TTL = %f, want %f", res.ExpiresAt-res.CreatedAt, roomTTL.Seconds())
	}
}

func TestCreateRoomValidation(t *testing.T) {
	tests := []struct {
		name     string
		ip       string
		body     string
		wantCode int
		wantTag  string
	}{
		{"invalid json", "192.0.2.20", `{not json`, http.StatusBadRequest, "invalid_json"},
		{"short hash", "192.0.2.21", `{"room_hash":"abc","mode":"rotating"}`, http.StatusBadRequest, "invalid_room_hash"},
		{"uppercase hash", "192.0.2.22", `{"room_hash":"A1B2C3D4E5F6A7B8","mode":"rotating"}`, http.StatusBadRequest, "invalid_room_hash"},
		{"bad mode", "192.0.2.23", fmt.Sprintf(`{"room_hash":%q,"mode":"static"}`, testHash), http.StatusBadRequest, "invalid_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t)
			rec := doJSON(t, s, http.MethodPost, "/room", tt.ip, tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tag := errorTag(t, rec); tag != tt.wantTag {
				t.Errorf("error tag = %q, want %q", tag, tt.wantTag)
			}
		})
	}
}

func TestCreateRoomConflict(t *testing.T) {
	s, clock := newTestServer(t)
	body := fmt.Sprintf(`{"room_hash":%q,"mode":"fixed"}`, testHash)

	if rec := doJSON(t, s, http.MethodPost, "/room", "192.0.2.30", body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first create: %d", rec.Code)
	}
	// Different IP so the rate limiter stays out of the way.
	rec := doJSON(t, s, http.MethodPost, "/room", "192.0.2.31", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create status = %d, want 409", rec.Code)
	}
	if tag := errorTag(t, rec); tag != "room_exists" {
		t.Errorf("error tag = %q", tag)
	}

	// After the TTL the fingerprint is claimable again.
	clock.advance(roomTTL + time.Second)
	if rec := doJSON(t, s, http.MethodPost, "/room", "192.0.2.32", body, nil); rec.Code != http.StatusOK {
		t.Errorf("re-create after expiry: %d", rec.Code)
	}
}

func TestCreateRoomRateLimited(t *testing.T) {
	s, _ := newTestServer(t)
	ip := "192.0.2.40"

	body1 := fmt.Sprintf(`{"room_hash":%q,"mode":"rotating"}`, testHash)
	if rec := doJSON(t, s, http.MethodPost, "/room", ip, body1, nil); rec.Code != http.StatusOK {
		t.Fatalf("first create: %d", rec.Code)
	}

	rec := doJSON(t, s, http.MethodPost, "/room", ip, `{"room_hash":"ffffffffffffffff","mode":"rotating"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second create status = %d, want 429", rec.Code)
	}
	var e struct {
		Error      string `json:"error"`
		RetryAfter int    `json:"retry_after"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Error != "rate_limited" || e.RetryAfter != 10 {
		t.Errorf("429 body = %+v, want rate_limited with retry_after 10", e)
	}
}

func TestJoinResetsRateLimit(t *testing.T) {
	s, _ := newTestServer(t)
	ip := "192.0.2.50"

	doJSON(t, s, http.MethodPost, "/room", ip,
		fmt.Sprintf(`{"room_hash":%q,"mode":"rotating"}`, testHash), nil)
	if rec := doJSON(t, s, http.MethodPost, "/room/"+testHash+"/join", ip, `{"nickname":"alice"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("join: %d", rec.Code)
	}

	// The successful join cleared the counter, so a second create passes.
	rec := doJSON(t, s, http.MethodPost, "/room", ip, `{"room_hash":"ffffffffffffffff","mode":"fixed"}`, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("create after join status = %d, want 200", rec.Code)
	}
}

func TestJoinSendPollRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)

	var created createRoomResponse
	doJSON(t, s, http.MethodPost, "/room", "192.0.2.60",
		fmt.Sprintf(`{"room_hash":%q,"mode":"rotating"}`, testHash), &created)

	var joined joinResponse
	rec := doJSON(t, s, http.MethodPost, "/room/"+testHash+"/join", "192.0.2.61", `{"nickname":"alice"}`, &joined)
	if rec.Code != http.StatusOK {
		t.Fatalf("join: %d", rec.Code)
	}
	if joined.MemberID == "" || len(joined.Members) != 2 {
		t.Errorf("join response = %+v", joined)
	}

	var sent sendResponse
	rec = doJSON(t, s, http.MethodPost, "/room/"+testHash+"/send", "192.0.2.61",
		fmt.Sprintf(`{"content":"Y2lwaGVydGV4dA==","sender":"ignored","member_id":%q}`, joined.MemberID), &sent)
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d", rec.Code)
	}
	if sent.ID == "" || sent.Timestamp <= 0 {
		t.Errorf("send response = %+v", sent)
	}

	var polled pollResponse
	rec = doJSON(t, s, http.MethodGet, "/room/"+testHash+"/poll?since=0", "192.0.2.60", "", &polled)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll: %d", rec.Code)
	}
	if len(polled.Messages) != 1 {
		t.Fatalf("polled %d messages, want 1", len(polled.Messages))
	}
	msg := polled.Messages[0]
	if msg.Content != "Y2lwaGVydGV4dA==" || msg.Sender != "alice" || msg.ID != sent.ID {
		t.Errorf("polled message = %+v", msg)
	}
	if polled.MessageCount != 1 {
		t.Errorf("message_count = %d", polled.MessageCount)
	}

	// Incremental poll from the delivered timestamp returns an empty, but
	// present, messages array.
	rec = doJSON(t, s, http.MethodGet,
		fmt.Sprintf("/room/%s/poll?since=%f", testHash, msg.Timestamp), "192.0.2.60", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("incremental poll: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"messages":[]`) {
		t.Errorf("incremental poll body = %s, want empty messages array", rec.Body.String())
	}
}

func TestSendValidation(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/room", "192.0.2.70",
		fmt.Sprintf(`{"room_hash":%q,"mode":"rotating"}`, testHash), nil)

	rec := doJSON(t, s, http.MethodPost, "/room/"+testHash+"/send", "192.0.2.70", `{"sender":"a"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing content status = %d, want 400", rec.Code)
	}
	if tag := errorTag(t, rec); tag != "missing_content" {
		t.Errorf("error tag = %q", tag)
	}

	rec = doJSON(t, s, http.MethodPost, "/room/ffffffffffffffff/send", "192.0.2.70", `{"content":"x"}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown room status = %d, want 404", rec.Code)
	}
	if tag := errorTag(t, rec); tag != "room_not_found" {
		t.Errorf("error tag = %q", tag)
	}
}

func TestLeaveEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/room", "192.0.2.80",
		fmt.Sprintf(`{"room_hash":%q,"mode":"rotating"}`, testHash), nil)

	var joined joinResponse
	doJSON(t, s, http.MethodPost, "/room/"+testHash+"/join", "192.0.2.81", `{"nickname":"bob"}`, &joined)

	rec := doJSON(t, s, http.MethodPost, "/room/"+testHash+"/leave", "192.0.2.81",
		fmt.Sprintf(`{"member_id":%q}`, joined.MemberID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("leave: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"left"`) {
		t.Errorf("leave body = %s", rec.Body.String())
	}

	rec = doJSON(t, s, http.MethodPost, "/room/ffffffffffffffff/leave", "192.0.2.81", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("leave unknown room status = %d, want 404", rec.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s, clock := newTestServer(t)
	doJSON(t, s, http.MethodPost, "/room", "192.0.2.90",
		fmt.Sprintf(`{"room_hash":%q,"mode":"fixed"}`, testHash), nil)

	clock.advance(600 * time.Second)

	var info infoResponse
	rec := doJSON(t, s, http.MethodGet, "/room/"+testHash+"/info", "", "", &info)
	if rec.Code != http.StatusOK {
		t.Fatalf("info: %d", rec.Code)
	}
	if info.Mode != "fixed" || info.TimeRemaining != 3000 {
		t.Errorf("info = %+v, want mode fixed with 3000s remaining", info)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/room", nil)
	req.Header.Set("Origin", "https://example.org")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent && rec.Code != http.StatusOK {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Errorf("Allow-Methods = %q, want POST included", got)
	}
}
