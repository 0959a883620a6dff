package relay

import "time"

// Operational limits for the relay, gathered in one place.
const (
	// roomTTL is how long a room lives after creation.
	roomTTL = 3600 * time.Second

	// maxMessages is the per-room message log cap. Oldest entries are
	// trimmed when the cap is exceeded; the loss is silent.
	maxMessages = 500

	// sweepInterval is how often the background sweeper scans for expired
	// rooms. Lazy eviction on access covers rooms that are still polled.
	sweepInterval = 60 * time.Second

	// rateLimitCooldown resets a client's attempt counter after this much
	// inactivity.
	rateLimitCooldown = 1800 * time.Second

	// nicknameMaxRunes caps roster nicknames at 20 UTF-8 code points.
	nicknameMaxRunes = 20

	// memberIDLength and messageIDLength are the hex-token sizes issued by
	// the relay.
	memberIDLength  = 8
	messageIDLength = 12
)

// rateLimitDelays is the ascending per-attempt delay table in seconds.
// Attempt k within the cooldown window must wait rateLimitDelays[min(k, 5)]
// seconds after attempt k-1.
var rateLimitDelays = []float64{0, 10, 30, 60, 180, 300}
