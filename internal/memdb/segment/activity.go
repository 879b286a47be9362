package segment

import (
	"time"

	"github.com/starpig1129/ai-discord-bot-PigPig-sub000/internal/memdb/storage"
)

// Activity blend weights. Rate and burstiness dominate; user spread and
// message length refine.
const (
	weightRate    = 0.35
	weightUsers   = 0.25
	weightLength  = 0.15
	weightPeak    = 0.25
	peakWindowLen = 15 * time.Minute
)

// activityLevel rates conversational intensity in [0,1] from a run of
// messages. Each component is normalized independently before blending:
// messages per hour (60 saturates), unique users (10 saturates),
// average message length (200 runes saturate) and the busiest 15 minute
// window (30 messages saturate).
func activityLevel(msgs []storage.Message) float64 {
	if len(msgs) < 2 {
		return 0
	}

	span := msgs[len(msgs)-1].Timestamp.Sub(msgs[0].Timestamp)
	if span < time.Minute {
		span = time.Minute
	}
	rate := norm(float64(len(msgs))/span.Hours(), 60)

	users := make(map[string]struct{}, len(msgs))
	totalRunes := 0
	for _, m := range msgs {
		users[m.UserID] = struct{}{}
		totalRunes += len([]rune(m.Content))
	}
	userSpread := norm(float64(len(users)), 10)
	avgLen := norm(float64(totalRunes)/float64(len(msgs)), 200)

	peak := norm(float64(peakWindowCount(msgs)), 30)

	return weightRate*rate + weightUsers*userSpread + weightLength*avgLen + weightPeak*peak
}

// peakWindowCount finds the max message count in any sliding 15 minute
// window. msgs must be in timestamp order.
func peakWindowCount(msgs []storage.Message) int {
	peak := 0
	lo := 0
	for hi := range msgs {
		for msgs[hi].Timestamp.Sub(msgs[lo].Timestamp) > peakWindowLen {
			lo++
		}
		if n := hi - lo + 1; n > peak {
			peak = n
		}
	}
	return peak
}

func norm(v, saturation float64) float64 {
	if v <= 0 {
		return 0
	}
	if v >= saturation {
		return 1
	}
	return v / saturation
}
