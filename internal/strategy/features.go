package strategy

import (
	"hash/fnv"
	"strings"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// Feature layout: bias, one-hot segment, one-hot time slot, hashed topic
// buckets. Channel identity is deliberately not encoded so models generalize
// across channels within a segment; the per-channel signal lives in the
// effectiveness aggregates instead.
const (
	topicBuckets = 6
	featureDim   = 1 + 5 + 4 + topicBuckets // bias + segments + slots + topics
)

// featurize encodes the selection context as a fixed-width vector.
func featurize(c domain.StrategyContext) []float64 {
	x := make([]float64, featureDim)
	x[0] = 1

	for i, s := range domain.Segments {
		if c.Segment == s {
			x[1+i] = 1
			break
		}
	}
	for i, slot := range domain.TimeSlots {
		if c.Slot == slot {
			x[1+len(domain.Segments)+i] = 1
			break
		}
	}
	if c.Topic != "" {
		x[1+len(domain.Segments)+len(domain.TimeSlots)+topicBucket(c.Topic)] = 1
	}
	return x
}

func topicBucket(topic string) int {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(topic))))
	return int(h.Sum32() % topicBuckets)
}
