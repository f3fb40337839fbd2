package domain

import (
	"time"
)

// Strategy labels a comment-generation style chosen by the oracle.
type Strategy string

const (
	StrategySmart      Strategy = "smart"
	StrategySupportive Strategy = "supportive"
	StrategyFunny      Strategy = "funny"
	StrategyExpert     Strategy = "expert"
)

// StrategySet lists every strategy in deterministic tie-break order.
var StrategySet = []Strategy{StrategySmart, StrategySupportive, StrategyFunny, StrategyExpert}

// TimeSlot buckets wall-clock hours for the oracle's context features.
type TimeSlot string

const (
	SlotMorning   TimeSlot = "morning"   // 06:00–11:59
	SlotAfternoon TimeSlot = "afternoon" // 12:00–17:59
	SlotEvening   TimeSlot = "evening"   // 18:00–22:59
	SlotNight     TimeSlot = "night"     // 23:00–05:59
)

// TimeSlots lists every slot in feature-encoding order.
var TimeSlots = []TimeSlot{SlotMorning, SlotAfternoon, SlotEvening, SlotNight}

// SlotFor maps a local time to its slot.
func SlotFor(t time.Time) TimeSlot {
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return SlotMorning
	case h >= 12 && h < 18:
		return SlotAfternoon
	case h >= 18 && h < 23:
		return SlotEvening
	default:
		return SlotNight
	}
}

// StrategyContext is the feature tuple the oracle selects on.
type StrategyContext struct {
	Segment Segment  `json:"segment"`
	Channel string   `json:"channel"`
	Slot    TimeSlot `json:"slot"`
	Topic   string   `json:"topic"`
}

// StrategyEffectiveness is the persisted aggregate for one (context, strategy) cell.
type StrategyEffectiveness struct {
	Segment         Segment   `json:"segment" db:"segment"`
	ChannelUsername string    `json:"channel_username" db:"channel_username"`
	Strategy        Strategy  `json:"strategy" db:"strategy"`
	Slot            TimeSlot  `json:"time_slot" db:"time_slot"`
	Topic           string    `json:"post_topic" db:"post_topic"`
	Attempts        int       `json:"attempts" db:"attempts"`
	WeightedSuccess float64   `json:"weighted_successes" db:"weighted_successes"`
	Score           float64   `json:"score" db:"score"`
	LastUpdated     time.Time `json:"last_updated" db:"last_updated"`
}
