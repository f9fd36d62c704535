package engine

import (
	"time"

	"github.com/ashureev/webpilot/internal/action"
)

// Config carries the engine's timing constants and limits.
type Config struct {
	AskRepeatWindow    time.Duration
	ReadInterval       time.Duration
	ReadPendingTimeout time.Duration
	CooldownBase       time.Duration
	CooldownCap        time.Duration
	LLMTimeout         time.Duration
	GuardWait          time.Duration

	MaxTokens   int
	Temperature float32

	MaxElements      int
	ReadModeElements int
	PromptNotes      int
	LabelLen         int

	LoopRepeat      int
	LoopAlternation int
	BadOutputLimit  int

	ReadMaxLen          int
	ReadEscalatedMaxLen int
	ReadEscalateStreak  int

	Limits action.Limits
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		AskRepeatWindow:     12 * time.Second,
		ReadInterval:        1500 * time.Millisecond,
		ReadPendingTimeout:  20 * time.Second,
		CooldownBase:        2 * time.Second,
		CooldownCap:         60 * time.Second,
		LLMTimeout:          20 * time.Second,
		GuardWait:           time.Second,
		MaxTokens:           200,
		Temperature:         0.2,
		MaxElements:         60,
		ReadModeElements:    20,
		PromptNotes:         6,
		LabelLen:            80,
		LoopRepeat:          4,
		LoopAlternation:     6,
		BadOutputLimit:      4,
		ReadMaxLen:          4000,
		ReadEscalatedMaxLen: 7000,
		ReadEscalateStreak:  2,
		Limits:              action.DefaultLimits(),
	}
}

// CooldownFor returns the backoff applied after streak consecutive model
// failures: min(cap, base * 2^streak).
func (c Config) CooldownFor(streak int) time.Duration {
	if streak < 0 {
		streak = 0
	}
	if streak > 30 {
		return c.CooldownCap
	}
	return min(c.CooldownCap, c.CooldownBase*time.Duration(1<<streak))
}
