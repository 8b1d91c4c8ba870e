// Package selfheal consumes classified FFmpeg events and per-channel health
// signals and drives bounded, budgeted recovery actions.
package selfheal

import (
	"time"

	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
)

// Strategy is one resolution approach.
type Strategy string

const (
	StrategyRestart  Strategy = "RESTART"  // restart the channel's FFmpeg pipeline
	StrategyRefresh  Strategy = "REFRESH"  // re-mint the current media URL
	StrategyExpand   Strategy = "EXPAND"   // raise a resource budget
	StrategyFallback Strategy = "FALLBACK" // attach the filler source
	StrategyReduce   Strategy = "REDUCE"   // drop transcode quality
	StrategyIgnore   Strategy = "IGNORE"
	StrategyEscalate Strategy = "ESCALATE" // hand to the operator
)

// IssueState tracks one issue through its lifecycle.
type IssueState string

const (
	StateDetected   IssueState = "DETECTED"
	StateAnalyzed   IssueState = "ANALYZED"
	StateApproved   IssueState = "APPROVED"
	StateEscalated  IssueState = "ESCALATED"
	StateInProgress IssueState = "IN_PROGRESS"
	StateSuccess    IssueState = "SUCCESS"
	StatePartial    IssueState = "PARTIAL"
	StateFailed     IssueState = "FAILED"
	StateRolledBack IssueState = "ROLLED_BACK"
)

// Candidate is one strategy option with its cost estimate.
type Candidate struct {
	Strategy   Strategy
	Confidence float64 // 0..1, likelihood the fix clears the issue
	Risk       float64 // 0..1, blast radius if it does not
	Downtime   time.Duration
}

// strategyTable maps issue classes to ordered candidate fixes, best first.
var strategyTable = map[ffmpeg.IssueClass][]Candidate{
	ffmpeg.IssueConnectionTimeout: {
		{StrategyRefresh, 0.7, 0.1, 3 * time.Second},
		{StrategyRestart, 0.6, 0.2, 5 * time.Second},
	},
	ffmpeg.IssueConnectionRefused: {
		{StrategyRefresh, 0.6, 0.1, 3 * time.Second},
		{StrategyRestart, 0.5, 0.2, 5 * time.Second},
	},
	ffmpeg.IssueHTTPError: {
		{StrategyRefresh, 0.8, 0.1, 3 * time.Second},
		{StrategyRestart, 0.4, 0.2, 5 * time.Second},
	},
	ffmpeg.IssueDecoderError: {
		{StrategyIgnore, 0.6, 0.0, 0},
		{StrategyRestart, 0.5, 0.2, 5 * time.Second},
	},
	ffmpeg.IssueEncoderError: {
		{StrategyRestart, 0.5, 0.3, 5 * time.Second},
		{StrategyReduce, 0.6, 0.5, 8 * time.Second},
		{StrategyEscalate, 1.0, 0.0, 0},
	},
	ffmpeg.IssueFormatError: {
		{StrategyRestart, 0.5, 0.2, 5 * time.Second},
		{StrategyEscalate, 1.0, 0.0, 0},
	},
	ffmpeg.IssuePermissionError: {
		{StrategyEscalate, 1.0, 0.0, 0},
	},
	ffmpeg.IssueIOError: {
		{StrategyRestart, 0.6, 0.2, 5 * time.Second},
	},
	ffmpeg.IssueMemoryError: {
		{StrategyReduce, 0.5, 0.5, 8 * time.Second},
		{StrategyEscalate, 1.0, 0.0, 0},
	},
	ffmpeg.IssueHardwareError: {
		{StrategyReduce, 0.6, 0.5, 8 * time.Second},
		{StrategyEscalate, 1.0, 0.0, 0},
	},
	ffmpeg.IssueStreamError: {
		{StrategyIgnore, 0.7, 0.0, 0},
		{StrategyRestart, 0.4, 0.2, 5 * time.Second},
	},
}

// candidatesFor returns the ordered fixes for an issue class. Unknown
// classes get escalation only.
func candidatesFor(class ffmpeg.IssueClass) []Candidate {
	if c, ok := strategyTable[class]; ok {
		return c
	}
	return []Candidate{{StrategyEscalate, 1.0, 0.0, 0}}
}
