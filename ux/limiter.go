package ux

import (
	"time"

	eve "notesync.evalgo.org/common"
)

const (
	minPageSize            = 25
	maxConsecServiceErrors = 6
	interPageSleepStart    = 350 * time.Millisecond
	interBatchSleep        = 400 * time.Millisecond
)

// AdaptiveLimiter tracks consecutive throttling responses from the
// directory API and backs off the page size and inter-page sleep
// interval as errors accumulate. A success only decrements the error
// counter; page size and sleep are not restored (ported from the
// original extraction tool's AdaptiveLimiter).
type AdaptiveLimiter struct {
	ConsecServiceErrors int
	PageSleep           time.Duration
	PageSize            int

	sleep func(time.Duration)
}

// NewAdaptiveLimiter builds a limiter starting at pageSize (floored to
// minPageSize) and the default inter-page sleep.
func NewAdaptiveLimiter(pageSize int) *AdaptiveLimiter {
	if pageSize < minPageSize {
		pageSize = minPageSize
	}
	return &AdaptiveLimiter{
		PageSize:  pageSize,
		PageSleep: interPageSleepStart,
		sleep:     time.Sleep,
	}
}

// NoteSuccess decrements the consecutive-error counter on a clean
// response.
func (l *AdaptiveLimiter) NoteSuccess() {
	if l.ConsecServiceErrors > 0 {
		l.ConsecServiceErrors--
	}
}

// NoteServiceError records a 429/503/504 response, escalating the
// inter-page sleep at 3-4 consecutive errors and, once
// maxConsecServiceErrors is reached, sleeping a long nap, halving the
// page size (floored at minPageSize), and resetting the counter.
func (l *AdaptiveLimiter) NoteServiceError() {
	l.ConsecServiceErrors++
	if l.ConsecServiceErrors == 3 || l.ConsecServiceErrors == 4 {
		l.PageSleep = minDuration(l.PageSleep+250*time.Millisecond, 2*time.Second)
	}
	if l.ConsecServiceErrors >= maxConsecServiceErrors {
		nap := time.Duration(30+10*(l.ConsecServiceErrors-maxConsecServiceErrors)) * time.Second
		eve.Logger.WithField("nap", nap).Warn("ux: heavy throttling, sleeping and reducing page size")
		l.sleep(nap)
		l.PageSize = maxInt(minPageSize, l.PageSize/2)
		l.PageSleep = minDuration(l.PageSleep+500*time.Millisecond, 3*time.Second)
		l.ConsecServiceErrors = 0
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
