package ux

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveLimiterEscalatesSleepAtThreeAndFour(t *testing.T) {
	l := NewAdaptiveLimiter(100)
	l.sleep = func(time.Duration) {}
	start := l.PageSleep
	for i := 0; i < 4; i++ {
		l.NoteServiceError()
	}
	assert.Greater(t, l.PageSleep, start)
}

func TestAdaptiveLimiterHalvesPageSizeAtMaxConsecErrors(t *testing.T) {
	l := NewAdaptiveLimiter(100)
	var napped time.Duration
	l.sleep = func(d time.Duration) { napped = d }
	for i := 0; i < maxConsecServiceErrors; i++ {
		l.NoteServiceError()
	}
	assert.Equal(t, 50, l.PageSize)
	assert.Equal(t, 0, l.ConsecServiceErrors)
	assert.Equal(t, 30*time.Second, napped)
}

func TestAdaptiveLimiterPageSizeFlooredAtMinimum(t *testing.T) {
	l := NewAdaptiveLimiter(30)
	l.sleep = func(time.Duration) {}
	for i := 0; i < maxConsecServiceErrors; i++ {
		l.NoteServiceError()
	}
	assert.Equal(t, minPageSize, l.PageSize)
}

func TestAdaptiveLimiterNoteSuccessNeverGoesNegative(t *testing.T) {
	l := NewAdaptiveLimiter(100)
	l.NoteSuccess()
	assert.Equal(t, 0, l.ConsecServiceErrors)
}

func TestNewAdaptiveLimiterFloorsPageSizeAtConstruction(t *testing.T) {
	l := NewAdaptiveLimiter(5)
	assert.Equal(t, minPageSize, l.PageSize)
}
