package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPayloadCloneIsIndependent(t *testing.T) {
	p := Payload{"a": 1}
	cp := p.Clone()
	cp["a"] = 2
	assert.Equal(t, 1, p["a"])
	assert.Equal(t, 2, cp["a"])
}

func TestPayloadGetReportsPresence(t *testing.T) {
	p := Payload{"a": 1}
	v, ok := p.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = p.Get("missing")
	assert.False(t, ok)
}

func TestWindowEntryExpiry(t *testing.T) {
	opened := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	w := WindowEntry{OpenedAt: opened}
	assert.Equal(t, opened.Add(30*time.Second), w.Expiry(30*time.Second))
}
