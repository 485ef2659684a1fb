package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionLimit(t *testing.T) {
	rl := New(2, 5)

	assert.True(t, rl.TryConnect("1.2.3.4"))
	assert.True(t, rl.TryConnect("1.2.3.4"))
	assert.False(t, rl.TryConnect("1.2.3.4"))
	assert.Equal(t, 2, rl.connections["1.2.3.4"])
	assert.True(t, rl.TryConnect("5.6.7.8"))

	rl.RemoveConnection("1.2.3.4")
	assert.True(t, rl.TryConnect("1.2.3.4"))

	rl.RemoveConnection("1.2.3.4")
	rl.RemoveConnection("1.2.3.4")
	assert.NotContains(t, rl.connections, "1.2.3.4")
}

func TestAuthWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := New(10, 3)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, rl.CanAuth("ip"), "attempt %d", i)
	}
	assert.False(t, rl.CanAuth("ip"))
	assert.True(t, rl.CanAuth("other"))

	now = now.Add(61 * time.Second)
	assert.True(t, rl.CanAuth("ip"))
}

func TestCleanup(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := New(10, 3)
	rl.now = func() time.Time { return now }
	rl.CanAuth("old")

	now = now.Add(2 * time.Minute)
	rl.CanAuth("fresh")
	rl.cleanup()

	assert.NotContains(t, rl.authAttempts, "old")
	assert.Contains(t, rl.authAttempts, "fresh")
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", GetClientIP(r))

	r.Header.Set("X-Real-IP", "9.9.9.9")
	assert.Equal(t, "9.9.9.9", GetClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	assert.Equal(t, "203.0.113.7", GetClientIP(r))
}
