package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPendingObserve(t *testing.T) {
	var p Pending

	prev := Default()
	next := *prev
	next.Soulseek.Username = "newname"
	p.Observe(prev, &next)
	assert.False(t, p.Restart)
	assert.True(t, p.Reconnect, "account change requires a reconnect")

	// Flags accumulate across reloads.
	prev2 := next
	next2 := prev2
	next2.Database.SQLite.Path = "/tmp/other.db"
	p.Observe(&prev2, &next2)
	assert.True(t, p.Restart, "database change requires a restart")
	assert.True(t, p.Reconnect, "earlier reconnect flag stays raised")
}

func TestPendingIgnoresLiveAppliedFields(t *testing.T) {
	var p Pending

	prev := Default()
	next := *prev
	next.Uploads.GlobalSlots = prev.Uploads.GlobalSlots + 5
	next.Logging.Level = "DEBUG"
	p.Observe(prev, &next)
	assert.False(t, p.Restart)
	assert.False(t, p.Reconnect)
}

func TestPendingRestartFields(t *testing.T) {
	base := Default()

	apiChange := *base
	apiChange.API.Listen = "127.0.0.1:9999"

	sharesChange := *base
	sharesChange.Shares.Directories = append([]string{"/music"}, base.Shares.Directories...)

	for name, next := range map[string]*Config{
		"api":    &apiChange,
		"shares": &sharesChange,
	} {
		var p Pending
		p.Observe(base, next)
		assert.True(t, p.Restart, "%s change requires a restart", name)
		assert.False(t, p.Reconnect)
	}
}
