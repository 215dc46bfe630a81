package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/barkerja/burrow/internal/config"
)

func TestLogLevelFlagRejectsUnknownLevel(t *testing.T) {
	f := newLogLevelFlag()
	assert.Error(t, f.Set("verbose"))
	assert.Equal(t, "info", f.String())
}

func TestLogLevelFlagAcceptsKnownLevels(t *testing.T) {
	f := newLogLevelFlag()
	for _, lvl := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, f.Set(lvl))
		assert.Equal(t, lvl, f.String())
	}
}

func TestStaticPeerResolverBuildsInternalURL(t *testing.T) {
	resolve := staticPeerResolver(&config.Config{})

	url, ok := resolve("node-7")
	assert.True(t, ok)
	assert.Equal(t, "https://node-7.internal", url)

	_, ok = resolve("")
	assert.False(t, ok)
}
