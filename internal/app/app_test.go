package app

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quillchat/quill/internal/log"
)

func TestCloseOnPartialApp(t *testing.T) {
	// Setup cleans up with Close on failure paths, so it must tolerate an
	// App with only some fields populated.
	assert.NoError(t, (&App{}).Close())

	var otelDone, dbDone bool
	a := &App{
		Logger:      log.NewNop(),
		otelCleanup: func() { otelDone = true },
		dbCleanup:   func() { dbDone = true },
	}
	assert.NoError(t, a.Close())
	assert.True(t, otelDone)
	assert.True(t, dbDone)
}
