package api

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no handler test leaks goroutines. HTTP/2 client pool
// goroutines are filtered out, matching standard goleak practice.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*http2clientConnReadLoop).run"),
	)
}
