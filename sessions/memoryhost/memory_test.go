package memoryhost

import (
	"testing"

	"github.com/skycastlabs/weathermcp/sessions"
	"github.com/skycastlabs/weathermcp/sessions/hosttest"
)

func TestMemorySessionHost(t *testing.T) {
	hosttest.Run(t, func(t *testing.T) sessions.Host {
		return New()
	})
}
