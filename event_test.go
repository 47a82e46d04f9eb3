package corenet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventKindStringCoversEveryKind(t *testing.T) {
	kinds := []EventKind{
		EventBootstrapAccept,
		EventBootstrapConnect,
		EventBootstrapFailed,
		EventBootstrappedTo,
		EventExternalReachabilityTestSuccess,
		EventExternalReachabilityTestFailure,
		EventConnectionInfoPrepared,
		EventConnectSuccess,
		EventConnectFailure,
		EventNewMessage,
		EventLostPeer,
		EventListenerStarted,
		EventListenerFailed,
		EventWriteMsgSizeProhibitive,
	}

	seen := make(map[string]bool)
	for _, k := range kinds {
		s := k.String()
		assert.NotEmpty(t, s)
		assert.False(t, seen[s], "duplicate String() for %v", k)
		seen[s] = true
	}
}

func TestEventKindStringUnknownIsEmpty(t *testing.T) {
	assert.Equal(t, "", EventKind(999).String())
}

func TestEventAccessorsReturnZeroValuesByDefault(t *testing.T) {
	var e Event
	assert.Equal(t, EventKind(0), e.Kind())
	assert.Nil(t, e.Err())
	assert.Nil(t, e.Message())
	assert.Equal(t, uint16(0), e.Port())
}
