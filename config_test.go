package corenet

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigIsValid(t *testing.T) {
	cfg := NewConfig("test-net")
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsEmptyNetworkName(t *testing.T) {
	cfg := NewConfig("")
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	cfg := NewConfig("test-net")
	cfg.BootstrapTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg = NewConfig("test-net")
	cfg.DirectConnectTimeout = -1
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg = NewConfig("test-net")
	cfg.CandidateTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidateRejectsDiscoveryListenWithoutPort(t *testing.T) {
	cfg := NewConfig("test-net")
	cfg.ServiceDiscoveryListen = true
	cfg.ServiceDiscoveryPort = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidateRejectsNegativeCacheCapacity(t *testing.T) {
	cfg := NewConfig("test-net")
	cfg.BootstrapCacheCapacity = -1
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestValidateAllowsDiscoveryDisabled(t *testing.T) {
	cfg := NewConfig("test-net")
	cfg.ServiceDiscoveryListen = false
	cfg.ServiceDiscoveryPort = 0
	assert.NoError(t, cfg.Validate())
}
