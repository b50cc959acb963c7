package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConnectEmptyURLDisablesEventing(t *testing.T) {
	pub, err := Connect("", zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, pub)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var pub *Publisher
	assert.NotPanics(t, func() {
		pub.Publish(SubjectVM, "vm.running", "vm-1", "de", "")
		pub.Close()
	})
}
