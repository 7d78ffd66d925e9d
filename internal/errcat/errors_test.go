package errcat_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/datawire/vxgw-agent/internal/errcat"
)

func TestNewNil(t *testing.T) {
	assert.Nil(t, errcat.Timeout.New(nil))
}

func TestCategoryRoundTrip(t *testing.T) {
	err := errcat.NotFound.Newf("port %s not found", "p-1")
	assert.Equal(t, errcat.NotFound, errcat.GetCategory(err))
	assert.EqualError(t, err, "port p-1 not found")
}

func TestCategoryThroughWrap(t *testing.T) {
	base := errcat.IPSecFailure.New(fmt.Errorf("exit status 1"))
	wrapped := fmt.Errorf("makens: %w", base)
	assert.Equal(t, errcat.IPSecFailure, errcat.GetCategory(wrapped))
}

func TestUncategorizedIsSerialization(t *testing.T) {
	assert.Equal(t, errcat.Serialization, errcat.GetCategory(fmt.Errorf("boom")))
}

func TestOKForNil(t *testing.T) {
	assert.Equal(t, errcat.OK, errcat.GetCategory(nil))
}

func TestIs(t *testing.T) {
	err := errcat.Timeout.Newf("deadline exceeded")
	assert.True(t, errcat.Is(err, errcat.Timeout))
	assert.False(t, errcat.Is(err, errcat.NotFound))
}
