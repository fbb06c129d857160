package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sundial-hq/sundial/errors"
)

func TestKindRetryable(t *testing.T) {
	assert.True(t, KindNetwork.Retryable())
	assert.True(t, KindRemoteTransient.Retryable())
	assert.False(t, KindAuth.Retryable())
	assert.False(t, KindPermission.Retryable())
	assert.False(t, KindQuery.Retryable())
	assert.False(t, KindTimeout.Retryable())
	assert.False(t, KindUnknown.Retryable())
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	err := Errorf(KindPermission, "denied for instance %s", "wh_1")
	wrapped := errors.Wrap(errors.Wrap(err, "submit"), "schedule fire")

	assert.Equal(t, KindPermission, KindOf(wrapped))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain error")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestClassifyPreservesChain(t *testing.T) {
	base := errors.New("connection refused")
	classified := Classify(KindNetwork, base)

	assert.Equal(t, KindNetwork, KindOf(classified))
	assert.True(t, errors.Is(classified, base))
}

func TestClassifyNil(t *testing.T) {
	assert.Nil(t, Classify(KindNetwork, nil))
}
