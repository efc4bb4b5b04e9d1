package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesOnKindOnly(t *testing.T) {
	a := NewError(Timeout, "waited too long")
	b := NewError(Timeout, "a different message")
	c := NewError(ConnectionFailed, "waited too long")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestError_Error(t *testing.T) {
	err := NewError(MissingConfig, "no POSTGRES_DB_URL set")
	assert.Contains(t, err.Error(), "MissingConfig")
	assert.Contains(t, err.Error(), "no POSTGRES_DB_URL set")
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "FactoryNotRegistered", FactoryNotRegistered.String())
	assert.Equal(t, "Unknown", Kind(999).String())
}
