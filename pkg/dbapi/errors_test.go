package dbapi

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHierarchy(t *testing.T) {
	err := Errorf(KindOperational, nil, "server went away")

	assert.ErrorIs(t, err, ErrOperational)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.ErrorIs(t, err, ErrError)
	assert.NotErrorIs(t, err, ErrInterface)
	assert.NotErrorIs(t, err, ErrIntegrity)
	assert.True(t, IsOperational(err))
}

func TestInterfaceErrorIsNotDatabaseError(t *testing.T) {
	err := Wrap(KindInterface, ErrConnectionClosed)

	assert.ErrorIs(t, err, ErrInterface)
	assert.ErrorIs(t, err, ErrError)
	assert.NotErrorIs(t, err, ErrDatabase)
	assert.True(t, IsConnectionClosed(err))
}

func TestWrappedChain(t *testing.T) {
	cause := errors.New("duplicate key")
	err := fmt.Errorf("insert users: %w", Errorf(KindIntegrity, cause, "constraint users_pkey"))

	require.ErrorIs(t, err, ErrIntegrity)
	require.ErrorIs(t, err, cause)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindIntegrity, kind)
	assert.Equal(t, "insert users: IntegrityError: constraint users_pkey: duplicate key", err.Error())
}

func TestKindOfPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestSentinelDoesNotMatchConcreteError(t *testing.T) {
	concrete := Errorf(KindData, nil, "bad value")
	assert.False(t, errors.Is(ErrData, concrete))
}
