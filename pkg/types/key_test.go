package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewKeyNormalizesIntegers(t *testing.T) {
	assert.Equal(t, NewKey("Order", int64(1)), NewKey("Order", 1))
	assert.Equal(t, NewKey("Order", uint16(7)), NewKey("Order", int32(7)))
	assert.NotEqual(t, NewKey("Order", 1), NewKey("LineItem", 1))
	assert.NotEqual(t, NewKey("Order", "1"), NewKey("Order", 1))
	assert.Equal(t, "Order#1", NewKey("Order", 1).String())
}

func TestKeyValid(t *testing.T) {
	assert.True(t, NewKey("Order", 1).Valid())
	assert.True(t, NewKey("Customer", "ALFKI").Valid())
	assert.False(t, NewKey("Order", 0).Valid())
	assert.False(t, NewKey("Order", "").Valid())
	assert.False(t, NewKey("Order", nil).Valid())
	assert.False(t, NewKey("", 3).Valid())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "transient", Transient.String())
	assert.Equal(t, "managed", Managed.String())
	assert.Equal(t, "detached", Detached.String())
	assert.Equal(t, "removed", Removed.String())
	assert.Equal(t, "rolled-back", TxRolledBack.String())
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	key := NewKey("Order", 1)
	cause := errors.New("disk full")

	tests := []struct {
		name  string
		err   error
		match error
		is    func(error) bool
	}{
		{"not found", NewNotFoundError(key), ErrNotFound, IsNotFound},
		{"illegal state", &IllegalStateError{Op: "persist", Entity: key.String(), State: Removed}, ErrIllegalState, IsIllegalState},
		{"stale session", &StaleSessionError{Association: "items", Owner: key.String()}, ErrStaleSession, IsStaleSession},
		{"cascade cycle", &CascadeCycleError{Cycle: []string{"A", "B"}}, ErrCascadeCycle, IsCascadeCycle},
		{"backing store", NewBackingStoreError("insert", cause), ErrBackingStore, IsBackingStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.match)
			assert.True(t, tt.is(wrapped))
		})
	}
}

func TestBackingStoreErrorUnwraps(t *testing.T) {
	cause := errors.New("constraint violated")
	err := NewBackingStoreError("insert", cause)
	assert.ErrorIs(t, err, cause)
	assert.Same(t, err, NewBackingStoreError("commit", err))
	assert.Nil(t, NewBackingStoreError("noop", nil))
}

func TestRowCloneCopiesBytes(t *testing.T) {
	r := NewRow("Category")
	r.Values["picture"] = []byte{1, 2, 3}
	cp := r.Clone()
	cp.Values["picture"].([]byte)[0] = 9
	assert.Equal(t, byte(1), r.Values["picture"].([]byte)[0])
	assert.Nil(t, Row{}.Get("missing"))
}
