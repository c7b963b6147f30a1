package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	errInvalid := New(KindInvalid, "bad input")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"sentinel", errInvalid, KindInvalid},
		{"wrapped sentinel", fmt.Errorf("saving: %w", errInvalid), KindInvalid},
		{"explicit wrap", Integrity(errors.New("orphan allocation")), KindIntegrity},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTransient},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapKeepsChain(t *testing.T) {
	base := errors.New("serialization failure")
	err := Transient(base)

	assert.ErrorIs(t, err, base)
	assert.True(t, IsTransient(err))
	assert.True(t, KindOf(err).Retryable())
	assert.Nil(t, Wrap(KindConflict, nil))
}
