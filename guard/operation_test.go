package guard

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperation_Validate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	valid := Operation{OperationID: "op-1", ResourceID: "gold:char1", Delta: 10}
	assert.NoError(t, valid.Validate(ctx))

	missingOp := Operation{ResourceID: "gold:char1"}
	assert.Error(t, missingOp.Validate(ctx))

	missingResource := Operation{OperationID: "op-1"}
	assert.Error(t, missingResource.Validate(ctx))
}

func TestOperation_Fingerprint(t *testing.T) {
	t.Parallel()

	a := Operation{OperationID: "op-1", ResourceID: "gold:char1", Delta: -60}
	b := Operation{OperationID: "op-2", ResourceID: "gold:char1", Delta: -60}

	// The derived fingerprint covers content, not the operation id.
	assert.Equal(t, a.fingerprint(), b.fingerprint())

	differentDelta := Operation{OperationID: "op-1", ResourceID: "gold:char1", Delta: -61}
	assert.NotEqual(t, a.fingerprint(), differentDelta.fingerprint())

	differentResource := Operation{OperationID: "op-1", ResourceID: "gold:char2", Delta: -60}
	assert.NotEqual(t, a.fingerprint(), differentResource.fingerprint())

	// A delta and a target state with the same number are distinct content.
	state := Operation{OperationID: "op-1", ResourceID: "gold:char1", TargetState: int64Ptr(-60)}
	assert.NotEqual(t, a.fingerprint(), state.fingerprint())

	// Caller-supplied fingerprints pass through untouched.
	custom := Operation{OperationID: "op-1", ResourceID: "gold:char1", Delta: -60, Fingerprint: "sha256:abc"}
	assert.Equal(t, "sha256:abc", custom.fingerprint())
}

func TestApplyDelta(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		value   int64
		delta   int64
		want    int64
		wantErr bool
	}{
		{name: "add", value: 100, delta: 50, want: 150},
		{name: "subtract", value: 100, delta: -60, want: 40},
		{name: "zero delta", value: 100, delta: 0, want: 100},
		{name: "to exact zero", value: 60, delta: -60, want: 0},
		{name: "max boundary", value: math.MaxInt64 - 1, delta: 1, want: math.MaxInt64},
		{name: "positive overflow", value: math.MaxInt64, delta: 1, wantErr: true},
		{name: "negative overflow", value: math.MinInt64, delta: -1, wantErr: true},
		{name: "large positive overflow", value: int64(1) << 62, delta: int64(1) << 62, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := applyDelta(tt.value, tt.delta)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrOverflow)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
