package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	require.Equal(t, SignalTransient, Classify(base))
	require.True(t, IsPermanent(Permanent(base)))
	require.True(t, IsTransient(Transient(base)))
	require.True(t, IsPermanent(fmt.Errorf("ship: %w", Permanent(base))))
	require.ErrorIs(t, Permanent(base), base)

	require.Nil(t, Permanent(nil))
	require.False(t, IsPermanent(nil))
	require.False(t, IsTransient(nil))

	require.True(t, IsCanceled(fmt.Errorf("x: %w", context.Canceled)))
	require.Equal(t, "permanent", SignalPermanent.String())
}
