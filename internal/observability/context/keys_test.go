package context

import (
	"context"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureCorrelationID_GeneratesOnce(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())
	require.NotEmpty(t, cid)
	_, err := ulid.ParseStrict(cid)
	assert.NoError(t, err)

	ctx2, again := EnsureCorrelationID(ctx)
	assert.Equal(t, cid, again)
	assert.Equal(t, cid, CorrelationIDFromContext(ctx2))
}

func TestRequestIDAndProvider(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithProvider(ctx, "stripe")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "stripe", ProviderFromContext(ctx))

	assert.Equal(t, "", RequestIDFromContext(context.Background()))
	assert.Equal(t, context.Background(), WithRequestID(context.Background(), ""))
}
