package pricing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRegistry(t *testing.T) {
	r := NewSourceRegistry()
	assert.Equal(t, []string{"graphql", "postgres"}, r.Kinds())

	src, err := r.Create(context.Background(), "graphql", SourceConfig{URL: "http://indexer.local/graphql"})
	require.NoError(t, err)
	assert.IsType(t, &GraphQLPairingSource{}, src)
	require.NoError(t, src.Close())

	_, err = r.Create(context.Background(), "postgres", SourceConfig{})
	assert.Error(t, err)

	_, err = r.Create(context.Background(), "subgraph", SourceConfig{})
	assert.ErrorContains(t, err, "unknown indexer kind")

	fake := newFakeSource()
	r.Register("memory", func(context.Context, SourceConfig) (PairingSource, error) { return fake, nil })
	got, err := r.Create(context.Background(), "memory", SourceConfig{})
	require.NoError(t, err)
	assert.Same(t, fake, got)
}
