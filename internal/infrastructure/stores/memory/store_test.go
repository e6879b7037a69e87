package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyline/internal/core/domain"
)

func envelope(id string, ts int64) domain.SignalEnvelope {
	return domain.SignalEnvelope{
		ID:         id,
		Kind:       domain.KindAdvertisement,
		SourcePeer: "p-src",
		Payload:    []byte(`{}`),
		Timestamp:  ts,
	}
}

func TestStoreAppendRead(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, envelope("a", 100)))
	require.NoError(t, s.Append(ctx, envelope("b", 200)))

	envs, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "a", envs[0].ID)
	assert.Equal(t, "b", envs[1].ID)
}

func TestStoreReadReturnsCopy(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, envelope("a", 100)))

	first, err := s.Read(ctx)
	require.NoError(t, err)
	first[0].ID = "mutated"

	second, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", second[0].ID)
}

func TestStorePurge(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	cutoff := time.UnixMilli(150)
	require.NoError(t, s.Append(ctx, envelope("old", 100)))
	require.NoError(t, s.Append(ctx, envelope("edge", 150)))
	require.NoError(t, s.Append(ctx, envelope("new", 200)))

	require.NoError(t, s.Purge(ctx, cutoff))

	envs, err := s.Read(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "edge", envs[0].ID)
	assert.Equal(t, "new", envs[1].ID)
}

func TestStoreClose(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Close())
}
