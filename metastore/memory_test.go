package metastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrykey/envelope"
)

func TestMemory_StoreLoad_RoundTrip(t *testing.T) {
	m := NewMemory()

	rec := &envelope.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("wrapped")}

	ok, err := m.Store(context.Background(), "partition-1", 100, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Load(context.Background(), "partition-1", 100)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.EncryptedKey, got.EncryptedKey)
}

func TestMemory_Load_Missing(t *testing.T) {
	m := NewMemory()

	got, err := m.Load(context.Background(), "nope", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_Store_RejectsDuplicate(t *testing.T) {
	m := NewMemory()

	rec := &envelope.EnvelopeKeyRecord{Created: 100}

	ok, err := m.Store(context.Background(), "partition-1", 100, rec)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Store(context.Background(), "partition-1", 100, rec)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_LoadLatest_ReturnsNewest(t *testing.T) {
	m := NewMemory()

	older := &envelope.EnvelopeKeyRecord{Created: 100, EncryptedKey: []byte("older")}
	newer := &envelope.EnvelopeKeyRecord{Created: 200, EncryptedKey: []byte("newer")}

	_, err := m.Store(context.Background(), "partition-1", 100, older)
	require.NoError(t, err)

	_, err = m.Store(context.Background(), "partition-1", 200, newer)
	require.NoError(t, err)

	got, err := m.LoadLatest(context.Background(), "partition-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte("newer"), got.EncryptedKey)
}

func TestMemory_LoadLatest_EmptyPartition(t *testing.T) {
	m := NewMemory()

	got, err := m.LoadLatest(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemory_DistinctPartitionsDoNotShare(t *testing.T) {
	m := NewMemory()

	_, err := m.Store(context.Background(), "a", 1, &envelope.EnvelopeKeyRecord{Created: 1})
	require.NoError(t, err)

	got, err := m.Load(context.Background(), "b", 1)
	require.NoError(t, err)
	assert.Nil(t, got)
}
