package port

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nobletooth/ttlkv/pkg/cache"
	"github.com/nobletooth/ttlkv/pkg/config"
	"github.com/nobletooth/ttlkv/pkg/expiring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	ttlCache, err := cache.NewTTL[string, []byte](strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	backend, err := NewBackend(ttlCache)
	require.NoError(t, err)
	return backend
}

func mustParseHex(t *testing.T, hex string) uint64 {
	t.Helper()
	value, err := strconv.ParseUint(hex, 16 /*base*/, 64 /*bitSize*/)
	require.NoError(t, err)
	return value
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend(nil)
	assert.Error(t, err)

	config.SetTestFlag(t, "default_ttl", "0s")
	ttlCache, err := cache.NewTTL[string, []byte](t.Name())
	require.NoError(t, err)
	_, err = NewBackend(ttlCache)
	assert.Error(t, err, "Expected an error for a non-positive default TTL")
}

func TestBackend(t *testing.T) {
	backend := newTestBackend(t)

	t.Run("set", func(t *testing.T) {
		assert.NoError(t, backend.Set(SetCommand{key: "k1", value: []byte("v1")}).err)
		assert.NoError(t, backend.Set(SetCommand{key: "k2", value: []byte("v2")}).err)
		assert.NoError(t, backend.Set(SetCommand{key: "k3", value: []byte("v3")}).err)
	})
	t.Run("get_existing_key", func(t *testing.T) {
		val, err := backend.Get("k1")
		assert.NoError(t, err)
		assert.Equal(t, []byte("v1"), val)
	})
	t.Run("get_non_existent_key", func(t *testing.T) {
		_, err := backend.Get("non_existent")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
	t.Run("default_ttl", func(t *testing.T) {
		remaining, err := backend.TimeToLive("k1")
		assert.NoError(t, err)
		assert.InDelta(t, (24 * time.Hour).Seconds(), remaining.Seconds(), 5)
	})
	t.Run("delete_existing_key", func(t *testing.T) {
		deleted, err := backend.Delete("k2", "k2", "non_existent")
		assert.NoError(t, err)
		assert.Equal(t, 1, deleted)
		val, err := backend.Get("k2")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.Nil(t, val)
	})
	t.Run("delete_non_existent_key", func(t *testing.T) {
		deleted, err := backend.Delete("random")
		assert.NoError(t, err)
		assert.Zero(t, deleted)
	})
	t.Run("exists", func(t *testing.T) {
		existing, err := backend.Exists("k1", "k1", "k2", "k3", "random")
		assert.NoError(t, err)
		assert.Equal(t, 3, existing)
	})
	t.Run("set_expirable", func(t *testing.T) {
		assert.NoError(t, backend.Set(SetCommand{
			key:       "kx1",
			value:     []byte("vx1"),
			expiresAt: expiring.DeadlineIn(10 * time.Millisecond),
		}).err)
		assert.NoError(t, backend.Set(SetCommand{
			key:       "kx2",
			value:     []byte("vx2"),
			expiresAt: expiring.DeadlineIn(time.Hour),
		}).err)
		// Make sure "kx1" eventually expires.
		assert.Eventually(t, func() bool {
			_, err := backend.Get("kx1")
			return err != nil
		}, time.Second, 5*time.Millisecond)
		_, err := backend.TimeToLive("kx1")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		// Even when "kx1" expired, the "kx2" still remains since it has a really long TTL.
		val, err := backend.Get("kx2")
		assert.NoError(t, err)
		assert.Equal(t, []byte("vx2"), val)
	})
	t.Run("keys_and_size", func(t *testing.T) {
		keys, err := backend.Keys("k?")
		assert.NoError(t, err)
		assert.Equal(t, []string{"k1", "k3"}, keys)
		keys, err = backend.Keys("kx*")
		assert.NoError(t, err)
		assert.Equal(t, []string{"kx2"}, keys)
		size, err := backend.Size()
		assert.NoError(t, err)
		assert.Equal(t, 3, size) // k1, k3, kx2.
	})
	t.Run("digest", func(t *testing.T) {
		digest, err := backend.Digest("k1")
		assert.NoError(t, err)
		assert.Len(t, digest, 16)
		assert.Equal(t, xxhash.Sum64String("v1"), mustParseHex(t, digest))
		_, err = backend.Digest("k2")
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})
}

func TestBackend_SetOptions(t *testing.T) {
	deadline := expiring.DeadlineIn(time.Hour)
	for _, testCase := range []struct {
		name         string
		previous     *SetCommand // Set before running `cmd` if non-nil.
		cmd          SetCommand
		wantSet      bool
		wantPrevious []byte
		wantHasPrev  bool
		wantValue    []byte // Nil means the key should be absent.
		wantDeadline time.Time
	}{
		{
			name:      "nx_on_missing_key",
			cmd:       SetCommand{key: "k", value: []byte("new"), existence: ifNotExists, expiresAt: deadline},
			wantSet:   true,
			wantValue: []byte("new"),
		},
		{
			name:      "nx_on_live_key",
			previous:  &SetCommand{key: "k", value: []byte("old"), expiresAt: deadline},
			cmd:       SetCommand{key: "k", value: []byte("new"), existence: ifNotExists},
			wantSet:   false,
			wantValue: []byte("old"),
		},
		{
			name:      "nx_on_expired_key",
			previous:  &SetCommand{key: "k", value: []byte("old"), expiresAt: expiring.DeadlineIn(-time.Second)},
			cmd:       SetCommand{key: "k", value: []byte("new"), existence: ifNotExists, expiresAt: deadline},
			wantSet:   true,
			wantValue: []byte("new"),
		},
		{
			name:      "xx_on_missing_key",
			cmd:       SetCommand{key: "k", value: []byte("new"), existence: ifExists},
			wantSet:   false,
			wantValue: nil,
		},
		{
			name:      "xx_on_live_key",
			previous:  &SetCommand{key: "k", value: []byte("old"), expiresAt: deadline},
			cmd:       SetCommand{key: "k", value: []byte("new"), existence: ifExists, expiresAt: deadline},
			wantSet:   true,
			wantValue: []byte("new"),
		},
		{
			name:         "keepttl_on_live_key",
			previous:     &SetCommand{key: "k", value: []byte("old"), expiresAt: deadline},
			cmd:          SetCommand{key: "k", value: []byte("new"), keepTtl: true},
			wantSet:      true,
			wantValue:    []byte("new"),
			wantDeadline: deadline,
		},
		{
			name:         "get_returns_previous",
			previous:     &SetCommand{key: "k", value: []byte("old"), expiresAt: deadline},
			cmd:          SetCommand{key: "k", value: []byte("new"), get: true, expiresAt: deadline},
			wantSet:      true,
			wantPrevious: []byte("old"),
			wantHasPrev:  true,
			wantValue:    []byte("new"),
		},
		{
			name:      "get_on_missing_key",
			cmd:       SetCommand{key: "k", value: []byte("new"), get: true, expiresAt: deadline},
			wantSet:   true,
			wantValue: []byte("new"),
		},
		{
			name:      "already_expired_deadline",
			cmd:       SetCommand{key: "k", value: []byte("new"), expiresAt: expiring.DeadlineIn(-time.Second)},
			wantSet:   true,
			wantValue: nil,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			backend := newTestBackend(t)
			if testCase.previous != nil {
				require.NoError(t, backend.Set(*testCase.previous).err)
			}

			result := backend.Set(testCase.cmd)
			require.NoError(t, result.err)
			assert.Equal(t, testCase.wantSet, result.couldSet)
			assert.Equal(t, testCase.wantHasPrev, result.hasPreviousValue)
			assert.Equal(t, testCase.wantPrevious, result.previousValue)

			value, err := backend.Get("k")
			if testCase.wantValue == nil {
				assert.ErrorIs(t, err, ErrKeyNotFound)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, testCase.wantValue, value)
			}
			if !testCase.wantDeadline.IsZero() {
				require.NoError(t, backend.cache.View(func(store *expiring.Store[string, []byte]) {
					_, expiresAt, found := store.GetWithExpiration("k")
					assert.True(t, found)
					assert.Equal(t, testCase.wantDeadline, expiresAt)
				}))
			}
		})
	}
}

func TestBackend_UnknownExistenceCheck(t *testing.T) {
	backend := newTestBackend(t)
	result := backend.Set(SetCommand{key: "k", value: []byte("v"), existence: existenceCheck(42)})
	assert.Error(t, result.err)
	_, err := backend.Get("k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
