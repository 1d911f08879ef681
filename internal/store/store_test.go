package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kvFactories builds each implementation against the same contract tests.
var kvFactories = map[string]func(t *testing.T) KV{
	"mem": func(t *testing.T) KV {
		return NewMemKV()
	},
	"sqlite": func(t *testing.T) KV {
		kv, err := NewSQLiteKV(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		return kv
	},
}

func TestKVRoundTrip(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()
			ctx := context.Background()

			require.NoError(t, kv.Put(ctx, "identity/profile", []byte(`{"bio":"x"}`)))
			got, err := kv.Get(ctx, "identity/profile")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"bio":"x"}`), got)

			// Overwrite wins.
			require.NoError(t, kv.Put(ctx, "identity/profile", []byte(`{"bio":"y"}`)))
			got, err = kv.Get(ctx, "identity/profile")
			require.NoError(t, err)
			assert.Equal(t, []byte(`{"bio":"y"}`), got)
		})
	}
}

func TestKVGetMissing(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()

			_, err := kv.Get(context.Background(), "nope")
			require.Error(t, err)
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestKVScanByPrefix(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()
			ctx := context.Background()

			for i := 2; i >= 0; i-- {
				require.NoError(t, kv.Put(ctx, fmt.Sprintf("memory/repo%d", i), []byte{byte(i)}))
			}
			require.NoError(t, kv.Put(ctx, "blueprint/repo0", []byte("b")))

			entries, err := kv.ScanByPrefix(ctx, "memory/")
			require.NoError(t, err)
			require.Len(t, entries, 3)
			for i, e := range entries {
				assert.Equal(t, fmt.Sprintf("memory/repo%d", i), e.Key, "scan is key ordered")
			}
		})
	}
}

func TestKVBatch(t *testing.T) {
	for name, factory := range kvFactories {
		t.Run(name, func(t *testing.T) {
			kv := factory(t)
			defer kv.Close()
			ctx := context.Background()

			require.NoError(t, kv.Put(ctx, "stale", []byte("old")))
			require.NoError(t, kv.Batch(ctx, []BatchOp{
				{Type: BatchPut, Key: "identity/profile", Value: []byte("p")},
				{Type: BatchPut, Key: "identity/cognitive", Value: []byte("c")},
				{Type: BatchDelete, Key: "stale"},
			}))

			got, err := kv.Get(ctx, "identity/profile")
			require.NoError(t, err)
			assert.Equal(t, []byte("p"), got)

			_, err = kv.Get(ctx, "stale")
			assert.True(t, IsNotFound(err))
		})
	}
}

func TestKeyHelpers(t *testing.T) {
	assert.Equal(t, "memory/app", RepoMemoryKey("app"))
	assert.Equal(t, "blueprint/app", BlueprintKey("app"))
}
