package registry

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"worker/internal/storage"
)

const recipeJSON = `{"3": {"class_type": "KSampler", "inputs": {"steps": "{{STEPS}}"}}}`

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

type fakeRecipeCaller struct {
	recipes [][]byte // gzip payloads, ids are 1-based
	names   []string
	broken  bool
}

func (f *fakeRecipeCaller) Call(_ context.Context, _ common.Address, _ abi.ABI, method string, args ...any) ([]any, error) {
	if f.broken {
		return nil, errors.New("facet unreachable")
	}
	switch method {
	case "totalRecipes":
		return []any{big.NewInt(int64(len(f.recipes)))}, nil
	case "recipeIdByRoot":
		root := args[0].([32]byte)
		for i, payload := range f.recipes {
			template, err := decompress(payload)
			if err != nil {
				continue
			}
			if r, _ := RecipeRoot(template); r == root {
				return []any{big.NewInt(int64(i + 1))}, nil
			}
		}
		return []any{big.NewInt(0)}, nil
	case "getRecipe":
		id := int(args[0].(*big.Int).Int64())
		payload := f.recipes[id-1]
		template, err := decompress(payload)
		if err != nil {
			return nil, err
		}
		root, err := RecipeRoot(template)
		if err != nil {
			return nil, err
		}
		return []any{root, f.names[id-1], f.names[id-1], true, payload}, nil
	}
	return nil, errors.New("unexpected method " + method)
}

func decompress(payload []byte) ([]byte, error) {
	return gunzip(payload)
}

func newRecipeCache(t *testing.T) *storage.FileStore {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestRecipeRootIsCanonical(t *testing.T) {
	compact := []byte(`{"b":1,"a":{"x":true}}`)
	spaced := []byte("{\n  \"a\": {\"x\": true},\n  \"b\": 1\n}")

	r1, err := RecipeRoot(compact)
	require.NoError(t, err)
	r2, err := RecipeRoot(spaced)
	require.NoError(t, err)
	require.Equal(t, r1, r2, "whitespace and key order must not change the root")

	r3, err := RecipeRoot([]byte(`{"b":2,"a":{"x":true}}`))
	require.NoError(t, err)
	require.NotEqual(t, r1, r3)
}

func TestLocalModeServesCachedRecipes(t *testing.T) {
	cache := newRecipeCache(t)
	_, err := cache.Write(context.Background(), "flux1-dev.json", []byte(recipeJSON))
	require.NoError(t, err)

	r := NewRecipeRegistry(RecipeRegistryOptions{Cache: cache})
	require.Equal(t, "local", r.Mode())

	total, err := r.GetTotal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, total)

	recipes, err := r.FetchActive(context.Background())
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	require.Equal(t, "flux1-dev", recipes[0].ModelID)
	require.True(t, recipes[0].Active)

	root, err := RecipeRoot([]byte(recipeJSON))
	require.NoError(t, err)
	id, err := r.GetByRoot(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	id, err = r.GetByRoot(context.Background(), [32]byte{1})
	require.NoError(t, err)
	require.Zero(t, id, "unregistered root resolves to 0")
}

func TestOnChainFetchVerifiesAndWritesThrough(t *testing.T) {
	cache := newRecipeCache(t)
	caller := &fakeRecipeCaller{
		recipes: [][]byte{gzipBytes(t, []byte(recipeJSON))},
		names:   []string{"flux1-dev"},
	}
	r := NewRecipeRegistry(RecipeRegistryOptions{Caller: caller, Address: testAddress, Cache: cache})
	require.Equal(t, "on-chain", r.Mode())

	recipes, err := r.FetchActive(context.Background())
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	require.JSONEq(t, recipeJSON, string(recipes[0].Template))

	// Write-through must leave the decompressed template in the cache.
	cached, err := os.ReadFile(filepath.Join(cache.BasePath(), "flux1-dev.json"))
	require.NoError(t, err)
	require.JSONEq(t, recipeJSON, string(cached))
}

func TestOnChainFailsSoftToLocal(t *testing.T) {
	cache := newRecipeCache(t)
	_, err := cache.Write(context.Background(), "wan2_2_t2v_14b.json", []byte(recipeJSON))
	require.NoError(t, err)

	r := NewRecipeRegistry(RecipeRegistryOptions{Caller: &fakeRecipeCaller{broken: true}, Address: testAddress, Cache: cache})
	require.Equal(t, "on-chain", r.Mode())

	recipes, err := r.FetchActive(context.Background())
	require.NoError(t, err)
	require.Len(t, recipes, 1, "unreachable facet falls back to local files")
	require.Equal(t, "local", r.Mode())
}

func TestGetByRootOnChain(t *testing.T) {
	caller := &fakeRecipeCaller{
		recipes: [][]byte{gzipBytes(t, []byte(recipeJSON))},
		names:   []string{"flux1-dev"},
	}
	r := NewRecipeRegistry(RecipeRegistryOptions{Caller: caller, Address: testAddress, Cache: newRecipeCache(t)})

	root, err := RecipeRoot([]byte(recipeJSON))
	require.NoError(t, err)
	id, err := r.GetByRoot(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)

	id, err = r.GetByRoot(context.Background(), [32]byte{9})
	require.NoError(t, err)
	require.Zero(t, id)
}

func TestCorruptPayloadIsSkipped(t *testing.T) {
	good := gzipBytes(t, []byte(recipeJSON))
	// Tamper after compression so the root no longer matches.
	tampered := gzipBytes(t, []byte(`{"3": {"class_type": "KSampler", "inputs": {"steps": 99}}}`))

	caller := &fakeRecipeCaller{recipes: [][]byte{good, tampered}, names: []string{"good", "bad"}}
	// Lie about the tampered recipe's root by overriding getRecipe for id 2.
	r := NewRecipeRegistry(RecipeRegistryOptions{Caller: &rootLyingCaller{inner: caller}, Address: testAddress, Cache: newRecipeCache(t)})

	recipes, err := r.FetchActive(context.Background())
	require.NoError(t, err)
	require.Len(t, recipes, 1, "recipe with mismatched root must be skipped")
	require.Equal(t, "good", recipes[0].Name)
}

// rootLyingCaller reports a wrong root for recipe id 2.
type rootLyingCaller struct {
	inner *fakeRecipeCaller
}

func (c *rootLyingCaller) Call(ctx context.Context, addr common.Address, parsed abi.ABI, method string, args ...any) ([]any, error) {
	out, err := c.inner.Call(ctx, addr, parsed, method, args...)
	if err != nil {
		return nil, err
	}
	if method == "getRecipe" && args[0].(*big.Int).Int64() == 2 {
		out[0] = [32]byte{0xde, 0xad}
	}
	return out, nil
}
