package registry

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"worker/internal/chain"
	"worker/internal/infra"
	"worker/internal/storage"
)

// recipeRegistryABI describes the read surface of the on-chain recipe
// registry. The payload is gzip-compressed workflow JSON.
const recipeRegistryABI = `[
	{"name":"totalRecipes","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"total","type":"uint256"}]},
	{"name":"recipeIdByRoot","type":"function","stateMutability":"view","inputs":[{"name":"root","type":"bytes32"}],"outputs":[{"name":"id","type":"uint256"}]},
	{"name":"getRecipe","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"root","type":"bytes32"},{"name":"name","type":"string"},{"name":"modelId","type":"string"},{"name":"active","type":"bool"},{"name":"payload","type":"bytes"}]}
]`

// Recipe is one workflow template plus its registry metadata. Template is
// the decompressed node-graph JSON.
type Recipe struct {
	ID       uint64
	Root     [32]byte
	Name     string
	ModelID  string
	Active   bool
	Template json.RawMessage
}

// RecipeRegistryOptions configures the registry client. When Caller or
// Address is absent the client operates purely on the local cache.
type RecipeRegistryOptions struct {
	Caller  ContractCaller
	Address string
	TTL     time.Duration
	Cache   *storage.FileStore
	Logger  *infra.Logger
}

type recipeSnapshot struct {
	recipes   []Recipe
	fetchedAt time.Time
}

// RecipeRegistry is a read-through cache over the on-chain workflow-recipe
// registry, keyed by recipe root. On-chain mode fails soft to the local
// cache directory whenever the remote facet is unreachable, a distinct
// condition from a recipe simply not being registered.
type RecipeRegistry struct {
	caller  ContractCaller
	address common.Address
	parsed  abi.ABI
	ttl     time.Duration
	cache   *storage.FileStore
	logger  *infra.Logger
	onchain atomic.Bool
	current atomic.Pointer[recipeSnapshot]
	group   singleflight.Group
}

// NewRecipeRegistry constructs the client in on-chain mode when a caller
// and contract address are configured, local mode otherwise.
func NewRecipeRegistry(opts RecipeRegistryOptions) *RecipeRegistry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	r := &RecipeRegistry{
		caller: opts.Caller,
		ttl:    ttl,
		cache:  opts.Cache,
		logger: opts.Logger,
		parsed: chain.MustParseABI(recipeRegistryABI),
	}
	addr := strings.TrimSpace(opts.Address)
	if opts.Caller != nil && common.IsHexAddress(addr) {
		r.address = common.HexToAddress(addr)
		r.onchain.Store(true)
	}
	return r
}

// Mode reports the active fetch mode for the ops status surface.
func (r *RecipeRegistry) Mode() string {
	if r.onchain.Load() {
		return "on-chain"
	}
	return "local"
}

// SnapshotAge returns the age of the current cache snapshot, zero when no
// snapshot exists yet.
func (r *RecipeRegistry) SnapshotAge() time.Duration {
	snap := r.current.Load()
	if snap == nil {
		return 0
	}
	return time.Since(snap.fetchedAt)
}

// RecipeRoot computes the content hash identifying a normalized template:
// sha256 over the canonical re-marshaling (object keys sorted, whitespace
// collapsed) of the workflow JSON.
func RecipeRoot(template []byte) ([32]byte, error) {
	var decoded any
	if err := json.Unmarshal(template, &decoded); err != nil {
		return [32]byte{}, fmt.Errorf("recipe root: decode template: %w", err)
	}
	canonical, err := json.Marshal(decoded)
	if err != nil {
		return [32]byte{}, fmt.Errorf("recipe root: canonicalize: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// GetTotal returns the number of registered recipes, or the local cache
// size when operating locally.
func (r *RecipeRegistry) GetTotal(ctx context.Context) (int, error) {
	if r.onchain.Load() {
		out, err := r.caller.Call(ctx, r.address, r.parsed, "totalRecipes")
		if err == nil {
			return int(out[0].(*big.Int).Int64()), nil
		}
		r.fallLocal(err)
	}
	keys, err := r.cache.List(ctx, ".json")
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// GetByRoot resolves a recipe root to its registry id; 0 means the recipe
// is not registered. In local mode the id is the 1-based position within
// the cache directory listing.
func (r *RecipeRegistry) GetByRoot(ctx context.Context, root [32]byte) (uint64, error) {
	if r.onchain.Load() {
		out, err := r.caller.Call(ctx, r.address, r.parsed, "recipeIdByRoot", root)
		if err == nil {
			return out[0].(*big.Int).Uint64(), nil
		}
		r.fallLocal(err)
	}
	recipes, err := r.localRecipes(ctx)
	if err != nil {
		return 0, err
	}
	for i, recipe := range recipes {
		if recipe.Root == root {
			return uint64(i + 1), nil
		}
	}
	return 0, nil
}

// FetchActive returns all active recipes, served from the cached snapshot
// and refreshed lazily past the TTL. Readers never block on a refresh in
// progress.
func (r *RecipeRegistry) FetchActive(ctx context.Context) ([]Recipe, error) {
	snap := r.current.Load()
	if snap == nil {
		fresh, err := r.refresh(ctx)
		if err != nil {
			return nil, err
		}
		return fresh.recipes, nil
	}
	if time.Since(snap.fetchedAt) > r.ttl {
		go func() {
			if _, err := r.refresh(context.Background()); err != nil && r.logger != nil {
				r.logger.Warn().Err(err).Msg("registry: recipe refresh failed, serving stale snapshot")
			}
		}()
	}
	return snap.recipes, nil
}

func (r *RecipeRegistry) refresh(ctx context.Context) (*recipeSnapshot, error) {
	v, err, _ := r.group.Do("recipes", func() (any, error) {
		recipes, err := r.fetchRecipes(ctx)
		if err != nil {
			return nil, err
		}
		snap := &recipeSnapshot{recipes: recipes, fetchedAt: time.Now()}
		r.current.Store(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*recipeSnapshot), nil
}

func (r *RecipeRegistry) fetchRecipes(ctx context.Context) ([]Recipe, error) {
	if r.onchain.Load() {
		recipes, err := r.fetchChain(ctx)
		if err == nil {
			return recipes, nil
		}
		r.fallLocal(err)
	}
	return r.localRecipes(ctx)
}

func (r *RecipeRegistry) fetchChain(ctx context.Context) ([]Recipe, error) {
	out, err := r.caller.Call(ctx, r.address, r.parsed, "totalRecipes")
	if err != nil {
		return nil, err
	}
	total := out[0].(*big.Int).Int64()
	recipes := make([]Recipe, 0, total)
	for id := int64(1); id <= total; id++ {
		recipe, err := r.fetchRecipe(ctx, uint64(id))
		if err != nil {
			return nil, err
		}
		if recipe == nil {
			continue
		}
		recipes = append(recipes, *recipe)
	}
	return recipes, nil
}

// fetchRecipe retrieves and verifies one recipe. Inactive entries and
// entries whose payload does not hash back to the advertised root are
// skipped, the latter with a warning.
func (r *RecipeRegistry) fetchRecipe(ctx context.Context, id uint64) (*Recipe, error) {
	out, err := r.caller.Call(ctx, r.address, r.parsed, "getRecipe", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("registry: getRecipe returned %d values", len(out))
	}
	recipe := Recipe{
		ID:      id,
		Root:    out[0].([32]byte),
		Name:    out[1].(string),
		ModelID: out[2].(string),
		Active:  out[3].(bool),
	}
	if !recipe.Active {
		return nil, nil
	}
	template, err := gunzip(out[4].([]byte))
	if err != nil {
		return nil, fmt.Errorf("registry: recipe %d payload: %w", id, err)
	}
	root, err := RecipeRoot(template)
	if err != nil {
		return nil, fmt.Errorf("registry: recipe %d: %w", id, err)
	}
	if root != recipe.Root {
		if r.logger != nil {
			r.logger.Warn().Uint64("recipe_id", id).Str("name", recipe.Name).Msg("registry: recipe root mismatch, skipping")
		}
		return nil, nil
	}
	recipe.Template = template
	r.writeThrough(ctx, recipe)
	return &recipe, nil
}

// writeThrough caches the decompressed template locally so a later RPC
// outage still serves this recipe.
func (r *RecipeRegistry) writeThrough(ctx context.Context, recipe Recipe) {
	if r.cache == nil {
		return
	}
	key := cacheKey(recipe)
	if _, err := r.cache.Write(ctx, key, recipe.Template); err != nil && r.logger != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("registry: recipe write-through failed")
	}
}

func (r *RecipeRegistry) localRecipes(ctx context.Context) ([]Recipe, error) {
	keys, err := r.cache.List(ctx, ".json")
	if err != nil {
		return nil, err
	}
	recipes := make([]Recipe, 0, len(keys))
	for i, key := range keys {
		template, err := r.cache.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		root, err := RecipeRoot(template)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("registry: skipping malformed cached recipe")
			}
			continue
		}
		name := strings.TrimSuffix(key, filepath.Ext(key))
		recipes = append(recipes, Recipe{
			ID:       uint64(i + 1),
			Root:     root,
			Name:     name,
			ModelID:  name,
			Active:   true,
			Template: template,
		})
	}
	return recipes, nil
}

// fallLocal degrades the client to local mode once per process lifetime.
// This path covers an unreachable or unregistered registry facet, not a
// missing recipe.
func (r *RecipeRegistry) fallLocal(err error) {
	if r.onchain.CompareAndSwap(true, false) && r.logger != nil {
		r.logger.Warn().Err(err).Msg("registry: recipe registry unreachable, falling back to local cache")
	}
}

func cacheKey(recipe Recipe) string {
	name := strings.TrimSpace(recipe.ModelID)
	if name == "" {
		name = fmt.Sprintf("%x", recipe.Root[:8])
	}
	name = strings.Map(func(ch rune) rune {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_', ch == '.':
			return ch
		default:
			return '_'
		}
	}, name)
	return name + ".json"
}

func gunzip(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	data, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return data, nil
}
