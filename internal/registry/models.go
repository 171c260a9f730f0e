package registry

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"worker/internal/chain"
	"worker/internal/infra"
)

// modelRegistryABI describes the read surface of the on-chain model
// registry. Returns are flat so unpacked values type-assert cleanly.
const modelRegistryABI = `[
	{"name":"getModelCount","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"count","type":"uint256"}]},
	{"name":"getModel","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"modelHash","type":"bytes32"},{"name":"kind","type":"uint8"},{"name":"fileName","type":"string"},{"name":"downloadUrl","type":"string"},{"name":"sizeBytes","type":"uint256"},{"name":"vramMb","type":"uint256"},{"name":"active","type":"bool"}]},
	{"name":"getModelConstraints","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"stepsMin","type":"uint32"},{"name":"stepsMax","type":"uint32"},{"name":"cfgMinTenths","type":"uint32"},{"name":"cfgMaxTenths","type":"uint32"},{"name":"samplers","type":"string"},{"name":"schedulers","type":"string"}]}
]`

// ModelKind names for the registry's uint8 type discriminator.
var modelKindNames = map[uint8]string{
	0: "checkpoint",
	1: "lora",
	2: "vae",
	3: "clip",
	4: "unet",
	5: "upscale",
}

// ModelConstraints bound the sampling parameters a model accepts. CFG bounds
// are fixed-point tenths to avoid float drift across the wire.
type ModelConstraints struct {
	StepsMin     int
	StepsMax     int // 0 means unlimited
	CfgMinTenths int
	CfgMaxTenths int
	Samplers     []string
	Schedulers   []string
}

// ModelRecord is the on-chain metadata for one installable model.
type ModelRecord struct {
	Hash        [32]byte
	Kind        string
	FileName    string
	DownloadURL string
	SizeBytes   uint64
	VRAMMB      uint64
	Active      bool
	Constraints *ModelConstraints
}

// VerdictResult is the three-valued outcome of parameter validation.
// Unknown is mapped to acceptance only at the call site, so callers can
// tell "validated" apart from "assumed valid".
type VerdictResult int

const (
	Pass VerdictResult = iota
	Violation
	Unknown
)

// Verdict carries the validation outcome plus a human-readable reason for
// violations and skips.
type Verdict struct {
	Result VerdictResult
	Reason string
}

// Accepted maps Unknown to acceptance, implementing the fail-open policy.
func (v Verdict) Accepted() bool { return v.Result != Violation }

// ContractCaller abstracts chain.Caller for tests.
type ContractCaller interface {
	Call(ctx context.Context, contract common.Address, parsed abi.ABI, method string, args ...any) ([]any, error)
}

var _ ContractCaller = (*chain.Caller)(nil)

// ModelRegistryOptions configures the registry client.
type ModelRegistryOptions struct {
	Caller  ContractCaller
	Address string
	TTL     time.Duration
	Logger  *infra.Logger
}

type modelSnapshot struct {
	records   []ModelRecord
	fetchedAt time.Time
}

// ModelRegistry is a read-through cache over the on-chain model registry.
// Readers always observe a complete snapshot; refreshes swap the snapshot
// pointer atomically and never block concurrent readers. RPC failure
// degrades the client to disabled rather than blocking job intake.
type ModelRegistry struct {
	caller   ContractCaller
	address  common.Address
	ttl      time.Duration
	logger   *infra.Logger
	parsed   abi.ABI
	disabled atomic.Bool
	current  atomic.Pointer[modelSnapshot]
	group    singleflight.Group
}

// NewModelRegistry constructs the client. A missing caller or address
// yields a permanently disabled client whose validation always skips.
func NewModelRegistry(opts ModelRegistryOptions) *ModelRegistry {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	r := &ModelRegistry{
		caller: opts.Caller,
		ttl:    ttl,
		logger: opts.Logger,
		parsed: chain.MustParseABI(modelRegistryABI),
	}
	addr := strings.TrimSpace(opts.Address)
	if opts.Caller == nil || !common.IsHexAddress(addr) {
		r.disabled.Store(true)
	} else {
		r.address = common.HexToAddress(addr)
	}
	return r
}

// Enabled reports whether the client still performs on-chain reads.
func (r *ModelRegistry) Enabled() bool { return !r.disabled.Load() }

// SnapshotAge returns how old the current cache snapshot is, for the ops
// status surface. Zero when no snapshot exists yet.
func (r *ModelRegistry) SnapshotAge() time.Duration {
	snap := r.current.Load()
	if snap == nil {
		return 0
	}
	return time.Since(snap.fetchedAt)
}

// FetchAll returns the cached model list, refreshed lazily past the TTL.
// A stale snapshot is served while a background refresh runs; only the
// very first call fetches synchronously.
func (r *ModelRegistry) FetchAll(ctx context.Context) []ModelRecord {
	if r.disabled.Load() {
		if snap := r.current.Load(); snap != nil {
			return snap.records
		}
		return nil
	}
	snap := r.current.Load()
	if snap == nil {
		fresh, err := r.refresh(ctx)
		if err != nil {
			r.degrade(err)
			return nil
		}
		return fresh.records
	}
	if time.Since(snap.fetchedAt) > r.ttl {
		go func() {
			if _, err := r.refresh(context.Background()); err != nil {
				r.degrade(err)
			}
		}()
	}
	return snap.records
}

// Find matches a model by file name: exact first, then case-insensitive,
// then substring.
func (r *ModelRegistry) Find(ctx context.Context, name string) (*ModelRecord, bool) {
	records := r.FetchAll(ctx)
	for i := range records {
		if records[i].FileName == name {
			return &records[i], true
		}
	}
	lowered := strings.ToLower(name)
	for i := range records {
		if strings.ToLower(records[i].FileName) == lowered {
			return &records[i], true
		}
	}
	for i := range records {
		if strings.Contains(strings.ToLower(records[i].FileName), lowered) {
			return &records[i], true
		}
	}
	return nil, false
}

// ValidateParams checks job parameters against on-chain constraints. The
// policy is fail-open: a disabled client, an unknown or inactive model, or
// absent constraints all yield Unknown, never Violation.
func (r *ModelRegistry) ValidateParams(ctx context.Context, fileName string, steps int, cfg float64, sampler, scheduler string) Verdict {
	if r.disabled.Load() {
		return Verdict{Result: Unknown, Reason: "registry disabled"}
	}
	record, ok := r.Find(ctx, fileName)
	if !ok {
		return Verdict{Result: Unknown, Reason: fmt.Sprintf("model %q not registered", fileName)}
	}
	if !record.Active {
		return Verdict{Result: Unknown, Reason: fmt.Sprintf("model %q inactive", fileName)}
	}
	c := record.Constraints
	if c == nil {
		return Verdict{Result: Unknown, Reason: "no constraints advertised"}
	}
	if steps < c.StepsMin {
		return Verdict{Result: Violation, Reason: fmt.Sprintf("steps %d below minimum %d", steps, c.StepsMin)}
	}
	if c.StepsMax > 0 && steps > c.StepsMax {
		return Verdict{Result: Violation, Reason: fmt.Sprintf("steps %d above maximum %d", steps, c.StepsMax)}
	}
	cfgTenths := int(math.Round(cfg * 10))
	if cfgTenths < c.CfgMinTenths {
		return Verdict{Result: Violation, Reason: fmt.Sprintf("cfg %.1f below minimum %.1f", cfg, float64(c.CfgMinTenths)/10)}
	}
	if c.CfgMaxTenths > 0 && cfgTenths > c.CfgMaxTenths {
		return Verdict{Result: Violation, Reason: fmt.Sprintf("cfg %.1f above maximum %.1f", cfg, float64(c.CfgMaxTenths)/10)}
	}
	if len(c.Samplers) > 0 && !containsFold(c.Samplers, sampler) {
		return Verdict{Result: Violation, Reason: fmt.Sprintf("sampler %q not allowed", sampler)}
	}
	if len(c.Schedulers) > 0 && !containsFold(c.Schedulers, scheduler) {
		return Verdict{Result: Violation, Reason: fmt.Sprintf("scheduler %q not allowed", scheduler)}
	}
	return Verdict{Result: Pass}
}

func (r *ModelRegistry) refresh(ctx context.Context) (*modelSnapshot, error) {
	v, err, _ := r.group.Do("models", func() (any, error) {
		records, err := r.fetchChain(ctx)
		if err != nil {
			return nil, err
		}
		snap := &modelSnapshot{records: records, fetchedAt: time.Now()}
		r.current.Store(snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*modelSnapshot), nil
}

func (r *ModelRegistry) fetchChain(ctx context.Context) ([]ModelRecord, error) {
	out, err := r.caller.Call(ctx, r.address, r.parsed, "getModelCount")
	if err != nil {
		return nil, err
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("registry: unexpected model count type %T", out[0])
	}
	records := make([]ModelRecord, 0, count.Int64())
	for i := int64(0); i < count.Int64(); i++ {
		record, err := r.fetchModel(ctx, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *ModelRegistry) fetchModel(ctx context.Context, id *big.Int) (ModelRecord, error) {
	out, err := r.caller.Call(ctx, r.address, r.parsed, "getModel", id)
	if err != nil {
		return ModelRecord{}, err
	}
	if len(out) != 7 {
		return ModelRecord{}, fmt.Errorf("registry: getModel returned %d values", len(out))
	}
	record := ModelRecord{
		Hash:        out[0].([32]byte),
		Kind:        modelKindNames[out[1].(uint8)],
		FileName:    out[2].(string),
		DownloadURL: out[3].(string),
		SizeBytes:   out[4].(*big.Int).Uint64(),
		VRAMMB:      out[5].(*big.Int).Uint64(),
		Active:      out[6].(bool),
	}
	cons, err := r.caller.Call(ctx, r.address, r.parsed, "getModelConstraints", id)
	if err != nil {
		return ModelRecord{}, err
	}
	if len(cons) != 6 {
		return ModelRecord{}, fmt.Errorf("registry: getModelConstraints returned %d values", len(cons))
	}
	constraints := &ModelConstraints{
		StepsMin:     int(cons[0].(uint32)),
		StepsMax:     int(cons[1].(uint32)),
		CfgMinTenths: int(cons[2].(uint32)),
		CfgMaxTenths: int(cons[3].(uint32)),
		Samplers:     splitList(cons[4].(string)),
		Schedulers:   splitList(cons[5].(string)),
	}
	// A fully zero constraint row means the model was registered without
	// advisory bounds.
	if constraints.StepsMin == 0 && constraints.StepsMax == 0 &&
		constraints.CfgMinTenths == 0 && constraints.CfgMaxTenths == 0 &&
		len(constraints.Samplers) == 0 && len(constraints.Schedulers) == 0 {
		constraints = nil
	}
	record.Constraints = constraints
	return record, nil
}

func (r *ModelRegistry) degrade(err error) {
	if r.disabled.CompareAndSwap(false, true) && r.logger != nil {
		r.logger.Warn().Err(err).Msg("registry: model registry unreachable, validation disabled")
	}
}

func splitList(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
