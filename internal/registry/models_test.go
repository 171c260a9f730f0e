package registry

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x00000000000000000000000000000000000000aa"

// fakeCaller serves canned unpacked outputs keyed by method name.
type fakeCaller struct {
	models      []fakeModel
	constraints []fakeConstraints
	err         error
	calls       int
}

type fakeModel struct {
	fileName string
	active   bool
}

type fakeConstraints struct {
	stepsMin, stepsMax         uint32
	cfgMinTenths, cfgMaxTenths uint32
	samplers, schedulers       string
}

func (f *fakeCaller) Call(_ context.Context, _ common.Address, _ abi.ABI, method string, args ...any) ([]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	switch method {
	case "getModelCount":
		return []any{big.NewInt(int64(len(f.models)))}, nil
	case "getModel":
		id := args[0].(*big.Int).Int64()
		m := f.models[id]
		return []any{[32]byte{byte(id)}, uint8(0), m.fileName, "https://example.com/" + m.fileName, big.NewInt(1 << 30), big.NewInt(8192), m.active}, nil
	case "getModelConstraints":
		id := args[0].(*big.Int).Int64()
		c := f.constraints[id]
		return []any{c.stepsMin, c.stepsMax, c.cfgMinTenths, c.cfgMaxTenths, c.samplers, c.schedulers}, nil
	}
	return nil, errors.New("unexpected method " + method)
}

func newTestRegistry(t *testing.T, caller ContractCaller) *ModelRegistry {
	t.Helper()
	return NewModelRegistry(ModelRegistryOptions{Caller: caller, Address: testAddress})
}

func constrainedRegistry(t *testing.T) *ModelRegistry {
	t.Helper()
	return newTestRegistry(t, &fakeCaller{
		models: []fakeModel{{fileName: "flux1-dev.safetensors", active: true}},
		constraints: []fakeConstraints{{
			stepsMin: 1, stepsMax: 50,
			cfgMinTenths: 10, cfgMaxTenths: 200,
			samplers:   "euler,dpmpp_2m",
			schedulers: "normal,simple",
		}},
	})
}

func TestValidateParamsPass(t *testing.T) {
	r := constrainedRegistry(t)
	v := r.ValidateParams(context.Background(), "flux1-dev.safetensors", 25, 3.5, "euler", "simple")
	require.Equal(t, Pass, v.Result)
	require.True(t, v.Accepted())
}

func TestValidateParamsStepsBounds(t *testing.T) {
	r := constrainedRegistry(t)
	ctx := context.Background()
	cases := []struct {
		steps int
		want  VerdictResult
	}{
		{steps: 1, want: Pass},
		{steps: 50, want: Pass},
		{steps: 0, want: Violation},
		{steps: 51, want: Violation},
	}
	for _, tc := range cases {
		v := r.ValidateParams(ctx, "flux1-dev.safetensors", tc.steps, 3.5, "euler", "simple")
		require.Equalf(t, tc.want, v.Result, "steps=%d: %s", tc.steps, v.Reason)
	}
}

func TestValidateParamsCfgComparedInTenths(t *testing.T) {
	r := constrainedRegistry(t)
	ctx := context.Background()
	require.Equal(t, Pass, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 1.0, "euler", "simple").Result)
	require.Equal(t, Pass, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 20.0, "euler", "simple").Result)
	require.Equal(t, Violation, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 0.9, "euler", "simple").Result)
	require.Equal(t, Violation, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 20.1, "euler", "simple").Result)
}

func TestValidateParamsAllowLists(t *testing.T) {
	r := constrainedRegistry(t)
	ctx := context.Background()
	require.Equal(t, Violation, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 3.5, "unipc", "simple").Result)
	require.Equal(t, Violation, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 3.5, "euler", "exotic").Result)
	require.Equal(t, Pass, r.ValidateParams(ctx, "flux1-dev.safetensors", 25, 3.5, "EULER", "Simple").Result, "membership is case-insensitive")
}

func TestValidateParamsFailOpen(t *testing.T) {
	ctx := context.Background()

	disabled := NewModelRegistry(ModelRegistryOptions{})
	v := disabled.ValidateParams(ctx, "anything", 0, 0, "", "")
	require.Equal(t, Unknown, v.Result)
	require.True(t, v.Accepted(), "disabled client accepts")

	r := constrainedRegistry(t)
	v = r.ValidateParams(ctx, "never-registered.safetensors", 0, 0, "", "")
	require.Equal(t, Unknown, v.Result)
	require.True(t, v.Accepted(), "unknown model accepts")

	unconstrained := newTestRegistry(t, &fakeCaller{
		models:      []fakeModel{{fileName: "plain.safetensors", active: true}},
		constraints: []fakeConstraints{{}},
	})
	v = unconstrained.ValidateParams(ctx, "plain.safetensors", 9999, 99, "weird", "weird")
	require.Equal(t, Unknown, v.Result)
	require.True(t, v.Accepted(), "absent constraints accept")
}

func TestValidateParamsInactiveModelIsUnknown(t *testing.T) {
	r := newTestRegistry(t, &fakeCaller{
		models:      []fakeModel{{fileName: "old.safetensors", active: false}},
		constraints: []fakeConstraints{{stepsMin: 1, stepsMax: 10}},
	})
	v := r.ValidateParams(context.Background(), "old.safetensors", 999, 1, "euler", "normal")
	require.Equal(t, Unknown, v.Result)
}

func TestValidateParamsUnlimitedStepsMax(t *testing.T) {
	r := newTestRegistry(t, &fakeCaller{
		models:      []fakeModel{{fileName: "free.safetensors", active: true}},
		constraints: []fakeConstraints{{stepsMin: 1, stepsMax: 0, cfgMinTenths: 10, cfgMaxTenths: 100}},
	})
	v := r.ValidateParams(context.Background(), "free.safetensors", 100000, 5, "", "")
	require.Equal(t, Pass, v.Result, "stepsMax=0 means unlimited")
}

func TestFindMatchPriority(t *testing.T) {
	r := newTestRegistry(t, &fakeCaller{
		models: []fakeModel{
			{fileName: "Flux1-Dev.safetensors", active: true},
			{fileName: "flux1-dev.safetensors", active: true},
		},
		constraints: []fakeConstraints{{}, {}},
	})
	ctx := context.Background()

	exact, ok := r.Find(ctx, "flux1-dev.safetensors")
	require.True(t, ok)
	require.Equal(t, "flux1-dev.safetensors", exact.FileName, "exact match wins over case-insensitive")

	insensitive, ok := r.Find(ctx, "FLUX1-DEV.SAFETENSORS")
	require.True(t, ok)
	require.Equal(t, "Flux1-Dev.safetensors", insensitive.FileName)

	sub, ok := r.Find(ctx, "flux1")
	require.True(t, ok)
	require.Contains(t, sub.FileName, "lux1")

	_, ok = r.Find(ctx, "sdxl")
	require.False(t, ok)
}

func TestRPCFailureDegradesToDisabled(t *testing.T) {
	r := newTestRegistry(t, &fakeCaller{err: errors.New("connection refused")})
	require.True(t, r.Enabled())

	records := r.FetchAll(context.Background())
	require.Empty(t, records)
	require.False(t, r.Enabled(), "RPC failure must disable the client, not block intake")

	v := r.ValidateParams(context.Background(), "any", 1, 1, "", "")
	require.Equal(t, Unknown, v.Result)
}

func TestFetchAllServesCachedSnapshot(t *testing.T) {
	caller := &fakeCaller{
		models:      []fakeModel{{fileName: "a.safetensors", active: true}},
		constraints: []fakeConstraints{{}},
	}
	r := newTestRegistry(t, caller)

	first := r.FetchAll(context.Background())
	require.Len(t, first, 1)
	callsAfterFirst := caller.calls

	second := r.FetchAll(context.Background())
	require.Len(t, second, 1)
	require.Equal(t, callsAfterFirst, caller.calls, "fresh snapshot must not refetch")
}
