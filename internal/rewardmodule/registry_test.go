package rewardmodule

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap/zaptest"
)

var (
	_ Effect = (*CosmeticModule)(nil)
	_ Effect = NoopModule{}
	_ Effect = (*mockModule)(nil)
)

type mockModule struct {
	mock.Mock
}

func (m *mockModule) ID() string { return "Mock" }

func (m *mockModule) Apply(ctx context.Context, actx ApplyContext) (Outcome, error) {
	args := m.Called(ctx, actx)
	return args.Get(0).(Outcome), args.Error(1)
}

func (m *mockModule) Revoke(ctx context.Context, actx ApplyContext) error {
	return m.Called(ctx, actx).Error(0)
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t), NoopModule{}, &mockModule{})

	_, ok := registry.Lookup(" NOOP ")
	assert.True(t, ok)
	assert.True(t, registry.Has("mock"))
	assert.Equal(t, []string{"mock", "noop"}, registry.IDs())
}

func TestRegistrySwallowsModuleFailures(t *testing.T) {
	module := &mockModule{}
	module.On("Apply", mock.Anything, mock.Anything).Return(Outcome{}, errors.New("boom"))
	module.On("Revoke", mock.Anything, mock.Anything).Return(errors.New("boom"))
	registry := NewRegistry(zaptest.NewLogger(t), module)

	actx := ApplyContext{UserID: "u1", RewardID: snowflake.ID(1)}
	outcome := registry.Apply(context.Background(), "mock", actx)
	assert.False(t, outcome.Success)
	assert.Equal(t, "boom", outcome.Message)

	assert.NotPanics(t, func() { registry.Revoke(context.Background(), "mock", actx) })
	module.AssertExpectations(t)
}

func TestRegistryToleratesUnknownModule(t *testing.T) {
	registry := NewRegistry(zaptest.NewLogger(t))

	outcome := registry.Apply(context.Background(), "missing", ApplyContext{UserID: "u1"})
	assert.False(t, outcome.Success)
	assert.NotPanics(t, func() { registry.Revoke(context.Background(), "missing", ApplyContext{}) })
}

func TestCosmeticModuleGrantsAndRevokes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	module := NewCosmeticModule(client)
	actx := ApplyContext{UserID: "u1", Parameters: map[string]any{"item": "golden-hat"}}

	outcome, err := module.Apply(context.Background(), actx)
	require.NoError(t, err)
	assert.True(t, outcome.Success)

	members, err := mr.Members(CosmeticsKey("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"golden-hat"}, members)

	require.NoError(t, module.Revoke(context.Background(), actx))
	assert.False(t, mr.Exists(CosmeticsKey("u1")))
}

func TestCosmeticModuleRequiresItem(t *testing.T) {
	module := NewCosmeticModule(nil)
	_, err := module.Apply(context.Background(), ApplyContext{UserID: "u1"})
	assert.ErrorIs(t, err, ErrMissingParameter)
}

func TestFxModuleProvidesRegistry(t *testing.T) {
	var registry *Registry
	app := fx.New(
		fx.NopLogger,
		fx.Supply(zaptest.NewLogger(t)),
		Module,
		fx.Populate(&registry),
	)
	require.NoError(t, app.Err())
	require.NotNil(t, registry)
	assert.Equal(t, []string{CosmeticModuleID, NoopModuleID}, registry.IDs())
}
