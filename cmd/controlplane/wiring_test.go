package main

import (
	"context"
	"testing"
	"time"

	"github.com/dumontcloud/control-plane/internal/model"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGPUProvider struct {
	instances map[string]*model.Instance
	listErr   error
}

func (f *fakeGPUProvider) Name() string { return "fake" }
func (f *fakeGPUProvider) SearchOffers(ctx context.Context, filter provider.OfferFilter) ([]model.Offer, error) {
	return nil, nil
}
func (f *fakeGPUProvider) CreateInstance(ctx context.Context, offerID string, spec provider.CreateSpec) (*model.Instance, error) {
	return nil, nil
}
func (f *fakeGPUProvider) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	inst, ok := f.instances[id]
	if !ok {
		return nil, assert.AnError
	}
	return inst, nil
}
func (f *fakeGPUProvider) ListInstances(ctx context.Context) ([]model.Instance, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]model.Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, *inst)
	}
	return out, nil
}
func (f *fakeGPUProvider) Destroy(ctx context.Context, id string) (bool, error) { return true, nil }
func (f *fakeGPUProvider) Pause(ctx context.Context, id string) (bool, error)   { return true, nil }
func (f *fakeGPUProvider) Resume(ctx context.Context, id string) (bool, error)  { return true, nil }
func (f *fakeGPUProvider) GetBalance(ctx context.Context) (float64, float64, error) {
	return 0, 0, nil
}

func TestGPUInstanceLocator_Locate(t *testing.T) {
	gpu := &fakeGPUProvider{instances: map[string]*model.Instance{
		"has-host": {ID: "has-host", Network: model.Network{ShellHost: "1.2.3.4", ShellPort: 22}},
		"no-host":  {ID: "no-host"},
	}}
	locator := &gpuInstanceLocator{gpu: gpu}

	target, err := locator.Locate(context.Background(), "has-host")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3.4", target.Host)
	assert.Equal(t, "root", target.User)

	_, err = locator.Locate(context.Background(), "no-host")
	assert.Error(t, err)

	_, err = locator.Locate(context.Background(), "missing")
	assert.Error(t, err)
}

func TestGPUInstanceSource_ListActiveTargets(t *testing.T) {
	gpu := &fakeGPUProvider{instances: map[string]*model.Instance{
		"running-with-host": {ID: "running-with-host", Status: model.InstanceRunning, Network: model.Network{ShellHost: "1.1.1.1"}},
		"running-no-host":   {ID: "running-no-host", Status: model.InstanceRunning},
		"paused":            {ID: "paused", Status: model.InstancePaused, Network: model.Network{ShellHost: "2.2.2.2"}},
	}}
	src := &gpuInstanceSource{gpu: gpu}

	targets, err := src.ListActiveTargets(context.Background())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "1.1.1.1", targets[0].Host)
}

type fakeServerlessRepo struct {
	bindings map[string]*model.ServerlessBinding
}

func (f *fakeServerlessRepo) Upsert(ctx context.Context, b *model.ServerlessBinding) error {
	f.bindings[b.InstanceID] = b
	return nil
}
func (f *fakeServerlessRepo) Get(ctx context.Context, instanceID string) (*model.ServerlessBinding, error) {
	return f.bindings[instanceID], nil
}
func (f *fakeServerlessRepo) Delete(ctx context.Context, instanceID string) error {
	delete(f.bindings, instanceID)
	return nil
}
func (f *fakeServerlessRepo) ListAll(ctx context.Context) ([]*model.ServerlessBinding, error) {
	out := make([]*model.ServerlessBinding, 0, len(f.bindings))
	for _, b := range f.bindings {
		out = append(out, b)
	}
	return out, nil
}
func (f *fakeServerlessRepo) InstancesToScaleDown(ctx context.Context) ([]*model.ServerlessBinding, error) {
	return f.ListAll(ctx)
}
func (f *fakeServerlessRepo) InstancesToDestroy(ctx context.Context, now time.Time) ([]*model.ServerlessBinding, error) {
	return f.ListAll(ctx)
}
func (f *fakeServerlessRepo) RecordEvent(ctx context.Context, e repository.ServerlessEventRow) error {
	return nil
}
func (f *fakeServerlessRepo) Rekey(ctx context.Context, oldInstanceID string, b *model.ServerlessBinding) error {
	if _, ok := f.bindings[oldInstanceID]; !ok {
		return context.DeadlineExceeded
	}
	delete(f.bindings, oldInstanceID)
	f.bindings[b.InstanceID] = b
	return nil
}

func TestServerlessRepoAdapter_ListDelegatesToListAll(t *testing.T) {
	repo := &fakeServerlessRepo{bindings: map[string]*model.ServerlessBinding{
		"a": {InstanceID: "a"},
	}}
	adapter := &serverlessRepoAdapter{repo: repo}

	out, err := adapter.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].InstanceID)
}

func TestDiskLocatorAdapter_DiskIDFor(t *testing.T) {
	repo := &fakeServerlessRepo{bindings: map[string]*model.ServerlessBinding{
		"with-disk":    {InstanceID: "with-disk", DiskID: "disk-123"},
		"without-disk": {InstanceID: "without-disk"},
	}}
	adapter := &diskLocatorAdapter{repo: repo}

	id, ok := adapter.DiskIDFor(context.Background(), "with-disk")
	assert.True(t, ok)
	assert.Equal(t, "disk-123", id)

	_, ok = adapter.DiskIDFor(context.Background(), "without-disk")
	assert.False(t, ok)

	_, ok = adapter.DiskIDFor(context.Background(), "missing")
	assert.False(t, ok)
}
