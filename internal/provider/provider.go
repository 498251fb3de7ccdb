// Package provider implements the Provider Adapters (C1): a uniform
// GPUProvider/CPUProvider interface over heterogeneous marketplaces, with
// the retry and error-classification discipline from §4.1.
package provider

import (
	"context"

	"github.com/dumontcloud/control-plane/internal/model"
)

// OfferFilter narrows SearchOffers results.
type OfferFilter struct {
	MinVRAMGB     float64
	MaxPrice      float64
	Region        string
	GPUModel      string
	MinReliability float64
}

// CreateSpec is the image/disk/startup descriptor for CreateInstance.
type CreateSpec struct {
	Image   string
	DiskGB  float64
	Label   string
	Ports   map[int]int
	OnStart string
	Env     map[string]string
}

// GPUProvider is the uniform interface over a spot/interruptible GPU
// marketplace (§4.1, §6 "Provider contract (GPU marketplace)").
type GPUProvider interface {
	Name() string
	SearchOffers(ctx context.Context, filter OfferFilter) ([]model.Offer, error)
	CreateInstance(ctx context.Context, offerID string, spec CreateSpec) (*model.Instance, error)
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	ListInstances(ctx context.Context) ([]model.Instance, error)
	Destroy(ctx context.Context, id string) (bool, error)
	Pause(ctx context.Context, id string) (bool, error)
	Resume(ctx context.Context, id string) (bool, error)
	GetBalance(ctx context.Context) (credit, balance float64, err error)
}

// CPUCreateSpec is the VM descriptor for the stable-cloud CreateInstance
// (§6 "Provider contract (CPU cloud)").
type CPUCreateSpec struct {
	Zone            string
	MachineType     string
	DiskSizeGB      int
	BootImageFamily string
	Metadata        map[string]string
	SpotProvisioned bool
}

// CPUProvider is the uniform interface over the stable CPU cloud used for
// standby VMs.
type CPUProvider interface {
	Name() string
	CreateInstance(ctx context.Context, spec CPUCreateSpec) (*model.Instance, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*model.Instance, error)
	List(ctx context.Context) ([]model.Instance, error)
}
