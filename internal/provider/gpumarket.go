package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"go.uber.org/zap"
)

// GPUMarketClient is the bespoke HTTPS/JSON adapter for the spot GPU
// marketplace (§6). Request/response shape and connection-pooled transport
// follow the teacher's internal/skypilot.Client.
type GPUMarketClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// GPUMarketConfig configures the client's transport and auth.
type GPUMarketConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewGPUMarketClient builds a connection-pooled client, mirroring the
// teacher's NewClient transport tuning.
func NewGPUMarketClient(cfg GPUMarketConfig, logger *zap.Logger) *GPUMarketClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &GPUMarketClient{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (c *GPUMarketClient) Name() string { return "gpu_market" }

type offerDTO struct {
	ID          string  `json:"id"`
	MachineID   string  `json:"machine_id"`
	GPUModel    string  `json:"gpu_name"`
	GPUCount    int     `json:"num_gpus"`
	VRAMGB      float64 `json:"gpu_ram"`
	CPUCores    int     `json:"cpu_cores"`
	RAMGB       float64 `json:"cpu_ram"`
	DiskGB      float64 `json:"disk_space"`
	HourlyCost  float64 `json:"dph_total"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
}

type instanceDTO struct {
	ID          string  `json:"id"`
	MachineID   string  `json:"machine_id"`
	Status      string  `json:"actual_status"`
	GPUModel    string  `json:"gpu_name"`
	GPUCount    int     `json:"num_gpus"`
	VRAMGB      float64 `json:"gpu_ram"`
	CPUCores    int     `json:"cpu_cores"`
	RAMGB       float64 `json:"cpu_ram"`
	DiskGB      float64 `json:"disk_space"`
	HourlyCost  float64 `json:"dph_total"`
	PublicIP    string  `json:"public_ipaddr"`
	SSHHost     string  `json:"ssh_host"`
	SSHPort     int     `json:"ssh_port"`
	Geolocation string  `json:"geolocation"`
	Reliability float64 `json:"reliability2"`
}

func (d instanceDTO) toModel() model.Instance {
	return model.Instance{
		ID:        d.ID,
		Provider:  "gpu_market",
		Status:    mapMarketStatus(d.Status),
		MachineID: d.MachineID,
		Hardware: model.Hardware{
			GPUModel: d.GPUModel,
			GPUCount: d.GPUCount,
			VRAMGB:   d.VRAMGB,
			CPUCores: d.CPUCores,
			RAMGB:    d.RAMGB,
			DiskGB:   d.DiskGB,
		},
		HourlyCost: d.HourlyCost,
		Network: model.Network{
			PublicIP:  d.PublicIP,
			ShellHost: d.SSHHost,
			ShellPort: d.SSHPort,
		},
		Geolocation: d.Geolocation,
		Reliability: d.Reliability,
		UpdatedAt:   time.Now().UTC(),
	}
}

func mapMarketStatus(raw string) model.InstanceStatus {
	switch raw {
	case "running":
		return model.InstanceRunning
	case "loading", "creating":
		return model.InstanceCreating
	case "exited":
		return model.InstanceExited
	case "stopped":
		return model.InstanceStopped
	default:
		return model.InstanceStopped
	}
}

func (c *GPUMarketClient) SearchOffers(ctx context.Context, filter OfferFilter) ([]model.Offer, error) {
	var offers []offerDTO
	err := Do(ctx, c.logger, "search_offers", func(ctx context.Context) error {
		path := fmt.Sprintf("/offers?min_vram=%.1f&max_price=%.4f&region=%s&gpu_model=%s",
			filter.MinVRAMGB, filter.MaxPrice, filter.Region, filter.GPUModel)
		return c.doJSON(ctx, http.MethodGet, path, nil, &offers)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Offer, 0, len(offers))
	for _, o := range offers {
		out = append(out, model.Offer{
			ID:        o.ID,
			Provider:  "gpu_market",
			MachineID: o.MachineID,
			Hardware: model.Hardware{
				GPUModel: o.GPUModel,
				GPUCount: o.GPUCount,
				VRAMGB:   o.VRAMGB,
				CPUCores: o.CPUCores,
				RAMGB:    o.RAMGB,
				DiskGB:   o.DiskGB,
			},
			HourlyCost:  o.HourlyCost,
			Geolocation: o.Geolocation,
			Reliability: o.Reliability,
		})
	}
	return out, nil
}

func (c *GPUMarketClient) CreateInstance(ctx context.Context, offerID string, spec CreateSpec) (*model.Instance, error) {
	body := map[string]any{
		"image":    spec.Image,
		"disk":     spec.DiskGB,
		"label":    spec.Label,
		"onstart":  spec.OnStart,
		"env":      spec.Env,
		"ports":    spec.Ports,
	}
	var result struct {
		NewContract int `json:"new_contract"`
	}
	err := Do(ctx, c.logger, "create_instance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, "/instances/"+offerID, body, &result)
	})
	if err != nil {
		return nil, err
	}
	return c.GetInstance(ctx, fmt.Sprintf("%d", result.NewContract))
}

func (c *GPUMarketClient) GetInstance(ctx context.Context, id string) (*model.Instance, error) {
	var dto instanceDTO
	err := Do(ctx, c.logger, "get_instance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/instances/"+id, nil, &dto)
	})
	if err != nil {
		return nil, err
	}
	inst := dto.toModel()
	return &inst, nil
}

func (c *GPUMarketClient) ListInstances(ctx context.Context) ([]model.Instance, error) {
	var dtos []instanceDTO
	err := Do(ctx, c.logger, "list_instances", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/instances", nil, &dtos)
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Instance, 0, len(dtos))
	for _, d := range dtos {
		out = append(out, d.toModel())
	}
	return out, nil
}

func (c *GPUMarketClient) Destroy(ctx context.Context, id string) (bool, error) {
	err := Do(ctx, c.logger, "destroy_instance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodDelete, "/instances/"+id, nil, nil)
	})
	if errs.Is(err, errs.KindNotFound) {
		// Destroy is idempotent over 404 (§9).
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *GPUMarketClient) Pause(ctx context.Context, id string) (bool, error) {
	return c.setPaused(ctx, id, true)
}

func (c *GPUMarketClient) Resume(ctx context.Context, id string) (bool, error) {
	return c.setPaused(ctx, id, false)
}

func (c *GPUMarketClient) setPaused(ctx context.Context, id string, paused bool) (bool, error) {
	err := Do(ctx, c.logger, "set_paused", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, "/instances/"+id, map[string]any{"paused": paused}, nil)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *GPUMarketClient) GetBalance(ctx context.Context) (float64, float64, error) {
	var result struct {
		Credit  float64 `json:"credit"`
		Balance float64 `json:"balance"`
	}
	err := Do(ctx, c.logger, "get_balance", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodGet, "/users/current", nil, &result)
	})
	if err != nil {
		return 0, 0, err
	}
	return result.Credit, result.Balance, nil
}

// doJSON executes a single HTTP request and classifies any failure per the
// taxonomy in §4.1, mirroring the teacher's Client.doRequest.
func (c *GPUMarketClient) doJSON(ctx context.Context, method, path string, body, result any) error {
	url := c.baseURL + path

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.KindValidation, "encode request body", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ClassifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return ClassifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ClassifyHTTPStatus(resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return errs.Wrap(errs.KindProviderFatal, "decode response", err)
		}
	}
	return nil
}
