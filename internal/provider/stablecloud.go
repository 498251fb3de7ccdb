package provider

import (
	"context"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/dumontcloud/control-plane/internal/errs"
	"github.com/dumontcloud/control-plane/internal/model"
	"go.uber.org/zap"
)

// StableCloudClient is the CPU standby adapter, built directly on
// aws-sdk-go-v2/service/ec2 — the same SDK family nitin2goyal-katalyst uses
// for fleet control of cloud VMs. It satisfies CPUProvider by mapping
// RunInstances/TerminateInstances/StartInstances/StopInstances/
// DescribeInstances onto CreateInstance/Delete/Start/Stop/Get/List.
type StableCloudClient struct {
	ec2        *ec2.Client
	logger     *zap.Logger
	costPerHr  float64
}

// StableCloudConfig configures credentials and region for the client.
type StableCloudConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	CostPerHour     float64
}

// NewStableCloudClient builds an ec2.Client from static credentials, the
// same shape as a service-account-driven CPU cloud integration.
func NewStableCloudClient(ctx context.Context, cfg StableCloudConfig, logger *zap.Logger) (*StableCloudClient, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindServiceUnavailable, "load stable-cloud credentials", err)
	}
	return &StableCloudClient{
		ec2:       ec2.NewFromConfig(awsCfg),
		logger:    logger,
		costPerHr: cfg.CostPerHour,
	}, nil
}

func (c *StableCloudClient) Name() string { return "stable_cloud" }

func (c *StableCloudClient) CreateInstance(ctx context.Context, spec CPUCreateSpec) (*model.Instance, error) {
	tags := []ec2types.Tag{
		{Key: awsStr("managed-by"), Value: awsStr("dumont-fleet-control-plane")},
	}

	var out *ec2.RunInstancesOutput
	err := Do(ctx, c.logger, "stable_cloud.run_instances", func(ctx context.Context) error {
		res, err := c.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
			ImageId:      awsStr(spec.BootImageFamily),
			InstanceType: ec2types.InstanceType(spec.MachineType),
			MinCount:     awsInt32(1),
			MaxCount:     awsInt32(1),
			Placement:    &ec2types.Placement{AvailabilityZone: awsStr(spec.Zone)},
			BlockDeviceMappings: []ec2types.BlockDeviceMapping{{
				DeviceName: awsStr("/dev/xvda"),
				Ebs:        &ec2types.EbsBlockDevice{VolumeSize: awsInt32(int32(spec.DiskSizeGB))},
			}},
			UserData: encodeUserData(spec.Metadata["startup-script"]),
			InstanceMarketOptions: marketOptions(spec.SpotProvisioned),
			TagSpecifications: []ec2types.TagSpecification{{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags:         tags,
			}},
		})
		if err != nil {
			return classifyAWSError(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Instances) == 0 {
		return nil, errs.New(errs.KindProviderFatal, "run_instances returned no instances")
	}
	return c.Get(ctx, *out.Instances[0].InstanceId)
}

func (c *StableCloudClient) Delete(ctx context.Context, id string) error {
	return Do(ctx, c.logger, "stable_cloud.terminate_instances", func(ctx context.Context) error {
		_, err := c.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			classified := classifyAWSError(err)
			if errs.Is(classified, errs.KindNotFound) {
				return nil // Delete is idempotent over not-found (§9).
			}
			return classified
		}
		return nil
	})
}

func (c *StableCloudClient) Start(ctx context.Context, id string) error {
	return Do(ctx, c.logger, "stable_cloud.start_instances", func(ctx context.Context) error {
		_, err := c.ec2.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}})
		return classifyAWSError(err)
	})
}

func (c *StableCloudClient) Stop(ctx context.Context, id string) error {
	return Do(ctx, c.logger, "stable_cloud.stop_instances", func(ctx context.Context) error {
		_, err := c.ec2.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}})
		return classifyAWSError(err)
	})
}

func (c *StableCloudClient) Get(ctx context.Context, id string) (*model.Instance, error) {
	var out *ec2.DescribeInstancesOutput
	err := Do(ctx, c.logger, "stable_cloud.describe_instances", func(ctx context.Context) error {
		res, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return classifyAWSError(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, errs.New(errs.KindNotFound, "instance not found: "+id)
	}
	return c.toModel(out.Reservations[0].Instances[0]), nil
}

func (c *StableCloudClient) List(ctx context.Context) ([]model.Instance, error) {
	var out *ec2.DescribeInstancesOutput
	err := Do(ctx, c.logger, "stable_cloud.describe_instances_all", func(ctx context.Context) error {
		res, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{{
				Name:   awsStr("tag:managed-by"),
				Values: []string{"dumont-fleet-control-plane"},
			}},
		})
		if err != nil {
			return classifyAWSError(err)
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	var instances []model.Instance
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			instances = append(instances, *c.toModel(inst))
		}
	}
	return instances, nil
}

func (c *StableCloudClient) toModel(inst ec2types.Instance) *model.Instance {
	m := &model.Instance{
		Provider:   "stable_cloud",
		Status:     mapEC2Status(inst.State),
		HourlyCost: c.costPerHr,
		UpdatedAt:  time.Now().UTC(),
	}
	if inst.InstanceId != nil {
		m.ID = *inst.InstanceId
		m.MachineID = *inst.InstanceId
	}
	if inst.PublicIpAddress != nil {
		m.Network.PublicIP = *inst.PublicIpAddress
		m.Network.ShellHost = *inst.PublicIpAddress
		m.Network.ShellPort = 22
	}
	if inst.Placement != nil && inst.Placement.AvailabilityZone != nil {
		m.Geolocation = *inst.Placement.AvailabilityZone
	}
	return m
}

func mapEC2Status(state *ec2types.InstanceState) model.InstanceStatus {
	if state == nil {
		return model.InstanceStopped
	}
	switch state.Name {
	case ec2types.InstanceStateNameRunning:
		return model.InstanceRunning
	case ec2types.InstanceStateNamePending:
		return model.InstanceCreating
	case ec2types.InstanceStateNameStopped, ec2types.InstanceStateNameStopping:
		return model.InstanceStopped
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
		return model.InstanceDestroyed
	default:
		return model.InstanceStopped
	}
}

func marketOptions(spot bool) *ec2types.InstanceMarketOptionsRequest {
	if !spot {
		return nil
	}
	return &ec2types.InstanceMarketOptionsRequest{MarketType: ec2types.MarketTypeSpot}
}

func encodeUserData(script string) *string {
	if script == "" {
		return nil
	}
	return awsStr(script)
}

func classifyAWSError(err error) *errs.Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "InvalidInstanceID.NotFound", "NotFound"):
		return errs.New(errs.KindNotFound, "stable-cloud instance not found").WithDetail("cause", msg)
	case containsAny(msg, "RequestLimitExceeded", "Throttling"):
		return errs.New(errs.KindProviderTransient, "stable-cloud rate limited").WithDetail("rate_limited", true).WithDetail("cause", msg)
	case containsAny(msg, "Unauthorized", "AuthFailure", "AccessDenied"):
		return errs.New(errs.KindAuthentication, "stable-cloud rejected credentials").WithDetail("cause", msg)
	case containsAny(msg, "timeout", "connection reset", "EOF"):
		return errs.New(errs.KindProviderTransient, "stable-cloud transient error").WithDetail("cause", msg)
	default:
		return errs.New(errs.KindProviderFatal, "stable-cloud error").WithDetail("cause", msg)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func awsStr(s string) *string  { return &s }
func awsInt32(i int32) *int32 { return &i }
