package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/ec2-ephemeral/internal/instance"
)

const (
	opLaunch    = "RunInstances"
	opDescribe  = "DescribeInstances"
	opTerminate = "TerminateInstances"
	opLookup    = "DescribeInstances(lookup)"

	// DefaultCallTimeout bounds each individual API request.
	DefaultCallTimeout = 30 * time.Second
)

// EC2API is the subset of *ec2.Client used here.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

var (
	_ EC2API = (*ec2.Client)(nil)
	_ Client = (*EC2)(nil)
)

// EC2 implements Client against the EC2 API.
type EC2 struct {
	api         EC2API
	region      string
	callTimeout time.Duration
	now         func() time.Time
}

type Option func(*EC2)

// WithCallTimeout overrides DefaultCallTimeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *EC2) { c.callTimeout = d }
}

// WithClock is used by tests to pin the expiry tag.
func WithClock(now func() time.Time) Option {
	return func(c *EC2) { c.now = now }
}

func NewEC2(api EC2API, region string, opts ...Option) *EC2 {
	c := &EC2{
		api:         api,
		region:      region,
		callTimeout: DefaultCallTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New builds an EC2 client for region with static credentials. SDK level
// retries are disabled: one Client call is one request.
func New(ctx context.Context, region, accessKeyID, secretAccessKey string, opts ...Option) (*EC2, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewEC2(ec2.NewFromConfig(cfg), region, opts...), nil
}

func (c *EC2) Region() string { return c.region }

func (c *EC2) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

func (c *EC2) Launch(ctx context.Context, spec instance.Spec, opts LaunchOptions) (instance.Handle, error) {
	log := clog.FromContext(ctx)
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	version := spec.TemplateVersion
	if version == "" {
		version = "$Latest"
	}

	input := &ec2.RunInstancesInput{
		LaunchTemplate: &types.LaunchTemplateSpecification{
			LaunchTemplateId: aws.String(spec.TemplateID),
			Version:          aws.String(version),
		},
		MinCount:                          aws.Int32(1),
		MaxCount:                          aws.Int32(1),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications:                 tagSpecifications(sessionTags(opts, c.now()), types.ResourceTypeInstance, types.ResourceTypeVolume),
	}
	if opts.Token != "" {
		input.ClientToken = aws.String(opts.Token)
	}

	out, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return instance.Handle{}, classify(opLaunch, err)
	}
	if out == nil || len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		// The request succeeded but we cannot see what it created.
		return instance.Handle{}, &Error{Op: opLaunch, Class: Transient, Err: errNoInstance}
	}

	h := handleFrom(out.Instances[0])
	log.Info("launched instance", "id", h.ID, "template", spec.TemplateID, "version", version)
	return h, nil
}

func (c *EC2) Describe(ctx context.Context, id string) (instance.Handle, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	})
	if err != nil {
		return instance.Handle{}, classify(opDescribe, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return handleFrom(inst), nil
			}
		}
	}
	return instance.Handle{}, &Error{
		Op:    opDescribe,
		Class: Permanent,
		Code:  codeInstanceNotFound,
		Err:   fmt.Errorf("%w: %s", ErrNotFound, id),
	}
}

func (c *EC2) Terminate(ctx context.Context, id string) error {
	log := clog.FromContext(ctx)
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds:    []string{id},
		Force:          aws.Bool(true),
		SkipOsShutdown: aws.Bool(true),
	})
	if err != nil {
		cerr := classify(opTerminate, err)
		if errors.Is(cerr, ErrNotFound) {
			log.Info("instance already gone", "id", id)
			return nil
		}
		return cerr
	}
	log.Info("terminating instance", "id", id)
	return nil
}

func (c *EC2) Lookup(ctx context.Context, token string) (instance.Handle, bool, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	out, err := c.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{
				Name:   aws.String("tag:" + TagSession),
				Values: []string{token},
			},
			{
				Name: aws.String("instance-state-name"),
				Values: []string{
					string(types.InstanceStateNamePending),
					string(types.InstanceStateNameRunning),
					string(types.InstanceStateNameStopping),
					string(types.InstanceStateNameStopped),
					string(types.InstanceStateNameShuttingDown),
				},
			},
		},
	})
	if err != nil {
		return instance.Handle{}, false, classify(opLookup, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if inst.InstanceId != nil {
				return handleFrom(inst), true, nil
			}
		}
	}
	return instance.Handle{}, false, nil
}

func handleFrom(inst types.Instance) instance.Handle {
	h := instance.Handle{
		ID:            aws.ToString(inst.InstanceId),
		PublicAddress: aws.ToString(inst.PublicIpAddress),
		State:         instance.StatePending,
	}
	if h.PublicAddress == "" {
		h.PublicAddress = aws.ToString(inst.PublicDnsName)
	}
	if inst.State != nil {
		h.State = stateFrom(inst.State.Name)
	}
	return h
}

func stateFrom(name types.InstanceStateName) instance.State {
	switch name {
	case types.InstanceStateNameRunning:
		return instance.StateRunning
	case types.InstanceStateNameShuttingDown,
		types.InstanceStateNameStopping,
		types.InstanceStateNameStopped:
		return instance.StateTerminating
	case types.InstanceStateNameTerminated:
		return instance.StateTerminated
	default:
		return instance.StatePending
	}
}
