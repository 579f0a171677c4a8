// Package aws implements the engine provider against EC2 and CloudWatch.
package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/smithy-go"

	"github.com/groundplan/groundplan/pkg/engine"
	"github.com/groundplan/groundplan/pkg/telemetry"
)

// Provider implements engine.Provider on the AWS SDK. One provider instance
// serves all four node kinds.
type Provider struct {
	ec2    *ec2.Client
	cw     *cloudwatch.Client
	logger *telemetry.Logger
}

// Options configures provider construction.
type Options struct {
	// Region overrides the ambient AWS region when non-empty.
	Region string
}

// New creates a provider from the ambient AWS configuration (environment,
// shared config files, instance role).
func New(ctx context.Context, logger *telemetry.Logger, opts Options) (*Provider, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	if logger == nil {
		logger = telemetry.Default()
	}

	return &Provider{
		ec2:    ec2.NewFromConfig(cfg),
		cw:     cloudwatch.NewFromConfig(cfg),
		logger: logger.NewComponentLogger("provider.aws"),
	}, nil
}

// Create materializes a resource of the given kind.
func (p *Provider) Create(ctx context.Context, kind engine.NodeKind, attrs map[string]any) (*engine.CreateResult, error) {
	switch kind {
	case engine.NodeSecurityGroup:
		return p.createSecurityGroup(ctx, attrs)
	case engine.NodeKeyPair:
		return p.createKeyPair(ctx, attrs)
	case engine.NodeInstance:
		return p.createInstance(ctx, attrs)
	case engine.NodeAlarm:
		return p.createAlarm(ctx, attrs)
	default:
		return nil, fmt.Errorf("unsupported node kind: %s", kind)
	}
}

// Update applies attrs to an existing resource in place where the service
// supports it, or signals replacement.
func (p *Provider) Update(ctx context.Context, kind engine.NodeKind, id string, attrs map[string]any) (map[string]any, error) {
	switch kind {
	case engine.NodeSecurityGroup:
		return p.updateSecurityGroup(ctx, id, attrs)
	case engine.NodeKeyPair:
		return p.updateKeyPair(ctx, id, attrs)
	case engine.NodeInstance:
		return p.updateInstance(ctx, id, attrs)
	case engine.NodeAlarm:
		return p.updateAlarm(ctx, id, attrs)
	default:
		return nil, fmt.Errorf("unsupported node kind: %s", kind)
	}
}

// Destroy removes a resource. Destroying an already-gone resource succeeds.
func (p *Provider) Destroy(ctx context.Context, kind engine.NodeKind, id string) error {
	var err error
	switch kind {
	case engine.NodeSecurityGroup:
		err = p.destroySecurityGroup(ctx, id)
	case engine.NodeKeyPair:
		err = p.destroyKeyPair(ctx, id)
	case engine.NodeInstance:
		err = p.destroyInstance(ctx, id)
	case engine.NodeAlarm:
		err = p.destroyAlarm(ctx, id)
	default:
		return fmt.Errorf("unsupported node kind: %s", kind)
	}
	if isNotFound(err) {
		return nil
	}
	return err
}

// Describe reads the current attributes of a resource.
func (p *Provider) Describe(ctx context.Context, kind engine.NodeKind, id string) (map[string]any, error) {
	switch kind {
	case engine.NodeSecurityGroup:
		return p.describeSecurityGroup(ctx, id)
	case engine.NodeKeyPair:
		return p.describeKeyPair(ctx, id)
	case engine.NodeInstance:
		return p.describeInstance(ctx, id)
	case engine.NodeAlarm:
		return p.describeAlarm(ctx, id)
	default:
		return nil, fmt.Errorf("unsupported node kind: %s", kind)
	}
}

// notFoundCodes are the service error codes that mean the resource is gone.
var notFoundCodes = map[string]bool{
	"InvalidGroup.NotFound":      true,
	"InvalidGroupId.NotFound":    true,
	"InvalidKeyPair.NotFound":    true,
	"InvalidInstanceID.NotFound": true,
	"ResourceNotFound":           true,
	"ResourceNotFoundException":  true,
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, engine.ErrNotFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return notFoundCodes[apiErr.ErrorCode()]
	}
	return false
}

// decodeAttrs re-marshals a normalized attribute map into a typed payload
// struct. Attribute maps arrive JSON-normalized, so this is lossless.
func decodeAttrs(attrs map[string]any, out any) error {
	data, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attributes: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode attributes: %w", err)
	}
	return nil
}
