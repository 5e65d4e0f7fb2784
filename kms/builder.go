package kms

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/pkg/errors"

	"github.com/sentrykey/envelope"
)

// Builder assembles a MultiRegion KMS driver from a map of region to master
// key ARN. Regions are tried in priority order on both encrypt and decrypt;
// see WithRegionPriority and WithPreferredRegion.
type Builder struct {
	aead         envelope.AEAD
	arnsByRegion map[string]string
	priority     []string
	clientFor    func(ctx context.Context, region string) (AWSClient, error)
	err          error
}

// NewBuilder starts building a MultiRegion driver. arnsByRegion maps each
// AWS region this system key should be decryptable in to that region's KMS
// master key ARN.
func NewBuilder(aead envelope.AEAD, arnsByRegion map[string]string) *Builder {
	return &Builder{
		aead:         aead,
		arnsByRegion: arnsByRegion,
		clientFor:    defaultClientFor,
	}
}

func defaultClientFor(ctx context.Context, region string) (AWSClient, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}

	return kms.NewFromConfig(cfg), nil
}

// WithPreferredRegion places region first in the client priority list,
// ahead of every other configured region (which keep their relative
// order). Equivalent to WithRegionPriority(region).
func (b *Builder) WithPreferredRegion(region string) *Builder {
	return b.WithRegionPriority(region)
}

// WithRegionPriority sets the full client priority order: regions listed
// here come first, in the order given, followed by any configured region
// not named. Both EncryptKey's data-key generation and DecryptKey's
// failover walk clients in this order.
func (b *Builder) WithRegionPriority(regions ...string) *Builder {
	b.priority = regions
	return b
}

// WithClientFactory overrides how an AWSClient is constructed per region,
// for tests that need to inject a fake client instead of dialing AWS.
func (b *Builder) WithClientFactory(f func(ctx context.Context, region string) (AWSClient, error)) *Builder {
	b.clientFor = f
	return b
}

// Build resolves one AWS KMS client per configured region, orders them by
// priority via OptimizeByRegions, and returns the assembled MultiRegion
// driver.
func (b *Builder) Build() (*MultiRegion, error) {
	if b.err != nil {
		return nil, b.err
	}

	if len(b.arnsByRegion) == 0 {
		return nil, errors.Wrap(envelope.ErrPolicyException, "kms: at least one region/arn pair is required")
	}

	ctx := context.Background()

	clients := make([]regionalClient, 0, len(b.arnsByRegion))
	for region, arn := range b.arnsByRegion {
		c, err := b.clientFor(ctx, region)
		if err != nil {
			return nil, errors.Wrapf(envelope.ErrKmsException, "kms: building client for region %s: %s", region, err)
		}

		clients = append(clients, regionalClient{Client: c, Region: region, MasterKeyARN: arn})
	}

	clients = OptimizeByRegions(clients, b.priority)

	return &MultiRegion{clients: clients, aead: b.aead}, nil
}
