package envelope

import "fmt"

// partition derives the metastore identifiers for a session's system key
// and intermediate key from the session's (id, service, product) scope.
// The default partition scopes the intermediate key to id; a suffixed
// partition additionally scopes it by region, for metastores that shard
// or replicate by region and need region-disjoint intermediate key ids.
type partition interface {
	SystemKeyID() string
	IntermediateKeyID() string
	IsValidIntermediateKeyID(id string) bool
}

type defaultPartition struct {
	id      string
	service string
	product string
}

func newPartition(id, service, product string) partition {
	return &defaultPartition{id: id, service: service, product: product}
}

func (p *defaultPartition) SystemKeyID() string {
	return fmt.Sprintf("_SK_%s_%s", p.service, p.product)
}

func (p *defaultPartition) IntermediateKeyID() string {
	return fmt.Sprintf("_IK_%s_%s_%s", p.id, p.service, p.product)
}

func (p *defaultPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID()
}

// suffixedPartition appends a region suffix to the intermediate key id so
// that a multi-region metastore deployment never collides two regions'
// intermediate keys for the same logical partition. It accepts both the
// suffixed and unsuffixed id as valid, so a record written before the
// suffix was introduced (or by a different region) still validates.
type suffixedPartition struct {
	defaultPartition
	regionSuffix string
}

func newSuffixedPartition(id, service, product, regionSuffix string) partition {
	return &suffixedPartition{
		defaultPartition: defaultPartition{id: id, service: service, product: product},
		regionSuffix:     regionSuffix,
	}
}

func (p *suffixedPartition) IntermediateKeyID() string {
	if p.regionSuffix == "" {
		return p.defaultPartition.IntermediateKeyID()
	}

	return fmt.Sprintf("%s_%s", p.defaultPartition.IntermediateKeyID(), p.regionSuffix)
}

func (p *suffixedPartition) IsValidIntermediateKeyID(id string) bool {
	return id == p.IntermediateKeyID() || id == p.defaultPartition.IntermediateKeyID()
}

// regionSuffixer is implemented by Metastore drivers (e.g. the DynamoDB
// driver) that shard by region and need suffixedPartition used instead of
// defaultPartition. SessionFactory type-asserts its Metastore against this
// on every GetSession call.
type regionSuffixer interface {
	GetRegionSuffix() string
}
