package cloud

import (
	"maps"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/gosimple/slug"
)

const (
	// TagSession carries the per-run token; Lookup searches on it.
	TagSession = "ec2-ephemeral:session"
	// TagExpires is an RFC 3339 timestamp after which the instance is fair
	// game for any external reaper.
	TagExpires = "ec2-ephemeral:expires"

	tagKeyName      = "Name"
	tagKeyManagedBy = "ManagedBy"

	tagDefaultName      = "ec2-ephemeral"
	tagDefaultManagedBy = "ec2-ephemeral"
)

// sessionTags produces the key-value pairs attached to everything a launch
// creates. Explicit Tags win over the computed ones.
func sessionTags(opts LaunchOptions, now time.Time) map[string]string {
	name := tagDefaultName
	if opts.Name != "" {
		name = slug.Make(opts.Name)
	}

	tags := map[string]string{
		tagKeyName:      name,
		tagKeyManagedBy: tagDefaultManagedBy,
	}
	if opts.Token != "" {
		tags[TagSession] = opts.Token
	}
	if opts.TTL > 0 {
		tags[TagExpires] = now.Add(opts.TTL).UTC().Format(time.RFC3339)
	}
	maps.Copy(tags, opts.Tags)
	return tags
}

// tagSpecifications applies the same tags to every resource type given.
// Keys are sorted so requests are deterministic.
func tagSpecifications(tags map[string]string, rts ...types.ResourceType) []types.TagSpecification {
	ec2Tags := make([]types.Tag, 0, len(tags))
	for _, k := range slices.Sorted(maps.Keys(tags)) {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	specs := make([]types.TagSpecification, 0, len(rts))
	for _, rt := range rts {
		specs = append(specs, types.TagSpecification{
			ResourceType: rt,
			Tags:         slices.Clone(ec2Tags),
		})
	}
	return specs
}
