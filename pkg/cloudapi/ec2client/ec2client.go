// Package ec2client implements the block-store operations of spec.md §4.B:
// describe-volumes, attach-volume, and the higher-level ensure-attached
// idempotency wrapper. Grounded on the teacher's pkg/initial/aws client
// shape (lazy construction, a narrow api interface for testability); the
// teacher itself never called EC2's volume APIs, so the algorithm here is
// built fresh from spec.md §4.B and §8's idempotence invariant.
package ec2client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type ec2API interface {
	DescribeVolumes(context.Context, *ec2.DescribeVolumesInput,
		...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	AttachVolume(context.Context, *ec2.AttachVolumeInput,
		...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
}

type Client struct {
	api ec2API
}

func New(cfg aws.Config) *Client {
	return &Client{api: ec2.NewFromConfig(cfg)}
}

// Volume is the narrow view of a described EBS volume this package needs.
type Volume struct {
	ID               string
	State            types.VolumeState
	AvailabilityZone string
	Attachments      []Attachment
}

type Attachment struct {
	InstanceID string
	Device     string
	State      types.VolumeAttachmentState
}

// DescribeVolumes returns volumes matching the given tag filters and, if
// az is non-empty, restricted to that availability zone, per spec.md
// §4.B's ensure-attached selection filter.
func (c *Client) DescribeVolumes(ctx context.Context, tagFilters map[string]string, az string) ([]Volume, error) {
	filters := make([]types.Filter, 0, len(tagFilters)+1)
	for k, v := range tagFilters {
		filters = append(filters, types.Filter{
			Name:   aws.String("tag:" + k),
			Values: []string{v},
		})
	}
	if az != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("availability-zone"),
			Values: []string{az},
		})
	}
	var (
		volumes   []Volume
		nextToken *string
	)
	for {
		out, err := c.api.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			Filters:   filters,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to describe volumes: %w", err)
		}
		for _, v := range out.Volumes {
			vol := Volume{ID: aws.ToString(v.VolumeId), State: v.State, AvailabilityZone: aws.ToString(v.AvailabilityZone)}
			for _, a := range v.Attachments {
				vol.Attachments = append(vol.Attachments, Attachment{
					InstanceID: aws.ToString(a.InstanceId),
					Device:     aws.ToString(a.Device),
					State:      a.State,
				})
			}
			volumes = append(volumes, vol)
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].ID < volumes[j].ID })
	return volumes, nil
}

// AttachVolume attaches volumeID to instanceID at device.
func (c *Client) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	_, err := c.api.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   aws.String(volumeID),
		InstanceId: aws.String(instanceID),
		Device:     aws.String(device),
	})
	if err != nil {
		return fmt.Errorf("unable to attach volume %s: %w", volumeID, err)
	}
	return nil
}

var ErrNoMatchingVolume = errors.New("no volume matched the given tag filters")

// EnsureAttached implements spec.md §4.B's four-step idempotent algorithm:
// select the lowest-id volume that is available in az, or already attached
// to this instance on this device; attach if necessary; poll until
// attached. az is the instance's own placement availability zone; a
// candidate whose AvailabilityZone doesn't match is skipped even if it
// slips through the tag filter, since spec.md's selection filter is
// tag set and availability zone together, not tags alone.
func (c *Client) EnsureAttached(ctx context.Context, tagFilters map[string]string, az, instanceID, device string, pollDeadline time.Duration) (string, error) {
	volumes, err := c.DescribeVolumes(ctx, tagFilters, az)
	if err != nil {
		return "", err
	}

	var candidate *Volume
	for i := range volumes {
		v := &volumes[i]
		if az != "" && v.AvailabilityZone != az {
			continue
		}
		if v.State == types.VolumeStateAvailable {
			if candidate == nil {
				candidate = v
			}
			continue
		}
		if v.State == types.VolumeStateInUse {
			for _, a := range v.Attachments {
				if a.InstanceID == instanceID && a.Device == device {
					return v.ID, nil
				}
			}
		}
	}
	if candidate == nil {
		return "", ErrNoMatchingVolume
	}

	if err := c.AttachVolume(ctx, candidate.ID, instanceID, device); err != nil {
		return "", err
	}

	deadline := time.Now().Add(pollDeadline)
	for {
		volumes, err := c.DescribeVolumes(ctx, tagFilters, az)
		if err != nil {
			return "", err
		}
		for _, v := range volumes {
			if v.ID != candidate.ID {
				continue
			}
			for _, a := range v.Attachments {
				if a.InstanceID == instanceID && a.Device == device &&
					a.State == types.VolumeAttachmentStateAttached {
					return v.ID, nil
				}
			}
		}
		if time.Now().After(deadline) {
			return "", fmt.Errorf("timed out waiting for volume %s to attach", candidate.ID)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
