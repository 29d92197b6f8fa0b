package ec2client

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockEC2API struct {
	volumes     []types.Volume
	attachCall  int
	lastFilters []types.Filter
}

func (m *mockEC2API) DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput,
	opt ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	m.lastFilters = in.Filters
	return &ec2.DescribeVolumesOutput{Volumes: m.volumes}, nil
}

func (m *mockEC2API) AttachVolume(ctx context.Context, in *ec2.AttachVolumeInput,
	opt ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	m.attachCall++
	for i := range m.volumes {
		if aws.ToString(m.volumes[i].VolumeId) == aws.ToString(in.VolumeId) {
			m.volumes[i].State = types.VolumeStateInUse
			m.volumes[i].Attachments = []types.VolumeAttachment{{
				InstanceId: in.InstanceId,
				Device:     in.Device,
				State:      types.VolumeAttachmentStateAttached,
			}}
		}
	}
	return &ec2.AttachVolumeOutput{}, nil
}

func Test_EnsureAttached_AttachesAvailableVolume(t *testing.T) {
	api := &mockEC2API{volumes: []types.Volume{
		{VolumeId: aws.String("vol-2"), State: types.VolumeStateAvailable},
		{VolumeId: aws.String("vol-1"), State: types.VolumeStateAvailable},
	}}
	c := &Client{api: api}
	id, err := c.EnsureAttached(context.Background(), nil, "", "i-123", "/dev/sdf", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "vol-1", id)
	assert.Equal(t, 1, api.attachCall)
}

func Test_EnsureAttached_IdempotentWhenAlreadyAttachedToThisInstance(t *testing.T) {
	api := &mockEC2API{volumes: []types.Volume{
		{
			VolumeId: aws.String("vol-1"),
			State:    types.VolumeStateInUse,
			Attachments: []types.VolumeAttachment{{
				InstanceId: aws.String("i-123"),
				Device:     aws.String("/dev/sdf"),
				State:      types.VolumeAttachmentStateAttached,
			}},
		},
	}}
	c := &Client{api: api}
	id, err := c.EnsureAttached(context.Background(), nil, "", "i-123", "/dev/sdf", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "vol-1", id)
	assert.Equal(t, 0, api.attachCall)
}

func Test_EnsureAttached_NoMatchingVolume(t *testing.T) {
	c := &Client{api: &mockEC2API{}}
	_, err := c.EnsureAttached(context.Background(), nil, "", "i-123", "/dev/sdf", time.Second)
	assert.ErrorIs(t, err, ErrNoMatchingVolume)
}

func Test_EnsureAttached_SkipsCandidateInWrongAZ(t *testing.T) {
	api := &mockEC2API{volumes: []types.Volume{
		{VolumeId: aws.String("vol-1"), State: types.VolumeStateAvailable, AvailabilityZone: aws.String("us-east-1b")},
	}}
	c := &Client{api: api}
	_, err := c.EnsureAttached(context.Background(), nil, "us-east-1a", "i-123", "/dev/sdf", time.Second)
	assert.ErrorIs(t, err, ErrNoMatchingVolume)
}

func Test_EnsureAttached_PassesAvailabilityZoneFilter(t *testing.T) {
	api := &mockEC2API{volumes: []types.Volume{
		{VolumeId: aws.String("vol-1"), State: types.VolumeStateAvailable, AvailabilityZone: aws.String("us-east-1a")},
	}}
	c := &Client{api: api}
	_, err := c.EnsureAttached(context.Background(), map[string]string{"Name": "data"}, "us-east-1a", "i-123", "/dev/sdf", time.Second)
	require.NoError(t, err)

	var sawAZFilter bool
	for _, f := range api.lastFilters {
		if aws.ToString(f.Name) == "availability-zone" && len(f.Values) == 1 && f.Values[0] == "us-east-1a" {
			sawAZFilter = true
		}
	}
	assert.True(t, sawAZFilter)
}
