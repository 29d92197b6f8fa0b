package ssmclient

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errParameterNotFound = errors.New("parameter not found")

type mockSSMAPI struct {
	parameters map[string]string
}

func (m *mockSSMAPI) GetParameter(ctx context.Context, in *ssm.GetParameterInput,
	opt ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	value, ok := m.parameters[aws.ToString(in.Name)]
	if !ok {
		return nil, errParameterNotFound
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: aws.String(value)}}, nil
}

func (m *mockSSMAPI) GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput,
	opt ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	var parameters []types.Parameter
	for k, v := range m.parameters {
		if strings.HasPrefix(k, aws.ToString(in.Path)) {
			parameters = append(parameters, types.Parameter{Name: aws.String(k), Value: aws.String(v)})
		}
	}
	return &ssm.GetParametersByPathOutput{Parameters: parameters}, nil
}

func Test_GetParameter_ReturnsValue(t *testing.T) {
	c := &Client{api: &mockSSMAPI{parameters: map[string]string{"/a/b": "value"}}}
	v, err := c.GetParameter(context.Background(), "/a/b")
	require.NoError(t, err)
	assert.Equal(t, "value", v)
}

func Test_GetParameter_NotFound(t *testing.T) {
	c := &Client{api: &mockSSMAPI{}}
	_, err := c.GetParameter(context.Background(), "/missing")
	assert.Error(t, err)
}

func Test_GetParametersByPath_NamesAreRelative(t *testing.T) {
	c := &Client{api: &mockSSMAPI{parameters: map[string]string{
		"/easy/to/abc":         "abc-value",
		"/easy/to/subpath/xyz": "xyz-value",
	}}}
	params, err := c.GetParametersByPath(context.Background(), "/easy/to")
	require.NoError(t, err)
	names := map[string]string{}
	for _, p := range params {
		names[p.Name] = p.Value
	}
	assert.Equal(t, "abc-value", names["abc"])
	assert.Equal(t, "xyz-value", names["subpath/xyz"])
}
