// Package ssmclient implements the parameter-store operations of spec.md
// §4.B, grounded on the teacher's pkg/initial/aws/ssm.go (same narrow api
// interface). Single and hierarchical lookups are separate methods; the
// caller chooses which one to use.
package ssmclient

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

type ssmAPI interface {
	GetParameter(context.Context, *ssm.GetParameterInput,
		...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(context.Context, *ssm.GetParametersByPathInput,
		...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

type Client struct {
	api ssmAPI
}

func New(cfg aws.Config) *Client {
	return &Client{api: ssm.NewFromConfig(cfg)}
}

// Parameter is the narrow view this package returns.
type Parameter struct {
	Name  string
	Value string
}

// GetParameter fetches a single, decrypted parameter value.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("unable to get SSM parameter %s: %w", name, err)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// GetParametersByPath fetches every parameter at or below path, decrypted,
// with names returned relative to path.
func (c *Client) GetParametersByPath(ctx context.Context, path string) ([]Parameter, error) {
	var (
		parameters []Parameter
		nextToken  *string
	)
	for {
		out, err := c.api.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           aws.String(path),
			Recursive:      aws.Bool(true),
			WithDecryption: aws.Bool(true),
			NextToken:      nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to get SSM parameters at path %s: %w", path, err)
		}
		for _, p := range out.Parameters {
			name := strings.TrimPrefix(aws.ToString(p.Name), path)
			name = strings.TrimPrefix(name, "/")
			parameters = append(parameters, Parameter{Name: name, Value: aws.ToString(p.Value)})
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return parameters, nil
}
