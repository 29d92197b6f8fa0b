// Package cloudapi implements the lazily-constructed cloud API facade of
// spec.md §4.B, grounded on the teacher's pkg/initial/aws package: a single
// Connection holds the resolved AWS config and hands out typed, on-demand
// sub-clients (block store, object store, parameter store, secrets store).
package cloudapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"

	"github.com/bootcore/bootcore/pkg/cloudapi/ec2client"
	"github.com/bootcore/bootcore/pkg/cloudapi/s3client"
	"github.com/bootcore/bootcore/pkg/cloudapi/secretsclient"
	"github.com/bootcore/bootcore/pkg/cloudapi/ssmclient"
)

// ErrorKind enumerates the taxonomy spec.md §4.B requires: auth, not-found,
// throttled, transport, service.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindAuth
	KindNotFound
	KindThrottled
	KindTransport
	KindService
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not-found"
	case KindThrottled:
		return "throttled"
	case KindTransport:
		return "transport"
	case KindService:
		return "service"
	default:
		return "unknown"
	}
}

// CloudError is the typed error shape Classify produces. The sub-clients
// themselves return fmt.Errorf-wrapped SDK errors; callers that need the
// kind pass them through Classify.
type CloudError struct {
	Kind     ErrorKind
	Resource string
	Err      error
}

func (e *CloudError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error (%s): %s", e.Kind, e.Resource, e.Err)
}

func (e *CloudError) Unwrap() error { return e.Err }

// Classify maps an AWS SDK error to a CloudError, inspecting the HTTP
// status code and smithy's retryable marker the way the SDK's own retryer
// does internally.
func Classify(resource string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CloudError
	if errors.As(err, &ce) {
		return err
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case 404:
			return &CloudError{Kind: KindNotFound, Resource: resource, Err: err}
		case 401, 403:
			return &CloudError{Kind: KindAuth, Resource: resource, Err: err}
		case 429:
			return &CloudError{Kind: KindThrottled, Resource: resource, Err: err}
		}
		if respErr.HTTPStatusCode() >= 500 {
			return &CloudError{Kind: KindService, Resource: resource, Err: err}
		}
	}
	return &CloudError{Kind: KindTransport, Resource: resource, Err: err}
}

// Retryable reports whether a CloudError warrants a jittered retry:
// throttled and transport errors only, per spec.md §4.B.
func Retryable(err error) bool {
	var ce *CloudError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == KindThrottled || ce.Kind == KindTransport
}

// WithBackoff retries fn with jittered exponential backoff, bounded by
// maxElapsed, stopping early on a non-retryable error.
func WithBackoff(ctx context.Context, maxElapsed time.Duration, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// CredentialProvider is the trait-like credential source spec.md §3 names,
// with a stale-marking hook the AWS SDK's own provider interface lacks.
type CredentialProvider interface {
	Fetch(ctx context.Context) (aws.Credentials, error)
	MarkStale()
}

type sdkProvider struct {
	inner aws.CredentialsProvider
	stale time.Time
}

func (p *sdkProvider) Fetch(ctx context.Context) (aws.Credentials, error) {
	return p.inner.Retrieve(ctx)
}

func (p *sdkProvider) MarkStale() { p.stale = time.Now() }

// Connection holds resolved AWS config and lazily constructs each
// sub-client on first use, caching it for the process lifetime, per
// spec.md §4.B.
type Connection struct {
	cfg      aws.Config
	ec2      *ec2client.Client
	s3       *s3client.Client
	ssm      *ssmclient.Client
	secrets  *secretsclient.Client
	provider *sdkProvider
}

// New loads the default AWS config chain (env, then IMDS, matching the
// teacher's config.LoadDefaultConfig usage in aws.go) for region.
func New(ctx context.Context, region string) (*Connection, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return &Connection{
		cfg:      cfg,
		provider: &sdkProvider{inner: cfg.Credentials},
	}, nil
}

func (c *Connection) Credentials() CredentialProvider { return c.provider }

func (c *Connection) EC2() *ec2client.Client {
	if c.ec2 == nil {
		c.ec2 = ec2client.New(c.cfg)
	}
	return c.ec2
}

func (c *Connection) S3() *s3client.Client {
	if c.s3 == nil {
		c.s3 = s3client.New(c.cfg)
	}
	return c.s3
}

func (c *Connection) SSM() *ssmclient.Client {
	if c.ssm == nil {
		c.ssm = ssmclient.New(c.cfg)
	}
	return c.ssm
}

func (c *Connection) Secrets() *secretsclient.Client {
	if c.secrets == nil {
		c.secrets = secretsclient.New(c.cfg)
	}
	return c.secrets
}
