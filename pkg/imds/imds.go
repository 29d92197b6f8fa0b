// Package imds implements the token-authenticated metadata client of
// spec.md §4.A, wrapping the AWS SDK's own IMDS client (which already
// performs the two-step session-token flow) behind the typed accessors the
// spec names.
package imds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrAbsent is returned by accessors whose backing path is legitimately
// missing (user-data, iam/security-credentials) rather than failing.
var ErrAbsent = errors.New("metadata path is absent")

const requestTimeout = 2 * time.Second

// Client exposes typed accessors over the instance metadata service.
type Client struct {
	api *imds.Client
}

func New() *Client {
	return &Client{
		api: imds.New(imds.Options{
			Retryer: retry.NewStandard(func(o *retry.StandardOptions) { o.MaxAttempts = 3 }),
		}),
	}
}

type NetworkInterface struct {
	MAC string
}

// IdentityDocument returns the raw instance identity document.
func (c *Client) IdentityDocument(ctx context.Context) ([]byte, error) {
	out, err := c.api.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, fmt.Errorf("unable to get instance identity document: %w", err)
	}
	return json.Marshal(out.InstanceIdentityDocument)
}

// NetworkInterfaces returns the MAC address of each attached ENI, used by
// the network bringup component to select the primary interface.
func (c *Client) NetworkInterfaces(ctx context.Context) ([]NetworkInterface, error) {
	out, err := c.get(ctx, "network/interfaces/macs/")
	if err != nil {
		return nil, fmt.Errorf("unable to list network interfaces: %w", err)
	}
	return parseMACList(out), nil
}

// parseMACList parses the newline-separated, slash-terminated MAC list
// returned by network/interfaces/macs/, skipping blank lines.
func parseMACList(out []byte) []NetworkInterface {
	var ifaces []NetworkInterface
	for _, line := range strings.Split(string(out), "\n") {
		mac := strings.TrimSuffix(strings.TrimSpace(line), "/")
		if mac == "" {
			continue
		}
		ifaces = append(ifaces, NetworkInterface{MAC: mac})
	}
	return ifaces
}

// UserData returns the raw user-data document. A 404 is returned as
// ErrAbsent, not failure, per spec.md §4.A.
func (c *Client) UserData(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	out, err := c.api.GetUserData(ctx, &imds.GetUserDataInput{})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrAbsent
		}
		return nil, fmt.Errorf("unable to get user data: %w", err)
	}
	defer out.Content.Close()
	return io.ReadAll(out.Content)
}

// IAMRole returns the name of the attached instance profile role. A 404 is
// returned as ErrAbsent: absence of an instance profile is not an error
// unless a cloud call is actually required.
func (c *Client) IAMRole(ctx context.Context) (string, error) {
	out, err := c.get(ctx, "iam/security-credentials/")
	if err != nil {
		if isNotFound(err) {
			return "", ErrAbsent
		}
		return "", fmt.Errorf("unable to get IAM role: %w", err)
	}
	first, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSuffix(strings.TrimSpace(first), "/"), nil
}

// IAMCredentials returns the raw temporary credentials document for role.
func (c *Client) IAMCredentials(ctx context.Context, role string) ([]byte, error) {
	out, err := c.get(ctx, "iam/security-credentials/"+role)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrAbsent
		}
		return nil, fmt.Errorf("unable to get IAM credentials for role %s: %w", role, err)
	}
	return out, nil
}

// SpotTermination polls for a spot termination notice. A 404 means no
// notice is scheduled and is not an error.
func (c *Client) SpotTermination(ctx context.Context) (action, actionTime string, scheduled bool, err error) {
	out, err := c.get(ctx, "spot/instance-action")
	if err != nil {
		if isNotFound(err) {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("unable to get spot termination notice: %w", err)
	}
	var parsed struct {
		Action string `json:"action"`
		Time   string `json:"time"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return "", "", false, fmt.Errorf("unable to parse spot termination notice: %w", err)
	}
	return parsed.Action, parsed.Time, true, nil
}

// PublicKeys returns the raw openssh public key material at index 0.
func (c *Client) PublicKeys(ctx context.Context) (string, error) {
	out, err := c.get(ctx, "public-keys/0/openssh-key")
	if err != nil {
		if isNotFound(err) {
			return "", ErrAbsent
		}
		return "", fmt.Errorf("unable to get public key from metadata: %w", err)
	}
	return string(out), nil
}

// AvailabilityZone returns the instance's placement availability zone.
func (c *Client) AvailabilityZone(ctx context.Context) (string, error) {
	out, err := c.get(ctx, "placement/availability-zone")
	if err != nil {
		return "", fmt.Errorf("unable to get availability zone: %w", err)
	}
	return string(out), nil
}

// Region returns the instance's region.
func (c *Client) Region(ctx context.Context) (string, error) {
	out, err := c.get(ctx, "placement/region")
	if err != nil {
		return "", fmt.Errorf("unable to get region: %w", err)
	}
	return string(out), nil
}

// InstanceID returns the instance's ID.
func (c *Client) InstanceID(ctx context.Context) (string, error) {
	out, err := c.get(ctx, "instance-id")
	if err != nil {
		return "", fmt.Errorf("unable to get instance id: %w", err)
	}
	return string(out), nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	out, err := c.api.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return nil, err
	}
	defer out.Content.Close()
	return io.ReadAll(out.Content)
}

func isNotFound(err error) bool {
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode() == 404
	}
	return false
}
