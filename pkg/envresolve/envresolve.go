// Package envresolve builds the final process environment per spec.md
// §4.G: seed from image config, append user-data env, then fetch each
// env-from source and append its bindings, finally expanding
// Kubernetes-style $(VAR) references. The teacher has no equivalent
// standalone package for this (its env handling lived inline in
// initial.go's metadataToVMSpec and envToEnv); this package is grounded on
// those functions' NameValueSource conventions, generalized into a
// dedicated three-phase builder, and on original_source/src/vmspec.rs's
// use of the k8s_expand crate for the expansion pass (hand-implemented
// here since no pack dependency provides a Kubernetes-style expander).
package envresolve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bootcore/bootcore/pkg/cloudapi"
	"github.com/bootcore/bootcore/pkg/vmspec"
)

// Build runs the three phases of spec.md §4.G and returns the resolved
// environment before expansion.
func Build(ctx context.Context, conn *cloudapi.Connection, imageEnv, userDataEnv vmspec.NameValueSource, envFrom vmspec.EnvFromSource) (vmspec.NameValueSource, error) {
	env := append(vmspec.NameValueSource{}, imageEnv...)
	env = appendOverriding(env, userDataEnv)

	for _, source := range envFrom {
		bindings, err := resolveOne(ctx, conn, source)
		if err != nil {
			if source.Optional() {
				slog.Warn("env-from source not found, skipping", "source", source.Describe())
				continue
			}
			return nil, fmt.Errorf("unable to resolve env-from source %s: %w", source.Describe(), err)
		}
		env = appendOverriding(env, bindings)
	}
	return env, nil
}

func appendOverriding(env vmspec.NameValueSource, additions vmspec.NameValueSource) vmspec.NameValueSource {
	for _, add := range additions {
		if _, idx := env.Find(add.Name); idx >= 0 {
			env[idx] = add
			continue
		}
		env = append(env, add)
	}
	return env
}

func resolveOne(ctx context.Context, conn *cloudapi.Connection, source vmspec.EnvFrom) (vmspec.NameValueSource, error) {
	switch {
	case source.SSMParameter != nil:
		return resolveSSM(ctx, conn, source.SSMParameter)
	case source.SecretsManager != nil:
		return resolveSecrets(ctx, conn, source.SecretsManager)
	case source.S3 != nil:
		return resolveS3(ctx, conn, source.S3)
	default:
		return nil, fmt.Errorf("env-from entry has no variant set")
	}
}

func resolveSSM(ctx context.Context, conn *cloudapi.Connection, src *vmspec.SSMParameterEnvSource) (vmspec.NameValueSource, error) {
	if src.Name != "" {
		value, err := conn.SSM().GetParameter(ctx, src.Path)
		if err != nil {
			return nil, err
		}
		return vmspec.NameValueSource{{Name: src.Name, Value: value}}, nil
	}
	params, err := conn.SSM().GetParametersByPath(ctx, src.Path)
	if err != nil {
		return nil, err
	}
	bindings := make(vmspec.NameValueSource, 0, len(params))
	for _, p := range params {
		bindings = append(bindings, vmspec.NameValue{Name: p.Name, Value: p.Value})
	}
	return bindings, nil
}

func resolveSecrets(ctx context.Context, conn *cloudapi.Connection, src *vmspec.SecretsManagerEnvSource) (vmspec.NameValueSource, error) {
	payload, err := conn.Secrets().GetSecret(ctx, src.Name)
	if err != nil {
		return nil, err
	}
	if src.NameAs != "" {
		return vmspec.NameValueSource{{Name: src.NameAs, Value: string(payload)}}, nil
	}
	return bindingsFromJSONObject(payload)
}

func resolveS3(ctx context.Context, conn *cloudapi.Connection, src *vmspec.S3ObjectEnvSource) (vmspec.NameValueSource, error) {
	payload, err := conn.S3().GetObject(ctx, src.Bucket, src.Key)
	if err != nil {
		return nil, err
	}
	if src.Name != "" {
		return vmspec.NameValueSource{{Name: src.Name, Value: string(payload)}}, nil
	}
	return bindingsFromJSONObject(payload)
}

// bindingsFromJSONObject decodes a JSON object payload preserving member
// insertion order, per spec.md §4.G's "append each <member>=<value> in
// insertion order of the object".
func bindingsFromJSONObject(payload []byte) (vmspec.NameValueSource, error) {
	dec := json.NewDecoder(strings.NewReader(string(payload)))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("payload is not a JSON object: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("payload is not a JSON object")
	}

	var bindings vmspec.NameValueSource
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("payload is not a valid JSON object: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("payload is not a valid JSON object: non-string key")
		}
		var value string
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("member %s is not a JSON string: %w", key, err)
		}
		bindings = append(bindings, vmspec.NameValue{Name: key, Value: value})
	}
	return bindings, nil
}
