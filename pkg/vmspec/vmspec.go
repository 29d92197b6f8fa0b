// Package vmspec implements the user-data model: parsing the YAML document
// fetched from the metadata service, merging it with the container image's
// declared configuration, and validating the result into a RuntimeSpec.
package vmspec

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"dario.cat/mergo"
	yaml "github.com/goccy/go-yaml"
)

// VMSpec is the merged workload description, RuntimeSpec in spec.md §3.
type VMSpec struct {
	Args                []string        `json:"args,omitempty" yaml:"args,omitempty"`
	Command             []string        `json:"command,omitempty" yaml:"command,omitempty"`
	Debug               bool            `json:"debug,omitempty" yaml:"debug,omitempty"`
	DisableServices     []string        `json:"disable-services,omitempty" yaml:"disable-services,omitempty"`
	Env                 NameValueSource `json:"env,omitempty" yaml:"env,omitempty"`
	EnvFrom             EnvFromSource   `json:"env-from,omitempty" yaml:"env-from,omitempty"`
	InitScripts         []string        `json:"init-scripts,omitempty" yaml:"init-scripts,omitempty"`
	ReplaceInit         bool            `json:"replace-init,omitempty" yaml:"replace-init,omitempty"`
	Security            SecurityContext `json:"security,omitempty" yaml:"security,omitempty"`
	ShutdownGracePeriod int             `json:"shutdown-grace-period,omitempty" yaml:"shutdown-grace-period,omitempty"`
	Sysctls             NameValueSource `json:"sysctls,omitempty" yaml:"sysctls,omitempty"`
	Volumes             Volumes         `json:"volumes,omitempty" yaml:"volumes,omitempty"`
	WorkingDir          string          `json:"working-dir,omitempty" yaml:"working-dir,omitempty"`
}

// knownTopLevelKeys mirrors the YAML field names above, used to reject
// unknown top-level keys per spec.md §4.C.
var knownTopLevelKeys = map[string]struct{}{
	"args": {}, "command": {}, "debug": {}, "disable-services": {},
	"env": {}, "env-from": {}, "init-scripts": {}, "replace-init": {},
	"security": {}, "shutdown-grace-period": {}, "sysctls": {},
	"volumes": {}, "working-dir": {},
}

// Parse decodes a user-data YAML document, rejecting unknown top-level
// keys. A nil or empty document is equivalent to {} and is not an error.
func Parse(raw []byte) (*VMSpec, error) {
	spec := &VMSpec{}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return spec, nil
	}

	var loose map[string]any
	if err := yaml.Unmarshal(raw, &loose); err != nil {
		return nil, fmt.Errorf("user data is not valid YAML: %w", err)
	}
	for k := range loose {
		if _, ok := knownTopLevelKeys[k]; !ok {
			return nil, fmt.Errorf("unknown user data key %q", k)
		}
	}

	if err := yaml.Unmarshal(raw, spec); err != nil {
		return nil, fmt.Errorf("unable to decode user data: %w", err)
	}
	return spec, nil
}

// Merge applies other onto v following spec.md §3's merge invariants:
// scalars are overridden if set, list fields are appended, and
// command/args are replaced wholesale together.
func (v *VMSpec) Merge(other *VMSpec) error {
	err := mergo.Merge(v, other, mergo.WithOverride, mergo.WithoutDereference,
		mergo.WithAppendSlice, mergo.WithTransformers(nameValueTransformer{}))
	if err != nil {
		return err
	}
	if other.Command != nil {
		// Args travels with command: a command replaces args wholesale,
		// even to an empty list, rather than appending.
		v.Args = other.Args
		v.Command = other.Command
	} else if other.Args != nil {
		v.Args = other.Args
	}
	v.SetDefaults()
	return nil
}

func (v *VMSpec) SetDefaults() {
	if v.Security.RunAsGroupID == nil {
		v.Security.RunAsGroupID = p(0)
	}
	if v.Security.RunAsUserID == nil {
		v.Security.RunAsUserID = p(0)
	}
	if v.WorkingDir == "" {
		v.WorkingDir = "/"
	}
}

// Validate enforces the invariants of spec.md §3: exactly one tagged
// variant per env-from/volume entry, absolute non-pseudo mount paths, and
// well-formed environment-variable names. It does not resolve user/group
// identity; that is done separately against the on-disk databases.
func (v *VMSpec) Validate() error {
	var errs error

	if len(v.Command) == 0 && len(v.Args) == 0 {
		errs = errors.Join(errs, errors.New("command must not be empty"))
	}
	if v.ReplaceInit && len(v.DisableServices) == 0 {
		// Replace-init means no auxiliary services may remain enabled; the
		// orchestrator enforces this by disabling all discovered services,
		// but a user-data author relying on disable-services with
		// replace-init set is a no-op worth flagging nowhere louder than
		// here, so no error is raised for this case alone.
		_ = struct{}{}
	}

	for i, e := range v.Env {
		if !isValidEnvName(e.Name) {
			errs = errors.Join(errs, fmt.Errorf("env[%d]: invalid name %q", i, e.Name))
		}
	}
	for _, ef := range v.EnvFrom {
		errs = errors.Join(errs, ef.Validate())
	}
	for _, vol := range v.Volumes {
		errs = errors.Join(errs, vol.Validate())
	}
	return errs
}

func isValidEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

type NameValue struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

type NameValueSource []NameValue

// Find returns the value of the item at key with its index, or -1 if not found.
func (n NameValueSource) Find(key string) (string, int) {
	for i, item := range n {
		if item.Name == key {
			return item.Value, i
		}
	}
	return "", -1
}

func (n NameValueSource) ToStrings() []string {
	out := make([]string, len(n))
	for i, item := range n {
		out[i] = item.Name + "=" + item.Value
	}
	return out
}

type nameValueTransformer struct{}

// Transformer merges NameValueSource types. Values from src override
// values from dst if both have the same Name. Items in src with Name not
// existing in dst are appended to dst, preserving declaration order.
func (n nameValueTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	nvType := reflect.TypeOf(NameValueSource{})
	if typ != nvType {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.CanSet() {
			return nil
		}
		if !(src.Type() == nvType && dst.Type() == nvType) {
			return fmt.Errorf("expected to merge %s types, got %s and %s",
				nvType, src.Type(), dst.Type())
		}
		for i := 0; i < src.Len(); i++ {
			srcNV := src.Index(i)
			srcName := srcNV.FieldByName("Name")
			var overrideValue, dstValue reflect.Value
			for j := 0; j < dst.Len(); j++ {
				dstName := dst.Index(j).FieldByName("Name")
				if srcName.Equal(dstName) {
					dstValue = dst.Index(j).FieldByName("Value")
					overrideValue = srcNV.FieldByName("Value")
					break
				}
			}
			if overrideValue.IsValid() {
				dstValue.Set(overrideValue)
				continue
			}
			dst.Set(reflect.Append(dst, srcNV))
		}
		return nil
	}
}

// EnvFromSource is the ordered list of env-from declarations, spec.md §3.
type EnvFromSource []EnvFrom

type EnvFrom struct {
	SSMParameter   *SSMParameterEnvSource   `json:"ssm,omitempty" yaml:"ssm,omitempty"`
	SecretsManager *SecretsManagerEnvSource `json:"secrets-manager,omitempty" yaml:"secrets-manager,omitempty"`
	S3             *S3ObjectEnvSource       `json:"s3,omitempty" yaml:"s3,omitempty"`
}

func (e *EnvFrom) Validate() error {
	names := e.variantNames()
	if len(names) != 1 {
		return fmt.Errorf("expected exactly 1 env-from source, got %d: %s",
			len(names), strings.Join(names, ", "))
	}
	return nil
}

func (e *EnvFrom) variantNames() []string {
	names := []string{}
	if e.SSMParameter != nil {
		names = append(names, "ssm")
	}
	if e.SecretsManager != nil {
		names = append(names, "secrets-manager")
	}
	if e.S3 != nil {
		names = append(names, "s3")
	}
	return names
}

// Optional reports whether a not-found outcome for this source should be
// swallowed as a warning rather than treated as fatal, per spec.md §8's
// "Optional swallowing" property.
func (e *EnvFrom) Optional() bool {
	switch {
	case e.SSMParameter != nil:
		return e.SSMParameter.Optional
	case e.SecretsManager != nil:
		return e.SecretsManager.Optional
	case e.S3 != nil:
		return e.S3.Optional
	default:
		return false
	}
}

// Describe returns a human-readable identifier for log lines and error
// messages.
func (e *EnvFrom) Describe() string {
	switch {
	case e.SSMParameter != nil:
		return "ssm:" + e.SSMParameter.Path
	case e.SecretsManager != nil:
		return "secrets-manager:" + e.SecretsManager.Name
	case e.S3 != nil:
		return "s3://" + e.S3.Bucket + "/" + e.S3.Key
	default:
		return "unknown"
	}
}

type SSMParameterEnvSource struct {
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type SecretsManagerEnvSource struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	NameAs   string `json:"name-as,omitempty" yaml:"name-as,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type S3ObjectEnvSource struct {
	Bucket   string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	Key      string `json:"key,omitempty" yaml:"key,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

// Volume is a tagged variant realized exactly once during boot, spec.md §3.
type Volume struct {
	EBS            *EBSVolumeSource            `json:"ebs,omitempty" yaml:"ebs,omitempty"`
	S3             *S3VolumeSource             `json:"s3,omitempty" yaml:"s3,omitempty"`
	SSMParameter   *SSMParameterVolumeSource   `json:"ssm,omitempty" yaml:"ssm,omitempty"`
	SecretsManager *SecretsManagerVolumeSource `json:"secrets-manager,omitempty" yaml:"secrets-manager,omitempty"`
}

func (v *Volume) Validate() error {
	names := []string{}
	var mountDir string
	if v.EBS != nil {
		names = append(names, "ebs")
		mountDir = v.EBS.MountPath
	}
	if v.S3 != nil {
		names = append(names, "s3")
		mountDir = v.S3.MountPath
	}
	if v.SSMParameter != nil {
		names = append(names, "ssm")
		mountDir = v.SSMParameter.MountPath
	}
	if v.SecretsManager != nil {
		names = append(names, "secrets-manager")
		mountDir = v.SecretsManager.MountPath
	}
	if len(names) != 1 {
		return fmt.Errorf("expected exactly 1 volume source, got %d: %s",
			len(names), strings.Join(names, ", "))
	}
	if !strings.HasPrefix(mountDir, "/") {
		return fmt.Errorf("volume mount path %q must be absolute", mountDir)
	}
	if isPseudoMount(mountDir) {
		return fmt.Errorf("volume mount path %q must not alias a pseudo-filesystem mount", mountDir)
	}
	return nil
}

// MountPath returns the realized volume's mount point, regardless of variant.
func (v *Volume) MountPath() string {
	switch {
	case v.EBS != nil:
		return v.EBS.MountPath
	case v.S3 != nil:
		return v.S3.MountPath
	case v.SSMParameter != nil:
		return v.SSMParameter.MountPath
	case v.SecretsManager != nil:
		return v.SecretsManager.MountPath
	}
	return ""
}

var pseudoMounts = []string{
	"/proc", "/sys", "/dev", "/dev/pts", "/dev/shm", "/run",
}

func isPseudoMount(dir string) bool {
	for _, p := range pseudoMounts {
		if dir == p {
			return true
		}
	}
	return false
}

type Volumes []Volume

// MountPoints returns the EBS mount directories, reverse sorted so
// children are listed before their parents, to make it easier to unmount
// them in the correct order.
func (v Volumes) MountPoints() []string {
	mountPoints := []string{}
	for _, vol := range v {
		if vol.EBS != nil {
			mountPoints = append(mountPoints, vol.EBS.MountPath)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(mountPoints)))
	return mountPoints
}

type EBSVolumeSource struct {
	Device       string            `json:"device,omitempty" yaml:"device,omitempty"`
	FSType       string            `json:"fstype,omitempty" yaml:"fstype,omitempty"`
	MakeFS       bool              `json:"make-fs,omitempty" yaml:"make-fs,omitempty"`
	MountPath    string            `json:"mount-path,omitempty" yaml:"mount-path,omitempty"`
	MountOptions []string          `json:"mount-options,omitempty" yaml:"mount-options,omitempty"`
	TagFilters   map[string]string `json:"tag-filters,omitempty" yaml:"tag-filters,omitempty"`
}

type S3VolumeSource struct {
	Bucket    string `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	KeyPrefix string `json:"key-or-prefix,omitempty" yaml:"key-or-prefix,omitempty"`
	MountPath string `json:"mount-path,omitempty" yaml:"mount-path,omitempty"`
	Optional  bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type SSMParameterVolumeSource struct {
	Path      string `json:"path,omitempty" yaml:"path,omitempty"`
	MountPath string `json:"mount-path,omitempty" yaml:"mount-path,omitempty"`
	Optional  bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type SecretsManagerVolumeSource struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	MountPath string `json:"mount-path,omitempty" yaml:"mount-path,omitempty"`
	Optional  bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type SecurityContext struct {
	ReadonlyRootFS bool `json:"readonly-root-fs,omitempty" yaml:"readonly-root-fs,omitempty"`
	RunAsGroupID   *int `json:"run-as-group-id,omitempty" yaml:"run-as-group-id,omitempty"`
	RunAsUserID    *int `json:"run-as-user-id,omitempty" yaml:"run-as-user-id,omitempty"`
}

func p[T any](v T) *T {
	return &v
}
