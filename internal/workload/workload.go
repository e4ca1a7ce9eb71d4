// Package workload defines the desired-state descriptor handed to the
// workload runtime, and the runtime boundary itself. A Spec is a pure
// value: the compiler produces it, the reconciler diffs it against the
// last-applied one, and only a differing spec reaches the runtime.
package workload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Port declares a container port exposed by the workload.
type Port struct {
	Name     string
	Port     int32
	Protocol string
}

// Spec is the desired state of the managed workload. Two specs computed
// from identical facts must compare equal, so all map iteration in Hash
// and String is over sorted keys.
type Spec struct {
	// Image is the container image reference.
	Image string
	// Env is the container environment.
	Env map[string]string
	// Files maps absolute in-container paths to rendered file content,
	// e.g. the generated wp-config.php.
	Files map[string]string
	// Ports are the declared container ports.
	Ports []Port
	// TLSSecret names an existing TLS secret to mount into the workload.
	// Empty means the workload serves plain HTTP.
	TLSSecret string
}

// Equal reports whether two specs are structurally identical.
func (s *Spec) Equal(other *Spec) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Hash() == other.Hash()
}

// Hash returns a stable digest of the spec content. The reconciler tags
// every apply call with this value so a late completion for a superseded
// spec can be recognised and discarded.
func (s *Spec) Hash() string {
	if s == nil {
		return ""
	}
	h := sha256.New()
	fmt.Fprintf(h, "image=%s\n", s.Image)
	for _, k := range sortedKeys(s.Env) {
		fmt.Fprintf(h, "env/%s=%s\n", k, s.Env[k])
	}
	for _, p := range sortedKeys(s.Files) {
		fmt.Fprintf(h, "file/%s=%x\n", p, sha256.Sum256([]byte(s.Files[p])))
	}
	for _, p := range s.Ports {
		fmt.Fprintf(h, "port/%s=%d/%s\n", p.Name, p.Port, p.Protocol)
	}
	fmt.Fprintf(h, "tls=%s\n", s.TLSSecret)
	return hex.EncodeToString(h.Sum(nil))
}

// String renders a short description for logging, without file contents
// or environment values that may hold secrets.
func (s *Spec) String() string {
	if s == nil {
		return "<nil>"
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("image=%s env=%s files=%s ports=", s.Image,
		strings.Join(sortedKeys(s.Env), ","), strings.Join(sortedKeys(s.Files), ",")))
	for i, p := range s.Ports {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(fmt.Sprintf("%s:%d", p.Name, p.Port))
	}
	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Runtime is the boundary to the system that actually runs the workload.
// Apply is blocking and must be idempotent: re-applying an identical spec
// is a no-op on the runtime side. Ready reports the readiness signal of
// the last applied workload.
type Runtime interface {
	Apply(ctx context.Context, spec *Spec) error
	Ready(ctx context.Context) (bool, error)
}
