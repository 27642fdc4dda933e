package types

import (
	"fmt"
	"sort"
	"time"

	"k8s.io/client-go/tools/clientcmd"
	clientcmdapi "k8s.io/client-go/tools/clientcmd/api"
)

// ConfigRecord is a named connection bundle, i.e. "how to reach cluster X".
// Bundle is a kubeconfig document: its clusters are the remote endpoints, its users are the identities and
// its contexts are the bindings between the two. Endpoints carries the context names the bundle can reach.
type ConfigRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Bundle    []byte    `json:"bundle"`
	Endpoints []string  `json:"endpoints"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

// ConfigMetadata is a ConfigRecord without the (credential carrying) bundle.
type ConfigMetadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Endpoints []string  `json:"endpoints"`
	Created   time.Time `json:"created"`
	Updated   time.Time `json:"updated"`
}

func (r ConfigRecord) Metadata() ConfigMetadata {
	return ConfigMetadata{
		ID:        r.ID,
		Name:      r.Name,
		Endpoints: append([]string(nil), r.Endpoints...),
		Created:   r.Created,
		Updated:   r.Updated,
	}
}

// Clone returns a deep copy so callers can never mutate a cached record.
func (r ConfigRecord) Clone() ConfigRecord {
	c := r
	c.Bundle = append([]byte(nil), r.Bundle...)
	c.Endpoints = append([]string(nil), r.Endpoints...)
	return c
}

// ParseBundle parses and validates a kubeconfig bundle. The returned error always wraps ErrValidation.
// A bundle must declare at least one cluster, one user and one context, and every context must
// reference a declared cluster and user.
func ParseBundle(bundle []byte) (*clientcmdapi.Config, error) {
	if len(bundle) == 0 {
		return nil, Err(ErrValidation, nil, "bundle is empty")
	}
	cfg, err := clientcmd.Load(bundle)
	if err != nil {
		return nil, Err(ErrValidation, err, "bundle is not a valid kubeconfig")
	}
	if len(cfg.Clusters) == 0 {
		return nil, Err(ErrValidation, nil, "bundle declares no clusters")
	}
	if len(cfg.AuthInfos) == 0 {
		return nil, Err(ErrValidation, nil, "bundle declares no users")
	}
	if len(cfg.Contexts) == 0 {
		return nil, Err(ErrValidation, nil, "bundle declares no contexts")
	}
	for name, c := range cfg.Contexts {
		if c == nil {
			return nil, Err(ErrValidation, nil, "context %q is empty", name)
		}
		if _, ok := cfg.Clusters[c.Cluster]; !ok {
			return nil, Err(ErrValidation, nil, "context %q references unknown cluster %q", name, c.Cluster)
		}
		if _, ok := cfg.AuthInfos[c.AuthInfo]; !ok {
			return nil, Err(ErrValidation, nil, "context %q references unknown user %q", name, c.AuthInfo)
		}
	}
	return cfg, nil
}

// EndpointNames returns the sorted context names of a parsed bundle.
func EndpointNames(cfg *clientcmdapi.Config) []string {
	names := make([]string, 0, len(cfg.Contexts))
	for name := range cfg.Contexts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateName checks the display name of a record.
func ValidateName(name string) error {
	if name == "" {
		return Err(ErrValidation, nil, "name is required")
	}
	if len(name) > MaxConfigNameLength {
		return Err(ErrValidation, nil, "name must be at most %d characters", MaxConfigNameLength)
	}
	return nil
}

const MaxConfigNameLength = 253

func (m ConfigMetadata) String() string {
	return fmt.Sprintf("%s (%s)", m.Name, m.ID)
}
