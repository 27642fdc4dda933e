package ports

import (
	"context"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// ResourceRow is the summary of one upstream object as streamed to clients.
type ResourceRow struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace,omitempty"`
	Kind      string            `json:"kind,omitempty"`
	Created   string            `json:"created,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// ResourceLister lists a resource collection of one cluster context.
// configID and contextName identify the cluster handle; namespace may be empty for all namespaces.
type ResourceLister interface {
	List(ctx context.Context, configID, contextName string, gvr schema.GroupVersionResource, namespace string) ([]ResourceRow, error)
}
