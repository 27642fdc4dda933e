package cluster

import (
	"context"
	"time"

	"kubepulse/internal/ports"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// DynamicLister lists resources through the dynamic client of a ClientFactory.
type DynamicLister struct {
	factory *ClientFactory
}

func NewDynamicLister(f *ClientFactory) *DynamicLister {
	return &DynamicLister{factory: f}
}

func (l *DynamicLister) List(ctx context.Context, configID, contextName string, gvr schema.GroupVersionResource, namespace string) ([]ports.ResourceRow, error) {
	dyn, err := l.factory.Dynamic(ctx, configID, contextName)
	if err != nil {
		return nil, err
	}
	list, err := dyn.Resource(gvr).Namespace(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	rows := make([]ports.ResourceRow, 0, len(list.Items))
	for i := range list.Items {
		rows = append(rows, toRow(&list.Items[i]))
	}
	return rows, nil
}

func toRow(u *unstructured.Unstructured) ports.ResourceRow {
	row := ports.ResourceRow{
		Name:      u.GetName(),
		Namespace: u.GetNamespace(),
		Kind:      u.GetKind(),
		Labels:    u.GetLabels(),
	}
	if ts := u.GetCreationTimestamp(); !ts.IsZero() {
		row.Created = ts.UTC().Format(time.RFC3339)
	}
	return row
}
