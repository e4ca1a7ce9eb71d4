// Package kube persists operator secrets in a single Kubernetes Secret
// object per unit. Optimistic concurrency on the object's resource
// version gives Store.Create the atomicity Manager.GetOrCreate relies on
// even when two operator processes race.
package kube

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/charmed-ops/wordpress-operator/internal/secrets"
)

const generatedAtAnnotationPrefix = "wordpress.charmed-ops.io/generated-at."

// Store keeps every generated secret as one key of a dedicated
// corev1.Secret.
type Store struct {
	client client.Client
	key    types.NamespacedName
}

func NewStore(c client.Client, namespace, name string) *Store {
	return &Store{client: c, key: types.NamespacedName{Namespace: namespace, Name: name}}
}

var _ secrets.Store = (*Store)(nil)

func (s *Store) Get(ctx context.Context, name string) (secrets.Secret, error) {
	obj := &corev1.Secret{}
	if err := s.client.Get(ctx, s.key, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return secrets.Secret{}, secrets.ErrNotFound
		}
		return secrets.Secret{}, fmt.Errorf("fetching secret object %s: %w", s.key, err)
	}
	value, ok := obj.Data[name]
	if !ok {
		return secrets.Secret{}, secrets.ErrNotFound
	}
	sec := secrets.Secret{Name: name, Value: string(value)}
	if ts := obj.Annotations[generatedAtAnnotationPrefix+name]; ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			sec.GeneratedAt = t
		}
	}
	return sec, nil
}

func (s *Store) Create(ctx context.Context, secret secrets.Secret) error {
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		obj := &corev1.Secret{}
		err := s.client.Get(ctx, s.key, obj)
		switch {
		case apierrors.IsNotFound(err):
			obj = &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Namespace:   s.key.Namespace,
					Name:        s.key.Name,
					Annotations: map[string]string{},
				},
				Data: map[string][]byte{},
			}
			setEntry(obj, secret)
			createErr := s.client.Create(ctx, obj)
			if apierrors.IsAlreadyExists(createErr) {
				// Lost the race for the object itself; retry the whole
				// read-modify-write so the existing key check runs.
				return apierrors.NewConflict(
					corev1.Resource("secrets"), s.key.Name, createErr)
			}
			return createErr
		case err != nil:
			return fmt.Errorf("fetching secret object %s: %w", s.key, err)
		}

		if _, exists := obj.Data[secret.Name]; exists {
			return secrets.ErrExists
		}
		setEntry(obj, secret)
		// Update carries the fetched resourceVersion, so a concurrent
		// writer forces a conflict and another round through this closure.
		return s.client.Update(ctx, obj)
	})
}

func setEntry(obj *corev1.Secret, secret secrets.Secret) {
	if obj.Data == nil {
		obj.Data = map[string][]byte{}
	}
	if obj.Annotations == nil {
		obj.Annotations = map[string]string{}
	}
	obj.Data[secret.Name] = []byte(secret.Value)
	if !secret.GeneratedAt.IsZero() {
		obj.Annotations[generatedAtAnnotationPrefix+secret.Name] =
			secret.GeneratedAt.UTC().Format(time.RFC3339)
	}
}
