// Package kube applies a workload spec to a Kubernetes cluster: a
// Deployment for the container, a ConfigMap for the rendered files and a
// Service for the declared ports. Apply is idempotent; re-applying an
// unchanged spec patches nothing.
package kube

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	"github.com/charmed-ops/wordpress-operator/internal/workload"
)

const (
	filesVolumeName = "rendered-files"
	tlsVolumeName   = "tls"
	tlsMountPath    = "/etc/wordpress/tls"
)

// Runtime is the Kubernetes-backed workload runtime.
type Runtime struct {
	client    client.Client
	log       klog.Logger
	namespace string
	app       string
	// applyTimeout bounds the readiness wait inside Apply. The reconciler
	// treats a timeout identically to a rejection: stay applying, back
	// off, retry.
	applyTimeout wait.Backoff
}

func NewRuntime(c client.Client, log klog.Logger, namespace, app string) *Runtime {
	return &Runtime{
		client:    c,
		log:       log,
		namespace: namespace,
		app:       app,
		applyTimeout: wait.Backoff{
			Duration: 3 * time.Second,
			Factor:   2.0,
			Steps:    5,
		},
	}
}

var _ workload.Runtime = (*Runtime)(nil)

func (r *Runtime) labels() map[string]string {
	return map[string]string{
		"app":        r.app,
		"controller": r.app,
	}
}

// Apply pushes the spec to the cluster and blocks until the workload
// reports ready or the bounded wait runs out.
func (r *Runtime) Apply(ctx context.Context, spec *workload.Spec) error {
	if err := r.applyConfigMap(ctx, spec); err != nil {
		return fmt.Errorf("applying rendered files: %w", err)
	}
	if err := r.applyDeployment(ctx, spec); err != nil {
		return fmt.Errorf("applying deployment: %w", err)
	}
	if err := r.applyService(ctx, spec); err != nil {
		return fmt.Errorf("applying service: %w", err)
	}
	return r.waitForReady(ctx)
}

// Ready reports the readiness signal of the last applied workload.
func (r *Runtime) Ready(ctx context.Context) (bool, error) {
	dep := &appsv1.Deployment{}
	err := r.client.Get(ctx, types.NamespacedName{Name: r.app, Namespace: r.namespace}, dep)
	if err != nil {
		return false, err
	}
	return dep.Status.ReadyReplicas >= 1, nil
}

func (r *Runtime) configMapName() string {
	return fmt.Sprintf("%s-files", r.app)
}

func (r *Runtime) applyConfigMap(ctx context.Context, spec *workload.Spec) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: r.configMapName(), Namespace: r.namespace},
	}
	_, err := controllerutil.CreateOrPatch(ctx, r.client, cm, func() error {
		cm.Labels = r.labels()
		cm.Data = map[string]string{}
		for p, content := range spec.Files {
			cm.Data[path.Base(p)] = content
		}
		return nil
	})
	return err
}

func (r *Runtime) applyDeployment(ctx context.Context, spec *workload.Spec) error {
	labels := r.labels()

	var env []corev1.EnvVar
	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}

	var ports []corev1.ContainerPort
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ContainerPort{
			Name:          p.Name,
			ContainerPort: p.Port,
			Protocol:      corev1.Protocol(p.Protocol),
		})
	}

	filePaths := make([]string, 0, len(spec.Files))
	for p := range spec.Files {
		filePaths = append(filePaths, p)
	}
	sort.Strings(filePaths)
	var mounts []corev1.VolumeMount
	for _, p := range filePaths {
		mounts = append(mounts, corev1.VolumeMount{
			Name:      filesVolumeName,
			MountPath: p,
			SubPath:   path.Base(p),
		})
	}

	volumes := []corev1.Volume{
		{
			Name: filesVolumeName,
			VolumeSource: corev1.VolumeSource{
				ConfigMap: &corev1.ConfigMapVolumeSource{
					LocalObjectReference: corev1.LocalObjectReference{
						Name: r.configMapName(),
					},
				},
			},
		},
	}
	if spec.TLSSecret != "" {
		mounts = append(mounts, corev1.VolumeMount{
			Name:      tlsVolumeName,
			MountPath: tlsMountPath,
			ReadOnly:  true,
		})
		volumes = append(volumes, corev1.Volume{
			Name: tlsVolumeName,
			VolumeSource: corev1.VolumeSource{
				Secret: &corev1.SecretVolumeSource{SecretName: spec.TLSSecret},
			},
		})
	}

	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: r.app, Namespace: r.namespace},
	}
	r.log.Info("Now creating/updating deployment", "name", r.app, "namespace", r.namespace, "image", spec.Image)
	_, err := controllerutil.CreateOrPatch(ctx, r.client, dep, func() error {
		dep.Labels = labels
		dep.Spec = appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:         r.app,
							Image:        spec.Image,
							Env:          env,
							Ports:        ports,
							VolumeMounts: mounts,
						},
					},
					Volumes: volumes,
				},
			},
		}
		return nil
	})
	return err
}

func (r *Runtime) applyService(ctx context.Context, spec *workload.Spec) error {
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: r.app, Namespace: r.namespace},
	}
	_, err := controllerutil.CreateOrPatch(ctx, r.client, svc, func() error {
		svc.Labels = r.labels()
		svc.Spec.Selector = r.labels()
		var ports []corev1.ServicePort
		for _, p := range spec.Ports {
			ports = append(ports, corev1.ServicePort{
				Name:     p.Name,
				Port:     p.Port,
				Protocol: corev1.Protocol(p.Protocol),
			})
		}
		svc.Spec.Ports = ports
		return nil
	})
	return err
}

func (r *Runtime) waitForReady(ctx context.Context) error {
	r.log.Info("Now checking the readiness of deployment", "name", r.app, "namespace", r.namespace)
	err := wait.ExponentialBackoffWithContext(ctx, r.applyTimeout, func(ctx context.Context) (bool, error) {
		ready, err := r.Ready(ctx)
		if err != nil {
			return false, err
		}
		if !ready {
			r.log.Info("Deployment is not ready yet", "name", r.app)
		}
		return ready, nil
	})
	if err != nil {
		return fmt.Errorf("deployment %s/%s did not become ready: %w", r.namespace, r.app, err)
	}
	return nil
}
