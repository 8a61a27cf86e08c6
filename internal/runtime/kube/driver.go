// Package kube implements the sandbox runtime driver on top of a
// Kubernetes cluster, one pod and one workspace volume per session.
package kube

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/kweaver-ai/sandbox/internal/common/config"
	apperrors "github.com/kweaver-ai/sandbox/internal/common/errors"
	"github.com/kweaver-ai/sandbox/internal/common/logger"
	"github.com/kweaver-ai/sandbox/internal/runtime"
	v1 "github.com/kweaver-ai/sandbox/pkg/api/v1"
)

const (
	labelManagedBy = runtime.LabelManagedBy
	labelSessionID = runtime.LabelSessionID
	managedByValue = runtime.ManagedByValue
)

// Driver runs sandboxes as pods. The cluster is a single logical
// runtime node; Kubernetes does the per-machine placement.
type Driver struct {
	clientset    kubernetes.Interface
	namespace    string
	storageClass string
	logger       *logger.Logger
}

var _ runtime.Driver = (*Driver)(nil)

// NewDriver builds a driver from in-cluster config, falling back to the
// configured kubeconfig path for development.
func NewDriver(cfg config.RuntimeConfig, log *logger.Logger) (*Driver, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.KubeConfig)
		if err != nil {
			return nil, apperrors.DriverError("load kubernetes config", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, apperrors.DriverError("create kubernetes client", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "sandbox"
	}

	return &Driver{
		clientset:    clientset,
		namespace:    namespace,
		storageClass: cfg.StorageClassName,
		logger:       log.WithFields(zap.String("component", "kube-driver")),
	}, nil
}

// NewDriverWithClient builds a driver around an existing clientset.
// Tests use it with a fake clientset.
func NewDriverWithClient(clientset kubernetes.Interface, namespace string, log *logger.Logger) *Driver {
	return &Driver{
		clientset: clientset,
		namespace: namespace,
		logger:    log.WithFields(zap.String("component", "kube-driver")),
	}
}

func (d *Driver) Kind() v1.RuntimeKind { return v1.RuntimeKindKubernetes }

func podName(sessionID string) string {
	return "sandbox-" + strings.ReplaceAll(sessionID, "_", "-")
}

func pvcName(sessionID string) string {
	return podName(sessionID) + "-workspace"
}

// CreateSandbox provisions the workspace claim and the sandbox pod.
// The pod name is the handle.
func (d *Driver) CreateSandbox(ctx context.Context, _ string, spec runtime.SandboxSpec) (string, error) {
	if err := d.ensureWorkspaceClaim(ctx, spec); err != nil {
		return "", err
	}

	pod := d.buildPod(spec)
	created, err := d.clientset.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return pod.Name, nil
		}
		return "", apperrors.DriverError("create sandbox pod", err)
	}

	d.logger.WithSessionID(spec.SessionID).Info("Sandbox pod created",
		zap.String("pod", created.Name))
	return created.Name, nil
}

func (d *Driver) ensureWorkspaceClaim(ctx context.Context, spec runtime.SandboxSpec) error {
	disk := spec.Resources.DiskBytes
	if disk <= 0 {
		disk = 1 << 30
	}

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      pvcName(spec.SessionID),
			Namespace: d.namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelSessionID: spec.SessionID,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(disk, resource.BinarySI),
				},
			},
		},
	}
	if d.storageClass != "" {
		claim.Spec.StorageClassName = &d.storageClass
	}

	_, err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Create(ctx, claim, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return apperrors.DriverError("create workspace claim", err)
	}
	return nil
}

func (d *Driver) buildPod(spec runtime.SandboxSpec) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	runAsUser := int64(1000)
	runAsNonRoot := true
	allowEscalation := false

	cpu := resource.NewMilliQuantity(int64(spec.Resources.CPUCores*1000), resource.DecimalSI)
	memory := resource.NewQuantity(spec.Resources.MemoryBytes, resource.BinarySI)
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *cpu,
		corev1.ResourceMemory: *memory,
	}

	container := corev1.Container{
		Name:       "sandbox",
		Image:      spec.Image,
		Env:        env,
		WorkingDir: "/workspace",
		Resources: corev1.ResourceRequirements{
			Requests: limits,
			Limits:   limits,
		},
		Ports: []corev1.ContainerPort{{ContainerPort: runtime.ExecutorPort}},
		VolumeMounts: []corev1.VolumeMount{
			{Name: "workspace", MountPath: "/workspace"},
			{Name: "tmp", MountPath: "/tmp"},
		},
		SecurityContext: &corev1.SecurityContext{
			RunAsUser:                &runAsUser,
			RunAsGroup:               &runAsUser,
			RunAsNonRoot:             &runAsNonRoot,
			AllowPrivilegeEscalation: &allowEscalation,
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	// Dependency install wraps the executor start so the pod only
	// reports ready once packages are in place.
	if len(spec.Packages) > 0 {
		install := "sandbox-install " + strings.Join(spec.Packages, " ")
		container.Command = []string{"/bin/sh", "-c", install + " && exec sandbox-executor"}
	}

	tmpLimit := resource.NewQuantity(256<<20, resource.BinarySI)
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(spec.SessionID),
			Namespace: d.namespace,
			Labels: map[string]string{
				labelManagedBy: managedByValue,
				labelSessionID: spec.SessionID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{container},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: pvcName(spec.SessionID),
						},
					},
				},
				{
					Name: "tmp",
					VolumeSource: corev1.VolumeSource{
						EmptyDir: &corev1.EmptyDirVolumeSource{
							Medium:    corev1.StorageMediumMemory,
							SizeLimit: tmpLimit,
						},
					},
				},
			},
		},
	}
}

// DestroySandbox deletes the pod only. The workspace claim stays
// behind so a reprovisioned pod mounts the same files; RemoveWorkspace
// reclaims it on terminal teardown. A missing pod is ignored so
// repeated teardown is safe.
func (d *Driver) DestroySandbox(ctx context.Context, _ string, handle string) error {
	err := d.clientset.CoreV1().Pods(d.namespace).Delete(ctx, handle, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return apperrors.DriverError("delete sandbox pod", err)
	}
	return nil
}

// RemoveWorkspace deletes the session's workspace claim. A missing
// claim is ignored.
func (d *Driver) RemoveWorkspace(ctx context.Context, _ string, sessionID string) error {
	err := d.clientset.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, pvcName(sessionID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return apperrors.DriverError("delete workspace claim", err)
	}
	return nil
}

func (d *Driver) IsRunning(ctx context.Context, _ string, handle string) (bool, error) {
	pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		return false, apperrors.DriverError("get sandbox pod", err)
	}
	return pod.Status.Phase == corev1.PodRunning, nil
}

func (d *Driver) ExecutorURL(ctx context.Context, _ string, handle string) (string, error) {
	pod, err := d.clientset.CoreV1().Pods(d.namespace).Get(ctx, handle, metav1.GetOptions{})
	if err != nil {
		return "", apperrors.DriverError("get sandbox pod", err)
	}
	if pod.Status.PodIP == "" {
		return "", apperrors.DriverError(fmt.Sprintf("pod %s has no address yet", handle), nil)
	}
	return fmt.Sprintf("http://%s:%d", pod.Status.PodIP, runtime.ExecutorPort), nil
}

func (d *Driver) ListSandboxes(ctx context.Context, _ string) ([]runtime.SandboxInfo, error) {
	pods, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", labelManagedBy, managedByValue),
	})
	if err != nil {
		return nil, apperrors.DriverError("list sandbox pods", err)
	}

	infos := make([]runtime.SandboxInfo, 0, len(pods.Items))
	for _, pod := range pods.Items {
		infos = append(infos, runtime.SandboxInfo{
			Handle:    pod.Name,
			SessionID: pod.Labels[labelSessionID],
			Running:   pod.Status.Phase == corev1.PodRunning,
		})
	}
	return infos, nil
}

func (d *Driver) Logs(ctx context.Context, _ string, handle string, tail int) ([]byte, error) {
	opts := &corev1.PodLogOptions{}
	if tail > 0 {
		lines := int64(tail)
		opts.TailLines = &lines
	}
	data, err := d.clientset.CoreV1().Pods(d.namespace).GetLogs(handle, opts).Do(ctx).Raw()
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, apperrors.NotFound("sandbox", handle)
		}
		return nil, apperrors.DriverError("read sandbox logs", err)
	}
	return data, nil
}

// Ping lists a single pod in the namespace to verify API reachability.
func (d *Driver) Ping(ctx context.Context, _ string) error {
	_, err := d.clientset.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return apperrors.DriverError("kubernetes api unreachable", err)
	}
	return nil
}

func (d *Driver) Close() error { return nil }
