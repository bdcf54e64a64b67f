package state

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// ConfigMapConfig configures the configmap driver. Each slot is a data key
// of one ConfigMap, so slot names must be valid ConfigMap keys.
type ConfigMapConfig struct {
	Kubeconfig string `yaml:"kubeconfig"`
	Namespace  string `yaml:"namespace"`
	Name       string `yaml:"name"`
}

// ConfigMapBackend stores slots as data keys of a ConfigMap.
type ConfigMapBackend struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

// NewConfigMapBackend uses an existing clientset.
func NewConfigMapBackend(client kubernetes.Interface, namespace, name string) *ConfigMapBackend {
	if namespace == "" {
		namespace = "default"
	}
	if name == "" {
		name = "dcfsync-slots"
	}
	return &ConfigMapBackend{client: client, namespace: namespace, name: name}
}

func openConfigMap(_ context.Context, cfg Config) (Backend, error) {
	// An empty kubeconfig path falls back to the in-cluster config.
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.ConfigMap.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}
	return NewConfigMapBackend(client, cfg.ConfigMap.Namespace, cfg.ConfigMap.Name), nil
}

func (b *ConfigMapBackend) Get(ctx context.Context, slot string) (string, error) {
	cm, err := b.client.CoreV1().ConfigMaps(b.namespace).Get(ctx, b.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get configmap %s/%s: %w", b.namespace, b.name, err)
	}
	return cm.Data[slot], nil
}

func (b *ConfigMapBackend) Set(ctx context.Context, slot, value string) error {
	cms := b.client.CoreV1().ConfigMaps(b.namespace)
	cm, err := cms.Get(ctx, b.name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Name:      b.name,
				Namespace: b.namespace,
				Labels:    map[string]string{"app.kubernetes.io/managed-by": "dcfsync"},
			},
			Data: map[string]string{slot: value},
		}
		if _, err := cms.Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create configmap %s/%s: %w", b.namespace, b.name, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get configmap %s/%s: %w", b.namespace, b.name, err)
	}
	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	cm.Data[slot] = value
	if _, err := cms.Update(ctx, cm, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update configmap %s/%s: %w", b.namespace, b.name, err)
	}
	return nil
}

func (b *ConfigMapBackend) Close() error { return nil }
