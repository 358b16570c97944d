// Copyright 2025 The Prcleaner Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingress

import (
	"context"
	"errors"
	"slices"
	"testing"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/mikelane/prcleaner/internal/labels"
)

func testScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	_ = networkingv1.AddToScheme(scheme)
	return scheme
}

func labeledIngress(name, namespace string, prID int, projectKey string, hosts ...string) *networkingv1.Ingress {
	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    labels.ForPullRequest(prID, projectKey),
		},
	}
	for _, h := range hosts {
		ing.Spec.Rules = append(ing.Spec.Rules, networkingv1.IngressRule{Host: h})
	}
	return ing
}

func tlsSecret(name, namespace string, lbls map[string]string) *corev1.Secret {
	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Labels: lbls},
		Type:       corev1.SecretTypeTLS,
	}
}

func exists(t *testing.T, c client.Client, obj client.Object, name, namespace string) bool {
	t.Helper()
	err := c.Get(context.Background(), types.NamespacedName{Name: name, Namespace: namespace}, obj)
	if apierrors.IsNotFound(err) {
		return false
	}
	if err != nil {
		t.Fatalf("failed to get %s/%s: %v", namespace, name, err)
	}
	return true
}

func TestManager_Cleanup(t *testing.T) {
	c := fake.NewClientBuilder().
		WithScheme(testScheme()).
		WithObjects(
			labeledIngress("pr-42", "gateway", 42, "contoso.shop", "pr-42.preview.contoso.dev"),
			labeledIngress("pr-42-admin", "gateway-internal", 42, "contoso.shop"),
			labeledIngress("pr-43", "gateway", 43, "contoso.shop"),
			labeledIngress("pr-42", "fabrikam", 42, "fabrikam.app"),
		).
		Build()
	m := NewManager(c, false)

	deleted, err := m.Cleanup(context.Background(), 42, "contoso.shop")
	if err != nil {
		t.Fatalf("Cleanup() unexpected error: %v", err)
	}
	slices.Sort(deleted)
	want := []string{"gateway-internal/pr-42-admin", "gateway/pr-42"}
	if !slices.Equal(deleted, want) {
		t.Errorf("Cleanup() deleted %v, expected %v", deleted, want)
	}

	for _, gone := range []struct{ name, ns string }{
		{"pr-42", "gateway"},
		{"pr-42-admin", "gateway-internal"},
	} {
		if exists(t, c, &networkingv1.Ingress{}, gone.name, gone.ns) {
			t.Errorf("%s/%s should have been deleted", gone.ns, gone.name)
		}
	}
	for _, keep := range []struct{ name, ns string }{
		{"pr-43", "gateway"},
		{"pr-42", "fabrikam"},
	} {
		if !exists(t, c, &networkingv1.Ingress{}, keep.name, keep.ns) {
			t.Errorf("%s/%s should not have been deleted", keep.ns, keep.name)
		}
	}

	again, err := m.Cleanup(context.Background(), 42, "contoso.shop")
	if err != nil {
		t.Fatalf("repeated Cleanup() unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("repeated Cleanup() deleted %v, expected nothing", again)
	}
}

func TestManager_CleanupTLSSecrets(t *testing.T) {
	ing := labeledIngress("pr-42", "gateway", 42, "contoso.shop", "pr-42.preview.contoso.dev")
	ing.Spec.TLS = []networkingv1.IngressTLS{
		{Hosts: []string{"pr-42.preview.contoso.dev"}, SecretName: "pr-42-tls"},
		{Hosts: []string{"*.preview.contoso.dev"}, SecretName: "wildcard-tls"},
		{Hosts: []string{"pr-42.contoso.dev"}, SecretName: "missing-tls"},
	}

	c := fake.NewClientBuilder().
		WithScheme(testScheme()).
		WithObjects(
			ing,
			tlsSecret("pr-42-tls", "gateway", labels.ForPullRequest(42, "contoso.shop")),
			tlsSecret("wildcard-tls", "gateway", nil),
		).
		Build()

	if _, err := NewManager(c, false).Cleanup(context.Background(), 42, "contoso.shop"); err != nil {
		t.Fatalf("Cleanup() unexpected error: %v", err)
	}
	if exists(t, c, &corev1.Secret{}, "pr-42-tls", "gateway") {
		t.Error("labeled TLS secret should have been deleted")
	}
	if !exists(t, c, &corev1.Secret{}, "wildcard-tls", "gateway") {
		t.Error("shared TLS secret must be kept")
	}
}

func TestManager_CleanupDryRun(t *testing.T) {
	ing := labeledIngress("pr-42", "gateway", 42, "contoso.shop")
	ing.Spec.TLS = []networkingv1.IngressTLS{{SecretName: "pr-42-tls"}}
	c := fake.NewClientBuilder().
		WithScheme(testScheme()).
		WithObjects(ing, tlsSecret("pr-42-tls", "gateway", labels.ForPullRequest(42, "contoso.shop"))).
		Build()

	deleted, err := NewManager(c, true).Cleanup(context.Background(), 42, "contoso.shop")
	if err != nil {
		t.Fatalf("Cleanup() unexpected error: %v", err)
	}
	if len(deleted) != 1 || deleted[0] != "gateway/pr-42" {
		t.Errorf("Cleanup() reported %v, expected [gateway/pr-42]", deleted)
	}
	if !exists(t, c, &networkingv1.Ingress{}, "pr-42", "gateway") {
		t.Error("dry run must not delete the ingress")
	}
	if !exists(t, c, &corev1.Secret{}, "pr-42-tls", "gateway") {
		t.Error("dry run must not delete the TLS secret")
	}
}

func TestManager_CleanupReturnsDeleteErrors(t *testing.T) {
	c := fake.NewClientBuilder().
		WithScheme(testScheme()).
		WithObjects(labeledIngress("pr-42", "gateway", 42, "contoso.shop")).
		WithInterceptorFuncs(interceptor.Funcs{
			Delete: func(context.Context, client.WithWatch, client.Object, ...client.DeleteOption) error {
				return errors.New("apiserver unavailable")
			},
		}).
		Build()

	deleted, err := NewManager(c, false).Cleanup(context.Background(), 42, "contoso.shop")
	if err == nil {
		t.Error("Cleanup() expected error, got nil")
	}
	if len(deleted) != 0 {
		t.Errorf("Cleanup() reported %v after a failed delete", deleted)
	}
}

func TestManager_CleanupReturnsListErrors(t *testing.T) {
	c := fake.NewClientBuilder().
		WithScheme(testScheme()).
		WithInterceptorFuncs(interceptor.Funcs{
			List: func(context.Context, client.WithWatch, client.ObjectList, ...client.ListOption) error {
				return errors.New("forbidden")
			},
		}).
		Build()

	if _, err := NewManager(c, false).Cleanup(context.Background(), 42, "contoso.shop"); err == nil {
		t.Error("Cleanup() expected error, got nil")
	}
}

func TestHosts(t *testing.T) {
	tests := []struct {
		name       string
		rules      []string
		annotation string
		want       []string
	}{
		{name: "no hosts"},
		{name: "rules only", rules: []string{"b.example.com", "a.example.com"}, want: []string{"a.example.com", "b.example.com"}},
		{name: "annotation only", annotation: "a.example.com, b.example.com", want: []string{"a.example.com", "b.example.com"}},
		{
			name:       "duplicates removed",
			rules:      []string{"a.example.com", ""},
			annotation: "a.example.com,,c.example.com",
			want:       []string{"a.example.com", "c.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := labeledIngress("pr-1", "gateway", 1, "contoso.shop", tt.rules...)
			if tt.annotation != "" {
				ing.Annotations = map[string]string{ExternalDNSHostnameAnnotation: tt.annotation}
			}
			if got := Hosts(ing); !slices.Equal(got, tt.want) {
				t.Errorf("Hosts() = %v, want %v", got, tt.want)
			}
		})
	}
}
