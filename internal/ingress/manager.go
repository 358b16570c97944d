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
	"fmt"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/labels"
)

// ExternalDNSHostnameAnnotation lists extra hostnames external-dns publishes
// for an Ingress.
const ExternalDNSHostnameAnnotation = "external-dns.alpha.kubernetes.io/hostname"

// Manager deletes the Ingresses a pull request left in shared namespaces, such
// as a gateway namespace the preview namespaces route through.
type Manager struct {
	client client.Client
	dryRun bool
}

// NewManager creates a new ingress manager
func NewManager(c client.Client, dryRun bool) *Manager {
	return &Manager{
		client: c,
		dryRun: dryRun,
	}
}

// Cleanup deletes every Ingress labeled for the pull request, cluster-wide, and
// returns them as namespace/name. TLS secrets referenced by a deleted Ingress
// are deleted too when they carry the same labels; cert-manager does not
// garbage collect them.
func (m *Manager) Cleanup(ctx context.Context, prID int, projectKey string) ([]string, error) {
	logger := log.FromContext(ctx).WithValues("pullRequestId", prID, "project", projectKey)

	var list networkingv1.IngressList
	if err := m.client.List(ctx, &list, labels.Selector(prID, projectKey)); err != nil {
		return nil, fmt.Errorf("failed to list ingresses: %w", err)
	}

	want := labels.ForPullRequest(prID, projectKey)
	var deleted []string
	for i := range list.Items {
		ing := &list.Items[i]
		name := ing.Namespace + "/" + ing.Name
		if ing.DeletionTimestamp != nil {
			logger.V(1).Info("Ingress already being deleted", "ingress", name)
			continue
		}

		if m.dryRun {
			logger.Info("Dry run: would delete ingress", "ingress", name, "hosts", Hosts(ing))
			deleted = append(deleted, name)
			continue
		}

		if err := m.client.Delete(ctx, ing); client.IgnoreNotFound(err) != nil {
			return deleted, fmt.Errorf("failed to delete ingress %s: %w", name, err)
		}
		logger.Info("Deleted ingress", "ingress", name, "hosts", Hosts(ing))
		deleted = append(deleted, name)

		if err := m.deleteTLSSecrets(ctx, ing, want); err != nil {
			return deleted, err
		}
	}

	return deleted, nil
}

func (m *Manager) deleteTLSSecrets(ctx context.Context, ing *networkingv1.Ingress, want map[string]string) error {
	logger := log.FromContext(ctx)

	for _, tls := range ing.Spec.TLS {
		if tls.SecretName == "" {
			continue
		}
		var secret corev1.Secret
		key := types.NamespacedName{Namespace: ing.Namespace, Name: tls.SecretName}
		if err := m.client.Get(ctx, key, &secret); err != nil {
			if client.IgnoreNotFound(err) != nil {
				return fmt.Errorf("failed to get TLS secret %s: %w", key, err)
			}
			continue
		}
		if !hasLabels(secret.Labels, want) {
			logger.V(1).Info("TLS secret not labeled for the pull request, keeping it", "secret", key.String())
			continue
		}
		if err := m.client.Delete(ctx, &secret); client.IgnoreNotFound(err) != nil {
			return fmt.Errorf("failed to delete TLS secret %s: %w", key, err)
		}
		logger.Info("Deleted TLS secret", "secret", key.String())
	}
	return nil
}

// Hosts returns the hostnames an Ingress routes, from its rules and the
// external-dns annotation, sorted and without duplicates.
func Hosts(ing *networkingv1.Ingress) []string {
	var hosts []string
	for _, rule := range ing.Spec.Rules {
		if rule.Host != "" {
			hosts = append(hosts, rule.Host)
		}
	}
	for _, h := range strings.Split(ing.Annotations[ExternalDNSHostnameAnnotation], ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	slices.Sort(hosts)
	return slices.Compact(hosts)
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
