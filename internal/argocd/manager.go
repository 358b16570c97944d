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

package argocd

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/labels"
)

// Manager deletes the ArgoCD ApplicationSets provisioned for a pull request
type Manager struct {
	client          client.Client
	argocdNamespace string
	dryRun          bool
}

// NewManager creates a new ArgoCD manager scoped to argocdNamespace.
func NewManager(c client.Client, argocdNamespace string, dryRun bool) *Manager {
	return &Manager{
		client:          c,
		argocdNamespace: argocdNamespace,
		dryRun:          dryRun,
	}
}

// Cleanup deletes the ApplicationSets labeled for the pull request and returns
// their names. ArgoCD removes the generated Applications and their resources.
// A cluster without the ApplicationSet CRD has nothing to clean up.
func (m *Manager) Cleanup(ctx context.Context, prID int, projectKey string) ([]string, error) {
	logger := log.FromContext(ctx).WithValues("pullRequestId", prID, "project", projectKey)

	var list ApplicationSetList
	err := m.client.List(ctx, &list,
		client.InNamespace(m.argocdNamespace),
		labels.Selector(prID, projectKey),
	)
	if meta.IsNoMatchError(err) {
		logger.V(1).Info("ApplicationSet CRD not installed, skipping")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list ApplicationSets in %s: %w", m.argocdNamespace, err)
	}

	var deleted []string
	for i := range list.Items {
		appSet := &list.Items[i]
		if appSet.DeletionTimestamp != nil {
			logger.V(1).Info("ApplicationSet already being deleted", "applicationSet", appSet.Name)
			continue
		}

		if m.dryRun {
			logger.Info("Dry run: would delete ApplicationSet", "applicationSet", appSet.Name)
			deleted = append(deleted, appSet.Name)
			continue
		}

		if err := m.client.Delete(ctx, appSet); client.IgnoreNotFound(err) != nil {
			return deleted, fmt.Errorf("failed to delete ApplicationSet %s/%s: %w", appSet.Namespace, appSet.Name, err)
		}
		logger.Info("Deleted ApplicationSet", "applicationSet", appSet.Name)
		deleted = append(deleted, appSet.Name)
	}

	return deleted, nil
}

// Namespace returns the ArgoCD namespace configured for this manager.
func (m *Manager) Namespace() string {
	return m.argocdNamespace
}
