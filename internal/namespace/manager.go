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

package namespace

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/labels"
)

// Result lists the namespaces a cleanup acted on.
type Result struct {
	// Deleted are namespaces a delete was issued for (or would be, in dry-run).
	Deleted []string
	// Terminating were already being deleted.
	Terminating []string
}

// Manager deletes the namespaces provisioned for a pull request
type Manager struct {
	client client.Client
	dryRun bool
}

// NewManager creates a new namespace manager. With dryRun set, Cleanup only
// reports what it would delete.
func NewManager(c client.Client, dryRun bool) *Manager {
	return &Manager{
		client: c,
		dryRun: dryRun,
	}
}

// Cleanup deletes every namespace labeled for the pull request. Namespaces that
// are already terminating or disappear before the delete count as done, so a
// repeated cleanup succeeds.
func (m *Manager) Cleanup(ctx context.Context, prID int, projectKey string) (Result, error) {
	logger := log.FromContext(ctx).WithValues("pullRequestId", prID, "project", projectKey)

	var list corev1.NamespaceList
	if err := m.client.List(ctx, &list, labels.Selector(prID, projectKey)); err != nil {
		return Result{}, fmt.Errorf("failed to list namespaces: %w", err)
	}

	var res Result
	for i := range list.Items {
		ns := &list.Items[i]

		if ns.DeletionTimestamp != nil || ns.Status.Phase == corev1.NamespaceTerminating {
			logger.V(1).Info("Namespace already terminating", "namespace", ns.Name)
			res.Terminating = append(res.Terminating, ns.Name)
			continue
		}

		if m.dryRun {
			logger.Info("Dry run: would delete namespace", "namespace", ns.Name)
			res.Deleted = append(res.Deleted, ns.Name)
			continue
		}

		// Kubernetes cascades the deletion to everything inside the namespace
		if err := m.client.Delete(ctx, ns); client.IgnoreNotFound(err) != nil {
			return res, fmt.Errorf("failed to delete namespace %s: %w", ns.Name, err)
		}
		logger.Info("Deleted namespace", "namespace", ns.Name)
		res.Deleted = append(res.Deleted, ns.Name)
	}

	return res, nil
}
