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

// Package argocd deletes the ArgoCD ApplicationSets provisioned for a pull
// request.
//
// # Overview
//
// Preview deployments driven through GitOps are usually described by an
// ApplicationSet in the ArgoCD namespace, outside the preview namespace
// itself. Deleting the namespace alone would leave ArgoCD recreating it, so the
// ApplicationSet has to go as well. ArgoCD then prunes the generated
// Applications.
//
// ApplicationSets are selected with the same labels as namespaces (see package
// labels). Only metadata is modeled; the hand-written types avoid a dependency
// on the ArgoCD module.
//
// # Usage
//
//	scheme := runtime.NewScheme()
//	_ = argocd.AddToScheme(scheme)
//
//	mgr := argocd.NewManager(k8sClient, "argocd", false)
//	deleted, err := mgr.Cleanup(ctx, 42, ref.Key())
//	if err != nil {
//	    // Handle error
//	}
//
// # Idempotency
//
// ApplicationSets that are gone or already being deleted count as cleaned up,
// as does a cluster without the ApplicationSet CRD.
package argocd
