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

// Package ingress deletes the Ingresses a pull request created outside its
// preview namespaces.
//
// # Overview
//
// Ingresses inside a preview namespace go away with the namespace. Some
// setups route previews through a shared namespace instead, where an Ingress
// per pull request points at the preview services. Those are matched with the
// same labels as namespaces (see package labels) and deleted explicitly.
//
// Deleting the Ingress is enough for external-dns to drop the DNS records. The
// TLS secret cert-manager issued for it is not owned by the Ingress, so it is
// deleted as well when it carries the pull request labels.
//
// # Usage
//
//	mgr := ingress.NewManager(k8sClient, false)
//	deleted, err := mgr.Cleanup(ctx, 42, ref.Key())
//	if err != nil {
//	    // Handle error
//	}
//
// # Idempotency
//
// Ingresses and secrets that are gone or already being deleted count as
// cleaned up.
package ingress
