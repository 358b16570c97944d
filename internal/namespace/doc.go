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

// Package namespace deletes the Kubernetes namespaces provisioned for a pull
// request once that pull request is completed, abandoned or turned back into a
// draft.
//
// # Selection
//
// Namespaces are selected by label, never by name:
//
//	prcleaner.io/pull-request: "{PR-ID}"
//	prcleaner.io/project:      "{PROJECT-KEY}"
//
// Both labels must match, so pull requests with the same id in different
// projects never affect each other. The project key comes from project.Ref.Key.
//
// # Idempotency
//
// Cleanup may run more than once for the same pull request (message
// redelivery, a manual CLI run after the webhook). Namespaces that are already
// terminating, or that disappear between list and delete, count as cleaned up.
//
// # Usage Example
//
//	mgr := namespace.NewManager(k8sClient, false)
//
//	res, err := mgr.Cleanup(ctx, 42, ref.Key())
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("deleted %d namespaces\n", len(res.Deleted))
package namespace
