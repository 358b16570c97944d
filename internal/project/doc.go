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

// Package project resolves the project that owns a pull request.
//
// Azure DevOps service hooks carry the project as an API URL
// (https://dev.azure.com/{org}/_apis/projects/{id}). The id is opaque, so the
// Resolver asks the Azure DevOps REST API for the project name and caches the
// answer. Repository remote URLs and GitHub URLs contain the names directly and
// are parsed without a network call.
//
// # Retry Logic
//
// API calls are retried with exponential backoff and ±20% jitter on 429, 502,
// 503 and 504 responses:
//   - Initial backoff: 100 milliseconds
//   - Maximum backoff: 30 seconds
//   - Maximum retries: 3
//
// Other failures are returned at once; the cleanup is redelivered by the
// message bus.
//
// # Project Keys
//
// Ref.Key lowercases "{organization}.{project}" so the key can be matched
// against the prcleaner.io/project label on provisioned resources. Names that
// are not valid label values are rewritten and suffixed with 8 hex characters
// of the SHA-256 of "{host}/{organization}/{project}":
//
//	contoso/shop      -> contoso.shop
//	contoso/Web Shop  -> contoso.web-shop-7a7f50f8
//
// Provisioning must label resources with the same key.
package project
