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

package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	defaultCacheSize = 256
	defaultCacheTTL  = time.Hour
)

// Resolver maps the URLs of a cleanup request to a project. API lookups are
// cached because every cleanup for the same project resolves the same URL.
type Resolver struct {
	lookup Lookup
	cache  *expirable.LRU[string, Ref]
}

// NewResolver creates a resolver. lookup may be nil when project API URLs are
// not expected; they then fail with ErrUnresolvable.
func NewResolver(lookup Lookup, cacheSize int, cacheTTL time.Duration) *Resolver {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Resolver{
		lookup: lookup,
		cache:  expirable.NewLRU[string, Ref](cacheSize, nil, cacheTTL),
	}
}

// Resolve returns the project for a cleanup. rawProjectURL takes precedence;
// remoteURL is used when it is empty or names no known project.
func (r *Resolver) Resolve(ctx context.Context, rawProjectURL, remoteURL string) (Ref, error) {
	logger := log.FromContext(ctx)

	if rawProjectURL != "" {
		ref, err := r.resolveProjectURL(ctx, rawProjectURL)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, ErrUnresolvable) || remoteURL == "" {
			return Ref{}, err
		}
		logger.V(1).Info("Project URL not resolvable, falling back to remote url", "reason", err.Error())
	}

	if remoteURL == "" {
		return Ref{}, fmt.Errorf("%w: no project or remote url", ErrUnresolvable)
	}
	return ParseURL(remoteURL)
}

func (r *Resolver) resolveProjectURL(ctx context.Context, raw string) (Ref, error) {
	if _, ok := projectAPIOrganization(raw); !ok {
		return ParseURL(raw)
	}

	if ref, ok := r.cache.Get(raw); ok {
		return ref, nil
	}
	if r.lookup == nil {
		return Ref{}, fmt.Errorf("%w: no azure devops client configured", ErrUnresolvable)
	}

	ref, err := r.lookup.LookupProject(ctx, raw)
	if err != nil {
		return Ref{}, err
	}
	r.cache.Add(raw, ref)
	return ref, nil
}
