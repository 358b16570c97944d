/*
Copyright (c) 2025 Mike Lane

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/cost"
	"github.com/mikelane/prcleaner/internal/events"
	"github.com/mikelane/prcleaner/internal/metrics"
	"github.com/mikelane/prcleaner/internal/namespace"
	"github.com/mikelane/prcleaner/internal/project"
)

// Triggers label cleanup runs in metrics.
const (
	TriggerBus = "bus"
	TriggerCLI = "cli"
)

// Executor removes the resources provisioned for a pull request. Implementations
// must be idempotent: the bus delivers at least once and the CLI may repeat a
// cleanup the webhook already ran.
type Executor interface {
	Cleanup(ctx context.Context, inv events.CleanupInvocation) error
}

// ProjectResolver maps the invocation URLs to a project.
type ProjectResolver interface {
	Resolve(ctx context.Context, rawProjectURL, remoteURL string) (project.Ref, error)
}

// NamespaceCleaner deletes the namespaces labeled for a pull request.
type NamespaceCleaner interface {
	Cleanup(ctx context.Context, prID int, projectKey string) (namespace.Result, error)
}

// ApplicationSetCleaner deletes the ArgoCD ApplicationSets labeled for a pull request.
type ApplicationSetCleaner interface {
	Cleanup(ctx context.Context, prID int, projectKey string) ([]string, error)
}

// IngressCleaner deletes the Ingresses labeled for a pull request outside its
// namespaces.
type IngressCleaner interface {
	Cleanup(ctx context.Context, prID int, projectKey string) ([]string, error)
}

// CostEstimator prices the workloads a cleanup is about to remove.
type CostEstimator interface {
	Estimate(ctx context.Context, prID int, projectKey string) (cost.Estimate, error)
}

// KubeExecutor cleans up Kubernetes resources labeled for a pull request.
type KubeExecutor struct {
	resolver   ProjectResolver
	namespaces NamespaceCleaner
	appSets    ApplicationSetCleaner
	ingresses  IngressCleaner
	estimator  CostEstimator
	dryRun     bool
}

var _ Executor = (*KubeExecutor)(nil)

// Option configures a KubeExecutor.
type Option func(*KubeExecutor)

// WithIngresses also deletes labeled Ingresses in shared namespaces.
func WithIngresses(ingresses IngressCleaner) Option {
	return func(e *KubeExecutor) {
		e.ingresses = ingresses
	}
}

// WithCostEstimator logs and records the hourly cost each cleanup releases.
func WithCostEstimator(estimator CostEstimator) Option {
	return func(e *KubeExecutor) {
		e.estimator = estimator
	}
}

// WithDryRun marks the executor's cleaners as dry-run. Nothing is deleted, so
// the deletion and reclaimed cost counters are left untouched.
func WithDryRun(dryRun bool) Option {
	return func(e *KubeExecutor) {
		e.dryRun = dryRun
	}
}

// NewKubeExecutor creates an executor. appSets may be nil when ArgoCD is not
// in use.
func NewKubeExecutor(resolver ProjectResolver, namespaces NamespaceCleaner, appSets ApplicationSetCleaner, opts ...Option) *KubeExecutor {
	e := &KubeExecutor{
		resolver:   resolver,
		namespaces: namespaces,
		appSets:    appSets,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Cleanup resolves the project and deletes its ApplicationSets, then its
// Ingresses, then its namespaces. ApplicationSets go first so ArgoCD does not
// recreate the namespaces it manages.
func (e *KubeExecutor) Cleanup(ctx context.Context, inv events.CleanupInvocation) error {
	start := time.Now()
	defer func() { metrics.CleanupDuration.Observe(time.Since(start).Seconds()) }()

	if err := inv.Validate(); err != nil {
		return err
	}

	ref, err := e.resolver.Resolve(ctx, inv.RawProjectURL, inv.RemoteURL)
	if err != nil {
		return fmt.Errorf("failed to resolve project for pull request %d: %w", inv.PullRequestID, err)
	}

	key := ref.Key()
	logger := log.FromContext(ctx).WithValues("pullRequestId", inv.PullRequestID, "project", key)
	ctx = log.IntoContext(ctx, logger)
	logger.Info("Cleaning up pull request resources")

	if e.estimator != nil {
		e.recordReclaimedCost(ctx, inv.PullRequestID, key)
	}

	if e.appSets != nil {
		deleted, err := e.appSets.Cleanup(ctx, inv.PullRequestID, key)
		e.countDeleted("applicationset", len(deleted))
		if err != nil {
			return err
		}
	}

	if e.ingresses != nil {
		deleted, err := e.ingresses.Cleanup(ctx, inv.PullRequestID, key)
		e.countDeleted("ingress", len(deleted))
		if err != nil {
			return err
		}
	}

	res, err := e.namespaces.Cleanup(ctx, inv.PullRequestID, key)
	e.countDeleted("namespace", len(res.Deleted))
	if err != nil {
		return err
	}

	logger.Info("Cleanup finished",
		"namespacesDeleted", len(res.Deleted),
		"namespacesTerminating", len(res.Terminating))
	return nil
}

func (e *KubeExecutor) countDeleted(kind string, n int) {
	if e.dryRun {
		return
	}
	metrics.ResourcesDeleted.WithLabelValues(kind).Add(float64(n))
}

// recordReclaimedCost must run before the namespaces are deleted. A failed
// estimate does not fail the cleanup.
func (e *KubeExecutor) recordReclaimedCost(ctx context.Context, prID int, key string) {
	logger := log.FromContext(ctx)
	est, err := e.estimator.Estimate(ctx, prID, key)
	if err != nil {
		logger.Error(err, "Failed to estimate reclaimed cost")
		return
	}
	if est.Pods == 0 || est.HourlyCost <= 0 {
		return
	}
	if !e.dryRun {
		metrics.ReclaimedHourlyCost.WithLabelValues(est.Currency).Add(est.HourlyCost)
	}
	logger.Info("Reclaiming preview workloads", "pods", est.Pods, "hourlyCost", est.String(),
		"dailyCost", fmt.Sprintf("%.2f %s", est.DailyCost(), est.Currency))
}

// Invoke runs executor synchronously for the direct invocation path.
func Invoke(ctx context.Context, executor Executor, inv events.CleanupInvocation) error {
	if err := inv.Validate(); err != nil {
		return fmt.Errorf("invalid cleanup invocation: %w", err)
	}
	err := executor.Cleanup(ctx, inv)
	recordRun(TriggerCLI, err)
	return err
}

func recordRun(trigger string, err error) {
	result := metrics.ResultSuccess
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// shutdown, not a failure of the cleanup itself
		return
	default:
		result = metrics.ResultFailure
	}
	metrics.CleanupRuns.WithLabelValues(trigger, result).Inc()
}
