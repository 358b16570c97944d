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

package cost

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/mikelane/prcleaner/internal/labels"
)

// SpotNodeLabel is the node selector AKS sets on spot node pools.
const SpotNodeLabel = "kubernetes.azure.com/scalesetpriority"

// Config defines the pricing configuration for cost estimation
type Config struct {
	Currency          string
	CPUCostPerHour    float64
	MemoryCostPerHour float64
	SpotDiscount      float64
}

// DefaultConfig returns the default pricing configuration
func DefaultConfig() *Config {
	return &Config{
		CPUCostPerHour:    0.04,  // $0.04 per vCPU-hour
		MemoryCostPerHour: 0.005, // $0.005 per GB-hour
		SpotDiscount:      0.30,  // 30% discount for spot instances
		Currency:          "USD",
	}
}

// Estimate is the running cost of the pods a cleanup is about to remove.
type Estimate struct {
	Currency   string
	HourlyCost float64
	Pods       int
}

// DailyCost returns the daily cost from the hourly cost
func (e Estimate) DailyCost() float64 {
	return e.HourlyCost * 24
}

// String formats the hourly cost with 4 decimal places
func (e Estimate) String() string {
	return fmt.Sprintf("%.4f %s/h", e.HourlyCost, e.Currency)
}

// Estimator calculates the cost released by deleting preview namespaces
type Estimator struct {
	client client.Client
	config Config
}

// NewEstimator creates a new cost estimator with the given configuration.
// If config is nil, default configuration is used.
func NewEstimator(c client.Client, config *Config) *Estimator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Estimator{
		client: c,
		config: *config,
	}
}

// Estimate sums the hourly cost of the running pods in the namespaces labeled
// for the pull request. Call it before the namespaces are deleted.
func (e *Estimator) Estimate(ctx context.Context, prID int, projectKey string) (Estimate, error) {
	var namespaces corev1.NamespaceList
	if err := e.client.List(ctx, &namespaces, labels.Selector(prID, projectKey)); err != nil {
		return Estimate{}, fmt.Errorf("failed to list namespaces: %w", err)
	}

	est := Estimate{Currency: e.Config().Currency}
	for _, ns := range namespaces.Items {
		var pods corev1.PodList
		if err := e.client.List(ctx, &pods, client.InNamespace(ns.Name)); err != nil {
			return Estimate{}, fmt.Errorf("failed to list pods in %s: %w", ns.Name, err)
		}
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
				continue
			}
			est.HourlyCost += e.CalculatePodCost(pod, time.Hour, IsSpot(pod))
			est.Pods++
		}
	}
	return est, nil
}

// CalculatePodCost calculates the cost of running a pod for the specified duration.
// If useSpot is true, spot instance pricing is applied.
func (e *Estimator) CalculatePodCost(pod *corev1.Pod, duration time.Duration, useSpot bool) float64 {
	var totalCPU float64
	var totalMemoryGB float64
	for _, container := range pod.Spec.Containers {
		totalCPU += ParseResourceQuantity(container.Resources.Requests[corev1.ResourceCPU], corev1.ResourceCPU)
		totalMemoryGB += ParseResourceQuantity(container.Resources.Requests[corev1.ResourceMemory], corev1.ResourceMemory)
	}

	hours := duration.Hours()
	totalCost := totalCPU*e.config.CPUCostPerHour*hours + totalMemoryGB*e.config.MemoryCostPerHour*hours

	if useSpot {
		totalCost = totalCost * (1 - e.config.SpotDiscount)
	}

	return totalCost
}

// Config returns the pricing configuration
func (e *Estimator) Config() Config {
	return e.config
}

// IsSpot reports whether the pod is pinned to spot nodes.
func IsSpot(pod *corev1.Pod) bool {
	return pod.Spec.NodeSelector[SpotNodeLabel] == "spot"
}

// ParseResourceQuantity parses a Kubernetes resource quantity and returns the value in the base unit
func ParseResourceQuantity(quantity resource.Quantity, resourceType corev1.ResourceName) float64 {
	switch resourceType {
	case corev1.ResourceCPU:
		// millicores to cores
		return float64(quantity.MilliValue()) / 1000.0
	case corev1.ResourceMemory:
		// bytes to GB
		return float64(quantity.Value()) / (1024 * 1024 * 1024)
	default:
		return 0
	}
}
