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

// Package cost estimates the running cost a pull request cleanup releases.
//
// Before the preview namespaces are deleted, the estimator sums the resource
// requests of their running pods and prices them:
//
//	CPU Cost = (Total CPU Cores) × (CPU Price Per Hour)
//	Memory Cost = (Total Memory GB) × (Memory Price Per Hour)
//	Hourly Cost = CPU Cost + Memory Cost
//
// Pods pinned to spot node pools (see SpotNodeLabel) get the spot discount.
// Completed pods are free and skipped.
//
// Default Pricing:
//
//   - CPU: $0.04 per core per hour
//   - Memory: $0.005 per GB per hour
//   - Spot Discount: 30%
//
// Example usage:
//
//	estimator := cost.NewEstimator(k8sClient, cost.DefaultConfig())
//	est, err := estimator.Estimate(ctx, 42, ref.Key())
//	if err != nil {
//	    return err
//	}
//	logger.Info("Reclaiming", "cost", est.String())
package cost
