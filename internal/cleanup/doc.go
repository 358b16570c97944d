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

// Package cleanup runs the asynchronous half of the pipeline and the executor
// behind both entry points.
//
// Flow:
//
//	webhook -> Scheduler.Schedule -> bus (delayed) -> Dispatcher.Handle -> Executor.Cleanup
//	CLI     -> Invoke -------------------------------------------------> Executor.Cleanup
//
// Scheduler:
//
// Schedule encodes a CleanupRequest into a bus envelope and publishes it with
// the configured delay (DefaultDelay, one minute). Zero publishes immediately.
// It returns once the transport accepted the message; publish errors are
// returned to the webhook handler, which answers 500.
//
// Dispatcher:
//
// Handle is registered as the bus handler. It decodes the request and calls
// the executor. Executor errors go back to the transport unchanged so its
// retry and dead-letter policy applies. Envelopes of another type, bodies that
// do not decode, and requests missing fields are marked bus.Permanent and
// dead-lettered without retries.
//
// Executor:
//
// KubeExecutor resolves the project from the request URLs (project URL first)
// and deletes the ArgoCD ApplicationSets and namespaces labeled
// prcleaner.io/pull-request and prcleaner.io/project for it. Every step
// tolerates resources that are already gone, so redelivery is harmless.
//
// Example usage:
//
//	executor := cleanup.NewKubeExecutor(resolver,
//		namespace.NewManager(k8sClient, false),
//		argocd.NewManager(k8sClient, "argocd", false))
//
//	scheduler := cleanup.NewScheduler(transport, cleanup.DefaultDelay)
//	dispatcher := cleanup.NewDispatcher(executor)
//	go transport.Run(ctx, dispatcher.Handle)
package cleanup
