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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/bus/memory"
	"github.com/mikelane/prcleaner/internal/events"
)

// flakyExecutor fails the first failures calls before delegating.
type flakyExecutor struct {
	next     Executor
	failures int
	calls    int
}

func (f *flakyExecutor) Cleanup(ctx context.Context, inv events.CleanupInvocation) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("apiserver unavailable")
	}
	return f.next.Cleanup(ctx, inv)
}

var _ = Describe("Cleanup pipeline", func() {
	const (
		timeout  = time.Second * 5
		interval = time.Millisecond * 20
	)

	var (
		ctx       context.Context
		cancel    context.CancelFunc
		k8sClient client.Client
		transport *memory.Transport
		runDone   chan struct{}
	)

	namespaceGone := func(name string) func() bool {
		return func() bool {
			err := k8sClient.Get(ctx, types.NamespacedName{Name: name}, &corev1.Namespace{})
			return apierrors.IsNotFound(err)
		}
	}

	start := func(executor Executor) {
		dispatcher := NewDispatcher(executor)
		runDone = make(chan struct{})
		go func() {
			defer GinkgoRecover()
			defer close(runDone)
			Expect(transport.Run(ctx, dispatcher.Handle)).To(Succeed())
		}()
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		k8sClient = fake.NewClientBuilder().
			WithScheme(testScheme()).
			WithObjects(
				previewNamespace("preview-42", 42, testProjectKey),
				previewNamespace("preview-43", 43, testProjectKey),
			).
			Build()
		transport = memory.New(bus.Options{
			MaxDeliveries: 3,
			RetryDelay:    10 * time.Millisecond,
			Concurrency:   2,
		})
	})

	AfterEach(func() {
		cancel()
		Expect(transport.Close()).To(Succeed())
		Eventually(runDone, timeout).Should(BeClosed())
	})

	It("deletes the pull request namespaces once the request is delivered", func() {
		start(newTestExecutor(k8sClient, true))

		By("scheduling a cleanup for pull request 42")
		scheduler := NewScheduler(transport, 0)
		Expect(scheduler.Schedule(ctx, events.CleanupRequest{
			PullRequestID: 42,
			RemoteURL:     testRemoteURL,
			RawProjectURL: "https://dev.azure.com/contoso/shop",
		})).To(Succeed())

		Eventually(namespaceGone("preview-42"), timeout, interval).Should(BeTrue())
		Consistently(namespaceGone("preview-43"), 100*time.Millisecond, interval).Should(BeFalse())
		Expect(transport.DeadLetters()).To(BeEmpty())
	})

	It("tolerates duplicate deliveries of the same request", func() {
		start(newTestExecutor(k8sClient, true))

		scheduler := NewScheduler(transport, 0)
		req := events.CleanupRequest{
			PullRequestID: 42,
			RemoteURL:     testRemoteURL,
			RawProjectURL: "https://dev.azure.com/contoso/_apis/projects/6ce954b1",
		}
		Expect(scheduler.Schedule(ctx, req)).To(Succeed())
		Expect(scheduler.Schedule(ctx, req)).To(Succeed())

		Eventually(namespaceGone("preview-42"), timeout, interval).Should(BeTrue())
		Consistently(transport.DeadLetters, 200*time.Millisecond, interval).Should(BeEmpty())
	})

	It("retries a failed cleanup until it succeeds", func() {
		flaky := &flakyExecutor{next: newTestExecutor(k8sClient, false), failures: 1}
		start(flaky)

		Expect(NewScheduler(transport, 0).Schedule(ctx, events.CleanupRequest{
			PullRequestID: 42,
			RemoteURL:     testRemoteURL,
			RawProjectURL: "https://dev.azure.com/contoso/shop",
		})).To(Succeed())

		Eventually(namespaceGone("preview-42"), timeout, interval).Should(BeTrue())
		Expect(transport.DeadLetters()).To(BeEmpty())
	})

	It("dead-letters a message the dispatcher cannot decode", func() {
		start(newTestExecutor(k8sClient, false))

		Expect(transport.Publish(ctx, bus.NewEnvelope(events.CleanupRequestType, []byte(`not json`)), 0)).To(Succeed())

		Eventually(transport.DeadLetters, timeout, interval).Should(HaveLen(1))
		Expect(namespaceGone("preview-42")()).To(BeFalse())
	})
})
