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

package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/bus"
	"github.com/mikelane/prcleaner/internal/cleanup"
	"github.com/mikelane/prcleaner/internal/config"
	"github.com/mikelane/prcleaner/internal/webhook"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive webhooks and run the cleanup consumer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "address to listen on")
	flags.Int("port", 8080, "port to listen on")
	flags.String("transport", string(bus.KindInMemory), "event bus transport: inmemory, servicebus, queuestorage, nats or sql")
	flags.Duration("delay", cleanup.DefaultDelay, "delay between a qualifying webhook and its cleanup")
	flags.Bool("allow-anonymous", false, "accept Azure DevOps webhooks without basic auth")
	flags.Bool("dry-run", false, "only log what would be deleted")
	flags.String("argocd-namespace", "", "namespace of the ArgoCD ApplicationSets to clean up")
	flags.Bool("ingresses", false, "also delete labeled ingresses outside the preview namespaces")
	flags.Bool("estimate-cost", false, "log and record the hourly cost each cleanup reclaims")

	bindFlag(flags, "addr", config.KeyServerAddr)
	bindFlag(flags, "port", config.KeyServerPort)
	bindFlag(flags, "transport", config.KeyEventBusTransport)
	bindFlag(flags, "delay", config.KeyEventBusDelay)
	bindFlag(flags, "allow-anonymous", config.KeyWebhookAllowAnonymous)
	bindFlag(flags, "dry-run", config.KeyCleanupDryRun)
	bindFlag(flags, "argocd-namespace", config.KeyCleanupArgoCDNamespace)
	bindFlag(flags, "ingresses", config.KeyCleanupIngresses)
	bindFlag(flags, "estimate-cost", config.KeyCostEnabled)

	return cmd
}

// serve wires the webhook server to the transport and runs both until the
// context is canceled or one of them fails.
func (a *app) serve(cmd *cobra.Command) error {
	ctx := cmd.Context()
	cfg := a.cfg
	logger := log.FromContext(ctx)

	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Webhook.Username == "" {
		logger.Info("Azure DevOps webhooks accept anonymous requests")
	}

	executor, err := a.newExecutor(ctx, cfg)
	if err != nil {
		return err
	}

	transport, err := a.newTransport(ctx, cfg.EventBus)
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			logger.Error(err, "Failed to close transport")
		}
	}()

	health, _ := transport.(bus.HealthChecker)
	scheduler := cleanup.NewScheduler(transport, cfg.EventBus.Delay)
	server := webhook.NewServer(webhook.Config{
		Addr:         cfg.Server.Addr,
		Port:         cfg.Server.Port,
		Username:     cfg.Webhook.Username,
		Password:     cfg.Webhook.Password,
		GitHubSecret: cfg.Webhook.GitHubSecret,
		RateLimit:    cfg.Webhook.RateLimit,
		RateBurst:    cfg.Webhook.RateBurst,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	}, scheduler, health)
	dispatcher := cleanup.NewDispatcher(executor)

	logger.Info("Starting prcleaner",
		"transport", cfg.EventBus.Transport,
		"delay", scheduler.Delay().String(),
		"dryRun", cfg.Cleanup.DryRun)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return transport.Run(gctx, dispatcher.Handle)
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
		return err
	}
	logger.Info("prcleaner stopped")
	return nil
}
