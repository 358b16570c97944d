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
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/mikelane/prcleaner/internal/argocd"
	"github.com/mikelane/prcleaner/internal/cleanup"
	"github.com/mikelane/prcleaner/internal/config"
	"github.com/mikelane/prcleaner/internal/cost"
	"github.com/mikelane/prcleaner/internal/ingress"
	"github.com/mikelane/prcleaner/internal/namespace"
	"github.com/mikelane/prcleaner/internal/project"
)

// configKeyAnnotation links a flag to the configuration key it overrides.
const configKeyAnnotation = "prcleaner.io/config-key"

type executorFactory func(ctx context.Context, cfg *config.Config) (cleanup.Executor, error)

// app carries what the subcommands share. Tests replace the factories.
type app struct {
	cfg          *config.Config
	newExecutor  executorFactory
	newTransport transportFactory
}

func newApp() *app {
	return &app{
		newExecutor:  newKubeExecutor,
		newTransport: newTransport,
	}
}

func newRootCommand(a *app) *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "prcleaner",
		Short:        "Clean up the preview resources of closed pull requests",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd, configFile)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./prcleaner.yaml or /etc/prcleaner/prcleaner.yaml)")
	flags.String("log-level", "info", "log level: trace, debug, info or error")
	flags.Bool("log-development", false, "human readable console logs")
	bindFlag(flags, "log-level", config.KeyLogLevel)
	bindFlag(flags, "log-development", config.KeyLogDevelopment)

	root.AddCommand(newServeCommand(a), newCleanupCommand(a))
	return root
}

// bindFlag marks the flag name as an override of key.
func bindFlag(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// load reads the configuration, applies flag overrides and installs the logger.
func (a *app) load(cmd *cobra.Command, configFile string) error {
	v, err := config.New(configFile)
	if err != nil {
		return err
	}

	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[configKeyAnnotation]
		if len(keys) == 1 && err == nil {
			err = v.BindPFlag(keys[0], f)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	level, err := parseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := zap.New(zap.UseDevMode(cfg.Log.Development), zap.Level(level))
	ctrl.SetLogger(logger)
	cmd.SetContext(log.IntoContext(cmd.Context(), logger.WithName("prcleaner")))

	a.cfg = cfg
	return nil
}

// parseLevel maps a level name to zap. trace enables logr V(2).
func parseLevel(s string) (zapcore.Level, error) {
	if strings.EqualFold(s, "trace") {
		return zapcore.Level(-2), nil
	}
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// newKubeExecutor builds the executor against the cluster from the kubeconfig
// or the in-cluster service account.
func newKubeExecutor(_ context.Context, cfg *config.Config) (cleanup.Executor, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, err
	}
	if err := argocd.AddToScheme(scheme); err != nil {
		return nil, err
	}

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	var lookup project.Lookup
	if cfg.AzureDevOps.Token != "" {
		lookup = project.NewAzureDevOpsClient(cfg.AzureDevOps.Token, nil)
	}
	resolver := project.NewResolver(lookup, cfg.AzureDevOps.CacheSize, cfg.AzureDevOps.CacheTTL)

	var appSets cleanup.ApplicationSetCleaner
	if cfg.Cleanup.ArgoCDNamespace != "" {
		appSets = argocd.NewManager(c, cfg.Cleanup.ArgoCDNamespace, cfg.Cleanup.DryRun)
	}

	opts := []cleanup.Option{cleanup.WithDryRun(cfg.Cleanup.DryRun)}
	if cfg.Cleanup.Ingresses {
		opts = append(opts, cleanup.WithIngresses(ingress.NewManager(c, cfg.Cleanup.DryRun)))
	}
	if cfg.Cost.Enabled {
		pricing := cfg.Cost.Pricing
		opts = append(opts, cleanup.WithCostEstimator(cost.NewEstimator(c, &pricing)))
	}

	return cleanup.NewKubeExecutor(resolver, namespace.NewManager(c, cfg.Cleanup.DryRun), appSets, opts...), nil
}
