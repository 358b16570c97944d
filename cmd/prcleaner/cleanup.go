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
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/mikelane/prcleaner/internal/cleanup"
	"github.com/mikelane/prcleaner/internal/config"
	"github.com/mikelane/prcleaner/internal/events"
)

const (
	flagPullRequestID = "pull-request-id"
	flagRemoteURL     = "remote-url"
	flagProjectURL    = "project-url"
)

// normalizeCleanupFlags accepts the short aliases of the cleanup flags.
func normalizeCleanupFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "pr":
		name = flagPullRequestID
	case "remote":
		name = flagRemoteURL
	case "project":
		name = flagProjectURL
	}
	return pflag.NormalizedName(name)
}

func newCleanupCommand(a *app) *cobra.Command {
	var inv events.CleanupInvocation

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Clean up the resources of one pull request now",
		Long: `Runs the cleanup of a pull request synchronously, without the webhook
filter or the scheduling delay. The project is resolved from --project-url when
given, otherwise from --remote-url.`,
		Example: `  prcleaner cleanup --pr 42 --remote https://dev.azure.com/org/proj/_git/repo`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := log.FromContext(ctx).WithValues("pullRequestId", inv.PullRequestID)

			executor, err := a.newExecutor(ctx, a.cfg)
			if err != nil {
				return err
			}

			if err := cleanup.Invoke(ctx, executor, inv); err != nil {
				logger.Error(err, "Cleanup failed")
				return err
			}
			logger.Info("Cleanup succeeded")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.SetNormalizeFunc(normalizeCleanupFlags)
	flags.IntVar(&inv.PullRequestID, flagPullRequestID, 0, "pull request id (alias --pr)")
	flags.StringVar(&inv.RemoteURL, flagRemoteURL, "", "repository remote url (alias --remote)")
	flags.StringVar(&inv.RawProjectURL, flagProjectURL, "", "project url, takes precedence over the remote url (alias --project)")
	flags.Bool("dry-run", false, "only log what would be deleted")
	flags.String("argocd-namespace", "", "namespace of the ArgoCD ApplicationSets to clean up")
	flags.Bool("ingresses", false, "also delete labeled ingresses outside the preview namespaces")
	flags.Bool("estimate-cost", false, "log and record the hourly cost each cleanup reclaims")
	bindFlag(flags, "dry-run", config.KeyCleanupDryRun)
	bindFlag(flags, "argocd-namespace", config.KeyCleanupArgoCDNamespace)
	bindFlag(flags, "ingresses", config.KeyCleanupIngresses)
	bindFlag(flags, "estimate-cost", config.KeyCostEnabled)
	_ = cmd.MarkFlagRequired(flagPullRequestID)

	return cmd
}
