package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"prbuild-resolver/src/appveyor"
	"prbuild-resolver/src/pipeline"
	"prbuild-resolver/src/provider"
	"prbuild-resolver/src/resolver"
)

// batchConcurrency bounds concurrent resolutions of `prbuild url`.
const batchConcurrency = 4

// output is the JSON printed for one resolution.
type output struct {
	StatusURL   string                 `json:"status_url,omitempty"`
	PullRequest int                    `json:"pull_request,omitempty"`
	Outcome     string                 `json:"outcome"`
	Artifact    *appveyor.ArtifactInfo `json:"artifact,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

func newOutput(res resolver.Result) output {
	out := output{Outcome: res.Outcome.String(), Artifact: res.Artifact}
	if err := res.Error(); err != nil {
		out.Error = err.Error()
	}
	return out
}

// notFoundError makes the process exit non-zero after the JSON has been printed.
type notFoundError struct {
	missing int
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("%d of the requested artifacts could not be resolved", e.missing)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish prints outs and reports whether any of them lacks an artifact.
// A lone failure also gets its user-facing explanation on stderr.
func finish(w io.Writer, outs []output, results []resolver.Result) error {
	var v any = outs
	if len(outs) == 1 {
		v = outs[0]
	}
	if err := writeJSON(w, v); err != nil {
		return err
	}

	missing := 0
	for _, res := range results {
		if !res.Found() {
			missing++
		}
	}
	if missing == 0 {
		return nil
	}
	if len(results) == 1 {
		fmt.Fprintln(os.Stderr, provider.WrapError(results[0].Error()))
	}
	return &notFoundError{missing: missing}
}

var urlCmd = &cobra.Command{
	Use:   "url <status-url>...",
	Short: "Resolve AppVeyor build status links to artifact download links",
	Long: `Resolves one or more AppVeyor build status links, as posted in the checks of a
GitHub pull request, to the download link of the build's artifact.

Example:
  prbuild url https://ci.appveyor.com/project/rpcs3/rpcs3/build/1.0.12345`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		res, _ := pipeline.NewResolver(appConfig, log, nil)

		results := make([]resolver.Result, len(args))
		var g errgroup.Group
		g.SetLimit(batchConcurrency)
		for i, statusURL := range args {
			g.Go(func() error {
				results[i] = res.ResolveByStatusURL(ctx, statusURL)
				return nil
			})
		}
		g.Wait()

		outs := make([]output, len(args))
		for i, r := range results {
			outs[i] = newOutput(r)
			outs[i].StatusURL = args[i]
		}
		return finish(cmd.OutOrStdout(), outs, results)
	},
}

var prCmd = &cobra.Command{
	Use:   "pr <number>",
	Short: "Find the newest successful build of a pull request",
	Long: `Walks the AppVeyor build history from newest to oldest, looking for the newest
successful build of the pull request that started within the --since window.

Example:
  prbuild pr 15000 --since 72h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pr, err := strconv.Atoi(args[0])
		if err != nil || pr <= 0 {
			return fmt.Errorf("invalid pull request number %q", args[0])
		}
		since, _ := cmd.Flags().GetDuration("since")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		res, _ := pipeline.NewResolver(appConfig, log, nil)
		r := res.ResolveByPullRequest(ctx, pr, time.Now().Add(-since))

		out := newOutput(r)
		out.PullRequest = pr
		return finish(cmd.OutOrStdout(), []output{out}, []resolver.Result{r})
	},
}

func init() {
	prCmd.Flags().Duration("since", 30*24*time.Hour, "Only consider builds started within this window")
}
