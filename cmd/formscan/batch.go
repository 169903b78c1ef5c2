package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/formscan/internal/extract"
	"github.com/jackzampolin/formscan/internal/svcctx"
)

var (
	batchFile     string
	batchParallel int
	batchRetries  int
	batchDelay    time.Duration
	batchWatch    bool
)

// batchOutcome reports one request of a batch.
type batchOutcome struct {
	FormID      string `json:"form_id" yaml:"form_id"`
	Application string `json:"application" yaml:"application"`
	Entries     int    `json:"entries" yaml:"entries"`
	ResultPath  string `json:"result_path,omitempty" yaml:"result_path,omitempty"`
	Stage       string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Extract many forms from a request file",
	Long: `Run every extraction request in a yaml file.

The file is a list of requests:

  - application: loan
    form_id: "1001"
    user_id: "7"
    image_urls:
      - https://example.com/1001/p1.jpg

Requests run concurrently up to --parallel. Requests for the same form id
run one after another. A failed request does not stop the others; the
command fails if any request failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reqs, err := readRequests(batchFile)
		if err != nil {
			return err
		}

		s, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		if batchWatch {
			watchCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := s.Schemas.Watch(watchCtx); err != nil {
					s.Logger.Warn("schema watch stopped", "error", err)
				}
			}()
		}

		outcomes := runBatch(ctx, reqs, batchParallel, batchRetries, batchDelay)
		if err := printResult(cmd, outcomes); err != nil {
			return err
		}

		failed := 0
		for _, o := range outcomes {
			if o.Error != "" {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d extractions failed", failed, len(outcomes))
		}
		return nil
	},
}

func readRequests(path string) ([]extract.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request file: %w", err)
	}
	var reqs []extract.Request
	if err := yaml.Unmarshal(data, &reqs); err != nil {
		return nil, fmt.Errorf("failed to parse request file %s: %w", path, err)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("request file %s has no requests", path)
	}
	return reqs, nil
}

// runBatch runs reqs with at most parallel in flight. Outcomes are in request order.
func runBatch(ctx context.Context, reqs []extract.Request, parallel, retries int, delay time.Duration) []batchOutcome {
	orch := svcctx.OrchestratorFrom(ctx)
	logger := svcctx.LoggerFrom(ctx)
	if parallel < 1 {
		parallel = 1
	}

	outcomes := make([]batchOutcome, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			out := batchOutcome{FormID: req.FormID, Application: req.Application}
			result, err := extractWithRetry(gctx, req, retries, delay)
			if err != nil {
				out.Error = err.Error()
				if stage, ok := extract.StageOf(err); ok {
					out.Stage = string(stage)
				}
				logger.Error("extraction failed", "form_id", req.FormID, "error", err)
			} else {
				out.Entries = len(result)
				out.ResultPath = orch.ResultPath(req.FormID)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func init() {
	batchCmd.Flags().StringVar(&batchFile, "file", "", "yaml file of extraction requests")
	batchCmd.Flags().IntVar(&batchParallel, "parallel", 4, "extractions to run at once")
	batchCmd.Flags().IntVar(&batchRetries, "retries", 0, "retries after a failed download")
	batchCmd.Flags().DurationVar(&batchDelay, "retry-delay", 2*time.Second, "base delay between retries")
	batchCmd.Flags().BoolVar(&batchWatch, "watch-schemas", false, "reload schemas that change while the batch runs")
	_ = batchCmd.MarkFlagRequired("file")
}
