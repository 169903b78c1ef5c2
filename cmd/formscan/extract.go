package main

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"

	"github.com/jackzampolin/formscan/internal/acquire"
	"github.com/jackzampolin/formscan/internal/extract"
	"github.com/jackzampolin/formscan/internal/svcctx"
)

var (
	extractApp          string
	extractForm         string
	extractUser         string
	extractURLs         []string
	extractRetries      int
	extractRetryDelay   time.Duration
	extractSkipDownload bool
	extractExt          string
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract one form",
	Long: `Download a form's pages, extract every field of the application's schema
and print the persisted result.

Pages are saved as {images_root}/{form_id}/{user_id}-{page}.{ext}. With
--skip-download the pages already on disk are extracted again.

Download failures can be retried with --retries; schema and recognition
failures are never retried.

Examples:
  formscan extract --app loan --form 1001 --user 7 \
      --url https://example.com/p1.jpg --url https://example.com/p2.jpg
  formscan extract --app loan --form 1001 --user 7 --skip-download -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openServices(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		ctx := cmd.Context()
		var result extract.Result
		if extractSkipDownload {
			var ext acquire.Extension
			if extractExt != "" {
				parsed, ok := acquire.ParseExtension(extractExt)
				if !ok {
					return fmt.Errorf("unsupported extension %q", extractExt)
				}
				ext = parsed
			}
			result, err = s.Orchestrator.ExtractLocal(ctx, extract.LocalRequest{
				Application: extractApp,
				FormID:      extractForm,
				UserID:      extractUser,
				Extension:   ext,
			})
		} else {
			result, err = extractWithRetry(ctx, extract.Request{
				Application: extractApp,
				FormID:      extractForm,
				ImageURLs:   extractURLs,
				UserID:      extractUser,
			}, extractRetries, extractRetryDelay)
		}
		if err != nil {
			return err
		}
		return printResult(cmd, result)
	},
}

// extractWithRetry runs an extraction, retrying download failures up to
// retries more times.
func extractWithRetry(ctx context.Context, req extract.Request, retries int, delay time.Duration) (extract.Result, error) {
	orch := svcctx.OrchestratorFrom(ctx)
	if orch == nil {
		return nil, fmt.Errorf("orchestrator not available")
	}
	logger := svcctx.LoggerFrom(ctx)
	if retries < 0 {
		retries = 0
	}

	var result extract.Result
	err := retry.Do(
		func() error {
			r, err := orch.Extract(ctx, req)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(retries+1)),
		retry.Delay(delay),
		retry.RetryIf(extract.IsRetryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("extraction failed, retrying",
				"form_id", req.FormID,
				"attempt", n+1,
				"error", err)
		}),
	)
	return result, err
}

func init() {
	extractCmd.Flags().StringVar(&extractApp, "app", "", "application whose schema to use")
	extractCmd.Flags().StringVar(&extractForm, "form", "", "form id")
	extractCmd.Flags().StringVar(&extractUser, "user", "", "user id")
	extractCmd.Flags().StringArrayVar(&extractURLs, "url", nil, "page image URL in page order (repeatable)")
	extractCmd.Flags().IntVar(&extractRetries, "retries", 0, "retries after a failed download")
	extractCmd.Flags().DurationVar(&extractRetryDelay, "retry-delay", 2*time.Second, "base delay between retries")
	extractCmd.Flags().BoolVar(&extractSkipDownload, "skip-download", false, "extract pages already on disk")
	extractCmd.Flags().StringVar(&extractExt, "ext", "", "page extension with --skip-download (default: detect)")
	_ = extractCmd.MarkFlagRequired("app")
	_ = extractCmd.MarkFlagRequired("form")
	_ = extractCmd.MarkFlagRequired("user")
}
