// Package snapshot captures web pages referenced during an intake with
// headless Chrome: the page title, the visible text for answer grounding,
// and a PDF rendering for the audit trail.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ErrChromeMissing is returned when no chromium binary is installed.
var ErrChromeMissing = errors.New("snapshot capture unavailable")

// Capture holds the result of a page capture.
type Capture struct {
	URL   string
	Title string
	Text  string
	PDF   []byte
}

// Service renders pages with headless Chrome.
type Service struct {
	timeout time.Duration
}

func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Service{timeout: timeout}
}

// CaptureURL navigates to the page and extracts title, body text, and a PDF.
func (s *Service) CaptureURL(ctx context.Context, rawURL string) (*Capture, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("invalid snapshot url %q", rawURL)
	}

	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, fmt.Errorf("%w: chromium not installed", ErrChromeMissing)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var title, text string
	var pdfData []byte
	err = chromedp.Run(taskCtx,
		chromedp.Navigate(parsed.String()),
		chromedp.WaitReady("body"),
		chromedp.Title(&title),
		chromedp.Text("body", &text, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pdfData, _, err = page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(8.5).
				WithPaperHeight(11.0).
				WithMarginTop(0.75).
				WithMarginBottom(0.75).
				WithMarginLeft(0.75).
				WithMarginRight(0.75).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome capture failed for %s: %w", parsed.String(), err)
	}

	return &Capture{
		URL:   parsed.String(),
		Title: strings.TrimSpace(title),
		Text:  strings.TrimSpace(text),
		PDF:   pdfData,
	}, nil
}
