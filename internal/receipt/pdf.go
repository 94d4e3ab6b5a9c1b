package receipt

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

type PDFRenderer interface {
	RenderPDF(ctx context.Context, htmlDoc string) ([]byte, error)
}

// ChromiumPDFRenderer prints HTML through headless Chrome.
type ChromiumPDFRenderer struct {
	chromePath string
	timeout    time.Duration
}

func NewChromiumPDFRenderer() *ChromiumPDFRenderer {
	return &ChromiumPDFRenderer{
		chromePath: detectChromePath(),
		timeout:    30 * time.Second,
	}
}

func (r *ChromiumPDFRenderer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.NoSandbox, chromedp.DisableGPU, chromedp.Flag("disable-dev-shm-usage", true))
	if r.chromePath != "" {
		opts = append(opts, chromedp.ExecPath(r.chromePath))
	}
	return opts
}

// receiptFooter is printed on every page so a loose sheet can be traced back.
const receiptFooter = `<div style="width:100%;font-size:8px;color:#555;text-align:right;padding-right:10mm;">` +
	`Case intake receipt, page <span class="pageNumber"></span>/<span class="totalPages"></span></div>`

func (r *ChromiumPDFRenderer) RenderPDF(ctx context.Context, htmlDoc string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, r.allocatorOptions()...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var pdf []byte
	printPage := chromedp.ActionFunc(func(ctx context.Context) (err error) {
		pdf, _, err = page.PrintToPDF().
			WithPrintBackground(true).
			WithDisplayHeaderFooter(true).
			WithHeaderTemplate(`<span></span>`).
			WithFooterTemplate(receiptFooter).
			WithPaperWidth(8.5).
			WithPaperHeight(11).
			WithMarginTop(0.6).
			WithMarginBottom(0.7).
			WithMarginLeft(0.6).
			WithMarginRight(0.6).
			Do(ctx)
		return err
	})
	src := "data:text/html;base64," + base64.StdEncoding.EncodeToString([]byte(htmlDoc))
	if err := chromedp.Run(browserCtx, chromedp.Navigate(src), chromedp.WaitReady("body", chromedp.ByQuery), printPage); err != nil {
		return nil, fmt.Errorf("print receipt pdf: %w", err)
	}
	return pdf, nil
}

func detectChromePath() string {
	candidates := []string{
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/usr/bin/google-chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Render produces the receipt bytes in the requested format. pdf may be nil
// unless format is FormatPDF.
func Render(ctx context.Context, s Summary, format Format, pdf PDFRenderer) ([]byte, error) {
	switch format {
	case FormatMarkdown:
		return []byte(Markdown(s)), nil
	case FormatHTML:
		doc, err := RenderHTML(s)
		return []byte(doc), err
	case FormatPDF:
		if pdf == nil {
			return nil, fmt.Errorf("no pdf renderer configured")
		}
		doc, err := RenderHTML(s)
		if err != nil {
			return nil, err
		}
		return pdf.RenderPDF(ctx, doc)
	default:
		return nil, fmt.Errorf("unknown receipt format %q", format)
	}
}

// WriteFile renders the receipt in the format implied by path's extension.
func WriteFile(ctx context.Context, path string, s Summary, pdf PDFRenderer) error {
	format, err := FormatFor(path)
	if err != nil {
		return err
	}
	out, err := Render(ctx, s, format, pdf)
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}
