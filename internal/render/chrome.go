package render

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// A4 paper size in inches, the fixed page format for all documents.
const (
	a4WidthInches  = 8.27
	a4HeightInches = 11.69
)

var _ SessionFactory = (*ChromeFactory)(nil)

// ChromeFactory launches one headless Chrome process per session.
type ChromeFactory struct {
	execPath string
}

// NewChromeFactory returns a factory. execPath may be empty, in which case
// chromedp locates the browser binary itself.
func NewChromeFactory(execPath string) *ChromeFactory {
	return &ChromeFactory{execPath: execPath}
}

func (f *ChromeFactory) NewSession(ctx context.Context) (Session, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if f.execPath != "" {
		opts = append(opts, chromedp.ExecPath(f.execPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Start the browser eagerly so an unusable environment fails the
	// request before any document is attempted.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start renderer: %w", err)
	}

	return &chromeSession{
		ctx:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
	}, nil
}

type chromeSession struct {
	ctx         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

func (s *chromeSession) RenderPDF(ctx context.Context, html string) ([]byte, error) {
	runCtx, cancel := bridgeContext(s.ctx, ctx)
	defer cancel()

	var pdf []byte
	err := chromedp.Run(runCtx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frameTree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frameTree.Frame.ID, html).Do(ctx)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			buf, _, err := page.PrintToPDF().
				WithPrintBackground(true).
				WithPaperWidth(a4WidthInches).
				WithPaperHeight(a4HeightInches).
				Do(ctx)
			if err != nil {
				return err
			}
			pdf = buf
			return nil
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to render pdf: %w", err)
	}
	return pdf, nil
}

// bridgeContext derives a child of parent that also honors trigger's
// deadline and cancellation. chromedp actions must run on the tab context,
// so the caller's context cannot be passed through directly.
func bridgeContext(parent, trigger context.Context) (context.Context, context.CancelFunc) {
	var bridged context.Context
	var cancel context.CancelFunc
	if deadline, ok := trigger.Deadline(); ok {
		bridged, cancel = context.WithDeadline(parent, deadline)
	} else {
		bridged, cancel = context.WithCancel(parent)
	}
	stop := context.AfterFunc(trigger, cancel)
	return bridged, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) Close() error {
	s.tabCancel()
	s.allocCancel()
	return nil
}
