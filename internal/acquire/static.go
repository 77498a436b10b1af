package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/tanq16/gleaner/internal/utils"
)

const maxPageSize = 32 << 20

// HTTPRenderer fetches pages without executing scripts. Lazy loading never
// adds content, so the scroll loop settles after one iteration.
type HTTPRenderer struct {
	client utils.HTTPDoer
}

func NewHTTPRenderer(client utils.HTTPDoer) *HTTPRenderer {
	return &HTTPRenderer{client: client}
}

func (r *HTTPRenderer) Open(_ context.Context) (Page, error) {
	return &staticPage{client: r.client}, nil
}

type staticPage struct {
	client utils.HTTPDoer
	html   string
	loaded bool
}

func (p *staticPage) Navigate(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("error creating GET request: %v", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("error executing GET request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return fmt.Errorf("error reading response body: %v", err)
	}
	p.html = string(body)
	p.loaded = true
	return nil
}

func (p *staticPage) WaitReady(_ context.Context, selector string, _ time.Duration) error {
	if !p.loaded {
		return errors.New("page not loaded")
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.html))
	if err != nil {
		return err
	}
	if doc.Find(selector).Length() == 0 {
		return fmt.Errorf("selector %q not present", selector)
	}
	return nil
}

func (p *staticPage) ScrollHeight(_ context.Context) (int64, error) {
	return int64(len(p.html)), nil
}

func (p *staticPage) ScrollToBottom(_ context.Context) error {
	return nil
}

func (p *staticPage) HTML(_ context.Context) (string, error) {
	if !p.loaded {
		return "", errors.New("page not loaded")
	}
	return p.html, nil
}

func (p *staticPage) Close() error {
	return nil
}
