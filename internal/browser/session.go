package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/playwright-community/playwright-go"
)

// Page is the subset of page operations the scraper needs. Waits take a
// context so a losing waiter can be cancelled.
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitForSelector(ctx context.Context, selector string) error
	IsAttached(selector string) (bool, error)
	WaitForLoad(ctx context.Context) error
	Attribute(selector, name string) (string, error)
	Fill(selector, value string) error
	Press(selector, key string) error
	ClickButtonAndWaitForLoad(ctx context.Context) error
	URL() string
	Content() (string, error)
}

// Session owns a browser, its context and a single page for one fetch.
type Session struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	opts    *Options
	logger  *slog.Logger
}

var _ Page = (*Session)(nil)

func (s *Session) Goto(ctx context.Context, url string) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
		Timeout:   s.timeout(ctx),
	})
	if err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	return nil
}

// WaitForSelector waits until selector is attached to the DOM. It polls in
// short slices so that ctx cancellation stops the wait promptly.
func (s *Session) WaitForSelector(ctx context.Context, selector string) error {
	var locator playwright.Locator

	for {
		slice, err := pollSlice(ctx, s.opts.PollInterval)
		if err != nil {
			return err
		}
		if locator == nil {
			locator = s.page.Locator(selector).First()
		}

		err = locator.WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateAttached,
			Timeout: playwright.Float(float64(slice.Milliseconds())),
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, playwright.ErrTimeout) {
			return fmt.Errorf("failed to wait for %s: %w", selector, err)
		}
	}
}

// pollSlice returns the length of the next wait slice: interval, shortened
// to what is left of the ctx deadline. Less than a millisecond counts as
// expired, since playwright reads a zero timeout as no timeout at all.
func pollSlice(ctx context.Context, interval time.Duration) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	slice := interval
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
	}
	if slice < time.Millisecond {
		return 0, context.DeadlineExceeded
	}
	return slice, nil
}

// IsAttached reports whether selector currently matches an element.
func (s *Session) IsAttached(selector string) (bool, error) {
	count, err := s.page.Locator(selector).Count()
	if err != nil {
		return false, fmt.Errorf("failed to count %s: %w", selector, err)
	}
	return count > 0, nil
}

func (s *Session) WaitForLoad(ctx context.Context) error {
	err := s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateLoad,
		Timeout: s.timeout(ctx),
	})
	if err != nil {
		return &NavigationError{URL: s.page.URL(), Err: err}
	}
	return nil
}

func (s *Session) Attribute(selector, name string) (string, error) {
	value, err := s.page.Locator(selector).First().GetAttribute(name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s of %s: %w", name, selector, err)
	}
	return value, nil
}

func (s *Session) Fill(selector, value string) error {
	if err := s.page.Locator(selector).First().Fill(value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (s *Session) Press(selector, key string) error {
	if err := s.page.Locator(selector).First().Press(key); err != nil {
		return fmt.Errorf("failed to press %s on %s: %w", key, selector, err)
	}
	return nil
}

// ClickButtonAndWaitForLoad clicks the first button of the page and waits
// for the load event the click triggers.
func (s *Session) ClickButtonAndWaitForLoad(ctx context.Context) error {
	_, err := s.page.ExpectEvent("load", func() error {
		return s.page.GetByRole(*playwright.AriaRoleButton).First().Click()
	}, playwright.PageExpectEventOptions{
		Timeout: s.timeout(ctx),
	})
	if err != nil {
		return &NavigationError{URL: s.page.URL(), Err: err}
	}
	return nil
}

func (s *Session) URL() string {
	return s.page.URL()
}

func (s *Session) Content() (string, error) {
	html, err := s.page.Content()
	if err != nil {
		return "", fmt.Errorf("failed to get page content: %w", err)
	}
	return html, nil
}

// Close releases page, context and browser. It is safe to call on a
// partially opened session.
func (s *Session) Close() error {
	var errs []error

	if s.page != nil {
		if err := s.page.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close page: %w", err))
		}
	}

	if s.context != nil {
		if err := s.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if len(errs) > 0 {
		s.logger.Warn("errors during session close", "errors", errs)
		return errors.Join(errs...)
	}

	return nil
}

// timeout converts the ctx deadline into a playwright timeout in milliseconds.
func (s *Session) timeout(ctx context.Context) *float64 {
	timeout := s.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}
