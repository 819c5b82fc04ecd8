package captcha

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maltedev/product-rag-scraper/internal/browser"
)

const (
	InputSelector = "input#captchacharacters"
	ImageSelector = "div.a-row img"
)

type Outcome int

const (
	NoCaptchaPresent Outcome = iota
	Solved
	Unsolvable
)

func (o Outcome) String() string {
	switch o {
	case NoCaptchaPresent:
		return "no_captcha"
	case Solved:
		return "solved"
	case Unsolvable:
		return "unsolvable"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Race decides whether a page reached its target normally or is blocked
// behind a CAPTCHA, and solves the CAPTCHA in the second case.
type Race struct {
	solver Solver
	logger *slog.Logger
}

func NewRace(solver Solver, logger *slog.Logger) *Race {
	return &Race{
		solver: solver,
		logger: logger.With("component", "captcha_race"),
	}
}

// AwaitReady waits for targetSelector while watching for the CAPTCHA form.
//
// If the target shows up first the CAPTCHA waiter is cancelled and discarded.
// A target that is present when the CAPTCHA waiter reports also wins.
// If the CAPTCHA shows up first the target waiter keeps running: the CAPTCHA
// is solved and submitted, and the same target wait is then awaited.
func (r *Race) AwaitReady(ctx context.Context, page browser.Page, targetSelector string) (Outcome, error) {
	targetCtx, cancelTarget := context.WithCancel(ctx)
	defer cancelTarget()
	captchaCtx, cancelCaptcha := context.WithCancel(ctx)
	defer cancelCaptcha()

	targetDone := make(chan error, 1)
	captchaDone := make(chan error, 1)

	go func() {
		targetDone <- page.WaitForSelector(targetCtx, targetSelector)
	}()
	go func() {
		captchaDone <- page.WaitForSelector(captchaCtx, InputSelector)
	}()

	select {
	case err := <-targetDone:
		cancelCaptcha()
		return r.targetResult(page, targetSelector, err, NoCaptchaPresent)

	case err := <-captchaDone:
		select {
		case targetErr := <-targetDone:
			return r.targetResult(page, targetSelector, targetErr, NoCaptchaPresent)
		default:
		}

		if err != nil {
			// the CAPTCHA waiter failing says nothing about the target
			r.logger.Debug("captcha waiter stopped", "error", err)
			return r.targetResult(page, targetSelector, <-targetDone, NoCaptchaPresent)
		}

		// target wins ties, even when its waiter has not reported yet
		attached, attachErr := page.IsAttached(targetSelector)
		if attachErr != nil {
			r.logger.Debug("target presence check failed", "target", targetSelector, "error", attachErr)
		}
		if attached {
			return NoCaptchaPresent, nil
		}

		r.logger.Info("captcha detected", "url", page.URL(), "target", targetSelector)

		if err := r.solve(ctx, page); err != nil {
			return Unsolvable, err
		}

		r.logger.Info("captcha submitted, waiting for target", "target", targetSelector)
		return r.targetResult(page, targetSelector, <-targetDone, Solved)
	}
}

func (r *Race) solve(ctx context.Context, page browser.Page) error {
	src, err := page.Attribute(ImageSelector, "src")
	if err != nil {
		return fmt.Errorf("failed to locate captcha image: %w", err)
	}

	solution, err := r.solver.Solve(ctx, src)
	if err != nil {
		if errors.Is(err, ErrUnsolvable) {
			r.logger.Warn("captcha solver gave up", "image", src)
		}
		return fmt.Errorf("failed to solve captcha: %w", err)
	}

	if err := page.Fill(InputSelector, solution); err != nil {
		return fmt.Errorf("failed to fill captcha solution: %w", err)
	}

	if err := page.ClickButtonAndWaitForLoad(ctx); err != nil {
		return fmt.Errorf("failed to submit captcha: %w", err)
	}

	return nil
}

func (r *Race) targetResult(page browser.Page, selector string, err error, outcome Outcome) (Outcome, error) {
	if err == nil {
		return outcome, nil
	}

	var navErr *browser.NavigationError
	if errors.As(err, &navErr) {
		return outcome, err
	}

	return outcome, &browser.NavigationError{
		URL: page.URL(),
		Err: fmt.Errorf("waiting for %s: %w", selector, err),
	}
}
