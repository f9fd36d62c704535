package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/ashureev/webpilot/internal/action"
)

type captureFunc func(ctx context.Context) (*action.ResultData, error)

// handler builds the chromedp tasks for one action kind. A non-nil
// capture runs after the tasks and produces the result payload.
type handler func(a action.Action, o Options) (chromedp.Tasks, captureFunc)

var handlers = map[action.Kind]handler{
	action.KindGoto: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{
			chromedp.Navigate(a.URL),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}, nil
	},
	action.KindWait: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Sleep(time.Duration(a.Ms) * time.Millisecond)}, nil
	},
	action.KindAskUser: func(action.Action, Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{}, nil
	},
	action.KindClick:        clickXY,
	action.KindClickElement: clickXY,
	action.KindClickSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{
			chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery),
			chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
			chromedp.Click(a.Selector, chromedp.ByQuery),
		}, nil
	},
	action.KindHover: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{moveTo(float64(a.X), float64(a.Y))}, nil
	},
	action.KindHoverSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{
			chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var pt struct{ X, Y float64 }
				if err := chromedp.Evaluate(centerScript(a.Selector), &pt).Do(ctx); err != nil {
					return err
				}
				return moveTo(pt.X, pt.Y).Do(ctx)
			}),
		}, nil
	},
	action.KindPressKey: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.KeyEvent(keyFor(a.Key))}, nil
	},
	action.KindKeyChord: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		key, mods := chordFor(a.Keys)
		return chromedp.Tasks{chromedp.KeyEvent(key, chromedp.KeyModifiers(mods...))}, nil
	},
	action.KindScroll: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", a.DX, a.DY), nil)}, nil
	},
	action.KindType: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{insertText(a.Text)}, nil
	},
	action.KindTypeInSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		tasks := chromedp.Tasks{
			chromedp.ScrollIntoView(a.Selector, chromedp.ByQuery),
			chromedp.WaitVisible(a.Selector, chromedp.ByQuery),
		}
		if a.Clear {
			tasks = append(tasks, chromedp.Clear(a.Selector, chromedp.ByQuery))
		}
		return append(tasks, chromedp.SendKeys(a.Selector, a.Text, chromedp.ByQuery)), nil
	},
	action.KindTypeElement: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		tasks := chromedp.Tasks{chromedp.MouseClickXY(float64(a.X), float64(a.Y))}
		if a.Clear {
			tasks = append(tasks, chromedp.Evaluate(clearActiveScript, nil))
		}
		if a.Text != "" {
			tasks = append(tasks, insertText(a.Text))
		}
		return tasks, nil
	},
	action.KindFocusSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Focus(a.Selector, chromedp.ByQuery)}, nil
	},
	action.KindClearSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Clear(a.Selector, chromedp.ByQuery)}, nil
	},
	action.KindSelect: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Evaluate(selectScript(a), nil)}, nil
	},
	action.KindCheckSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Evaluate(checkScript(a.Selector, true), nil)}, nil
	},
	action.KindUncheckSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Evaluate(checkScript(a.Selector, false), nil)}, nil
	},
	action.KindSubmitSelector: func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{chromedp.Submit(a.Selector, chromedp.ByQuery)}, nil
	},
	action.KindScreenshotRegion: screenshot,
	action.KindExtractText:      extract(false),
	action.KindExtractHTML:      extract(true),
}

func clickXY(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
	return chromedp.Tasks{chromedp.MouseClickXY(float64(a.X), float64(a.Y), chromedp.ButtonType(mouseButton(a.Button)))}, nil
}

func mouseButton(b string) input.MouseButton {
	switch strings.ToLower(b) {
	case "right":
		return input.Right
	case "middle":
		return input.Middle
	default:
		return input.Left
	}
}

func moveTo(x, y float64) chromedp.Action {
	return input.DispatchMouseEvent(input.MouseMoved, x, y)
}

func insertText(text string) chromedp.Action {
	return input.InsertText(text)
}

func screenshot(a action.Action, o Options) (chromedp.Tasks, captureFunc) {
	region := clipRegion(a, o)
	return chromedp.Tasks{}, func(ctx context.Context) (*action.ResultData, error) {
		buf, err := page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{
				X:      float64(region.X),
				Y:      float64(region.Y),
				Width:  float64(region.Width),
				Height: float64(region.Height),
				Scale:  1,
			}).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("capture screenshot: %w", err)
		}
		return &action.ResultData{
			Mime:   "image/png",
			Image:  base64.StdEncoding.EncodeToString(buf),
			Region: &region,
		}, nil
	}
}

// clipRegion keeps the region inside the browser viewport with a 1px minimum.
func clipRegion(a action.Action, o Options) action.Region {
	x := clampInt(a.X, 0, max(o.Width-1, 0))
	y := clampInt(a.Y, 0, max(o.Height-1, 0))
	w := clampInt(a.Width, 1, max(o.Width-x, 1))
	h := clampInt(a.Height, 1, max(o.Height-y, 1))
	return action.Region{X: x, Y: y, Width: w, Height: h}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func extract(html bool) handler {
	return func(a action.Action, _ Options) (chromedp.Tasks, captureFunc) {
		return chromedp.Tasks{}, func(ctx context.Context) (*action.ResultData, error) {
			var out string
			if err := chromedp.Evaluate(extractScript(a.Selector, a.MaxLen, html), &out).Do(ctx); err != nil {
				return nil, err
			}
			data := &action.ResultData{Selector: a.Selector}
			if html {
				data.Mime, data.HTML = "text/html", out
			} else {
				data.Mime, data.Text = "text/plain", out
			}
			return data, nil
		}
	}
}

// settles reports whether the page likely reacts to k asynchronously.
func settles(k action.Kind) bool {
	switch k {
	case action.KindGoto, action.KindClick, action.KindClickElement, action.KindClickSelector,
		action.KindPressKey, action.KindKeyChord, action.KindSubmitSelector, action.KindScroll:
		return true
	}
	return false
}
