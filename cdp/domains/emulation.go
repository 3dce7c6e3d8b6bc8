package domains

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	cdpemulation "github.com/chromedp/cdproto/emulation"
)

// Emulation exposes the CDP Emulation domain actions.
type Emulation interface {
	SetViewport(ctx context.Context, width, height int64, mobile bool) error
}

var _ Emulation = &emulation{}

type emulation struct {
	exec cdp.Executor
}

// NewEmulation returns a new CDP Emulation domain wrapper.
func NewEmulation(exec cdp.Executor) Emulation {
	return &emulation{exec}
}

func (e *emulation) SetViewport(ctx context.Context, width, height int64, mobile bool) error {
	action := cdpemulation.SetDeviceMetricsOverride(width, height, 1, mobile)
	if err := action.Do(cdp.WithExecutor(ctx, e.exec)); err != nil {
		return fmt.Errorf("setting viewport to %dx%d: %w", width, height, err)
	}

	return nil
}
