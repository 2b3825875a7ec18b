// Package strategies registers the built-in strategy implementations
package strategies

import (
	"fmt"

	"github.com/Aidin1998/mmcore/internal/marketmaking/runtime"
	"github.com/Aidin1998/mmcore/internal/marketmaking/strategies/arbitrage"
	"github.com/Aidin1998/mmcore/internal/marketmaking/strategies/marketmaker"
)

// RegisterBuiltins adds spread_mm, dyna_vola and arbitrage to reg
func RegisterBuiltins(reg *runtime.Registry) error {
	builtins := []struct {
		info    runtime.Info
		creator runtime.Creator
	}{
		{marketmaker.Info(false), marketmaker.Creator(false)},
		{marketmaker.Info(true), marketmaker.Creator(true)},
		{arbitrage.Info(), arbitrage.Create},
	}
	for _, b := range builtins {
		if err := reg.Register(b.info, b.creator); err != nil {
			return fmt.Errorf("register %s: %w", b.info.Name, err)
		}
	}
	return nil
}
