package main

import (
	"github.com/use-agent/streamprobe/browser"
	"github.com/use-agent/streamprobe/config"
	"github.com/use-agent/streamprobe/extractor"
)

// extraction is the browser-side stack shared by serve and probe.
type extraction struct {
	pool   *browser.Pool
	memory *extractor.StrategyMemory
	engine *extractor.Engine
}

func newExtraction(cfg *config.Config, poolSize int) *extraction {
	launcher := browser.NewChromeLauncher(browser.ChromeOptions{
		Headless:  cfg.Browser.Headless,
		NoSandbox: cfg.Browser.NoSandbox,
		Bin:       cfg.Browser.BrowserBin,
		Proxy:     cfg.Browser.Proxy,
	})
	pool := browser.NewPool(launcher, browser.Options{
		Size:     poolSize,
		InitWait: cfg.Browser.InitWait,
		MaxUses:  cfg.Browser.MaxUses,
		MaxAge:   cfg.Browser.MaxAge,
	})
	driver := extractor.NewRodDriver(extractor.RodOptions{
		BlockedResourceTypes: cfg.Browser.BlockedResourceTypes,
		ConsoleScan:          cfg.Extraction.ConsoleScan,
		BodyLimit:            cfg.Extraction.BodyLimit,
	})
	memory := extractor.NewStrategyMemory(cfg.Extraction.StrategyMemoryTTL)

	return &extraction{
		pool:   pool,
		memory: memory,
		engine: extractor.New(pool, driver, engineOptions(cfg.Extraction), memory),
	}
}

func engineOptions(x config.ExtractionConfig) extractor.Options {
	opts := extractor.DefaultOptions()
	opts.OuterTimeout = x.OuterTimeout
	opts.NavigationTimeout = x.NavigationTimeout
	opts.SettleDelay = x.SettleDelay
	opts.MaxAttempts = x.MaxAttempts
	opts.InteractionBudget = x.InteractionBudget
	opts.AttemptInterval = x.AttemptInterval
	opts.EarlyExitGrace = x.EarlyExitGrace
	opts.FinalSettle = x.FinalSettle
	opts.Retries = x.Retries
	opts.RetryPause = x.RetryPause
	opts.CleanupGrace = x.CleanupGrace
	opts.Aggressive = x.Aggressive
	opts.EscalateOnRetry = x.EscalateOnRetry
	opts.DOMScan = x.DOMScan
	if len(x.PlaySelectors) > 0 {
		opts.PlaySelectors = x.PlaySelectors
	}
	return opts
}

func (e *extraction) close() error {
	e.memory.Stop()
	return e.pool.Shutdown()
}
