package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// ApplyStealthToPage injects fingerprint patches on top of the stealth page
// baseline. Call it after page creation and before navigation.
//
// Script syntax problems are returned as errors; patches that fail because
// an API is missing on about:blank are logged and skipped.
func ApplyStealthToPage(page *rod.Page) error {
	_, err := page.Evaluate(rod.Eval(fingerprintScript))
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "SyntaxError") || strings.Contains(errStr, "ReferenceError") {
			return fmt.Errorf("fingerprint script error: %w", err)
		}
		log.Warn().Err(err).Msg("Fingerprint script had non-fatal errors, continuing")
	}
	return nil
}

// fingerprintScript papers over the properties that a headless container
// exposes with implausible values. The stealth page already hides
// navigator.webdriver; these cover what it leaves alone.
const fingerprintScript = `
(() => {
    'use strict';
    if (window.__fpApplied) return;
    window.__fpApplied = true;

    try {
        Object.defineProperty(navigator, 'languages', {
            get: () => ['en-US', 'en'],
            configurable: true
        });

        // Bare containers report the host's core count and no memory hint
        Object.defineProperty(navigator, 'hardwareConcurrency', {
            get: () => 8,
            configurable: true
        });
        Object.defineProperty(navigator, 'deviceMemory', {
            get: () => 8,
            configurable: true
        });

        if (navigator.connection) {
            Object.defineProperty(navigator, 'connection', {
                get: () => ({
                    effectiveType: '4g',
                    rtt: 50,
                    downlink: 10,
                    saveData: false,
                    onchange: null
                }),
                configurable: true
            });
        }

        if (typeof Notification !== 'undefined') {
            Object.defineProperty(Notification, 'permission', {
                get: () => 'default',
                configurable: true
            });
        }

        if (navigator.permissions && navigator.permissions.query) {
            const originalQuery = navigator.permissions.query.bind(navigator.permissions);
            navigator.permissions.query = (parameters) => {
                if (parameters.name === 'notifications') {
                    return Promise.resolve({ state: 'default', onchange: null });
                }
                return originalQuery(parameters);
            };
        }

        // SwiftShader reports itself through WebGL; claim ordinary hardware
        const VENDOR = 37445, RENDERER = 37446;
        ['WebGLRenderingContext', 'WebGL2RenderingContext'].forEach(function(ctxName) {
            const ctx = window[ctxName];
            if (!ctx || !ctx.prototype) return;
            const orig = ctx.prototype.getParameter;
            if (typeof orig !== 'function' || orig.__fp) return;
            ctx.prototype.getParameter = function(param) {
                if (param === VENDOR) return 'Intel Inc.';
                if (param === RENDERER) return 'Intel Iris OpenGL Engine';
                return orig.call(this, param);
            };
            ctx.prototype.getParameter.__fp = true;
        });
    } catch (e) {
        console.debug('fingerprint patches incomplete:', e.message);
    }
})();
`

// heavyResourcePatterns are the asset classes a catalog listing never needs.
// Stylesheets stay enabled: listing tabs hide behind CSS-driven markup that
// some pages only emit once styles resolve.
var heavyResourcePatterns = []*proto.FetchRequestPattern{
	{URLPattern: "*.png", ResourceType: proto.NetworkResourceTypeImage},
	{URLPattern: "*.jpg", ResourceType: proto.NetworkResourceTypeImage},
	{URLPattern: "*.jpeg", ResourceType: proto.NetworkResourceTypeImage},
	{URLPattern: "*.gif", ResourceType: proto.NetworkResourceTypeImage},
	{URLPattern: "*.webp", ResourceType: proto.NetworkResourceTypeImage},
	{URLPattern: "*.svg", ResourceType: proto.NetworkResourceTypeImage},
	{URLPattern: "*.woff", ResourceType: proto.NetworkResourceTypeFont},
	{URLPattern: "*.woff2", ResourceType: proto.NetworkResourceTypeFont},
	{URLPattern: "*.ttf", ResourceType: proto.NetworkResourceTypeFont},
	{URLPattern: "*.mp4", ResourceType: proto.NetworkResourceTypeMedia},
	{URLPattern: "*.webm", ResourceType: proto.NetworkResourceTypeMedia},
}

// BlockHeavyResources intercepts image, font and media requests on the page
// and fails them before download. Returns a cleanup function that must be
// called before the page is released; it is safe to call more than once.
func BlockHeavyResources(ctx context.Context, page *rod.Page) (cleanup func(), err error) {
	err = proto.FetchEnable{Patterns: heavyResourcePatterns}.Call(page)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to enable resource blocking")
		return func() {}, err
	}

	listenerCtx, cancel := context.WithCancel(ctx)
	pageWithCtx := page.Context(listenerCtx)

	var wg sync.WaitGroup
	var once sync.Once
	cleanupFunc := func() {
		once.Do(func() {
			cancel()
			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Warn().Msg("Timeout waiting for resource blocking listeners to stop")
			}
		})
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pageWithCtx.EachEvent(func(e *proto.FetchRequestPaused) bool {
			select {
			case <-listenerCtx.Done():
				return true
			default:
			}
			// The request may already be gone; nothing to do about it
			_ = proto.FetchFailRequest{
				RequestID:   e.RequestID,
				ErrorReason: proto.NetworkErrorReasonBlockedByClient,
			}.Call(page)
			return false
		})()
	}()

	return cleanupFunc, nil
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	})
}
