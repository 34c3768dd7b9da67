package browser

import (
	"context"
	"fmt"
)

// fingerprintJS patches the JS surface common detection scripts probe:
// the webdriver flag, empty plugin and language lists, WebGL vendor
// strings, and the chrome runtime object.
const fingerprintJS = `() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	if (navigator.plugins.length === 0) {
		Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3] });
	}
	if (!navigator.languages || navigator.languages.length === 0) {
		Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	}
	if (window.WebGLRenderingContext) {
		const getParameter = WebGLRenderingContext.prototype.getParameter;
		WebGLRenderingContext.prototype.getParameter = function (param) {
			if (param === 37445) return 'Intel Inc.';
			if (param === 37446) return 'Intel Iris OpenGL Engine';
			return getParameter.call(this, param);
		};
	}
	window.chrome = window.chrome || { runtime: {} };
	return true;
}`

// probeJS reads the markers back. Each true value is a raised signal.
const probeJS = `() => ({
	webdriver: navigator.webdriver === true,
	no_plugins: navigator.plugins.length === 0,
	no_languages: !navigator.languages || navigator.languages.length === 0,
	headless_ua: /HeadlessChrome/.test(navigator.userAgent),
})`

// NormalizeFingerprint re-profiles an already-loaded page so its JS surface
// matches stock Chrome. Stealth pages get most of this at creation; this
// call repairs markers that reappeared after navigation or script activity.
func NormalizeFingerprint(ctx context.Context, p *Page) error {
	if _, err := p.P.Context(ctx).Eval(fingerprintJS); err != nil {
		return fmt.Errorf("browser: normalize fingerprint: %w", err)
	}
	return nil
}

// ProbeSignals evaluates the page's visible automation markers. The result
// maps marker names to whether each is currently raised.
func ProbeSignals(ctx context.Context, p *Page) (map[string]bool, error) {
	res, err := p.P.Context(ctx).Eval(probeJS)
	if err != nil {
		return nil, fmt.Errorf("browser: probe signals: %w", err)
	}
	signals := make(map[string]bool)
	for name, v := range res.Value.Map() {
		signals[name] = v.Bool()
	}
	return signals, nil
}

// Raised reports whether any probed marker is raised.
func Raised(signals map[string]bool) bool {
	for _, v := range signals {
		if v {
			return true
		}
	}
	return false
}
