package main

import (
	"encoding/json"
	"fmt"
)

// InjectionResult reports what the page-side injection managed to do.
type InjectionResult struct {
	Submitted bool `json:"submitted"`
}

// injectTokenJS writes the token into the hidden response field, fires the
// callback captured by the render hook (exceptions swallowed - a broken page
// callback must not abort the flow), and submits the field's enclosing form
// when one exists.
const injectTokenJS = `((token) => {
	const result = { submitted: false };

	const field = document.querySelector(
		'input[name="cf-turnstile-response"], textarea[name="cf-turnstile-response"],' +
		' input[name="g-recaptcha-response"], textarea[name="g-recaptcha-response"]'
	);
	if (field) {
		field.value = token;
	}

	try {
		if (typeof window.__tsCallback === 'function') {
			window.__tsCallback(token);
		}
	} catch (e) {}

	const form = field ? field.closest('form') : null;
	if (form) {
		form.submit();
		result.submitted = true;
	}

	return result;
})(%s)`

// overrideUserAgentJS makes the page report the user-agent the solving
// service solved under.
const overrideUserAgentJS = `(() => {
	try {
		Object.defineProperty(navigator, 'userAgent', {
			get: () => %s,
			configurable: true
		});
	} catch (e) {}
})()`

// TokenInjector writes a solved token back into page state.
type TokenInjector struct {
	logger Logger
}

func NewTokenInjector(logger Logger) *TokenInjector {
	return &TokenInjector{logger: logger}
}

// Inject writes the token, invokes the captured callback, optionally adopts
// the recommended user-agent, and submits the enclosing form. Missing field
// or form is not an error; the caller learns about it through the result.
func (t *TokenInjector) Inject(page Page, token, userAgent string) (InjectionResult, error) {
	if userAgent != "" {
		uaJSON, _ := json.Marshal(userAgent)
		if err := page.Evaluate(fmt.Sprintf(overrideUserAgentJS, uaJSON), nil); err != nil {
			t.logger.Log("User-agent override failed: %v", err)
		}
	}

	tokenJSON, _ := json.Marshal(token)

	var result InjectionResult
	if err := page.Evaluate(fmt.Sprintf(injectTokenJS, tokenJSON), &result); err != nil {
		return InjectionResult{}, fmt.Errorf("token injection failed: %w", err)
	}

	if result.Submitted {
		t.logger.Log("Token injected, challenge form submitted")
	} else {
		t.logger.Log("Token injected, no enclosing form to submit")
	}

	return result, nil
}
