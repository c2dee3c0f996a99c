package routing

import "strings"

// ParseTarget splits a "model@backend" target string into its model and
// backend components. Either half may be empty: "@backend" pins the
// backend and lets the model default; "model" alone (no "@") pins only
// the model. An empty input returns two empty strings.
func ParseTarget(target string) (model, backend string) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", ""
	}
	at := strings.IndexByte(target, '@')
	if at < 0 {
		return target, ""
	}
	return strings.TrimSpace(target[:at]), strings.TrimSpace(target[at+1:])
}

// FormatTarget renders a model/backend pair back into "model@backend"
// form, omitting the "@" when backend is empty.
func FormatTarget(model, backend string) string {
	if backend == "" {
		return model
	}
	return model + "@" + backend
}
