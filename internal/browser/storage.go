package browser

import (
	"encoding/json"
	"fmt"
	"strings"

	"funnelbot/internal/identity"
)

// snapshotScript returns the page's origin and localStorage as a JSON string.
const snapshotScript = `() => {
	try {
		const items = {};
		for (const key of Object.keys(localStorage)) {
			items[key] = localStorage.getItem(key);
		}
		return JSON.stringify({ origin: location.origin, items });
	} catch (e) {
		return JSON.stringify({ origin: location.origin, items: {} });
	}
}`

type storageSnapshot struct {
	Origin string            `json:"origin"`
	Items  map[string]string `json:"items"`
}

// parseSnapshot decodes snapshotScript's result. Opaque origins ("null", about:blank)
// yield ok=false.
func parseSnapshot(raw string) (storageSnapshot, bool) {
	var snap storageSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snap, false
	}
	if snap.Origin == "" || snap.Origin == "null" || !strings.Contains(snap.Origin, "://") {
		return snap, false
	}
	return snap, true
}

// mergeSnapshot folds a page snapshot into state.
func mergeSnapshot(state *identity.State, snap storageSnapshot) {
	if len(snap.Items) == 0 {
		return
	}
	if state.LocalStorage == nil {
		state.LocalStorage = make(map[string]map[string]string)
	}
	state.LocalStorage[snap.Origin] = snap.Items
}

// RestoreScript builds an init script that seeds localStorage for each saved
// origin the first time a document of that origin loads. Returns "" when there is
// nothing to restore.
func RestoreScript(state identity.State) string {
	origins := state.Origins()
	if len(origins) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("(() => {\n")
	for _, origin := range origins {
		items := state.LocalStorage[origin]
		if len(items) == 0 {
			continue
		}
		o, _ := json.Marshal(origin)
		data, _ := json.Marshal(items)
		fmt.Fprintf(&b, "\tif (location.origin === %s) {\n", o)
		b.WriteString("\t\ttry {\n")
		b.WriteString("\t\t\tif (sessionStorage.getItem('__funnelbot_restored')) return;\n")
		fmt.Fprintf(&b, "\t\t\tfor (const [k, v] of Object.entries(%s)) localStorage.setItem(k, v);\n", data)
		b.WriteString("\t\t\tsessionStorage.setItem('__funnelbot_restored', '1');\n")
		b.WriteString("\t\t} catch (e) {}\n")
		b.WriteString("\t}\n")
	}
	b.WriteString("})();")
	return b.String()
}

// uniqueURLs keeps first occurrences.
func uniqueURLs(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
