package assets

import (
	_ "embed"
	"strings"
)

//go:embed bootstrap.js
var bootstrapJS string

//go:embed offscreen.html
var OffscreenHTML string

// ContentBootstrap returns the injectable content-script bootstrap wired to
// the given bridge WebSocket endpoint and tab id.
func ContentBootstrap(bridgeWSURL, tabID string) string {
	src := strings.ReplaceAll(bootstrapJS, "__BRIDGE_WS_URL__", bridgeWSURL)
	return strings.ReplaceAll(src, "__TAB_ID__", tabID)
}
