// Package webapp provides embedded static files for the redeem web page.
package webapp

import "embed"

//go:embed index.html
var Assets embed.FS
