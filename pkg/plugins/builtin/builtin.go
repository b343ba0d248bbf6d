// Package builtin registers every handler kind compiled into the binary.
package builtin

import (
	_ "qqbot/pkg/plugins/basic"
	_ "qqbot/pkg/plugins/stats"
	_ "qqbot/pkg/plugins/status"
)
