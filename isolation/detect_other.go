//go:build !linux

package isolation

import "log/slog"

func detectBackend(_ *slog.Logger, _ detectOptions) Backend {
	return NewUnsupported()
}
