//go:build !linux

package main

import "log/slog"

func newUinputInjector(string, *slog.Logger) (InputInjector, error) {
	return nil, ErrInjectorUnsupported
}
