//go:build windows

package main

import (
	"fmt"

	"go.klb.dev/clipd/internal/native"
	"go.klb.dev/clipd/internal/native/memclip"
	"go.klb.dev/clipd/internal/native/win32"
)

const backendHelp = "clipboard backend: auto|win32|memory"

func openBackend(name string) (native.Clipboard, error) {
	switch name {
	case "", "auto", "win32", "system":
		return win32.New()
	case "memory":
		return memclip.New().Connect("clipd"), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
