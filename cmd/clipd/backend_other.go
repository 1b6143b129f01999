//go:build !windows

package main

import (
	"fmt"

	"go.klb.dev/clipd/internal/native"
	"go.klb.dev/clipd/internal/native/memclip"
	"go.klb.dev/clipd/internal/native/sysclip"
)

const backendHelp = "clipboard backend: auto|system|memory"

func openBackend(name string) (native.Clipboard, error) {
	switch name {
	case "", "auto", "system":
		return sysclip.New(), nil
	case "memory":
		return memclip.New().Connect("clipd"), nil
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}
