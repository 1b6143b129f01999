package appclip

import (
	"context"
	"log/slog"

	"go.klb.dev/clipd/internal/format"
)

// normalize canonicalizes MIME types and keeps the first item per type.
func normalize(items []Item) []Item {
	out := make([]Item, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		m := format.Canonical(it.Mime)
		if len(it.Data) == 0 {
			continue
		}
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, Item{Mime: m, Data: it.Data})
	}
	return out
}

// pick returns the first item matching accepts, in accepts order. An empty
// accepts takes the first item.
func pick(items []Item, accepts []string) (Item, bool) {
	if len(items) == 0 {
		return Item{}, false
	}
	if len(accepts) == 0 {
		return items[0], true
	}
	for _, a := range accepts {
		m := format.Canonical(a)
		for _, it := range items {
			if it.Mime == m {
				return it, true
			}
		}
	}
	return Item{}, false
}

func contentTypes(items []Item) []format.ContentType {
	out := make([]format.ContentType, len(items))
	for i, it := range items {
		out[i] = format.Intern(it.Mime)
	}
	return out
}

func mimes(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Mime
	}
	return out
}

// logItems logs a clipboard event at INFO (source, MIME types) and DEBUG
// (text preview up to 120 chars, or byte size for binary items).
func logItems(event, source string, items []Item) {
	slog.Info(event, "source", source, "types", mimes(items))

	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	for _, it := range items {
		if it.Mime == format.TextPlainUTF8.String() {
			preview := string(it.Data)
			if len(preview) > 120 {
				preview = preview[:120] + "…"
			}
			slog.Debug("clipboard item", "mime", it.Mime, "preview", preview)
		} else {
			slog.Debug("clipboard item", "mime", it.Mime, "size_bytes", len(it.Data))
		}
	}
}
