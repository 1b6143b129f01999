package format

import (
	"fmt"
	"strings"
	"sync"
)

// Registrar turns a format name into a native format code. The native
// clipboard backends implement it.
type Registrar interface {
	RegisterFormat(name string) (ID, error)
}

// windowsPrefix marks content types that name a native format directly.
const windowsPrefix = "application/x.windows."

// Registry holds the compatibility table and the transmuters for one native
// clipboard. It is safe for concurrent use.
type Registry struct {
	reg Registrar

	mu     sync.RWMutex
	ids    map[string]ID
	names  map[ID]string
	compat map[ContentType][]Pair
	trans  map[ID]transmuter
}

// NewRegistry registers the well-known format names with reg and builds the
// compatibility table.
func NewRegistry(reg Registrar) (*Registry, error) {
	r := &Registry{
		reg:    reg,
		ids:    make(map[string]ID),
		names:  make(map[ID]string),
		compat: make(map[ContentType][]Pair),
		trans: map[ID]transmuter{
			CFUnicodeText: {toNative: utf8ToUnicodeText, fromNative: unicodeTextToUTF8},
			CFText:        {toNative: utf8ToText, fromNative: textToUTF8},
			CFDIB:         {toNative: bmpToDIB, fromNative: dibToBMP},
		},
	}

	type entry struct {
		content ContentType
		names   []string
		extra   []Pair
	}
	table := []entry{
		{TextPlainUTF8, []string{"text/plain;charset=utf-8"}, []Pair{
			{Native: CFUnicodeText, Content: TextPlainUTF8, Transmute: true},
			{Native: CFText, Content: TextPlainUTF8, Transmute: true},
		}},
		{ImagePNG, []string{"image/png", "PNG"}, nil},
		{ImageJPEG, []string{"image/jpeg", "JFIF"}, nil},
		{ImageGIF, []string{"image/gif", "GIF"}, nil},
		{ImageBMP, []string{"image/bmp"}, []Pair{
			{Native: CFDIB, Content: ImageBMP, Transmute: true},
		}},
		{TextURIList, []string{"text/uri-list"}, nil},
		{TextHTML, []string{"text/html"}, nil},
	}
	for _, e := range table {
		var pairs []Pair
		for _, n := range e.names {
			id, err := r.register(n)
			if err != nil {
				return nil, fmt.Errorf("format: register %q: %w", n, err)
			}
			pairs = append(pairs, Pair{Native: id, Content: e.content})
		}
		r.compat[e.content] = append(pairs, e.extra...)
	}
	return r, nil
}

func (r *Registry) register(name string) (ID, error) {
	r.mu.RLock()
	id, ok := r.ids[name]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}
	id, err := r.reg.RegisterFormat(name)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.ids[name] = id
	r.names[id] = name
	r.mu.Unlock()
	return id, nil
}

// Name returns the registered name for id, if this registry registered it.
func (r *Registry) Name(id ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.names[id]
	return n, ok
}

// Pairs expands content types into the pairs to advertise or accept, in
// order: for each content type its as-is registered format followed by its
// compatibility formats. A content type already present is skipped, and a
// content type never contributes the same native format twice.
func (r *Registry) Pairs(types []ContentType) ([]Pair, error) {
	var out []Pair
	for _, ct := range types {
		if ct.IsZero() || containsContent(out, ct) {
			continue
		}
		start := len(out)

		name := ct.String()
		if len(name) > len(windowsPrefix) && strings.EqualFold(name[:len(windowsPrefix)], windowsPrefix) {
			name = name[len(windowsPrefix):]
		}
		id, err := r.register(name)
		if err != nil {
			return nil, fmt.Errorf("format: register %q: %w", name, err)
		}
		out = append(out, Pair{Native: id, Content: ct})

		r.mu.RLock()
		compat := r.compat[ct]
		r.mu.RUnlock()
		for _, p := range compat {
			if containsNative(out[start:], p.Native) {
				continue
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// ToNative converts data in p's content encoding to p's native encoding.
func (r *Registry) ToNative(p Pair, data []byte) ([]byte, error) {
	if !p.Transmute {
		return data, nil
	}
	t, ok := r.trans[p.Native]
	if !ok {
		return nil, fmt.Errorf("format: no transmuter for %s", p.Native)
	}
	return t.toNative(data)
}

// FromNative converts data in p's native encoding to p's content encoding.
func (r *Registry) FromNative(p Pair, data []byte) ([]byte, error) {
	if !p.Transmute {
		return data, nil
	}
	t, ok := r.trans[p.Native]
	if !ok {
		return nil, fmt.Errorf("format: no transmuter for %s", p.Native)
	}
	return t.fromNative(data)
}

func containsContent(pairs []Pair, ct ContentType) bool {
	for _, p := range pairs {
		if p.Content == ct {
			return true
		}
	}
	return false
}

func containsNative(pairs []Pair, id ID) bool {
	for _, p := range pairs {
		if p.Native == id {
			return true
		}
	}
	return false
}
