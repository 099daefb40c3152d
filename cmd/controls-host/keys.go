package main

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// KeyKind distinguishes the three ways a key is named on the wire.
type KeyKind int

const (
	KeyNone   KeyKind = iota
	KeyNamed          // "Alt", "Return", "F5", ...
	KeyLayout         // {"Layout":"a"}: a character on the active layout
	KeyRaw            // {"Raw":30}: a platform key code
)

// Key identifies a keyboard key.
type Key struct {
	Kind KeyKind
	Name string
	Char rune
	Raw  uint16
}

func NamedKey(name string) Key { return Key{Kind: KeyNamed, Name: name} }
func CharKey(r rune) Key       { return Key{Kind: KeyLayout, Char: r} }
func RawKey(code uint16) Key   { return Key{Kind: KeyRaw, Raw: code} }

func (k Key) String() string {
	switch k.Kind {
	case KeyNamed:
		return k.Name
	case KeyLayout:
		return fmt.Sprintf("Layout(%q)", k.Char)
	case KeyRaw:
		return fmt.Sprintf("Raw(%d)", k.Raw)
	default:
		return "None"
	}
}

func (k Key) MarshalJSON() ([]byte, error) {
	switch k.Kind {
	case KeyNamed:
		return json.Marshal(k.Name)
	case KeyLayout:
		return json.Marshal(map[string]string{"Layout": string(k.Char)})
	case KeyRaw:
		return json.Marshal(map[string]uint16{"Raw": k.Raw})
	default:
		return nil, fmt.Errorf("key: cannot marshal empty key")
	}
}

// UnmarshalJSON rejects named keys that have no mapping, so unknown keys fail
// at decode time instead of at injection time.
func (k *Key) UnmarshalJSON(data []byte) error {
	tag, body, err := decodeTagged(data)
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}

	if body == nil {
		if _, ok := namedKeys[tag]; !ok {
			return fmt.Errorf("key: unknown key %q", tag)
		}
		*k = NamedKey(tag)
		return nil
	}

	switch tag {
	case "Layout":
		var s string
		if err := json.Unmarshal(body, &s); err != nil {
			return fmt.Errorf("key Layout: %w", err)
		}
		r, size := utf8.DecodeRuneInString(s)
		if r == utf8.RuneError || size != len(s) {
			return fmt.Errorf("key Layout: expected a single character, got %q", s)
		}
		*k = CharKey(r)
	case "Raw":
		var code uint16
		if err := json.Unmarshal(body, &code); err != nil {
			return fmt.Errorf("key Raw: %w", err)
		}
		*k = RawKey(code)
	default:
		return fmt.Errorf("key: unknown variant %q", tag)
	}
	return nil
}
