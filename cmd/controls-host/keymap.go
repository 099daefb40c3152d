package main

import "unicode"

// Linux input event types and codes (from <linux/input.h> and
// <linux/input-event-codes.h>).
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02

	SYN_REPORT = 0

	REL_X      = 0x00
	REL_Y      = 0x01
	REL_HWHEEL = 0x06
	REL_WHEEL  = 0x08

	BTN_LEFT   = 0x110
	BTN_RIGHT  = 0x111
	BTN_MIDDLE = 0x112

	KEY_LEFTSHIFT = 42
)

// Input event value constants
const (
	evValueRelease = 0
	evValuePress   = 1
)

// namedKeys maps wire key names to Linux key codes.
var namedKeys = map[string]uint16{
	"Alt":        56,  // KEY_LEFTALT
	"Option":     56,  // macOS alias
	"Backspace":  14,  // KEY_BACKSPACE
	"CapsLock":   58,  // KEY_CAPSLOCK
	"Control":    29,  // KEY_LEFTCTRL
	"Delete":     111, // KEY_DELETE
	"DownArrow":  108, // KEY_DOWN
	"End":        107, // KEY_END
	"Escape":     1,   // KEY_ESC
	"Home":       102, // KEY_HOME
	"LeftArrow":  105, // KEY_LEFT
	"Meta":       125, // KEY_LEFTMETA
	"Super":      125,
	"Windows":    125,
	"Command":    125,
	"PageDown":   109, // KEY_PAGEDOWN
	"PageUp":     104, // KEY_PAGEUP
	"Return":     28,  // KEY_ENTER
	"RightArrow": 106, // KEY_RIGHT
	"Shift":      42,  // KEY_LEFTSHIFT
	"Space":      57,  // KEY_SPACE
	"Tab":        15,  // KEY_TAB
	"UpArrow":    103, // KEY_UP
	"Insert":     110, // KEY_INSERT

	"F1": 59, "F2": 60, "F3": 61, "F4": 62, "F5": 63,
	"F6": 64, "F7": 65, "F8": 66, "F9": 67, "F10": 68,
	"F11": 87, "F12": 88,
	"F13": 183, "F14": 184, "F15": 185, "F16": 186,
	"F17": 187, "F18": 188, "F19": 189, "F20": 190,

	"VolumeMute": 113, // KEY_MUTE
	"VolumeDown": 114, // KEY_VOLUMEDOWN
	"VolumeUp":   115, // KEY_VOLUMEUP
	"MediaNext":  163, // KEY_NEXTSONG
	"MediaPlay":  164, // KEY_PLAYPAUSE
	"MediaPrev":  165, // KEY_PREVIOUSSONG
	"MediaStop":  166, // KEY_STOPCD
}

// layoutKeys maps unshifted US-layout characters to key codes.
var layoutKeys = map[rune]uint16{
	'1': 2, '2': 3, '3': 4, '4': 5, '5': 6, '6': 7, '7': 8, '8': 9, '9': 10, '0': 11,
	'-': 12, '=': 13,
	'q': 16, 'w': 17, 'e': 18, 'r': 19, 't': 20, 'y': 21, 'u': 22, 'i': 23, 'o': 24, 'p': 25,
	'[': 26, ']': 27, '\n': 28,
	'a': 30, 's': 31, 'd': 32, 'f': 33, 'g': 34, 'h': 35, 'j': 36, 'k': 37, 'l': 38,
	';': 39, '\'': 40, '`': 41, '\\': 43,
	'z': 44, 'x': 45, 'c': 46, 'v': 47, 'b': 48, 'n': 49, 'm': 50,
	',': 51, '.': 52, '/': 53,
	' ': 57, '\t': 15,
}

// shiftedKeys maps characters typed with Shift held to their unshifted base.
var shiftedKeys = map[rune]rune{
	'!': '1', '@': '2', '#': '3', '$': '4', '%': '5', '^': '6', '&': '7', '*': '8', '(': '9', ')': '0',
	'_': '-', '+': '=', '{': '[', '}': ']', ':': ';', '"': '\'', '~': '`', '|': '\\',
	'<': ',', '>': '.', '?': '/',
}

// mouseButtonCodes maps mouse buttons to BTN_* codes. Scroll "buttons" are
// turned into wheel motion by the dispatcher.
var mouseButtonCodes = map[MouseButton]uint16{
	ButtonLeft:   BTN_LEFT,
	ButtonRight:  BTN_RIGHT,
	ButtonMiddle: BTN_MIDDLE,
}

// maxRegisteredKey is the highest key code the virtual device registers.
// Raw codes above it would be dropped by the kernel, so they do not resolve.
const maxRegisteredKey = 255

// keyStroke is a resolved key: the code to press and whether Shift must be held.
type keyStroke struct {
	Code  uint16
	Shift bool
}

// resolveKey maps a Key to a Linux key stroke.
func resolveKey(k Key) (keyStroke, bool) {
	switch k.Kind {
	case KeyNamed:
		code, ok := namedKeys[k.Name]
		return keyStroke{Code: code}, ok
	case KeyRaw:
		return keyStroke{Code: k.Raw}, k.Raw != 0 && k.Raw <= maxRegisteredKey
	case KeyLayout:
		return resolveLayout(k.Char)
	}
	return keyStroke{}, false
}

func resolveLayout(r rune) (keyStroke, bool) {
	if code, ok := layoutKeys[r]; ok {
		return keyStroke{Code: code}, true
	}
	if unicode.IsUpper(r) {
		if code, ok := layoutKeys[unicode.ToLower(r)]; ok {
			return keyStroke{Code: code, Shift: true}, true
		}
	}
	if base, ok := shiftedKeys[r]; ok {
		return keyStroke{Code: layoutKeys[base], Shift: true}, true
	}
	return keyStroke{}, false
}
