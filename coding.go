package main

import (
	"golang.org/x/text/encoding/unicode"
)

// GSM 03.38 basic character set.
var gsm0338BasicSet = map[rune]bool{
	'@': true, '£': true, '$': true, '¥': true, 'è': true, 'é': true,
	'ù': true, 'ì': true, 'ò': true, 'Ç': true, '\n': true, 'Ø': true,
	'ø': true, 'Å': true, 'å': true, 'Δ': true, '_': true, 'Φ': true,
	'Γ': true, 'Λ': true, 'Ω': true, 'Π': true, 'Ψ': true, 'Σ': true,
	'Θ': true, 'Ξ': true, 'Æ': true, 'æ': true, 'ß': true, 'É': true,
	' ': true, '!': true, '"': true, '#': true, '¤': true, '%': true,
	'&': true, '\'': true, '(': true, ')': true, '*': true, '+': true,
	',': true, '-': true, '.': true, '/': true, '0': true, '1': true,
	'2': true, '3': true, '4': true, '5': true, '6': true, '7': true,
	'8': true, '9': true, ':': true, ';': true, '<': true, '=': true,
	'>': true, '?': true, '¡': true, 'A': true, 'B': true, 'C': true,
	'D': true, 'E': true, 'F': true, 'G': true, 'H': true, 'I': true,
	'J': true, 'K': true, 'L': true, 'M': true, 'N': true, 'O': true,
	'P': true, 'Q': true, 'R': true, 'S': true, 'T': true, 'U': true,
	'V': true, 'W': true, 'X': true, 'Y': true, 'Z': true, 'Ä': true,
	'Ö': true, 'Ñ': true, 'Ü': true, '§': true, '¿': true, 'a': true,
	'b': true, 'c': true, 'd': true, 'e': true, 'f': true, 'g': true,
	'h': true, 'i': true, 'j': true, 'k': true, 'l': true, 'm': true,
	'n': true, 'o': true, 'p': true, 'q': true, 'r': true, 's': true,
	't': true, 'u': true, 'v': true, 'w': true, 'x': true, 'y': true,
	'z': true, 'ä': true, 'ö': true, 'ñ': true, 'ü': true, 'à': true,
	'\r': true,
}

// GSM 03.38 extended set; each costs two septets (ESC prefix).
var gsm0338ExtendedSet = map[rune]bool{
	'^': true, '{': true, '}': true, '\\': true, '[': true, '~': true,
	']': true, '|': true, '€': true,
}

// GetSMSEncoding returns "gsm7" when the whole message fits GSM 03.38,
// otherwise "ucs2".
func GetSMSEncoding(message string) string {
	for _, r := range message {
		if !gsm0338BasicSet[r] && !gsm0338ExtendedSet[r] {
			return "ucs2"
		}
	}
	return "gsm7"
}

// gsm7Septets counts the septets a message occupies, extended characters
// counted twice.
func gsm7Septets(message string) int {
	n := 0
	for _, r := range message {
		if gsm0338ExtendedSet[r] {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// ucs2Bytes is the UTF-16 encoded length of the message, which is what the
// handset fits into 140-byte segments.
func ucs2Bytes(message string) int {
	enc := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	encoded, err := enc.Bytes([]byte(message))
	if err != nil {
		// surrogate trouble; fall back to a worst-case estimate
		return len([]rune(message)) * 2
	}
	return len(encoded)
}

// GetSMSSegmentCount estimates how many segments the gateway will split the
// message into: 160/153 septets for GSM-7, 140/134 bytes for UCS-2.
func GetSMSSegmentCount(message string) int {
	if message == "" {
		return 0
	}
	if GetSMSEncoding(message) == "gsm7" {
		septets := gsm7Septets(message)
		if septets <= 160 {
			return 1
		}
		return (septets + 152) / 153
	}
	b := ucs2Bytes(message)
	if b <= 140 {
		return 1
	}
	return (b + 133) / 134
}
