package intent

import (
	"slices"
	"strings"
)

var (
	genres        = []string{"jazz", "rock", "classical", "pop", "electronic", "ambient", "folk", "metal"}
	volumeActions = []string{"up", "down", "high", "low", "max", "min", "mute", "unmute"}
	audioDevices  = []string{"headphones", "speakers", "bluetooth", "rtsp", "hdmi", "usb"}
	systemActions = []string{"open", "close", "launch", "run", "execute", "kill", "start", "stop"}
	fileActions   = []string{"download", "upload", "copy", "move", "delete", "create", "save"}
	homeDevices   = []string{"lights", "thermostat", "lock", "temperature", "brightness"}
	homeActions   = []string{"on", "off", "dim", "lock", "unlock", "up", "down", "set"}
	gpioActions   = []string{"on", "off", "high", "low", "toggle", "read", "write"}
	urlSchemes    = []string{"http://", "https://", "ftp://"}
	musicFillers  = []string{"play", "music", "song"}
)

// extractParams works on the lower-cased text and tokens. orig holds the
// tokens in their original case for values such as URLs.
func extractParams(intent, text string, words, orig []string) map[string]string {
	p := make(map[string]string)
	switch intent {
	case PlayMusic:
		if i := strings.Index(text, " by "); i >= 0 && strings.TrimSpace(text[i+4:]) != "" {
			p["artist"] = strings.TrimSpace(text[i+4:])
		} else if g := firstSubstring(text, genres); g != "" {
			p["genre"] = g
		} else {
			var rest []string
			for _, w := range words {
				if !slices.Contains(musicFillers, w) {
					rest = append(rest, w)
				}
			}
			if len(rest) > 0 {
				p["query"] = strings.Join(rest, " ")
			}
		}

	case ControlVolume:
		if a := firstWord(words, volumeActions); a != "" {
			p["action"] = a
		}
		for _, w := range words {
			if isDigits(w) {
				p["level"] = w
				break
			}
		}

	case SwitchAudio:
		if d := firstSubstring(text, audioDevices); d != "" {
			p["device"] = d
		}

	case SystemControl:
		for i, w := range words {
			if slices.Contains(systemActions, w) {
				p["action"] = w
				if i+1 < len(words) {
					p["target"] = strings.Join(words[i+1:], " ")
				}
				break
			}
		}

	case FileOperation:
		if a := firstWord(words, fileActions); a != "" {
			p["action"] = a
		}
		for i, w := range words {
			if hasScheme(w) && i < len(orig) {
				p["url"] = orig[i]
				break
			}
		}

	case SmartHome:
		if d := firstSubstring(text, homeDevices); d != "" {
			p["device"] = d
		}
		if a := firstWord(words, homeActions); a != "" {
			p["action"] = a
		}

	case HardwareControl:
		for i, w := range words {
			if !strings.Contains(w, "pin") && !strings.Contains(w, "gpio") {
				continue
			}
			if j := strings.IndexAny(w, "0123456789"); j >= 0 {
				p["pin"] = leadingDigits(w[j:])
			} else if i+1 < len(words) && isDigits(words[i+1]) {
				p["pin"] = words[i+1]
			}
			if p["pin"] != "" {
				break
			}
		}
		if a := firstWord(words, gpioActions); a != "" {
			p["action"] = a
		}
	}
	return p
}

// firstWord returns the first vocabulary entry present as a whole token.
func firstWord(words, vocab []string) string {
	for _, v := range vocab {
		if slices.Contains(words, v) {
			return v
		}
	}
	return ""
}

func firstSubstring(text string, vocab []string) string {
	for _, v := range vocab {
		if strings.Contains(text, v) {
			return v
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func leadingDigits(s string) string {
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	return s[:n]
}

func hasScheme(w string) bool {
	for _, s := range urlSchemes {
		if strings.HasPrefix(w, s) && len(w) > len(s) {
			return true
		}
	}
	return false
}
