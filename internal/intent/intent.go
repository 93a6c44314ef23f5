// Package intent classifies free-text commands by keyword scoring and
// extracts intent-specific parameters.
package intent

import (
	"strings"
)

// Intent labels.
const (
	Unknown         = "unknown"
	PlayMusic       = "play_music"
	ControlVolume   = "control_volume"
	SwitchAudio     = "switch_audio"
	SystemControl   = "system_control"
	FileOperation   = "file_operation"
	SmartHome       = "smart_home"
	Communication   = "communication"
	Navigation      = "navigation"
	HardwareControl = "hardware_control"
)

// Result is the outcome of classifying one command string.
type Result struct {
	Text       string            `json:"text"`
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Params     map[string]string `json:"params"`
}

// Rule binds an intent label to its trigger keywords.
type Rule struct {
	Intent   string
	Keywords []string
}

// DefaultRules is the built-in table. Order matters: ties go to the earlier
// rule.
var DefaultRules = []Rule{
	{PlayMusic, []string{"play", "music", "song", "track", "album", "artist", "spotify", "youtube"}},
	{ControlVolume, []string{"volume", "loud", "quiet", "mute", "unmute", "louder", "quieter"}},
	{SwitchAudio, []string{"switch", "change", "output", "headphones", "speakers", "bluetooth", "rtsp"}},
	{SystemControl, []string{"open", "close", "launch", "run", "execute", "kill", "start", "stop"}},
	{FileOperation, []string{"download", "upload", "copy", "move", "delete", "create", "save"}},
	{SmartHome, []string{"lights", "temperature", "thermostat", "lock", "unlock", "dim", "brightness"}},
	{Communication, []string{"send", "call", "message", "text", "email", "whatsapp", "telegram"}},
	{Navigation, []string{"directions", "navigate", "route", "map", "location", "traffic", "gps"}},
	{HardwareControl, []string{"gpio", "pin", "sensor", "led", "relay", "pwm", "analog", "digital"}},
}

// Classifier scores text against an ordered rule table. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	rules []Rule
}

// New returns a classifier over rules, or DefaultRules when rules is empty.
func New(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: rules}
}

// Rules returns the classifier's table.
func (c *Classifier) Rules() []Rule { return c.rules }

// Classify lower-cases and tokenizes text, counts for each rule how many of
// its keywords occur anywhere in the text, and picks the highest non-zero
// score. Confidence is that score over the token count, capped at 1.
func (c *Classifier) Classify(text string) Result {
	res := Result{Text: text, Intent: Unknown, Params: map[string]string{}}

	lower := strings.ToLower(text)
	words := strings.Fields(lower)
	if len(words) == 0 {
		return res
	}

	best, bestScore := "", 0
	for _, r := range c.rules {
		score := 0
		for _, kw := range r.Keywords {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = r.Intent, score
		}
	}
	if bestScore == 0 {
		return res
	}

	res.Intent = best
	res.Confidence = float64(bestScore) / float64(len(words))
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	res.Params = extractParams(best, lower, words, strings.Fields(text))
	return res
}
