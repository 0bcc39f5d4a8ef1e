// Package persona holds the voice personas the bot can speak as and the
// detection of a persona being addressed by name.
package persona

import "strings"

// Profile is a complete persona. It is swapped wholesale, never mutated.
type Profile struct {
	Key          string  `json:"-"`
	Name         string  `json:"name"`
	DisplayName  string  `json:"displayName,omitempty"`
	VoiceID      string  `json:"voiceId"`
	AvatarURL    string  `json:"avatarUrl,omitempty"`
	SystemPrompt string  `json:"systemPrompt"`
	MaxTokens    int     `json:"maxTokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
}

const (
	DefaultMaxTokens   = 50
	DefaultTemperature = 0.8
)

// Nickname is what the bot shows in the guild while speaking as p.
func (p Profile) Nickname() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Name
}

// EnabledValue reports whether the persona should be offered.
func (p Profile) EnabledValue() bool {
	if p.Enabled == nil {
		return true
	}
	return *p.Enabled
}

func (p Profile) normalized(key string) Profile {
	p.Key = strings.ToLower(strings.TrimSpace(key))
	if p.Name == "" {
		p.Name = key
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = DefaultMaxTokens
	}
	if p.Temperature <= 0 {
		p.Temperature = DefaultTemperature
	}
	return p
}

// Builtins returns the personas shipped with the binary.
func Builtins() map[string]Profile {
	return map[string]Profile{
		"connor": {
			Key:          "connor",
			Name:         "Connor",
			DisplayName:  "komradkonnor",
			VoiceID:      "lyiPMkdMbLt0nKed2Ykr",
			AvatarURL:    "https://cdn.discordapp.com/avatars/914391961786544198/79ee349b6511e2000af8a32fb8a6974e.webp?size=128",
			SystemPrompt: "You are Connor, one of the guys hanging out in voice chat. Be funny, sarcastic and blunt. Keep replies to one short sentence, often just a few words.",
			MaxTokens:    50,
			Temperature:  0.9,
		},
		"elijah": {
			Key:          "elijah",
			Name:         "Elijah",
			DisplayName:  "QuantumEel",
			VoiceID:      "yDWiHm0cihLY0TqsBrqL",
			AvatarURL:    "https://cdn.discordapp.com/avatars/462135407732326410/c1c399e1295b5a1120b3d1499b59fd56.webp?size=128",
			SystemPrompt: "You are Elijah, direct and dry. Play along with the jokes instead of being the voice of reason. One sentence or less.",
			MaxTokens:    50,
			Temperature:  0.8,
		},
		"griffin": {
			Key:          "griffin",
			Name:         "Griffin",
			DisplayName:  "Fizz",
			VoiceID:      "HJkmvRu5j8gO1ulxFDHa",
			AvatarURL:    "https://cdn.discordapp.com/avatars/272883023224111105/a_f2be96c2eaffddb244d2f98eaf4e656c.webp?size=128",
			SystemPrompt: "You are Griffin. Joke around and match the vibe of the room. Keep it to a few words, one sentence at most.",
			MaxTokens:    50,
			Temperature:  0.9,
		},
	}
}
