// Package sentiment annotates stored messages with a coarse emotion
// label. Pure keyword matching, no model call; labels feed persona
// prompts and later analysis, not routing.
package sentiment

import "strings"

// Emotion labels attached to stored messages.
const (
	Neutral    = "neutral"
	Joy        = "joy"
	Frustrated = "frustrated"
	Sad        = "sad"
	Curious    = "curious"
	Grateful   = "grateful"
)

// emotionKeywords maps labels to their signal words, checked in order.
// First family with a hit wins.
var emotionKeywords = []struct {
	label string
	words []string
}{
	{Grateful, []string{"thank", "thx", "appreciate", "grateful"}},
	{Frustrated, []string{"ugh", "annoying", "broken", "wtf", "frustrat", "hate", "angry", "stupid"}},
	{Sad, []string{"sad", "depress", "miss you", "crying", "lonely", "sorry for your"}},
	{Joy, []string{"yay", "awesome", "love it", "great news", "amazing", "excited", ":)", "haha", "lol"}},
	{Curious, []string{"how does", "why does", "what if", "wonder", "curious", "how do i"}},
}

// Classify returns the emotion label for a message text.
func Classify(text string) string {
	lower := strings.ToLower(text)
	for _, family := range emotionKeywords {
		for _, w := range family.words {
			if strings.Contains(lower, w) {
				return family.label
			}
		}
	}
	return Neutral
}
