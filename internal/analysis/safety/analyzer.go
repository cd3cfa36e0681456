package safety

import (
	"sort"
	"strings"
)

// Label classifies the risk expressed in an utterance.
type Label string

const (
	None       Label = "none"
	SelfHarm   Label = "self_harm"
	HarmOthers Label = "harm_others"
)

// Decision is the outcome of scanning an exchange for crisis signals.
type Decision struct {
	Label   Label
	Score   int
	Matches []string
}

// Crisis reports whether the exchange must be diverted to the safety message.
func (d Decision) Crisis() bool {
	return d.Label != None && d.Score > 0
}

// Message is returned in place of a normal reply once a crisis is detected.
const Message = "Thank you for sharing that with me. It sounds like you are going through a lot right now, " +
	"and it takes courage to talk about it. You do not have to go through this alone. " +
	"Please reach out to a professional or your local support line, who can give you the help you deserve. " +
	"If you are in immediate danger, contact your local emergency number."

var keywordBuckets = map[Label][]string{
	SelfHarm: {
		"suicid", "kill myself", "self-harm", "self harm", "hurt myself", "end my life", "want to die",
		"自杀", "不想活", "伤害自己", "结束生命",
	},
	HarmOthers: {
		"harm others", "hurt someone", "kill someone",
		"伤害别人", "杀人",
	},
}

// Analyze scans the user's utterance and, when present, the generated reply.
// A reply that itself mentions crisis terms is treated the same as user input.
func Analyze(userUtterance, aiUtterance string) Decision {
	user := scoreText(userUtterance)
	if user.Crisis() {
		return user
	}
	return scoreText(aiUtterance)
}

// Detect is a shorthand for Analyze on a single utterance.
func Detect(text string) bool {
	return scoreText(text).Crisis()
}

func scoreText(text string) Decision {
	normalized := strings.TrimSpace(strings.ToLower(text))
	if normalized == "" {
		return Decision{Label: None}
	}

	scores := make(map[Label]int)
	var matches []string
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
				matches = append(matches, word)
			}
		}
	}

	best := None
	bestScore := 0
	for label, s := range scores {
		// self-harm wins ties
		if s > bestScore || (s == bestScore && label == SelfHarm) {
			best, bestScore = label, s
		}
	}
	if bestScore == 0 {
		return Decision{Label: None}
	}

	sort.Strings(matches)
	return Decision{Label: best, Score: bestScore, Matches: matches}
}
