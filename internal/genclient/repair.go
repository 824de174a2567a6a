package genclient

import "strings"

// minRepairWords is the smallest word count worth re-splitting
const minRepairWords = 10

// RepairThreeLines reshapes text into three lines when the model ignored the
// line structure. Text that already has exactly three lines, or too few words
// to split sensibly, is returned trimmed but otherwise unchanged.
func RepairThreeLines(text string) string {
	text = strings.TrimSpace(text)
	if len(strings.Split(text, "\n")) == 3 {
		return text
	}

	words := strings.Fields(text)
	n := len(words)
	if n < minRepairWords {
		return text
	}

	third := n / 3
	return strings.Join([]string{
		strings.Join(words[:third], " "),
		strings.Join(words[third:2*third], " "),
		strings.Join(words[2*third:], " "),
	}, "\n")
}
