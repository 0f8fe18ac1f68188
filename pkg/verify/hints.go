package verify

import (
	"fmt"

	"questsync/pkg/proto"
)

// Generic fallbacks appended when category-specific hints leave room.
var genericHints = []string{
	"Re-read the step instructions carefully.",
	"Compare your code against the example shown in the step.",
}

// synthesizeHints builds at most maxHints hints from the error categories that
// fired plus generic fallbacks. Hints are never fetched externally.
func synthesizeHints(errs []proto.CheckError) []string {
	var hints []string
	seen := make(map[string]bool)

	for _, e := range errs {
		if seen[e.Kind] {
			continue
		}
		seen[e.Kind] = true

		switch e.Kind {
		case errKindSyntax:
			hints = append(hints, "Check that every bracket is matched and every statement is terminated.")
		case errKindIndentation:
			hints = append(hints, "Use the same indentation width everywhere in the file.")
		}
		if len(hints) == maxHints {
			return hints
		}
	}

	for _, hint := range genericHints {
		if len(hints) == maxHints {
			break
		}
		hints = append(hints, hint)
	}
	return hints
}

// arrangeHints gives a similarity-graded nudge for failed arrange steps.
func arrangeHints(ratio float64) []string {
	hints := []string{}
	if ratio >= 0.70 {
		hints = append(hints, "You are close. Look for small differences in names or ordering.")
	} else {
		hints = append(hints, fmt.Sprintf("Your code is %.0f%% of the way there. Rearrange the pieces to match the expected structure.", ratio*100))
	}
	return append(hints, genericHints[1])
}
