package turn

import (
	"strings"

	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// DefaultProgress is shown when nothing more specific matches.
const DefaultProgress = "Thinking…"

var shoeKeywords = []string{
	"running shoe", "sneaker", "boot", "sandal", "heel", "loafer", "slipper", "trainer", "shoe",
}

var searchVerbs = []string{"find", "search", "show", "looking for"}

// ProgressFor picks the initial progress phrase for a submission from simple
// keyword matches over its text.
func ProgressFor(sub domain.Submission) string {
	text := strings.ToLower(strings.TrimSpace(sub.Text))

	if text == "" {
		if sub.Image != nil {
			return "Analyzing your image…"
		}
		return DefaultProgress
	}

	switch {
	case strings.Contains(text, "checkout") || strings.Contains(text, "check out") ||
		strings.Contains(text, "place order") || strings.Contains(text, "place my order"):
		return "Preparing your order…"
	case strings.Contains(text, "payment") || strings.Contains(text, "pay with"):
		return "Loading payment methods…"
	case strings.Contains(text, "cart"):
		return "Loading your cart…"
	case strings.Contains(text, "order"):
		return "Checking your orders…"
	}

	if containsAny(text, searchVerbs) {
		for _, kw := range shoeKeywords {
			if strings.Contains(text, kw) {
				return "Searching for " + kw + "s…"
			}
		}
		if sub.Image != nil {
			return "Searching for similar products…"
		}
		return "Searching for products…"
	}

	if sub.Image != nil {
		return "Analyzing your image…"
	}
	return DefaultProgress
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
