// Package generator produces the text the fleet publishes: comments under
// channel posts, scheduled posts, invite teasers, and direct messages. The
// primary backend is an OpenAI-compatible chat API; template fallbacks cover
// every kind except comments, which are dropped rather than templated so the
// fleet never posts a canned reply under a live post.
package generator

import (
	"context"
	"errors"
	"strings"

	"github.com/nlgrowth/traffic-engine/internal/domain"
)

// Kind selects the prompt and length budget for one generation.
type Kind string

const (
	KindComment       Kind = "comment"
	KindPost          Kind = "post"
	KindInviteTeaser  Kind = "invite_teaser"
	KindDirectMessage Kind = "direct_message"
)

// ErrGenerationFailed is returned when the backend failed and no fallback is
// allowed for the kind.
var ErrGenerationFailed = errors.New("generator: generation failed")

// Request carries everything a backend needs to produce one text.
type Request struct {
	Kind     Kind
	Segment  domain.Segment
	Strategy domain.Strategy // comments only
	Topic    string
	Excerpt  string // post text being commented on
	Persona  string // account persona name/bio line
	Channel  string
}

// TextGenerator produces one text per request.
type TextGenerator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// defaultCharLimits caps output length per kind; configurable via
// generator.char_limits.
var defaultCharLimits = map[Kind]int{
	KindComment:       400,
	KindPost:          2000,
	KindInviteTeaser:  600,
	KindDirectMessage: 500,
}

// clampChars truncates s to max runes at a whitespace boundary when possible.
func clampChars(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if max <= 0 || len(runes) <= max {
		return string(runes)
	}
	cut := string(runes[:max])
	if i := strings.LastIndexAny(cut, " \n\t"); i > max/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
