package generator

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"github.com/osteele/liquid"
)

// fallbackTemplates holds Liquid templates per kind. Comments deliberately
// have none: a canned comment under a live post is worse than no comment.
var fallbackTemplates = map[Kind][]string{
	KindPost: {
		"Сегодня про {{ topic }}. Делюсь тем, что реально сработало у меня — подробности в следующих постах, а пока главный вывод: начинать стоит с малого.",
		"Небольшая заметка на тему «{{ topic }}». Если коротко: самое важное — регулярность, а не масштаб.",
	},
	KindInviteTeaser: {
		"Собрали закрытый канал про {{ topic }} — только проверенные материалы и без воды. Мест немного, ссылка ниже.",
		"Открыли доступ в приватный канал по теме «{{ topic }}». Заходи, пока ссылка живая.",
	},
	KindDirectMessage: {
		"Привет! Видел(а), что тебе интересна тема {{ topic }} — могу скинуть пару полезных материалов, если актуально.",
		"Привет! Мы собираем небольшое сообщество про {{ topic }}, подумал(а) о тебе. Интересно?",
	},
}

// Templated renders Liquid fallback templates. Safe for concurrent use.
type Templated struct {
	engine *liquid.Engine

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewTemplated creates the template backend.
func NewTemplated(rnd *rand.Rand) *Templated {
	return &Templated{engine: liquid.NewEngine(), rnd: rnd}
}

// Generate renders a random template for the kind. Comments return
// ErrGenerationFailed: there is no acceptable canned comment.
func (t *Templated) Generate(ctx context.Context, req Request) (string, error) {
	candidates := fallbackTemplates[req.Kind]
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: no template for kind %s", ErrGenerationFailed, req.Kind)
	}

	t.mu.Lock()
	tpl := candidates[t.rnd.Intn(len(candidates))]
	t.mu.Unlock()

	topic := req.Topic
	if topic == "" {
		topic = string(req.Segment)
	}
	out, err := t.engine.ParseAndRenderString(tpl, liquid.Bindings{
		"topic":   topic,
		"segment": string(req.Segment),
		"persona": req.Persona,
	})
	if err != nil {
		return "", fmt.Errorf("generator: render template: %w", err)
	}
	return clampChars(out, defaultCharLimits[req.Kind]), nil
}

// Chain tries the primary backend first and falls back to templates for
// kinds that allow it. Comment failures propagate so the dispatcher skips
// the action.
type Chain struct {
	primary  TextGenerator
	fallback TextGenerator
}

// NewChain composes primary-then-fallback generation.
func NewChain(primary, fallback TextGenerator) *Chain {
	return &Chain{primary: primary, fallback: fallback}
}

// Generate implements TextGenerator.
func (c *Chain) Generate(ctx context.Context, req Request) (string, error) {
	text, err := c.primary.Generate(ctx, req)
	if err == nil {
		return text, nil
	}
	if req.Kind == KindComment {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	log.Printf("[Generator] primary failed for %s, using template: %v", req.Kind, err)
	return c.fallback.Generate(ctx, req)
}
