package monitor

import (
	"strings"
)

// topicKeywords maps post topics to lowercase keyword lists. Classification
// is a hit count over the post text; ties resolve in table order.
var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"nutrition", []string{"питание", "диет", "калори", "рецепт", "белок", "nutrition", "diet", "recipe", "protein"}},
	{"fitness", []string{"тренировк", "спорт", "бег", "зал", "йога", "workout", "fitness", "gym", "yoga", "running"}},
	{"parenting", []string{"ребен", "дет", "мам", "школ", "воспитан", "parenting", "kids", "baby", "school"}},
	{"finance", []string{"деньг", "доход", "инвест", "бизнес", "заработ", "money", "income", "invest", "business"}},
	{"marketing", []string{"маркетинг", "продаж", "реклам", "блог", "подписчик", "marketing", "sales", "blog", "followers"}},
	{"education", []string{"курс", "учеб", "экзамен", "студент", "обучен", "course", "exam", "student", "study"}},
	{"health", []string{"здоров", "врач", "сон", "стресс", "иммунитет", "health", "doctor", "sleep", "stress"}},
	{"travel", []string{"путешеств", "отпуск", "виза", "отел", "travel", "vacation", "hotel", "flight"}},
}

// TopicGeneral is the fallback topic when no keyword matches.
const TopicGeneral = "general"

// ClassifyTopic assigns a post topic from its text.
func ClassifyTopic(text string) string {
	lowered := strings.ToLower(text)
	best, bestHits := TopicGeneral, 0
	for _, entry := range topicKeywords {
		hits := 0
		for _, kw := range entry.keywords {
			hits += strings.Count(lowered, kw)
		}
		if hits > bestHits {
			best, bestHits = entry.topic, hits
		}
	}
	return best
}

// excerpt truncates post text for storage, on a rune boundary.
func excerpt(text string, max int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
