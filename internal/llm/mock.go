package llm

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// topic is one pattern the mock tutor can explain. Keys containing a space or
// hyphen match as phrases, the rest as whole words.
type topic struct {
	name   string
	keys   []string
	answer string
}

var mockTopics = []topic{
	{
		name:   "render props",
		keys:   []string{"render prop", "render props", "render-prop", "render-props"},
		answer: "A render prop is a function prop that a component calls to decide what to draw. It shares behaviour while the caller keeps control of the markup.",
	},
	{
		name:   "compound components",
		keys:   []string{"compound"},
		answer: "Compound components are a parent and its children that share state implicitly, like a Tabs with Tab and Panel. The parent owns the state and the children read it through context.",
	},
	{
		name:   "higher-order components",
		keys:   []string{"hoc", "hocs", "higher-order", "higher order"},
		answer: "A higher-order component is a function that takes a component and returns a new one with extra props or behaviour. Hooks have replaced most of them, but you still meet them in older code.",
	},
	{
		name:   "context",
		keys:   []string{"context", "provider", "prop drilling"},
		answer: "Context lets a provider hand a value to every component below it without passing props through each level. Keep the value small and stable, because every consumer re-renders when it changes.",
	},
	{
		name:   "hooks",
		keys:   []string{"hook", "hooks", "usestate", "useeffect", "usememo"},
		answer: "Hooks let function components hold state and run effects. A custom hook is just a function that calls other hooks, so you can share logic without changing the component tree.",
	},
}

type mockGenerator struct{}

// NewMockGenerator returns a canned tutor that answers by topic without a model.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}

	sentences := splitSentences(mockAnswer(req.Prompt, req.System))
	for i, s := range sentences {
		if err := ctx.Err(); err != nil {
			return err
		}
		last := i == len(sentences)-1
		if !last {
			s += " "
		}
		err := consumer(Chunk{
			RequestID: req.RequestID,
			Content:   s,
			Partial:   !last,
			Latency:   time.Since(start),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// mockAnswer explains the topic named in the prompt. Without one it points the
// student back at the course the system prompt describes.
func mockAnswer(prompt, system string) string {
	if t, ok := findTopic(prompt); ok {
		return t.answer
	}
	var names []string
	for _, t := range mockTopics {
		if matches(t, system) {
			names = append(names, t.name)
		}
	}
	answer := "I can help with questions about " + courseName(system) + "."
	if len(names) > 0 {
		answer += " Try asking about " + joinOr(names) + "."
	}
	return answer
}

func findTopic(text string) (topic, bool) {
	for _, t := range mockTopics {
		if matches(t, text) {
			return t, true
		}
	}
	return topic{}, false
}

func matches(t topic, text string) bool {
	lower := strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		words[w] = true
	}
	for _, k := range t.keys {
		if strings.ContainsAny(k, " -") {
			if strings.Contains(lower, k) {
				return true
			}
		} else if words[k] {
			return true
		}
	}
	return false
}

// courseName pulls "X" out of "... a course on X (...)" or "... a course on X.".
func courseName(system string) string {
	const marker = "course on "
	i := strings.Index(strings.ToLower(system), marker)
	if i < 0 {
		return "this course"
	}
	rest := system[i+len(marker):]
	if end := strings.IndexAny(rest, "(.,;\n"); end >= 0 {
		rest = rest[:end]
	}
	if name := strings.TrimSpace(rest); name != "" {
		return name
	}
	return "this course"
}

func joinOr(items []string) string {
	switch len(items) {
	case 1:
		return items[0]
	case 2:
		return items[0] + " or " + items[1]
	}
	return strings.Join(items[:len(items)-1], ", ") + ", or " + items[len(items)-1]
}

func splitSentences(text string) []string {
	var out []string
	for {
		i := strings.Index(text, ". ")
		if i < 0 {
			break
		}
		out = append(out, text[:i+1])
		text = text[i+2:]
	}
	return append(out, text)
}
