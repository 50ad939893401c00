package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template renders the human-readable part of a notification.
type Template struct {
	Event   Event  `json:"event"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Event]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Event]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			Event:   EventMatchFound,
			Subject: "Potential {{organ}} match",
			Body:    "A potential {{organ}} match ({{match_id}}) was found with a compatibility score of {{score}}. It is awaiting acceptance.",
		},
		{
			Event:   EventMatchAccepted,
			Subject: "{{organ}} match accepted",
			Body:    "The {{organ}} match {{match_id}} was accepted by {{actor}}.",
		},
		{
			Event:   EventMatchRejected,
			Subject: "{{organ}} match rejected",
			Body:    "The {{organ}} match {{match_id}} was rejected by {{actor}}: {{reason}}",
		},
		{
			Event:   EventMatchCompleted,
			Subject: "{{organ}} transplant completed",
			Body:    "The {{organ}} transplant for match {{match_id}} was recorded as completed.",
		},
	}
	for _, t := range builtIn {
		e.RegisterTemplate(t)
	}
}

// RegisterTemplate adds or replaces the template for an event.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Event] = &t
}

// Render performs {{key}} replacement using data. Keys present in the
// template but absent from data are left as-is.
func (e *TemplateEngine) Render(event Event, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[event]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("no template for event %q", event)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

func templateData(ev MatchEvent) map[string]string {
	reason := ev.Reason
	if reason == "" {
		reason = "no reason given"
	}
	actor := ev.Actor
	if actor == "" {
		actor = "the care team"
	}
	return map[string]string{
		"organ":    ev.Organ,
		"match_id": ev.MatchID.String(),
		"score":    fmt.Sprintf("%.0f", ev.Score),
		"actor":    actor,
		"reason":   reason,
		"state":    ev.State,
	}
}
