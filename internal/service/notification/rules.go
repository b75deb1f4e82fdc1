package notification

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/jwalitptl/eventhub/internal/model"
	"github.com/jwalitptl/eventhub/internal/service/event"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

type ruleFile struct {
	Rules []*model.MappingRule `yaml:"rules"`
}

type compiledRule struct {
	*model.MappingRule
	title *template.Template
	body  *template.Template
}

type templateData struct {
	Event  *model.Event
	Data   model.JSONMap
	App    string
	UserID string
}

var templateFuncs = template.FuncMap{
	"default": func(def interface{}, v interface{}) interface{} {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
}

// parseRules decodes and compiles a YAML rule file.
func parseRules(raw []byte) ([]*compiledRule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	out := make([]*compiledRule, 0, len(file.Rules))
	seen := make(map[string]struct{}, len(file.Rules))
	for _, r := range file.Rules {
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		c, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ValidateRule checks a rule against the fixed enumerations and compiles its templates.
func ValidateRule(r *model.MappingRule) error {
	_, err := compileRule(r)
	return err
}

func compileRule(r *model.MappingRule) (*compiledRule, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("rule name is required")
	}
	if r.Disabled {
		return &compiledRule{MappingRule: r}, nil
	}
	if !model.ValidEventTypePattern(r.EventType) {
		return nil, fmt.Errorf("rule %s: invalid event type %q", r.Name, r.EventType)
	}
	if !r.NotificationType.Valid() {
		return nil, fmt.Errorf("rule %s: invalid notification type %q", r.Name, r.NotificationType)
	}
	if len(r.Channels) == 0 {
		return nil, fmt.Errorf("rule %s: channels are required", r.Name)
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return nil, fmt.Errorf("rule %s: invalid channel %q", r.Name, c)
		}
	}
	title, err := template.New(r.Name + ".title").Option("missingkey=zero").Funcs(templateFuncs).Parse(r.Title)
	if err != nil {
		return nil, fmt.Errorf("rule %s: title: %w", r.Name, err)
	}
	body, err := template.New(r.Name + ".body").Option("missingkey=zero").Funcs(templateFuncs).Parse(r.Body)
	if err != nil {
		return nil, fmt.Errorf("rule %s: body: %w", r.Name, err)
	}
	return &compiledRule{MappingRule: r, title: title, body: body}, nil
}

// applies reports whether the rule fires for evt.
func (r *compiledRule) applies(evt *model.Event) bool {
	if r.Disabled || !model.MatchEventType(r.EventType, evt.Type) {
		return false
	}
	return event.MatchFilters(evt, r.When)
}

// recipient resolves who the notification is for: the value at the rule's
// data path, or the event's own user.
func (r *compiledRule) recipient(evt *model.Event) string {
	if r.Recipient == "" {
		return evt.UserID
	}
	v, ok := event.Lookup(evt, r.Recipient)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (r *compiledRule) render(evt *model.Event) (string, string, error) {
	app := evt.Source.AppName
	if app == "" {
		app = evt.Source.AppID
	}
	data := templateData{Event: evt, Data: evt.Data, App: app, UserID: evt.UserID}

	var title, body strings.Builder
	if err := r.title.Execute(&title, data); err != nil {
		return "", "", fmt.Errorf("render title: %w", err)
	}
	if err := r.body.Execute(&body, data); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}
	return title.String(), body.String(), nil
}

// mergeRules overlays user rules on the defaults by name and returns them
// sorted by name so routing is deterministic.
func mergeRules(defaults, user []*compiledRule) []*compiledRule {
	byName := make(map[string]*compiledRule, len(defaults)+len(user))
	for _, r := range defaults {
		byName[r.Name] = r
	}
	for _, r := range user {
		byName[r.Name] = r
	}
	out := make([]*compiledRule, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
