package rules

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"voicelab/internal/domain"
)

// Substitution rewrites transcript text.
type Substitution interface {
	Apply(input string) (output string, changed bool)
}

// RuleParser parses one rule body (after any role scope) into a substitution.
type RuleParser interface {
	CanParse(line string) bool
	Parse(line string) (Substitution, error)
}

type scopedRule struct {
	roles map[domain.ChatRole]bool // nil matches every role
	sub   Substitution
}

func (r scopedRule) appliesTo(role domain.ChatRole) bool {
	return r.roles == nil || r.roles[role]
}

// Engine normalizes finalized transcript messages with deterministic
// substitutions loaded from a rules file. A rule may be limited to speakers
// with a leading scope, e.g. "[model] 病人 => 患者".
type Engine struct {
	rules     []scopedRule
	loopLimit int
}

// NewEngine loads and compiles rules from a file using built-in parsers.
// A blank or missing path yields an engine that returns text unchanged.
func NewEngine(path string, loopLimit int) (*Engine, error) {
	return NewEngineWithParsers(path, loopLimit, defaultRuleParsers())
}

func NewEngineWithParsers(path string, loopLimit int, parsers []RuleParser) (*Engine, error) {
	if loopLimit <= 0 {
		loopLimit = 30
	}
	if len(parsers) == 0 {
		parsers = defaultRuleParsers()
	}

	if strings.TrimSpace(path) == "" {
		return &Engine{loopLimit: loopLimit}, nil
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Engine{loopLimit: loopLimit}, nil
		}
		return nil, fmt.Errorf("failed to read rules file %q: %w", path, err)
	}

	rules, err := parseRules(string(contents), parsers)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rules file %q: %w", path, err)
	}

	return &Engine{rules: rules, loopLimit: loopLimit}, nil
}

// Len returns the number of loaded rules.
func (e *Engine) Len() int { return len(e.rules) }

// Apply rewrites one message spoken by role, repeating the rule set until the
// text is stable or the loop limit is reached.
func (e *Engine) Apply(role domain.ChatRole, text string) (string, error) {
	if len(e.rules) == 0 {
		return text, nil
	}

	result := text
	for i := 0; i < e.loopLimit; i++ {
		changed := false
		for _, rule := range e.rules {
			if !rule.appliesTo(role) {
				continue
			}
			next, ruleChanged := rule.sub.Apply(result)
			if ruleChanged {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}

	return result, nil
}

func parseRules(contents string, parsers []RuleParser) ([]scopedRule, error) {
	lines := strings.Split(contents, "\n")
	rules := make([]scopedRule, 0, len(lines))

	for index, raw := range lines {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		roles, body, err := parseScope(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", index+1, err)
		}

		parsed := false
		for _, parser := range parsers {
			if !parser.CanParse(body) {
				continue
			}
			sub, err := parser.Parse(body)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", index+1, err)
			}
			rules = append(rules, scopedRule{roles: roles, sub: sub})
			parsed = true
			break
		}

		if !parsed {
			return nil, fmt.Errorf("line %d: unsupported rule format", index+1)
		}
	}

	return rules, nil
}

// parseScope strips an optional "[role,role]" prefix. Accepted names are the
// stored roles plus the speaker aliases used on the wire.
func parseScope(line string) (map[domain.ChatRole]bool, string, error) {
	if !strings.HasPrefix(line, "[") {
		return nil, line, nil
	}
	end := strings.IndexByte(line, ']')
	if end < 0 {
		return nil, "", errors.New("unterminated role scope")
	}
	roles := map[domain.ChatRole]bool{}
	for _, name := range strings.Split(line[1:end], ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "user", "trainee":
			roles[domain.RoleTrainee] = true
		case "model", "persona", "assistant":
			roles[domain.RolePersona] = true
		case "system":
			roles[domain.RoleSystem] = true
		default:
			return nil, "", fmt.Errorf("unknown role %q in scope", strings.TrimSpace(name))
		}
	}
	body := strings.TrimSpace(line[end+1:])
	if body == "" {
		return nil, "", errors.New("scoped rule has no body")
	}
	return roles, body, nil
}

func defaultRuleParsers() []RuleParser {
	return []RuleParser{regexRuleParser{}, literalRuleParser{}}
}

type literalRuleParser struct{}

func (literalRuleParser) CanParse(line string) bool {
	return strings.Contains(line, "=>")
}

func (literalRuleParser) Parse(line string) (Substitution, error) {
	return parseLiteralRule(line)
}

type regexRuleParser struct{}

func (regexRuleParser) CanParse(line string) bool {
	return looksLikeRegexRule(line)
}

func (regexRuleParser) Parse(line string) (Substitution, error) {
	return parseRegexRule(line)
}

type literalRule struct {
	replacement string
	re          *regexp.Regexp
}

func parseLiteralRule(line string) (Substitution, error) {
	parts := strings.SplitN(line, "=>", 2)
	if len(parts) != 2 {
		return nil, errors.New("invalid literal rule")
	}
	from := strings.TrimSpace(parts[0])
	to := strings.TrimSpace(parts[1])
	if from == "" {
		return nil, errors.New("literal rule source cannot be empty")
	}

	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(from))
	if err != nil {
		return nil, fmt.Errorf("invalid literal source: %w", err)
	}

	return literalRule{replacement: to, re: re}, nil
}

func (r literalRule) Apply(input string) (string, bool) {
	output := r.re.ReplaceAllLiteralString(input, r.replacement)
	return output, output != input
}

type regexRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func parseRegexRule(line string) (Substitution, error) {
	if len(line) < 2 {
		return nil, errors.New("invalid regex rule")
	}
	delim := line[1]
	if isAlphaNumericOrSpace(delim) {
		return nil, errors.New("regex delimiter must be non-alphanumeric")
	}

	pattern, pos, err := parseDelimited(line, 2, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement, pos, err := parseDelimited(line, pos, delim)
	if err != nil {
		return nil, fmt.Errorf("invalid regex replacement: %w", err)
	}

	ignoreCase, global, multiLine, dotAll := true, false, false, false
	for _, flag := range strings.TrimSpace(line[pos:]) {
		switch flag {
		case 'i':
			ignoreCase = true
		case 'I':
			ignoreCase = false
		case 'g':
			global = true
		case 'm':
			multiLine = true
		case 's':
			dotAll = true
		case ' ':
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", flag)
		}
	}

	prefix := ""
	if ignoreCase {
		prefix += "i"
	}
	if multiLine {
		prefix += "m"
	}
	if dotAll {
		prefix += "s"
	}
	if prefix != "" {
		pattern = "(?" + prefix + ")" + pattern
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %w", err)
	}

	return regexRule{re: re, replacement: replacement, global: global}, nil
}

func (r regexRule) Apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}

	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return output, output != input
}

func parseDelimited(line string, start int, delim byte) (string, int, error) {
	if start >= len(line) {
		return "", 0, errors.New("unexpected end of expression")
	}

	var builder strings.Builder
	escaped := false
	for index := start; index < len(line); index++ {
		char := line[index]
		if escaped {
			if char != delim {
				builder.WriteByte('\\')
			}
			builder.WriteByte(char)
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == delim {
			return builder.String(), index + 1, nil
		}
		builder.WriteByte(char)
	}
	return "", 0, errors.New("unterminated expression")
}

func isAlphaNumericOrSpace(char byte) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == ' ' || char == '\t'
}

func looksLikeRegexRule(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isAlphaNumericOrSpace(line[1])
}
