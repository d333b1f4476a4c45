package internal

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/Knetic/govaluate"
	"github.com/PaesslerAG/jsonpath"
	"github.com/sirupsen/logrus"
)

// jsonPathToken matches $-rooted JSONPath references inside a rule expression.
var jsonPathToken = regexp.MustCompile(`\$(?:\.[A-Za-z_][A-Za-z0-9_]*|\[[^\]]*\])+`)

type compiledMute struct {
	name  string
	expr  *govaluate.EvaluableExpression
	paths map[string]string
}

// MuteRules suppresses alerts for verified events matching any rule.
//
// Rule expressions are govaluate expressions evaluated against the event data.
// Parameters are the flattened data keys (use [bounce.type] for dotted keys),
// "type" for the event type, and any $-rooted JSONPath such as $.to[0].
type MuteRules struct {
	rules  []compiledMute
	logger *logrus.Entry
}

var muteFunctions = map[string]govaluate.ExpressionFunction{
	"contains": containsFn,
	"like":     likeFn,
	"lower":    lowerFn,
}

// NewMuteRules compiles rules. An empty rule set never mutes.
func NewMuteRules(rules []MuteRule, logger *logrus.Entry) (*MuteRules, error) {
	if logger == nil {
		logger = NewLogger("rules")
	}
	compiled := make([]compiledMute, 0, len(rules))
	for i, rule := range rules {
		expression, paths, err := rewriteJSONPaths(rule.When)
		if err != nil {
			return nil, fmt.Errorf("mute rule %d: %w", i, err)
		}
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(expression, muteFunctions)
		if err != nil {
			return nil, fmt.Errorf("mute rule %d: %w", i, err)
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("mute-%d", i)
		}
		compiled = append(compiled, compiledMute{name: name, expr: expr, paths: paths})
	}
	return &MuteRules{rules: compiled, logger: logger}, nil
}

// Match returns the name of the first rule that matches event.
func (m *MuteRules) Match(event Event) (string, bool) {
	if m == nil || len(m.rules) == 0 {
		return "", false
	}

	base := Flatten(event.Data)
	base["type"] = event.Type

	for _, rule := range m.rules {
		params := base
		if len(rule.paths) > 0 {
			params = make(map[string]interface{}, len(base)+len(rule.paths))
			for key, value := range base {
				params[key] = value
			}
			for name, path := range rule.paths {
				params[name] = lookupPath(path, event.Data)
			}
		}

		result, err := rule.expr.Evaluate(params)
		if err != nil {
			m.logger.WithError(err).WithField("rule", rule.name).Debug("mute rule eval failed")
			continue
		}
		if ok, _ := result.(bool); ok {
			return rule.name, true
		}
	}
	return "", false
}

// rewriteJSONPaths swaps $-paths for generated parameter names govaluate can parse.
func rewriteJSONPaths(expression string) (string, map[string]string, error) {
	paths := make(map[string]string)
	byPath := make(map[string]string)
	var compileErr error
	rewritten := jsonPathToken.ReplaceAllStringFunc(expression, func(path string) string {
		if name, ok := byPath[path]; ok {
			return name
		}
		if _, err := jsonpath.New(path); err != nil && compileErr == nil {
			compileErr = fmt.Errorf("invalid path %s: %w", path, err)
		}
		name := fmt.Sprintf("jsonpath_%d", len(paths))
		paths[name] = path
		byPath[path] = name
		return name
	})
	if compileErr != nil {
		return "", nil, compileErr
	}
	return rewritten, paths, nil
}

// lookupPath resolves a JSONPath against data; unknown keys resolve to nil.
func lookupPath(path string, data map[string]interface{}) interface{} {
	if data == nil {
		return nil
	}
	value, err := jsonpath.Get(path, data)
	if err != nil {
		return nil
	}
	return value
}

func containsFn(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("contains expects 2 arguments, got %d", len(args))
	}
	needle := args[1]
	switch haystack := args[0].(type) {
	case nil:
		return false, nil
	case string:
		return strings.Contains(haystack, fmt.Sprint(needle)), nil
	case []interface{}:
		for _, item := range haystack {
			if reflect.DeepEqual(item, needle) || fmt.Sprint(item) == fmt.Sprint(needle) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func likeFn(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("like expects 2 arguments, got %d", len(args))
	}
	value, ok := args[0].(string)
	if !ok {
		return false, nil
	}
	pattern := fmt.Sprint(args[1])
	parts := strings.Split(pattern, "%")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, err
	}
	return re.MatchString(value), nil
}

func lowerFn(args ...interface{}) (interface{}, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("lower expects 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return "", nil
	}
	return strings.ToLower(fmt.Sprint(args[0])), nil
}
