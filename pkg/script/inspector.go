package script

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/types"
)

// directiveComment marks a scheduling directive attached to the function
// declared on the following lines: //pixyz:schedule {"queue":"gpu",...}
const directiveComment = "//pixyz:schedule"

var functionDeclPattern = regexp.MustCompile(`^\s*(?:async\s+)?function\s+([A-Za-z_$][A-Za-z0-9_$]*)\s*\(`)

// Inspection is the static view of a user script: its callable entrypoints,
// their scheduling directives and their doc comments. No script code runs
// during inspection.
type Inspection struct {
	entrypoints map[string]bool
	directives  map[string]*types.ScheduleDirective
	docs        map[string]string
}

// Inspect parses src without executing it
func Inspect(filename, src string) (*Inspection, error) {
	prog, err := parser.ParseFile(nil, filename, src, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	insp := &Inspection{
		entrypoints: map[string]bool{},
		directives:  map[string]*types.ScheduleDirective{},
		docs:        map[string]string{},
	}

	for _, stmt := range prog.Body {
		switch s := stmt.(type) {
		case *ast.FunctionDeclaration:
			if s.Function != nil && s.Function.Name != nil {
				insp.entrypoints[s.Function.Name.Name.String()] = true
			}
		case *ast.ExpressionStatement:
			name, directive := directiveFromAssignment(s.Expression)
			if directive != nil {
				insp.directives[name] = directive
			}
		}
	}

	insp.scanComments(src)

	for _, d := range insp.directives {
		normalizeDirective(d)
	}
	return insp, nil
}

// HasEntrypoint reports whether name is a top-level function of the script
func (i *Inspection) HasEntrypoint(name string) bool {
	return i.entrypoints[name]
}

// Entrypoints lists the script's top-level functions
func (i *Inspection) Entrypoints() []string {
	names := make([]string, 0, len(i.entrypoints))
	for name := range i.entrypoints {
		names = append(names, name)
	}
	return names
}

// Directive returns the scheduling directive attached to entrypoint name,
// or nil when the script declares none
func (i *Inspection) Directive(name string) *types.ScheduleDirective {
	return i.directives[name]
}

// Doc returns the comment block directly above entrypoint name
func (i *Inspection) Doc(name string) string {
	return i.docs[name]
}

// directiveFromAssignment matches the wrapper form
// name = schedule({queue:'gpu', wait:true})(name)
func directiveFromAssignment(expr ast.Expression) (string, *types.ScheduleDirective) {
	assign, ok := expr.(*ast.AssignExpression)
	if !ok || assign.Operator != token.ASSIGN {
		return "", nil
	}
	left, ok := assign.Left.(*ast.Identifier)
	if !ok {
		return "", nil
	}
	outer, ok := assign.Right.(*ast.CallExpression)
	if !ok {
		return "", nil
	}
	inner, ok := outer.Callee.(*ast.CallExpression)
	if !ok {
		return "", nil
	}
	callee, ok := inner.Callee.(*ast.Identifier)
	if !ok || callee.Name.String() != "schedule" {
		return "", nil
	}
	if len(inner.ArgumentList) != 1 {
		return "", nil
	}
	obj, ok := inner.ArgumentList[0].(*ast.ObjectLiteral)
	if !ok {
		log.Logger.Warn().Str("entrypoint", left.Name.String()).
			Msg("schedule() argument is not an object literal, ignoring")
		return "", nil
	}
	return left.Name.String(), directiveFromObject(obj)
}

func directiveFromObject(obj *ast.ObjectLiteral) *types.ScheduleDirective {
	d := &types.ScheduleDirective{}
	for _, prop := range obj.Value {
		keyed, ok := prop.(*ast.PropertyKeyed)
		if !ok {
			continue
		}
		key, ok := propertyKey(keyed.Key)
		if !ok {
			continue
		}
		switch key {
		case "queue":
			if s, ok := literalString(keyed.Value); ok {
				d.Queue = s
			} else {
				warnNonLiteral(key)
			}
		case "wait":
			if b, ok := literalBool(keyed.Value); ok {
				d.Wait = b
			} else {
				warnNonLiteral(key)
			}
		case "timeout":
			if n, ok := literalInt(keyed.Value); ok {
				d.Timeout = n
			} else {
				warnNonLiteral(key)
			}
		case "time_limit":
			if n, ok := literalInt(keyed.Value); ok {
				d.TimeLimit = n
			} else {
				warnNonLiteral(key)
			}
		default:
			log.Logger.Warn().Str("key", key).Msg("unknown schedule directive key, ignoring")
		}
	}
	return d
}

func warnNonLiteral(key string) {
	log.Logger.Warn().Str("key", key).Msg("schedule directive value is not a literal, ignoring")
}

func propertyKey(expr ast.Expression) (string, bool) {
	switch k := expr.(type) {
	case *ast.Identifier:
		return k.Name.String(), true
	case *ast.StringLiteral:
		return k.Value.String(), true
	}
	return "", false
}

func literalString(expr ast.Expression) (string, bool) {
	if s, ok := expr.(*ast.StringLiteral); ok {
		return s.Value.String(), true
	}
	return "", false
}

func literalBool(expr ast.Expression) (bool, bool) {
	if b, ok := expr.(*ast.BooleanLiteral); ok {
		return b.Value, true
	}
	return false, false
}

func literalInt(expr ast.Expression) (int, bool) {
	n, ok := expr.(*ast.NumberLiteral)
	if !ok {
		return 0, false
	}
	switch v := n.Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// scanComments walks the source text collecting //pixyz:schedule directives
// and doc comment blocks attached to the next function declaration
func (i *Inspection) scanComments(src string) {
	var pendingDirective *types.ScheduleDirective
	var pendingDoc []string

	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, directiveComment) {
			body := strings.TrimSpace(strings.TrimPrefix(trimmed, directiveComment))
			var d types.ScheduleDirective
			if err := json.Unmarshal([]byte(body), &d); err != nil {
				log.Logger.Warn().Err(err).Msg("malformed schedule directive comment, ignoring")
			} else {
				pendingDirective = &d
			}
			continue
		}
		if strings.HasPrefix(trimmed, "//") {
			pendingDoc = append(pendingDoc, strings.TrimSpace(strings.TrimPrefix(trimmed, "//")))
			continue
		}
		if m := functionDeclPattern.FindStringSubmatch(line); m != nil {
			name := m[1]
			i.entrypoints[name] = true
			if pendingDirective != nil {
				// the wrapper form wins when both are present
				if _, exists := i.directives[name]; !exists {
					i.directives[name] = pendingDirective
				}
			}
			if len(pendingDoc) > 0 {
				i.docs[name] = strings.Join(pendingDoc, "\n")
			}
		}
		pendingDirective = nil
		pendingDoc = nil
	}
}

// normalizeDirective applies the waiting-task routing rule: a waiting task
// without an explicit queue runs on control so it cannot starve compute slots
func normalizeDirective(d *types.ScheduleDirective) {
	if d.Wait && d.Queue == "" {
		d.Queue = types.QueueControl
	}
}
