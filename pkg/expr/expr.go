// Package expr compiles the computed-field expressions of the field schema and
// extracts typed field values from raw feature properties.
package expr

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

// Expr is a compiled, side-effect free expression over feature properties
type Expr struct {
	src  string
	eval *govaluate.EvaluableExpression
}

var functions = map[string]govaluate.ExpressionFunction{
	// date2unix parses a date and returns Unix milliseconds
	"date2unix": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.Newf("date2unix takes 1 argument, got %d", len(args))
		}
		t, err := ParseDate(args[0])
		if err != nil {
			return nil, err
		}
		return float64(t.UnixMilli()), nil
	},
	"lower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.Newf("lower takes 1 argument, got %d", len(args))
		}
		return strings.ToLower(cast.ToString(args[0])), nil
	},
	"upper": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, errors.Newf("upper takes 1 argument, got %d", len(args))
		}
		return strings.ToUpper(cast.ToString(args[0])), nil
	},
}

// Compile parses src once. Dotted property paths such as Obs.Date or tags[0]
// may be used directly as variables.
func Compile(src string) (*Expr, error) {
	e, err := govaluate.NewEvaluableExpressionWithFunctions(bracketPaths(src), functions)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling expression %q", src)
	}
	return &Expr{src: src, eval: e}, nil
}

// String returns the source text
func (e *Expr) String() string { return e.src }

// Vars lists the property paths the expression reads
func (e *Expr) Vars() []string { return e.eval.Vars() }

// Eval evaluates against raw JSON properties. It never fails: any evaluation
// error, missing input or non-finite number yields nil.
func (e *Expr) Eval(props json.RawMessage) (out interface{}) {
	defer func() {
		if recover() != nil {
			out = nil
		}
	}()
	res, err := e.eval.Eval(parameters{raw: props})
	if err != nil {
		return nil
	}
	if f, ok := res.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil
	}
	return res
}

type parameters struct {
	raw json.RawMessage
}

func (p parameters) Get(name string) (interface{}, error) {
	r := gjson.GetBytes(p.raw, GJSONPath(name))
	if !r.Exists() {
		return nil, nil
	}
	return r.Value(), nil
}

// GJSONPath converts a property path (a.b, a[0].c) to gjson syntax (a.b, a.0.c)
func GJSONPath(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '[':
			b.WriteByte('.')
		case ']':
		case '*', '?', '#', '@', '|', '!', '=', '<', '>', '%':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ParseDate reads a date from a string or a Unix millisecond number
func ParseDate(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return time.UnixMilli(int64(t)).UTC(), nil
	case int64:
		return time.UnixMilli(t).UTC(), nil
	case int:
		return time.UnixMilli(int64(t)).UTC(), nil
	case time.Time:
		return t.UTC(), nil
	case string:
		parsed, err := cast.StringToDate(strings.TrimSpace(t))
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parsing date %q", t)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, errors.Newf("cannot read a date from %T", v)
}

// bracketPaths wraps dotted or indexed identifiers outside string literals in
// [..] so the evaluator reads them as single variables
func bracketPaths(src string) string {
	var b strings.Builder
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(src) && src[j] != c {
				if src[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(src) {
				j++
			}
			b.WriteString(src[i:min(j, len(src))])
			i = j
		case c == '[':
			// already escaped variable
			j := strings.IndexByte(src[i:], ']')
			if j < 0 {
				b.WriteString(src[i:])
				return b.String()
			}
			b.WriteString(src[i : i+j+1])
			i += j + 1
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			path := j > i && hasPathSuffix(src[j:])
			for j < len(src) && (src[j] == '.' || src[j] == '[') {
				if src[j] == '.' {
					k := j + 1
					for k < len(src) && isIdentPart(src[k]) {
						k++
					}
					if k == j+1 {
						break
					}
					j = k
					continue
				}
				k := strings.IndexByte(src[j:], ']')
				if k < 0 || !isDigits(src[j+1:j+k]) {
					break
				}
				j += k + 1
			}
			if path {
				b.WriteString("[" + strings.NewReplacer("[", ".", "]", "").Replace(src[i:j]) + "]")
			} else {
				b.WriteString(src[i:j])
			}
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

func hasPathSuffix(rest string) bool {
	if len(rest) < 2 {
		return false
	}
	if rest[0] == '.' {
		return isIdentPart(rest[1])
	}
	if rest[0] == '[' {
		k := strings.IndexByte(rest, ']')
		return k > 1 && isDigits(rest[1:k])
	}
	return false
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
