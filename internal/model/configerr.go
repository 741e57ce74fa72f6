package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// CueErrorDetail is one problem of a configuration file, worded for the
// operator.
type CueErrorDetail struct {
	Path    string // watch.poll
	Code    string // unknown_field | missing_required | invalid_value | invalid_duration | out_of_range | validation_error
	Message string
	Pos     CueErrorPosition
	Raw     string // cue message
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

type CueErrorPosition struct {
	Filename string
	Line     int
	Column   int
}

// CueErrDetails explains a LoadConfig validation error. Errors without a
// position in the configuration file are reported once per path.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}

	var out []CueErrorDetail
	seen := make(map[string]struct{})
	for _, e := range cueerrors.Errors(err) {
		d := explain(e)
		key := d.Path + "\x00" + d.Pos.Filename + fmt.Sprint(d.Pos.Line, d.Pos.Column)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, d)
	}
	return out
}

type rule struct {
	re   *regexp.Regexp
	code string
	msg  string // %s is the field name
}

// first matching rule wins
var rules = []rule{
	{regexp.MustCompile(`(?i)not allowed|unknown field`), "unknown_field", "field %s is not allowed"},
	{regexp.MustCompile(`(?i)incomplete value`), "missing_required", "field %s is required"},
	{regexp.MustCompile(`(?i)out of bound`), "out_of_range", "field %s is out of range"},
	{regexp.MustCompile(`(?i)conflicting values|empty disjunction|cannot unify`), "invalid_value", "field %s has an invalid value"},
}

// A value of these fields fails several branches of a disjunction at once,
// so the field decides the explanation rather than the cue message.
var fieldRules = map[string]rule{
	"state.backend":  {code: "invalid_value", msg: "field %s has an invalid value"},
	"watch.poll":     {code: "invalid_duration", msg: "field %s must be a duration like 500ms, 60s or 1m"},
	"watch.reimport": {code: "invalid_duration", msg: "field %s must be a duration like 500ms, 60s or 1m"},
	"watch.workers":  {code: "out_of_range", msg: "field %s must be between 1 and 64"},
}

func explain(e cueerrors.Error) CueErrorDetail {
	format, args := e.Msg()
	raw := fmt.Sprintf(format, args...)
	path := configPath(e.Path())

	d := CueErrorDetail{
		Path:    path,
		Code:    "validation_error",
		Message: raw,
		Pos:     position(e),
		Raw:     raw,
	}
	for _, r := range rules {
		if r.re.MatchString(raw) {
			d.Code = r.code
			d.Message = fmt.Sprintf(r.msg, field(path))
			break
		}
	}
	if r, ok := fieldRules[path]; ok && d.Code != "unknown_field" && d.Code != "missing_required" {
		d.Code = r.code
		d.Message = fmt.Sprintf(r.msg, field(path))
	}
	if hint := choices(path); hint != "" && d.Code == "invalid_value" {
		d.Message += ": " + hint
	}
	return d
}

// choices lists values of a string disjunction in the schema, like
// state.backend, together with its default.
func choices(path string) string {
	if path == "" {
		return ""
	}
	v := schema.LookupPath(cue.ParsePath(path))
	if !v.Exists() {
		return ""
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return ""
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	if len(values) == 0 {
		return ""
	}
	hint := "possible values (" + strings.Join(values, ",") + ")"
	if d, ok := v.Default(); ok {
		if s, err := d.String(); err == nil {
			hint += " (default " + s + ")"
		}
	}
	return hint
}

func position(e cueerrors.Error) CueErrorPosition {
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() == "" {
			continue
		}
		return CueErrorPosition{
			Filename: p.Filename(),
			Line:     p.Line(),
			Column:   p.Column(),
		}
	}
	return CueErrorPosition{}
}

// configPath drops the #Config definition from a cue path.
func configPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func field(path string) string {
	if path == "" {
		return "(root)"
	}
	return path[strings.LastIndexByte(path, '.')+1:]
}
