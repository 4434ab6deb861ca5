package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"
)

// Error codes reported by Compile and Load.
const (
	ErrCodeNotFound     = "E201" // catalog path missing
	ErrCodeNoFiles      = "E202" // directory has no .cue files
	ErrCodeLoadFailed   = "E203" // CUE load or build failed
	ErrCodeTable        = "E204" // table missing or invalid
	ErrCodeFilters      = "E205" // filters malformed
	ErrCodeOptimistic   = "E206" // optimistic is not a bool
	ErrCodeUnknownField = "E207" // unknown field in a query declaration
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reservedParams never act as filters.
var reservedParams = map[string]bool{
	"id":    true,
	"limit": true,
}

// CompileError is a catalog error with source position when available.
type CompileError struct {
	Code    string
	Query   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	where := e.Code
	if e.Query != "" {
		where = fmt.Sprintf("%s: query %q", e.Code, e.Query)
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), where, e.Message)
	}
	return fmt.Sprintf("%s: %s", where, e.Message)
}

// Load compiles every .cue file in dir into a Catalog.
func Load(dir string) (*Catalog, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, &CompileError{Code: ErrCodeNotFound, Message: fmt.Sprintf("catalog directory: %v", err)}
	}
	if !info.IsDir() {
		return nil, &CompileError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.cue"))
	if err != nil {
		return nil, &CompileError{Code: ErrCodeLoadFailed, Message: err.Error()}
	}
	if len(files) == 0 {
		return nil, &CompileError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &CompileError{Code: ErrCodeLoadFailed, Message: "no CUE instances loaded"}
	}
	if inst := instances[0]; inst.Err != nil {
		return nil, formatCUEError(inst.Err)
	}

	v := cuecontext.New().BuildInstance(instances[0])
	return Compile(v)
}

// CompileString compiles CUE source held in memory. filename is only used
// in error positions.
func CompileString(src, filename string) (*Catalog, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return Compile(v)
}

// Compile extracts query declarations from a built CUE value.
func Compile(v cue.Value) (*Catalog, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	queriesVal := v.LookupPath(cue.ParsePath("query"))
	if !queriesVal.Exists() {
		return New(), nil
	}

	iter, err := queriesVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var queries []Query
	for iter.Next() {
		q, err := compileQuery(iter.Selector().Unquoted(), iter.Value())
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	return New(queries...), nil
}

func compileQuery(name string, v cue.Value) (Query, error) {
	q := Query{Name: name, Table: DefaultTable(name), Optimistic: true}

	fields, err := v.Fields()
	if err != nil {
		return q, formatCUEError(err)
	}
	for fields.Next() {
		switch label := fields.Selector().String(); label {
		case "table", "filters", "optimistic":
		default:
			return q, &CompileError{Code: ErrCodeUnknownField, Query: name,
				Message: fmt.Sprintf("unknown field %q", label), Pos: fields.Value().Pos()}
		}
	}

	if tv := v.LookupPath(cue.ParsePath("table")); tv.Exists() {
		s, err := tv.String()
		if err != nil {
			return q, &CompileError{Code: ErrCodeTable, Query: name, Message: "table must be a string", Pos: tv.Pos()}
		}
		q.Table = s
	}
	if !tableName.MatchString(q.Table) {
		return q, &CompileError{Code: ErrCodeTable, Query: name,
			Message: fmt.Sprintf("invalid table name %q", q.Table), Pos: v.Pos()}
	}

	if fv := v.LookupPath(cue.ParsePath("filters")); fv.Exists() {
		list, err := fv.List()
		if err != nil {
			return q, &CompileError{Code: ErrCodeFilters, Query: name, Message: "filters must be a list of strings", Pos: fv.Pos()}
		}
		seen := make(map[string]bool)
		for list.Next() {
			f, err := list.Value().String()
			if err != nil || f == "" {
				return q, &CompileError{Code: ErrCodeFilters, Query: name, Message: "filters must be non-empty strings", Pos: list.Value().Pos()}
			}
			if reservedParams[f] {
				return q, &CompileError{Code: ErrCodeFilters, Query: name, Message: fmt.Sprintf("%q cannot be a filter", f), Pos: list.Value().Pos()}
			}
			if seen[f] {
				return q, &CompileError{Code: ErrCodeFilters, Query: name, Message: fmt.Sprintf("duplicate filter %q", f), Pos: list.Value().Pos()}
			}
			seen[f] = true
			q.Filters = append(q.Filters, f)
		}
	}

	if ov := v.LookupPath(cue.ParsePath("optimistic")); ov.Exists() {
		b, err := ov.Bool()
		if err != nil {
			return q, &CompileError{Code: ErrCodeOptimistic, Query: name, Message: "optimistic must be a bool", Pos: ov.Pos()}
		}
		q.Optimistic = b
	}

	return q, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &CompileError{Code: ErrCodeLoadFailed, Message: err.Error()}
	}
	first := errs[0]
	ce := &CompileError{Code: ErrCodeLoadFailed, Message: first.Error()}
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
