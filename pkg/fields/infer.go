package fields

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
)

// accessors are the record methods whose first argument names a field.
var accessors = map[string]bool{
	"Float": true,
	"Int":   true,
	"Str":   true,
	"Bool":  true,
	"Value": true,
	"Has":   true,
}

// Infer returns the fields read by the fill routine whose source is src.
//
// src must be a function literal whose first parameter is the record, e.g.
//
//	func(rec record.Record, h accum.Set) error { ... rec.Float("px") ... }
//
// A routine that uses its record in a way the analysis cannot follow yields
// All(). A routine that does not parse as a function literal with a named
// record parameter yields ErrMalformedFillRoutine.
func Infer(src string) (Set, error) {
	expr, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFillRoutine, err)
	}
	fn, ok := expr.(*ast.FuncLit)
	if !ok {
		return nil, fmt.Errorf("%w: not a function literal", ErrMalformedFillRoutine)
	}
	recName, err := recordParam(fn.Type)
	if err != nil {
		return nil, err
	}

	a := &analysis{rec: recName, found: make(Set)}
	a.walk(fn.Body)
	if a.escaped {
		return All(), nil
	}
	return a.found, nil
}

func recordParam(ft *ast.FuncType) (string, error) {
	if ft.Params == nil || len(ft.Params.List) == 0 {
		return "", fmt.Errorf("%w: no record parameter", ErrMalformedFillRoutine)
	}
	first := ft.Params.List[0]
	if len(first.Names) == 0 {
		return "", fmt.Errorf("%w: record parameter is unnamed", ErrMalformedFillRoutine)
	}
	name := first.Names[0].Name
	if name == "_" {
		return "", fmt.Errorf("%w: record parameter is blank", ErrMalformedFillRoutine)
	}
	return name, nil
}

type analysis struct {
	rec     string
	found   Set
	escaped bool
}

// walk visits the body. Recognized accessor calls are consumed whole so that
// their receiver identifier is not mistaken for an escape.
func (a *analysis) walk(body ast.Node) {
	ast.Inspect(body, func(n ast.Node) bool {
		if a.escaped {
			return false
		}
		switch x := n.(type) {
		case *ast.CallExpr:
			if name, ok := a.accessorField(x); ok {
				a.found.Add(name)
				for _, arg := range x.Args[1:] {
					a.walk(arg)
				}
				return false
			}
		case *ast.FuncLit:
			// A nested literal re-declaring the record name shadows it.
			if x.Type.Params != nil {
				for _, f := range x.Type.Params.List {
					for _, id := range f.Names {
						if id.Name == a.rec {
							return false
						}
					}
				}
			}
		case *ast.Ident:
			if x.Name == a.rec {
				a.escaped = true
				return false
			}
		}
		return true
	})
}

// accessorField matches rec.<Accessor>("literal", ...). A matching selector
// with a non-literal field name marks the analysis escaped.
func (a *analysis) accessorField(call *ast.CallExpr) (string, bool) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	id, ok := sel.X.(*ast.Ident)
	if !ok || id.Name != a.rec || !accessors[sel.Sel.Name] {
		return "", false
	}
	if len(call.Args) == 0 {
		a.escaped = true
		return "", false
	}
	lit, ok := call.Args[0].(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		a.escaped = true
		return "", false
	}
	name, err := strconv.Unquote(lit.Value)
	if err != nil {
		a.escaped = true
		return "", false
	}
	return name, true
}
