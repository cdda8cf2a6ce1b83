package analyzer

import (
	"context"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language is a source language the analyzer can extract imports from.
type Language string

const (
	LangUnknown    Language = ""
	LangGo         Language = "go"
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangTSX        Language = "tsx"
)

// DetectLanguage maps a file path to its language by extension.
func DetectLanguage(p string) Language {
	switch strings.ToLower(path.Ext(p)) {
	case ".go":
		return LangGo
	case ".py":
		return LangPython
	case ".js", ".jsx", ".mjs", ".cjs":
		return LangJavaScript
	case ".ts", ".mts", ".cts":
		return LangTypeScript
	case ".tsx":
		return LangTSX
	}
	return LangUnknown
}

func (l Language) grammar() *sitter.Language {
	switch l {
	case LangGo:
		return golang.GetLanguage()
	case LangPython:
		return python.GetLanguage()
	case LangJavaScript:
		return javascript.GetLanguage()
	case LangTypeScript:
		return typescript.GetLanguage()
	case LangTSX:
		return tsx.GetLanguage()
	}
	return nil
}

// Import is one import found in a source file.
type Import struct {
	// Path is the import path, module name or specifier as written.
	Path string
	// Level is the number of leading dots of a Python relative import.
	Level int
	// Names are the names imported by a Python from-import; a name may be a submodule.
	Names []string
}

// ExtractImports parses source and returns its imports. Files in an unknown
// language yield nothing; syntax errors yield whatever imports the parser recovered.
func ExtractImports(ctx context.Context, filePath string, source []byte) ([]Import, error) {
	lang := DetectLanguage(filePath)
	grammar := lang.grammar()
	if grammar == nil || len(source) == 0 {
		return nil, nil
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filePath, err)
	}
	defer tree.Close()
	root := tree.RootNode()

	var out []Import
	switch lang {
	case LangGo:
		out = goImports(root, source)
	case LangPython:
		walk(root, func(n *sitter.Node) { out = append(out, pythonImports(n, source)...) })
	default:
		walk(root, func(n *sitter.Node) {
			if spec, ok := jsImport(n, source); ok {
				out = append(out, Import{Path: spec})
			}
		})
	}
	return out, nil
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

func unquote(s string) string {
	return strings.Trim(s, "\"'`")
}

// goImports reads top-level import declarations, single or grouped.
func goImports(root *sitter.Node, src []byte) []Import {
	var out []Import
	spec := func(n *sitter.Node) {
		if p := n.ChildByFieldName("path"); p != nil {
			if v := unquote(p.Content(src)); v != "" {
				out = append(out, Import{Path: v})
			}
		}
	}
	for i := 0; i < int(root.ChildCount()); i++ {
		decl := root.Child(i)
		if decl.Type() != "import_declaration" {
			continue
		}
		for j := 0; j < int(decl.ChildCount()); j++ {
			child := decl.Child(j)
			switch child.Type() {
			case "import_spec":
				spec(child)
			case "import_spec_list":
				for k := 0; k < int(child.ChildCount()); k++ {
					if s := child.Child(k); s.Type() == "import_spec" {
						spec(s)
					}
				}
			}
		}
	}
	return out
}

// pythonImports handles import_statement and import_from_statement nodes.
func pythonImports(n *sitter.Node, src []byte) []Import {
	switch n.Type() {
	case "import_statement":
		var out []Import
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if name := pythonName(n.NamedChild(i), src); name != "" {
				out = append(out, Import{Path: name})
			}
		}
		return out

	case "import_from_statement":
		module := n.ChildByFieldName("module_name")
		if module == nil {
			return nil
		}
		imp := Import{}
		if module.Type() == "relative_import" {
			for i := 0; i < int(module.NamedChildCount()); i++ {
				part := module.NamedChild(i)
				switch part.Type() {
				case "import_prefix":
					imp.Level = strings.Count(part.Content(src), ".")
				case "dotted_name":
					imp.Path = part.Content(src)
				}
			}
		} else {
			imp.Path = module.Content(src)
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child.StartByte() == module.StartByte() {
				continue
			}
			if name := pythonName(child, src); name != "" {
				imp.Names = append(imp.Names, name)
			}
		}
		return []Import{imp}
	}
	return nil
}

func pythonName(n *sitter.Node, src []byte) string {
	switch n.Type() {
	case "dotted_name":
		return n.Content(src)
	case "aliased_import":
		if name := n.ChildByFieldName("name"); name != nil {
			return name.Content(src)
		}
	}
	return ""
}

// jsImport recognises import/export-from statements, require() and dynamic import().
func jsImport(n *sitter.Node, src []byte) (string, bool) {
	switch n.Type() {
	case "import_statement", "export_statement":
		if source := n.ChildByFieldName("source"); source != nil {
			return unquote(source.Content(src)), true
		}
	case "call_expression":
		fn := n.ChildByFieldName("function")
		if fn == nil {
			return "", false
		}
		if !(fn.Type() == "import" || (fn.Type() == "identifier" && fn.Content(src) == "require")) {
			return "", false
		}
		args := n.ChildByFieldName("arguments")
		if args == nil || args.NamedChildCount() == 0 {
			return "", false
		}
		if first := args.NamedChild(0); first.Type() == "string" {
			return unquote(first.Content(src)), true
		}
	}
	return "", false
}
