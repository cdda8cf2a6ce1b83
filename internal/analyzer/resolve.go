package analyzer

import (
	"path"
	"strings"
)

var jsExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}

// resolver maps imports back to task ids by file path.
type resolver struct {
	byPath map[string]string   // cleaned path -> task id
	byDir  map[string][]string // directory -> task ids, for Go packages
}

func newResolver(tasks []Task) *resolver {
	r := &resolver{byPath: map[string]string{}, byDir: map[string][]string{}}
	for _, t := range tasks {
		if t.Path == "" {
			continue
		}
		p := path.Clean(strings.TrimPrefix(t.Path, "./"))
		r.byPath[p] = t.ID
		if DetectLanguage(p) == LangGo {
			dir := path.Dir(p)
			r.byDir[dir] = append(r.byDir[dir], t.ID)
		}
	}
	return r
}

// resolve returns the task ids an import of the file at from refers to.
func (r *resolver) resolve(from string, imp Import) []string {
	from = path.Clean(strings.TrimPrefix(from, "./"))
	switch DetectLanguage(from) {
	case LangGo:
		return r.goPackage(imp.Path)
	case LangPython:
		return r.pythonModule(from, imp)
	case LangJavaScript, LangTypeScript, LangTSX:
		if id, ok := r.jsModule(from, imp.Path); ok {
			return []string{id}
		}
	}
	return nil
}

// goPackage matches the longest task directory the import path ends with.
func (r *resolver) goPackage(importPath string) []string {
	best := ""
	for dir := range r.byDir {
		if dir == "." {
			continue
		}
		if importPath == dir || strings.HasSuffix(importPath, "/"+dir) {
			if len(dir) > len(best) {
				best = dir
			}
		}
	}
	if best == "" {
		return nil
	}
	return r.byDir[best]
}

func (r *resolver) pythonModule(from string, imp Import) []string {
	base := ""
	if imp.Level > 0 {
		base = path.Dir(from)
		for i := 1; i < imp.Level; i++ {
			base = path.Dir(base)
		}
	}
	module := path.Join(base, strings.ReplaceAll(imp.Path, ".", "/"))

	var out []string
	if imp.Path != "" {
		if id, ok := r.pythonFile(module); ok {
			out = append(out, id)
		}
	}
	// from pkg import name: name may itself be a submodule.
	for _, name := range imp.Names {
		if id, ok := r.pythonFile(path.Join(module, strings.ReplaceAll(name, ".", "/"))); ok {
			out = append(out, id)
		}
	}
	return out
}

func (r *resolver) pythonFile(module string) (string, bool) {
	if module == "" || module == "." {
		return "", false
	}
	for _, candidate := range []string{module + ".py", path.Join(module, "__init__.py")} {
		if id, ok := r.byPath[candidate]; ok {
			return id, true
		}
	}
	return "", false
}

// jsModule resolves relative specifiers only; bare specifiers are packages.
func (r *resolver) jsModule(from, spec string) (string, bool) {
	if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") {
		return "", false
	}
	target := path.Join(path.Dir(from), spec)
	if id, ok := r.byPath[target]; ok {
		return id, true
	}
	for _, ext := range jsExtensions {
		if id, ok := r.byPath[target+ext]; ok {
			return id, true
		}
	}
	for _, ext := range jsExtensions {
		if id, ok := r.byPath[path.Join(target, "index"+ext)]; ok {
			return id, true
		}
	}
	return "", false
}
