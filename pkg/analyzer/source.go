package analyzer

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// forbiddenImports are denied in every tier unless the tier or operation
// allowlist names them. Matching covers subpackages: "net" also covers
// "net/http".
var forbiddenImports = []string{
	"os/exec",
	"syscall",
	"plugin",
	"net",
	"unsafe",
	"reflect",
	"runtime/debug",
	"os/signal",
	"debug",
}

// tierImports are granted on top of the operation allowlist per tier.
var tierImports = map[Tier][]string{
	TierRestricted: nil,
	TierStandard:   nil,
	TierPrivileged: {"net"},
}

// dynamicCalls flags process-control and dynamic-loading entry points even
// when the owning import is allowed for the tier. Keyed by import path.
var dynamicCalls = map[string][]string{
	"os/exec": {"Command", "CommandContext"},
	"syscall": {"Exec", "ForkExec", "StartProcess", "Syscall", "Syscall6", "RawSyscall", "RawSyscall6"},
	"plugin":  {"Open"},
	"os":      {"StartProcess"},
	"reflect": {"ValueOf", "MethodByName"},
}

// directives that rebind symbols or link against foreign code at build time.
var forbiddenDirectives = []string{
	"//go:linkname",
	"//go:cgo_import_dynamic",
	"//go:cgo_import_static",
}

var (
	base64Shape = regexp.MustCompile(`^[A-Za-z0-9+/=\s]+$`)
	hexShape    = regexp.MustCompile(`^[0-9a-fA-F\s]+$`)
)

// analyzeSource parses src and walks the tree for the three violation
// classes: dynamic execution, forbidden module access, and obfuscation
// signals. A parse failure yields a single critical parse_failure violation.
func analyzeSource(src []byte, cfg Config) []Violation {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "submission.go", src, parser.ParseComments)
	if err != nil {
		return []Violation{violationf(CodeParseFailure, "source", "",
			contracts.SeverityCritical, "source does not parse: %v", err)}
	}

	w := &sourceWalker{
		cfg:     cfg,
		fset:    fset,
		allowed: allowedImportSet(cfg),
		imports: map[string]string{},
	}
	w.collectImports(file)
	w.checkDirectives(file)
	ast.Walk(&nodeVisitor{walker: w}, file)
	return w.violations
}

func allowedImportSet(cfg Config) map[string]bool {
	allowed := map[string]bool{}
	for _, p := range tierImports[cfg.Tier] {
		allowed[p] = true
	}
	for _, p := range cfg.AllowImports {
		allowed[p] = true
	}
	return allowed
}

type sourceWalker struct {
	cfg        Config
	fset       *token.FileSet
	allowed    map[string]bool
	imports    map[string]string // local name -> import path
	violations []Violation
}

func (w *sourceWalker) at(pos token.Pos) string {
	p := w.fset.Position(pos)
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

func (w *sourceWalker) add(v Violation) {
	w.violations = append(w.violations, v)
}

// collectImports records local import names and reports forbidden paths.
func (w *sourceWalker) collectImports(file *ast.File) {
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}

		local := localImportName(imp, path)
		w.imports[local] = path

		if path == "C" {
			w.add(violationf(CodeDynamicExecution, `import "C"`, w.at(imp.Pos()),
				contracts.SeverityCritical, "cgo links arbitrary native code"))
			continue
		}
		if forbidden, root := isForbiddenImport(path, w.allowed); forbidden {
			w.add(violationf(CodeForbiddenImport, path, w.at(imp.Pos()),
				contracts.SeverityCritical, "import of %s is denied (forbidden root %s)", path, root))
		}
	}
}

func localImportName(imp *ast.ImportSpec, path string) string {
	if imp.Name != nil {
		return imp.Name.Name
	}
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

func isForbiddenImport(path string, allowed map[string]bool) (bool, string) {
	for _, root := range forbiddenImports {
		if path != root && !strings.HasPrefix(path, root+"/") {
			continue
		}
		if allowed[root] || allowed[path] {
			return false, ""
		}
		return true, root
	}
	return false, ""
}

func (w *sourceWalker) checkDirectives(file *ast.File) {
	for _, group := range file.Comments {
		for _, c := range group.List {
			for _, d := range forbiddenDirectives {
				if strings.HasPrefix(c.Text, d) {
					w.add(violationf(CodeCompilerDirective, d, w.at(c.Pos()),
						contracts.SeverityCritical, "directive %s rebinds symbols outside the sandbox", d))
				}
			}
		}
	}
}

// inspect handles one node. parent is the enclosing AST node, depth the
// current control-flow nesting level, entered whether this node deepened it.
func (w *sourceWalker) inspect(n, parent ast.Node, depth int, entered bool) {
	switch node := n.(type) {
	case *ast.CallExpr:
		w.checkCall(node)
	case *ast.SelectorExpr:
		w.checkUnsafe(node)
	case *ast.Ident:
		w.checkIdent(node)
	case *ast.BinaryExpr:
		w.checkStringAssembly(node, parent)
	case *ast.BasicLit:
		w.checkOpaqueLiteral(node)
	}
	if entered && depth == w.cfg.nestingLimit()+1 {
		w.add(violationf(CodeObfuscation, "nesting_depth", w.at(n.Pos()),
			contracts.SeverityMedium, "control-flow nesting exceeds %d levels", w.cfg.nestingLimit()))
	}
}

func (w *sourceWalker) checkCall(call *ast.CallExpr) {
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok {
		return
	}

	// Any .Call / .CallSlice invocation is dynamic dispatch through the
	// reflect value surface whenever reflect is imported under any name.
	if (sel.Sel.Name == "Call" || sel.Sel.Name == "CallSlice") && w.importsPath("reflect") {
		w.add(violationf(CodeDynamicExecution, "reflect."+sel.Sel.Name, w.at(call.Pos()),
			contracts.SeverityCritical, "dynamic invocation through reflect"))
		return
	}

	ident, ok := sel.X.(*ast.Ident)
	if !ok {
		return
	}
	path, ok := w.imports[ident.Name]
	if !ok {
		return
	}
	for _, name := range dynamicCalls[path] {
		if sel.Sel.Name == name {
			w.add(violationf(CodeDynamicExecution, path+"."+name, w.at(call.Pos()),
				contracts.SeverityCritical, "%s.%s spawns or rebinds execution dynamically", path, name))
			return
		}
	}
}

func (w *sourceWalker) importsPath(path string) bool {
	for _, p := range w.imports {
		if p == path {
			return true
		}
	}
	return false
}

func (w *sourceWalker) checkUnsafe(sel *ast.SelectorExpr) {
	ident, ok := sel.X.(*ast.Ident)
	if !ok {
		return
	}
	if w.imports[ident.Name] == "unsafe" {
		w.add(violationf(CodeUnsafePointer, "unsafe."+sel.Sel.Name, w.at(sel.Pos()),
			contracts.SeverityCritical, "unsafe memory access defeats the type system"))
	}
}

// checkIdent reports identifiers whose spelling hides in plain sight:
// non-NFC normalization forms and mixed-script names (Latin plus Cyrillic
// or Greek) are classic homoglyph smuggling.
func (w *sourceWalker) checkIdent(ident *ast.Ident) {
	name := ident.Name
	if !norm.NFC.IsNormalString(name) {
		w.add(violationf(CodeObfuscation, "non_nfc_identifier", w.at(ident.Pos()),
			contracts.SeverityHigh, "identifier %q is not NFC-normalized", name))
		return
	}
	if mixedScript(name) {
		w.add(violationf(CodeObfuscation, "mixed_script_identifier", w.at(ident.Pos()),
			contracts.SeverityHigh, "identifier %q mixes Unicode scripts", name))
	}
}

func mixedScript(name string) bool {
	var latin, cyrillic, greek bool
	for _, r := range name {
		if !unicode.IsLetter(r) {
			continue
		}
		switch {
		case unicode.Is(unicode.Latin, r):
			latin = true
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic = true
		case unicode.Is(unicode.Greek, r):
			greek = true
		}
	}
	seen := 0
	for _, b := range []bool{latin, cyrillic, greek} {
		if b {
			seen++
		}
	}
	return seen > 1
}

// checkStringAssembly flags concatenation chains of short string literals,
// the classic trick for assembling a name like "ex"+"ec" that substring
// scanners miss. Only chain roots are inspected; sub-expressions of a larger
// ADD chain are handled by their root.
func (w *sourceWalker) checkStringAssembly(expr *ast.BinaryExpr, parent ast.Node) {
	if expr.Op != token.ADD {
		return
	}
	if p, ok := parent.(*ast.BinaryExpr); ok && p.Op == token.ADD {
		return
	}
	parts, ok := flattenConcat(expr)
	if !ok || len(parts) < 4 {
		return
	}
	short := 0
	var assembled strings.Builder
	for _, p := range parts {
		if len(p) <= 2 {
			short++
		}
		assembled.WriteString(p)
	}
	if short >= 4 {
		w.add(violationf(CodeObfuscation, "string_assembly", w.at(expr.Pos()),
			contracts.SeverityHigh, "literal assembled from %d fragments (%q)", len(parts), assembled.String()))
	}
}

// flattenConcat collapses an ADD chain of string literals. Any non-literal
// operand makes the chain statically unresolvable and exempt here (constant
// folding of identifiers is the compiled-form pass's job).
func flattenConcat(expr ast.Expr) ([]string, bool) {
	switch e := expr.(type) {
	case *ast.BinaryExpr:
		if e.Op != token.ADD {
			return nil, false
		}
		left, ok := flattenConcat(e.X)
		if !ok {
			return nil, false
		}
		right, ok := flattenConcat(e.Y)
		if !ok {
			return nil, false
		}
		return append(left, right...), true
	case *ast.BasicLit:
		if e.Kind != token.STRING {
			return nil, false
		}
		s, err := strconv.Unquote(e.Value)
		if err != nil {
			return nil, false
		}
		return []string{s}, true
	case *ast.ParenExpr:
		return flattenConcat(e.X)
	default:
		return nil, false
	}
}

func (w *sourceWalker) checkOpaqueLiteral(lit *ast.BasicLit) {
	if lit.Kind != token.STRING {
		return
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil || len(s) <= w.cfg.opaqueLimit() {
		return
	}
	if base64Shape.MatchString(s) || hexShape.MatchString(s) {
		w.add(violationf(CodeObfuscation, "encoded_literal", w.at(lit.Pos()),
			contracts.SeverityMedium, "opaque %d-byte encoded literal", len(s)))
	}
}

// nodeVisitor drives the walk, tracking the parent node and the control-flow
// nesting depth.
type nodeVisitor struct {
	walker *sourceWalker
	parent ast.Node
	depth  int
}

func (v *nodeVisitor) Visit(n ast.Node) ast.Visitor {
	if n == nil {
		return nil
	}
	depth := v.depth
	entered := false
	switch n.(type) {
	case *ast.IfStmt, *ast.ForStmt, *ast.RangeStmt, *ast.SwitchStmt,
		*ast.TypeSwitchStmt, *ast.SelectStmt, *ast.FuncLit:
		depth++
		entered = true
	}
	v.walker.inspect(n, v.parent, depth, entered)
	return &nodeVisitor{walker: v.walker, parent: n, depth: depth}
}
