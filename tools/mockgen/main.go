// mockgen generates a synthetic multi-language project for benchmarking
// codectx index and query.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
)

// Config represents the mock project configuration
type Config struct {
	OutputDir      string
	Languages      []string
	NumPackages    int
	NumFuncsPerPkg int
	MaxDepth       int
	CallDensity    float64 // 每个函数平均调用几个其他函数
	CycleRate      float64 // 同包内回调上层函数的概率, 用于产生循环依赖
	Seed           uint64
}

// FuncInfo represents a function in the mock project
type FuncInfo struct {
	Package string
	Lang    string
	Name    string
	Topic   string
	Depth   int
	PkgIdx  int
}

// FullName is unique across the project.
func (f *FuncInfo) FullName() string { return f.Package + "." + f.Name }

// CallInfo represents a function call
type CallInfo struct {
	Target *FuncInfo
}

// topics give generated functions distinct words so lexical retrieval has
// something to rank.
var topics = []string{
	"invoice", "payment", "session", "password", "cache", "retry", "upload",
	"thumbnail", "schedule", "webhook", "audit", "quota", "token", "export",
	"search", "billing", "inventory", "shipment", "discount", "report",
}

var verbs = []string{"load", "save", "validate", "compute", "render", "sync", "merge", "parse"}

func main() {
	cfg := Config{}
	var langs string
	flag.StringVar(&cfg.OutputDir, "o", "./mock-project", "输出目录")
	flag.StringVar(&langs, "lang", "go,python,javascript", "生成的语言, 逗号分隔")
	flag.IntVar(&cfg.NumPackages, "pkgs", 20, "包数量")
	flag.IntVar(&cfg.NumFuncsPerPkg, "funcs", 100, "每个包的函数数量")
	flag.IntVar(&cfg.MaxDepth, "depth", 10, "最大调用深度")
	flag.Float64Var(&cfg.CallDensity, "density", 3.0, "平均每个函数调用几个其他函数")
	flag.Float64Var(&cfg.CycleRate, "cycles", 0.02, "产生循环调用的概率")
	flag.Uint64Var(&cfg.Seed, "seed", 1, "随机种子")
	flag.Parse()

	for _, l := range strings.Split(langs, ",") {
		switch l = strings.TrimSpace(l); l {
		case "go", "python", "javascript":
			cfg.Languages = append(cfg.Languages, l)
		case "":
		default:
			fmt.Fprintf(os.Stderr, "错误: 不支持的语言 %q\n", l)
			os.Exit(2)
		}
	}
	if len(cfg.Languages) == 0 || cfg.NumPackages <= 0 || cfg.NumFuncsPerPkg <= 0 {
		fmt.Fprintln(os.Stderr, "错误: 参数无效")
		os.Exit(2)
	}

	fmt.Printf("正在生成 mock 项目...\n")
	fmt.Printf("  语言: %s\n", strings.Join(cfg.Languages, ", "))
	fmt.Printf("  包数量: %d\n", cfg.NumPackages)
	fmt.Printf("  每包函数数: %d\n", cfg.NumFuncsPerPkg)
	fmt.Printf("  总函数数: %d\n", cfg.NumPackages*cfg.NumFuncsPerPkg)
	fmt.Printf("  最大深度: %d\n", cfg.MaxDepth)
	fmt.Printf("  调用密度: %.1f\n", cfg.CallDensity)

	if err := generateProject(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n✓ 项目生成完成: %s\n", cfg.OutputDir)
	fmt.Printf("\n下一步:\n")
	fmt.Printf("  codectx index %s --no-embed\n", cfg.OutputDir)
	fmt.Printf("  codectx query \"%s %s\"\n", verbs[0], topics[0])
}

func generateProject(cfg *Config) error {
	// 创建输出目录
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return err
	}
	if err := generateGoMod(cfg); err != nil {
		return err
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))

	// 生成所有函数的元信息
	allFuncs := generateFuncRegistry(cfg, rng)

	// 按深度层次组织函数
	funcsByDepth := organizeFuncsByDepth(allFuncs, cfg.MaxDepth)

	for pkgIdx := 0; pkgIdx < cfg.NumPackages; pkgIdx++ {
		start := pkgIdx * cfg.NumFuncsPerPkg
		pkgFuncs := allFuncs[start : start+cfg.NumFuncsPerPkg]

		callMap := make(map[string][]CallInfo, len(pkgFuncs))
		for _, fn := range pkgFuncs {
			callMap[fn.Name] = generateCalls(fn, funcsByDepth, pkgFuncs, cfg, rng)
		}

		var err error
		switch pkgFuncs[0].Lang {
		case "go":
			err = writeGoPackage(cfg, pkgFuncs, callMap)
		case "python":
			err = writePythonModule(cfg, pkgFuncs, callMap)
		case "javascript":
			err = writeJSModule(cfg, pkgFuncs, callMap)
		}
		if err != nil {
			return err
		}
		fmt.Printf("  ✓ 生成包 %s [%s] (%d/%d)\n", pkgFuncs[0].Package, pkgFuncs[0].Lang, pkgIdx+1, cfg.NumPackages)
	}

	return nil
}

func generateGoMod(cfg *Config) error {
	content := `module github.com/example/mockproject

go 1.21
`
	return os.WriteFile(filepath.Join(cfg.OutputDir, "go.mod"), []byte(content), 0644)
}

func generateFuncRegistry(cfg *Config, rng *rand.Rand) []*FuncInfo {
	var funcs []*FuncInfo
	for pkgIdx := 0; pkgIdx < cfg.NumPackages; pkgIdx++ {
		lang := cfg.Languages[pkgIdx%len(cfg.Languages)]
		pkgName := fmt.Sprintf("pkg%02d", pkgIdx)
		for funcIdx := 0; funcIdx < cfg.NumFuncsPerPkg; funcIdx++ {
			topic := topics[rng.IntN(len(topics))]
			verb := verbs[rng.IntN(len(verbs))]
			funcs = append(funcs, &FuncInfo{
				Package: pkgName,
				Lang:    lang,
				Name:    funcName(lang, verb, topic, funcIdx),
				Topic:   topic,
				PkgIdx:  pkgIdx,
			})
		}
	}
	return funcs
}

func funcName(lang, verb, topic string, idx int) string {
	switch lang {
	case "go":
		return fmt.Sprintf("%s%s%04d", title(verb), title(topic), idx)
	case "python":
		return fmt.Sprintf("%s_%s_%04d", verb, topic, idx)
	default:
		return fmt.Sprintf("%s%s%04d", verb, title(topic), idx)
	}
}

func title(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func organizeFuncsByDepth(allFuncs []*FuncInfo, maxDepth int) [][]*FuncInfo {
	funcsByDepth := make([][]*FuncInfo, maxDepth+1)

	// 均匀分配函数到各个深度层
	for i, fn := range allFuncs {
		depth := i % (maxDepth + 1)
		fn.Depth = depth
		funcsByDepth[depth] = append(funcsByDepth[depth], fn)
	}

	return funcsByDepth
}

func generateCalls(fn *FuncInfo, funcsByDepth [][]*FuncInfo, pkgFuncs []*FuncInfo, cfg *Config, rng *rand.Rand) []CallInfo {
	var calls []CallInfo
	seen := make(map[string]bool)
	add := func(target *FuncInfo) {
		if target == nil || target == fn || seen[target.FullName()] {
			return
		}
		// 只调用同语言的函数; 跨包时只调用更高编号的包 (避免循环导入)
		if target.Lang != fn.Lang || target.PkgIdx < fn.PkgIdx {
			return
		}
		calls = append(calls, CallInfo{Target: target})
		seen[target.FullName()] = true
	}

	// 同包内偶尔回调上层函数, 形成循环依赖
	if fn.Depth > 0 && rng.Float64() < cfg.CycleRate {
		for _, cand := range pkgFuncs {
			if cand.Depth < fn.Depth {
				add(cand)
				break
			}
		}
	}

	// 叶子节点（最大深度）不调用其他函数
	nextDepth := fn.Depth + 1
	if nextDepth >= len(funcsByDepth) || len(funcsByDepth[nextDepth]) == 0 {
		return calls
	}

	// 决定调用多少个函数（泊松分布近似）
	numCalls := rng.IntN(int(cfg.CallDensity*2)+1) + 1
	if numCalls > int(cfg.CallDensity*1.5) {
		numCalls = int(cfg.CallDensity)
	}

	for i := 0; i < numCalls; i++ {
		// 优先调用下一层深度的函数（80%概率）
		if rng.Float64() < 0.8 {
			add(funcsByDepth[nextDepth][rng.IntN(len(funcsByDepth[nextDepth]))])
			continue
		}
		d := nextDepth + rng.IntN(len(funcsByDepth)-nextDepth)
		if len(funcsByDepth[d]) > 0 {
			add(funcsByDepth[d][rng.IntN(len(funcsByDepth[d]))])
		}
	}
	return calls
}

func writeGoPackage(cfg *Config, funcs []*FuncInfo, callMap map[string][]CallInfo) error {
	pkg := funcs[0].Package
	dir := filepath.Join(cfg.OutputDir, pkg)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	imports := make(map[string]bool)
	for _, calls := range callMap {
		for _, c := range calls {
			if c.Target.Package != pkg {
				imports[c.Target.Package] = true
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "package %s\n\n", pkg)
	if len(imports) > 0 {
		sb.WriteString("import (\n")
		for imp := range imports {
			fmt.Fprintf(&sb, "\t\"github.com/example/mockproject/%s\"\n", imp)
		}
		sb.WriteString(")\n\n")
	}

	for _, fn := range funcs {
		fmt.Fprintf(&sb, "// %s handles the %s step at depth %d.\n", fn.Name, fn.Topic, fn.Depth)
		fmt.Fprintf(&sb, "func %s(input int) int {\n", fn.Name)
		sb.WriteString("\tresult := input\n")
		for i, c := range callMap[fn.Name] {
			callExpr := c.Target.Name
			if c.Target.Package != pkg {
				callExpr = c.Target.Package + "." + c.Target.Name
			}
			fmt.Fprintf(&sb, "\tresult += %s(result + %d)\n", callExpr, i)
		}
		sb.WriteString("\treturn result\n}\n\n")
	}

	return os.WriteFile(filepath.Join(dir, "code.go"), []byte(sb.String()), 0644)
}

func writePythonModule(cfg *Config, funcs []*FuncInfo, callMap map[string][]CallInfo) error {
	pkg := funcs[0].Package
	var sb strings.Builder

	imports := make(map[string]bool)
	for _, calls := range callMap {
		for _, c := range calls {
			if c.Target.Package != pkg {
				imports[c.Target.Package] = true
			}
		}
	}
	for imp := range imports {
		fmt.Fprintf(&sb, "import %s\n", imp)
	}
	if len(imports) > 0 {
		sb.WriteString("\n\n")
	}

	for _, fn := range funcs {
		fmt.Fprintf(&sb, "def %s(value):\n", fn.Name)
		fmt.Fprintf(&sb, "    \"\"\"Handles the %s step at depth %d.\"\"\"\n", fn.Topic, fn.Depth)
		sb.WriteString("    result = value\n")
		for i, c := range callMap[fn.Name] {
			callExpr := c.Target.Name
			if c.Target.Package != pkg {
				callExpr = c.Target.Package + "." + c.Target.Name
			}
			fmt.Fprintf(&sb, "    result += %s(result + %d)\n", callExpr, i)
		}
		sb.WriteString("    return result\n\n\n")
	}

	return os.WriteFile(filepath.Join(cfg.OutputDir, pkg+".py"), []byte(sb.String()), 0644)
}

func writeJSModule(cfg *Config, funcs []*FuncInfo, callMap map[string][]CallInfo) error {
	pkg := funcs[0].Package
	var sb strings.Builder

	imports := make(map[string]map[string]bool)
	for _, calls := range callMap {
		for _, c := range calls {
			if c.Target.Package == pkg {
				continue
			}
			if imports[c.Target.Package] == nil {
				imports[c.Target.Package] = make(map[string]bool)
			}
			imports[c.Target.Package][c.Target.Name] = true
		}
	}
	for imp, names := range imports {
		list := make([]string, 0, len(names))
		for n := range names {
			list = append(list, n)
		}
		fmt.Fprintf(&sb, "import { %s } from './%s.js';\n", strings.Join(list, ", "), imp)
	}
	if len(imports) > 0 {
		sb.WriteString("\n")
	}

	for _, fn := range funcs {
		fmt.Fprintf(&sb, "/** Handles the %s step at depth %d. */\n", fn.Topic, fn.Depth)
		fmt.Fprintf(&sb, "export function %s(value) {\n", fn.Name)
		sb.WriteString("  let result = value;\n")
		for i, c := range callMap[fn.Name] {
			fmt.Fprintf(&sb, "  result += %s(result + %d);\n", c.Target.Name, i)
		}
		sb.WriteString("  return result;\n}\n\n")
	}

	return os.WriteFile(filepath.Join(cfg.OutputDir, pkg+".js"), []byte(sb.String()), 0644)
}
