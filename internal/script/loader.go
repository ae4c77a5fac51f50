package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"tickserver/internal/config"
	"tickserver/internal/plugin"
	"tickserver/internal/plugin/task"
	logx "tickserver/pkg/logx"
)

const evalTimeout = 5 * time.Second

// DefaultStdlib is what scripts may import when nothing else is configured.
var DefaultStdlib = []string{"fmt", "math", "strings", "time"}

// Scripts import the server API as "rsc". Yaegi keys are "importPath/pkgName".
var apiExports = interp.Exports{
	"rsc/rsc": {
		"Session": reflect.ValueOf((*Session)(nil)),
	},
}

// Loader compiles every *.go file in a directory into a script and keeps
// the registry's interpreted scripts in step with the directory.
type Loader struct {
	dir string
	reg *plugin.Registry
	log logx.Logger

	mu    sync.Mutex
	allow []string
}

func NewLoader(dir string, allow []string, reg *plugin.Registry, log logx.Logger) *Loader {
	l := &Loader{dir: dir, reg: reg, log: log}
	l.SetAllowed(allow)
	return l
}

func (l *Loader) Dir() string { return l.dir }

// SetAllowed replaces the standard packages scripts may import. It applies
// from the next Load.
func (l *Loader) SetAllowed(pkgs []string) {
	if len(pkgs) == 0 {
		pkgs = DefaultStdlib
	}
	l.mu.Lock()
	l.allow = append([]string(nil), pkgs...)
	l.mu.Unlock()
}

func (l *Loader) restricted() interp.Exports {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := interp.Exports{}
	for _, p := range l.allow {
		p = strings.Trim(strings.TrimSpace(p), "/")
		if syms, ok := stdlib.Symbols[p+"/"+path.Base(p)]; ok {
			out[p+"/"+path.Base(p)] = syms
		}
	}
	return out
}

// Load compiles the directory and replaces the registry's interpreted
// scripts with the result. Files that fail to compile are left out and
// reported in the returned error; the rest are still installed.
func (l *Loader) Load(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("scripts dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isScriptFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	set := make(map[string]task.Script, len(names))
	var errs []error
	for _, file := range names {
		src, err := os.ReadFile(filepath.Join(l.dir, file))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		name := strings.TrimSuffix(file, filepath.Ext(file))
		body, err := l.Compile(ctx, name, src)
		if err != nil {
			l.log.Warn("script load failed", logx.String("file", file), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", file, err))
			continue
		}
		set[name] = body
	}
	l.reg.ReplaceSource(plugin.SourceInterpreted, set)
	for _, n := range l.reg.Shadowed() {
		l.log.Warn("script shadows a builtin", logx.String("script", n))
	}
	l.log.Info("scripts loaded", logx.String("dir", l.dir), logx.Int("count", len(set)), logx.Int("failed", len(errs)))
	return len(set), errors.Join(errs...)
}

// Compile interprets one script source and returns its Run as a script body.
func (l *Loader) Compile(ctx context.Context, name string, src []byte) (task.Script, error) {
	i := interp.New(interp.Options{})
	if err := i.Use(l.restricted()); err != nil {
		return nil, err
	}
	if err := i.Use(apiExports); err != nil {
		return nil, err
	}

	ectx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()
	if _, err := i.EvalWithContext(ectx, string(stripBuildDirectives(src))); err != nil {
		return nil, err
	}
	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, fmt.Errorf("no Run function: %w", err)
	}
	run, ok := v.Interface().(func(*Session) error)
	if !ok {
		return nil, fmt.Errorf("%s: Run must be func(*rsc.Session) error, got %s", name, v.Type())
	}
	return func(ts *task.Session) error { return run(Wrap(ts)) }, nil
}

// Watch reloads the directory whenever a script file changes, until ctx is
// done.
func (l *Loader) Watch(ctx context.Context) error {
	return config.WatchDir(ctx, l.dir, l.log, isScriptFile, func() {
		_, _ = l.Load(ctx)
	})
}

func isScriptFile(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(base, ".go") && !strings.HasSuffix(base, "_test.go") && !strings.HasPrefix(base, ".")
}

// stripBuildDirectives drops the build constraints that keep script files
// out of the Go toolchain's build; the interpreter does not need them.
func stripBuildDirectives(src []byte) []byte {
	lines := strings.Split(string(src), "\n")
	i := 0
	for ; i < len(lines); i++ {
		l := strings.TrimSpace(lines[i])
		if l != "" && !strings.HasPrefix(l, "//go:build") && !strings.HasPrefix(l, "// +build") {
			break
		}
	}
	if i == 0 {
		return src
	}
	return []byte(strings.Join(lines[i:], "\n"))
}
