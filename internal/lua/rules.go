// Package lua evaluates user-supplied approval rules written in Lua.
//
// A rules file defines review(approval), which receives the approval request
// as a table and returns nil to leave it for a human, or a boolean verdict
// followed by an optional reason string.
package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/studio/internal/approvals"
	"github.com/mpataki/studio/internal/logging"
)

var ErrNoRules = errors.New("no approval rules")

const DefaultTimeout = 2 * time.Second

// Rules is a loaded rules script. Each review runs in a fresh interpreter
// so scripts cannot carry state between approvals.
type Rules struct {
	path    string
	script  string
	timeout time.Duration
	logger  *slog.Logger
	logs    []string
}

// Load reads the rules script at path. A missing file returns ErrNoRules.
func Load(path string, logger *slog.Logger) (*Rules, error) {
	script, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoRules
		}
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	r := &Rules{
		path:    path,
		script:  string(script),
		timeout: DefaultTimeout,
		logger:  logging.OrDiscard(logger),
	}

	// Run once up front so syntax errors surface at load time.
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	L := r.newState(ctx)
	defer L.Close()
	if err := r.define(L); err != nil {
		return nil, err
	}
	return r, nil
}

// Review runs review(approval) against one request.
func (r *Rules) Review(request json.RawMessage) (approvals.Verdict, error) {
	var doc any
	if err := json.Unmarshal(request, &doc); err != nil {
		return approvals.Verdict{}, fmt.Errorf("failed to decode approval request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	L := r.newState(ctx)
	defer L.Close()

	if err := r.define(L); err != nil {
		return approvals.Verdict{}, err
	}

	L.Push(L.GetGlobal("review"))
	L.Push(goToLua(L, doc))
	if err := L.PCall(1, 2, nil); err != nil {
		return approvals.Verdict{}, fmt.Errorf("review failed: %w", err)
	}
	verdict, reason := L.Get(-2), L.Get(-1)
	L.Pop(2)

	v := approvals.Verdict{}
	switch val := verdict.(type) {
	case *lua.LNilType:
		return v, nil
	case lua.LBool:
		v.Decided = true
		v.Approved = bool(val)
	default:
		return v, fmt.Errorf("review must return nil or a boolean, got %s", verdict.Type())
	}
	if s, ok := reason.(lua.LString); ok {
		v.Reason = string(s)
	}
	return v, nil
}

// Logs returns messages passed to log() across all reviews.
func (r *Rules) Logs() []string {
	return r.logs
}

func (r *Rules) newState(ctx context.Context) *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	L.SetContext(ctx)
	openSafeLibs(L)
	L.SetGlobal("log", L.NewFunction(r.luaLog))
	return L
}

func (r *Rules) define(L *lua.LState) error {
	if err := L.DoString(r.script); err != nil {
		return fmt.Errorf("failed to load rules %s: %w", r.path, err)
	}
	if _, ok := L.GetGlobal("review").(*lua.LFunction); !ok {
		return fmt.Errorf("rules %s must define a 'review' function", r.path)
	}
	return nil
}

// openSafeLibs loads base, table, string and math, minus anything that
// touches the filesystem, prints, or is non-deterministic.
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)
	for _, name := range []string{"loadfile", "dofile", "load", "loadstring", "print", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Rules) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Info("approval rules", "script", r.path, "msg", message)
	return 0
}

func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			L.SetTable(tbl, lua.LNumber(i+1), goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			L.SetField(tbl, k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
