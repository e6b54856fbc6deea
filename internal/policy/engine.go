// Package policy maps operator roles and permission flags to path-based
// capability rules and evaluates intents against them.
package policy

import (
	"context"
	"strings"

	"github.com/org/wirebot/pkg/models"
)

// Source resolves policies by name.
type Source interface {
	GetPolicy(ctx context.Context, name string) (*models.Policy, error)
}

// Engine decides whether an operator may perform an intent.
type Engine struct {
	src Source
}

func NewEngine(src Source) *Engine {
	return &Engine{src: src}
}

// Allows evaluates intent on target against the policies PolicyNames assigns to op.
func (e *Engine) Allows(ctx context.Context, op *models.Operator, intent models.Intent, target string) bool {
	capability, reqPath := Resource(intent, target)
	return e.Grants(ctx, PolicyNames(op), capability, reqPath)
}

// Grants reports whether any named policy grants capability on reqPath.
// Unknown policies grant nothing.
func (e *Engine) Grants(ctx context.Context, names []string, capability, reqPath string) bool {
	segs := split(reqPath)
	for _, name := range names {
		pol, err := e.src.GetPolicy(ctx, name)
		if err != nil || pol == nil {
			continue
		}
		for pattern, rule := range pol.Rules {
			if rule.HasCapability(capability) && match(split(pattern), segs) {
				return true
			}
		}
	}
	return false
}

// Permitted lists the intents op may perform on some target, in the order given.
func (e *Engine) Permitted(ctx context.Context, op *models.Operator, intents []models.Intent) []models.Intent {
	var out []models.Intent
	for _, in := range intents {
		if e.Allows(ctx, op, in, "*") {
			out = append(out, in)
		}
	}
	return out
}

func split(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// match compares path segments against pattern segments. "*" matches exactly
// one segment, "**" matches the rest of the path including nothing, and a
// lone "*" pattern matches every path.
func match(pattern, segs []string) bool {
	if len(pattern) == 1 && pattern[0] == "*" {
		return true
	}
	for i, p := range pattern {
		if p == "**" {
			return true
		}
		if i >= len(segs) {
			return false
		}
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return len(pattern) == len(segs)
}
