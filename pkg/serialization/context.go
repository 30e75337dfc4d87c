package serialization

import (
	"maps"

	"github.com/TNO-MPC/communication/pkg/errs"
)

// maxDepth bounds recursion so cyclic values fail instead of overflowing the
// stack.
const maxDepth = 512

// Options is the open-ended configuration threaded through every rule.
// The pool sets OptionDestination when sending and OptionOrigin when
// receiving.
type Options map[string]any

const (
	OptionDestination = "destination"
	OptionOrigin      = "origin"
)

// Context is handed to every rule. It carries the options of the current call
// and gives nested values access to the registry.
type Context struct {
	reg   *Registry
	opts  Options
	depth int
}

func newContext(r *Registry, opts Options) *Context {
	return &Context{reg: r, opts: opts}
}

// Value returns the option stored under key, or nil.
func (c *Context) Value(key string) any { return c.opts[key] }

// Lookup returns the option stored under key and whether it was set.
func (c *Context) Lookup(key string) (any, bool) {
	v, ok := c.opts[key]
	return v, ok
}

// Options returns a copy of the options.
func (c *Context) Options() Options { return maps.Clone(c.opts) }

// With returns a context for nested values with key set to v. The receiver is
// not modified.
func (c *Context) With(key string, v any) *Context {
	opts := maps.Clone(c.opts)
	if opts == nil {
		opts = Options{}
	}
	opts[key] = v
	return &Context{reg: c.reg, opts: opts, depth: c.depth}
}

// Encoded is a subtree already produced by Context.Serialize. A rule that
// needs different options for a nested value serializes it on a derived
// context and places the Encoded result in its mapping; the registry then
// copies it unchanged.
type Encoded struct{ Node any }

// Serialize converts a nested value with this context's options.
func (c *Context) Serialize(v any) (any, error) { return c.reg.encode(v, c) }

// Embed is Serialize wrapped in Encoded.
func (c *Context) Embed(v any) (Encoded, error) {
	n, err := c.reg.encode(v, c)
	return Encoded{Node: n}, err
}

// Deserialize rebuilds a nested value with this context's options.
func (c *Context) Deserialize(node any) (any, error) { return c.reg.decode(node, c) }

func (c *Context) deeper() (*Context, error) {
	if c.depth >= maxDepth {
		return nil, errs.From(errs.ErrUnsupportedType).Detail("nesting deeper than %d", maxDepth).Build()
	}
	return &Context{reg: c.reg, opts: c.opts, depth: c.depth + 1}, nil
}
