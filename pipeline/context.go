package pipeline

// Context is the accumulating bag of stage outputs for one run. Keys are
// stage names; values are whatever the stage produced. It grows monotonically
// as stages succeed and is owned by a single run: the executor applies each
// stage's output after the attempt succeeds, so a retried attempt always sees
// the same Context as the first. Not safe for concurrent use; independent
// runs must each own their own Context.
type Context struct {
	keys   []string
	values map[string]any
}

// NewContext returns an empty Context.
func NewContext() *Context {
	return &Context{values: make(map[string]any)}
}

// Set stores v under key. Setting an existing key overwrites the value but
// keeps its original position in Keys.
func (c *Context) Set(key string, v any) {
	if c.values == nil {
		c.values = make(map[string]any)
	}
	if _, ok := c.values[key]; !ok {
		c.keys = append(c.keys, key)
	}
	c.values[key] = v
}

// Get returns the value stored under key.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Keys returns the stored keys in insertion order.
func (c *Context) Keys() []string {
	out := make([]string, len(c.keys))
	copy(out, c.keys)
	return out
}

// Len returns the number of stored keys.
func (c *Context) Len() int { return len(c.keys) }

// Value returns the value under key asserted to type T. The second result is
// false when the key is missing or holds a different type.
func Value[T any](c *Context, key string) (T, bool) {
	v, ok := c.values[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
