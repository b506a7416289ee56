package violation

// Context carries the code-specific payload attached to a violation. Each
// concrete variant knows its own shape; Meta is the fallback for generic
// metadata.
type Context interface {
	// Fields flattens the context for the wire and activity logs.
	Fields() map[string]any
}

// FocusContext explains why focus was considered lost.
type FocusContext struct {
	Reason string
}

func (c FocusContext) Fields() map[string]any {
	return map[string]any{"reason": c.Reason}
}

// KeyContext records the blocked key combination.
type KeyContext struct {
	Key string
	Via string
}

func (c KeyContext) Fields() map[string]any {
	f := map[string]any{}
	if c.Key != "" {
		f["key"] = c.Key
	}
	if c.Via != "" {
		f["via"] = c.Via
	}
	return f
}

// PolicyContext names the breached policy rule.
type PolicyContext struct {
	Reason string
}

func (c PolicyContext) Fields() map[string]any {
	return map[string]any{"reason": c.Reason}
}

// CameraContext ties a camera violation to the frame that produced it.
type CameraContext struct {
	FrameHash   string
	Obstruction float64
	Persons     int
}

func (c CameraContext) Fields() map[string]any {
	f := map[string]any{}
	if c.FrameHash != "" {
		f["frameHash"] = c.FrameHash
	}
	if c.Obstruction > 0 {
		f["obstruction"] = c.Obstruction
	}
	if c.Persons > 0 {
		f["persons"] = c.Persons
	}
	return f
}

// Meta is an open key/value context.
type Meta map[string]any

func (m Meta) Fields() map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// FieldsOf flattens ctx, tolerating nil.
func FieldsOf(ctx Context) map[string]any {
	if ctx == nil {
		return map[string]any{}
	}
	return ctx.Fields()
}
