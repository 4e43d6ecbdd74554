package translator

const (
	modelPro   = "gemini-2.5-pro"
	modelFlash = "gemini-2.5-flash"
)

// defaultAliases maps legacy GPT-style names onto Gemini tiers and lists the
// native Gemini names as identity entries.
var defaultAliases = map[string]string{
	"gpt-4":             modelPro,
	"gpt-4-turbo":       modelPro,
	"gpt-3.5-turbo":     modelFlash,
	"gpt-3.5-turbo-16k": modelFlash,

	modelPro:         modelPro,
	modelFlash:       modelFlash,
	"gemini-3.0-pro": "gemini-3.0-pro",
	"unspecified":    "unspecified",
}

// ModelAliases resolves requested model names to upstream model ids.
// Every alias target resolves to itself, so Resolve is idempotent.
type ModelAliases map[string]string

// NewModelAliases returns the built-in table with extra entries layered on top.
func NewModelAliases(extra map[string]string) ModelAliases {
	out := make(ModelAliases, len(defaultAliases)+len(extra))
	for k, v := range defaultAliases {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}

	// Collapse chains so that a -> b -> c becomes a -> c.
	for k := range out {
		target := out[k]
		for i := 0; i < len(out); i++ {
			next, ok := out[target]
			if !ok || next == target {
				break
			}
			target = next
		}
		out[k] = target
	}

	for _, target := range out {
		if _, ok := out[target]; !ok {
			out[target] = target
		}
	}
	return out
}

// Resolve returns the upstream model id for name. Unknown names pass through
// unchanged and the upstream decides whether they are valid.
func (a ModelAliases) Resolve(name string) string {
	if target, ok := a[name]; ok {
		return target
	}
	return name
}

// IsTarget reports whether name is an upstream model id the table resolves to.
func (a ModelAliases) IsTarget(name string) bool {
	target, ok := a[name]
	return ok && target == name
}

// ResolveModel resolves name against the built-in alias table.
func ResolveModel(name string) string {
	if target, ok := defaultAliases[name]; ok {
		return target
	}
	return name
}
