package omf

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// Hint is the decoded shape of a Reading's OMFHint datapoint: an
// AFLocation template and arbitrary per-datapoint type overrides, per
// §4.8.
type Hint struct {
	AFLocation json.RawMessage            `json:"AFLocation,omitempty"`
	Overrides  map[string]json.RawMessage `json:"-"`
}

// ParseHint decodes the raw JSON object carried by an OMFHint
// datapoint. Unrecognized keys are kept as type overrides.
func ParseHint(raw string) (Hint, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &all); err != nil {
		return Hint{}, err
	}
	h := Hint{Overrides: make(map[string]json.RawMessage)}
	for k, v := range all {
		if k == "AFLocation" {
			h.AFLocation = v
			continue
		}
		h.Overrides[k] = v
	}
	return h, nil
}

// Checksum computes the hint-checksum used to detect schema-affecting
// hint changes: AFLocation values that are literal JSON strings are
// excluded (they never affect the measurement schema); everything else
// — including an AFLocation that happens to be a bare integer, and any
// type override — is included, per §4.8.
func (h Hint) Checksum() string {
	var parts []string
	if len(h.AFLocation) > 0 && !isJSONString(h.AFLocation) {
		parts = append(parts, "AFLocation="+string(h.AFLocation))
	}
	keys := make([]string, 0, len(h.Overrides))
	for k := range h.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+string(h.Overrides[k]))
	}
	return strings.Join(parts, ";")
}

func isJSONString(raw json.RawMessage) bool {
	var s string
	return json.Unmarshal(raw, &s) == nil
}

// --- ${var[:default]} template grammar, in the teacher's participle style ---

type templateDoc struct {
	Parts []templatePart `@@*`
}

type templatePart struct {
	Ref   *varRef `@@`
	Colon string  `| @Colon`
	Ident string  `| @Ident`
	Text  string  `| @Text`
}

// defaultChunk is one token of a variable's default value, reusing the
// same Colon/Text token classes as top-level text so the lexer stays
// context-free (no dedicated "inside a default" token rule).
type defaultChunk struct {
	Colon string `@Colon`
	Text  string `| @Text`
}

type varRef struct {
	Name    string         `VarOpen @Ident`
	Default []defaultChunk `[ Colon @@* ]`
	End     string         `VarClose`
}

func (v varRef) defaultValue() (string, bool) {
	if v.Default == nil {
		return "", false
	}
	var b strings.Builder
	for _, c := range v.Default {
		if c.Colon != "" {
			b.WriteString(c.Colon)
		} else {
			b.WriteString(c.Text)
		}
	}
	return b.String(), true
}

var (
	hintLexer = lexer.MustSimple([]lexer.SimpleRule{
		{"VarOpen", `\$\{`},
		{"VarClose", `\}`},
		{"Colon", `:`},
		{"Ident", `[A-Za-z_][A-Za-z0-9_]*`},
		{"Text", `[^${}:]+|\$`},
	})

	templateParser = participle.MustBuild[templateDoc](
		participle.Lexer(hintLexer),
	)
)

// ResolveTemplate substitutes every ${var[:default]} occurrence in
// tmpl against dps, the Reading's own datapoints. A variable missing
// with no default elides the whole ${...} segment rather than leaving
// a placeholder, per §4.8.
func ResolveTemplate(tmpl string, dps []reading.Datapoint) (string, error) {
	doc, err := templateParser.ParseString("", tmpl)
	if err != nil {
		return resolveTemplateFallback(tmpl, dps), nil
	}

	values := make(map[string]string, len(dps))
	for _, dp := range dps {
		values[dp.Name] = datapointString(dp)
	}

	var b strings.Builder
	for _, part := range doc.Parts {
		switch {
		case part.Ref != nil:
			if v, ok := values[part.Ref.Name]; ok {
				b.WriteString(v)
			} else if def, hasDef := part.Ref.defaultValue(); hasDef {
				b.WriteString(def)
			}
			// else: elide the segment entirely
		case part.Colon != "":
			b.WriteString(part.Colon)
		case part.Ident != "":
			b.WriteString(part.Ident)
		default:
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

// resolveTemplateFallback handles templates the grammar above cannot
// parse as well as plain strings with no ${...} at all, by doing a
// manual scan; this keeps AF paths with no templating working even
// when they contain characters the grammar does not expect.
func resolveTemplateFallback(tmpl string, dps []reading.Datapoint) string {
	values := make(map[string]string, len(dps))
	for _, dp := range dps {
		values[dp.Name] = datapointString(dp)
	}

	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "${")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		b.WriteString(tmpl[i : i+start])
		rest := tmpl[i+start+2:]
		end := strings.IndexByte(rest, '}')
		if end < 0 {
			b.WriteString(tmpl[i+start:])
			break
		}
		inner := rest[:end]
		name, def, hasDef := strings.Cut(inner, ":")
		if v, ok := values[name]; ok {
			b.WriteString(v)
		} else if hasDef {
			b.WriteString(def)
		}
		i = i + start + 2 + end + 1
	}
	return b.String()
}

func datapointString(dp reading.Datapoint) string {
	if s, ok := dp.Value.AsString(); ok {
		return s
	}
	if n, ok := dp.Value.AsInteger(); ok {
		return strconv.FormatInt(n, 10)
	}
	if f, ok := dp.Value.AsFloat(); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return ""
}
