package omf

import (
	"strings"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// AFRule maps either an asset name or a datapoint name to a target
// Asset Framework path template; the first matching rule wins, per
// §4.8's Asset Framework mapping paragraph.
type AFRule struct {
	Match string // asset name (NameRule) or datapoint name (MetadataRule)
	Path  string // may contain ${var[:default]} template expressions
}

// AFResolver resolves a Reading's AF hierarchy path from configured
// name rules and metadata rules. An empty rule-set is valid and means
// "use the default path".
type AFResolver struct {
	nameRules     []AFRule
	metadataRules []AFRule
	defaultPath   string
}

func NewAFResolver(nameRules, metadataRules []AFRule, defaultPath string) *AFResolver {
	return &AFResolver{nameRules: nameRules, metadataRules: metadataRules, defaultPath: defaultPath}
}

// Resolve returns the AF path template for r, consulting name rules
// first, then metadata rules, then the default.
func (a *AFResolver) Resolve(r *reading.Reading) string {
	for _, rule := range a.nameRules {
		if rule.Match == r.Asset {
			return rule.Path
		}
	}
	for _, dp := range r.Datapoints {
		for _, rule := range a.metadataRules {
			if rule.Match == dp.Name {
				return rule.Path
			}
		}
	}
	return a.defaultPath
}

// ResolvePath resolves the template against r and substitutes any
// ${var[:default]} expressions using r's own datapoints, per §4.8. A
// variable that elides to empty can leave a path segment empty (e.g.
// "/Sites_new//Suez/ADN C1"); consecutive slashes left behind by an
// elided segment fold to one, per §4.8 scenario 4.
func (a *AFResolver) ResolvePath(r *reading.Reading) (string, error) {
	tmpl := a.Resolve(r)
	resolved, err := ResolveTemplate(tmpl, r.Datapoints)
	if err != nil {
		return "", err
	}
	return foldSlashes(resolved), nil
}

// foldSlashes collapses any run of consecutive '/' into a single '/'.
func foldSlashes(s string) string {
	for strings.Contains(s, "//") {
		s = strings.ReplaceAll(s, "//", "/")
	}
	return s
}
