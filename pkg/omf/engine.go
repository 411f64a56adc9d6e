// Package omf implements the OMF transmit engine (C8): it translates
// batches of Readings into OMF Type/Container/Data messages, tracking
// per-asset schema evolution in a type cache, and posts them to a
// downstream historian over an HTTP(S) transport.
package omf

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/edgeflow/pipeline/pkg/reading"
)

// Config bounds the engine's naming/AF behaviour.
type Config struct {
	Company  string
	Location string
	Scheme   NamingScheme
	Endpoint Endpoint
}

// Engine is C8. It is not safe for concurrent Send calls (the north
// loader's consumer goroutine is the only caller, per §5).
type Engine struct {
	cfg       Config
	transport Transport
	types     *TypeCache
	af        *AFResolver
	log       *zap.Logger

	reportedOnce map[string]bool // one-time "unsupported type dropped" report per asset
}

func NewEngine(cfg Config, transport Transport, types *TypeCache, af *AFResolver, log *zap.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		transport:    transport,
		types:        types,
		af:           af,
		log:          log,
		reportedOnce: make(map[string]bool),
	}
}

// Send implements §4.8's send algorithm. On success, all readings in
// set were accepted. On error, none of set is considered sent, so the
// caller (the north loader) leaves its cursor in place and retries the
// same batch next time.
func (e *Engine) Send(ctx context.Context, set *reading.Set) error {
	if set == nil || set.Len() == 0 {
		return nil
	}

	groups := groupByAsset(set.Readings)

	for _, g := range groups {
		sig := computeSignature(g.readings)
		hintChecksum := e.groupHintChecksum(g.readings)

		entry, needsType := e.types.NeedsTypeChange(g.asset, sig, hintChecksum)
		typeID := 1
		if entry != nil {
			typeID = entry.TypeID
		}
		if needsType {
			if entry != nil {
				typeID = entry.TypeID + 1
			}
			if err := e.emitTypeChange(ctx, g.asset, g.readings[0], typeID, sig, hintChecksum); err != nil {
				return err
			}
		}
	}

	dataMsg, err := e.buildDataMessage(groups)
	if err != nil {
		return err
	}
	if err := e.transport.Send(ctx, dataMsg); err != nil {
		return err
	}
	return nil
}

type assetGroup struct {
	asset    string
	readings []*reading.Reading
}

// groupByAsset groups adjacent Readings sharing an asset-code, per
// §4.8 step 1 ("group adjacent Readings by asset-code").
func groupByAsset(readings []*reading.Reading) []assetGroup {
	var groups []assetGroup
	for _, r := range readings {
		if len(groups) > 0 && groups[len(groups)-1].asset == r.Asset {
			g := &groups[len(groups)-1]
			g.readings = append(g.readings, r)
			continue
		}
		groups = append(groups, assetGroup{asset: r.Asset, readings: []*reading.Reading{r}})
	}
	return groups
}

func (e *Engine) groupHintChecksum(readings []*reading.Reading) string {
	for _, r := range readings {
		for _, dp := range r.Datapoints {
			if dp.Name != "OMFHint" {
				continue
			}
			raw, ok := dp.Value.AsString()
			if !ok {
				continue
			}
			hint, err := ParseHint(raw)
			if err != nil {
				continue
			}
			return hint.Checksum()
		}
	}
	return ""
}

// resolveAFPath returns the Asset Framework path for sample: a
// Reading-level OMFHint.AFLocation wins when present, template-resolved
// against sample's own datapoints; otherwise the engine falls back to
// the configured name/metadata rules, per §4.8's Asset Framework
// mapping and OMF hints paragraphs.
func (e *Engine) resolveAFPath(sample *reading.Reading) (string, error) {
	if tmpl, ok := hintAFLocationTemplate(sample); ok {
		resolved, err := ResolveTemplate(tmpl, sample.Datapoints)
		if err != nil {
			return "", err
		}
		return foldSlashes(resolved), nil
	}
	return e.af.ResolvePath(sample)
}

// hintAFLocationTemplate returns sample's OMFHint AFLocation template
// when the hint is present and AFLocation is a literal JSON string (an
// AFLocation carrying a non-string, e.g. an integer hint-versioning
// value, has no meaning as a path and is left to the rule-based
// resolver).
func hintAFLocationTemplate(sample *reading.Reading) (string, bool) {
	for _, dp := range sample.Datapoints {
		if dp.Name != "OMFHint" {
			continue
		}
		raw, ok := dp.Value.AsString()
		if !ok {
			continue
		}
		hint, err := ParseHint(raw)
		if err != nil || len(hint.AFLocation) == 0 {
			continue
		}
		var path string
		if err := json.Unmarshal(hint.AFLocation, &path); err != nil {
			continue
		}
		return path, true
	}
	return "", false
}

// emitTypeChange emits, in order, the Type, Container, Static Data, and
// Link Data messages for asset, then updates the cache, per §4.8 step 2.
func (e *Engine) emitTypeChange(ctx context.Context, asset string, sample *reading.Reading, typeID int, sig typeSignature, hintChecksum string) error {
	typeMsg, typesJSON, err := e.buildTypeMessage(asset, sample, typeID)
	if err != nil {
		return err
	}
	if err := e.transport.Send(ctx, typeMsg); err != nil {
		return err
	}

	containerMsg := e.buildContainerMessage(asset, typeID)
	if err := e.transport.Send(ctx, containerMsg); err != nil {
		return err
	}

	staticMsg, err := e.buildStaticDataMessage(asset, typeID)
	if err != nil {
		return err
	}
	if err := e.transport.Send(ctx, staticMsg); err != nil {
		return err
	}

	afPath, err := e.resolveAFPath(sample)
	if err != nil {
		return err
	}
	linkMsg, err := e.buildLinkDataMessage(asset, afPath, typeID)
	if err != nil {
		return err
	}
	if err := e.transport.Send(ctx, linkMsg); err != nil {
		return err
	}

	e.types.Put(asset, &CacheEntry{
		TypeID:       typeID,
		Signature:    sig,
		HintChecksum: hintChecksum,
		TypesJSON:    typesJSON,
		AFPath:       afPath,
	})
	return nil
}

func staticTypeID(typeID int, asset string) string {
	return fmt.Sprintf("%d_%s_typename_sensor", typeID, asset)
}

func measurementTypeID(typeID int, asset string) string {
	return fmt.Sprintf("%d_%s_typename_measurement", typeID, asset)
}

type omfProperty struct {
	Type   string `json:"type"`
	Format string `json:"format,omitempty"`
}

type omfType struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	Classification string             `json:"classification"`
	Properties map[string]omfProperty `json:"properties"`
}

func (e *Engine) buildTypeMessage(asset string, sample *reading.Reading, typeID int) (Message, string, error) {
	staticType := omfType{
		ID:             staticTypeID(typeID, asset),
		Type:           "object",
		Classification: "static",
		Properties: map[string]omfProperty{
			"Company":  {Type: "string"},
			"Location": {Type: "string"},
			"Name":     {Type: "string"},
		},
	}

	measurement := omfType{
		ID:             measurementTypeID(typeID, asset),
		Type:           "object",
		Classification: "dynamic",
		Properties:     map[string]omfProperty{"Time": {Type: "string", Format: "date-time"}},
	}
	for _, dp := range sample.Datapoints {
		if dp.Name == "OMFHint" {
			continue
		}
		prop, ok := omfPropertyFor(dp.Value.Kind())
		if !ok {
			e.reportUnsupportedOnce(asset, dp.Name, dp.Value.Kind().String())
			continue
		}
		measurement.Properties[dp.Name] = prop
	}

	body, err := json.Marshal([]omfType{staticType, measurement})
	if err != nil {
		return Message{}, "", err
	}
	return Message{Type: MessageTypeType, Action: ActionCreate, Body: body}, string(body), nil
}

func scalarValue(v reading.DatapointValue) (interface{}, bool) {
	if s, ok := v.AsString(); ok {
		return s, true
	}
	if i, ok := v.AsInteger(); ok {
		return i, true
	}
	if f, ok := v.AsFloat(); ok {
		return f, true
	}
	return nil, false
}

func omfPropertyFor(k reading.Kind) (omfProperty, bool) {
	switch k {
	case reading.KindString:
		return omfProperty{Type: string(OMFString)}, true
	case reading.KindInteger:
		return omfProperty{Type: string(OMFInteger)}, true
	case reading.KindFloat:
		return omfProperty{Type: string(OMFFloat), Format: "float64"}, true
	default:
		return omfProperty{}, false
	}
}

func (e *Engine) reportUnsupportedOnce(asset, dp, kind string) {
	if e.reportedOnce[asset] {
		return
	}
	e.reportedOnce[asset] = true
	if e.log != nil {
		e.log.Warn("omf: dropping unsupported datapoint type",
			zap.String("asset", asset), zap.String("datapoint", dp), zap.String("kind", kind))
	}
}

type omfContainer struct {
	ID   string `json:"id"`
	TypeID string `json:"typeid"`
}

func (e *Engine) buildContainerMessage(asset string, typeID int) Message {
	c := omfContainer{
		ID:     MeasurementID(e.cfg.Scheme, e.cfg.Endpoint, asset, typeID),
		TypeID: measurementTypeID(typeID, asset),
	}
	body, _ := json.Marshal([]omfContainer{c})
	return Message{Type: MessageTypeContainer, Action: ActionCreate, Body: body}
}

type omfStaticData struct {
	TypeID     string                 `json:"typeid"`
	Values     []map[string]interface{} `json:"values"`
}

func (e *Engine) buildStaticDataMessage(asset string, typeID int) (Message, error) {
	name, _ := SanitizeName(asset)
	data := omfStaticData{
		TypeID: staticTypeID(typeID, asset),
		Values: []map[string]interface{}{{
			"Company":  e.cfg.Company,
			"Location": e.cfg.Location,
			"Name":     name,
		}},
	}
	body, err := json.Marshal([]omfStaticData{data})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeData, Action: ActionCreate, Body: body}, nil
}

type omfLink struct {
	TypeID string                   `json:"typeid"`
	Values []map[string]interface{} `json:"values"`
}

func (e *Engine) buildLinkDataMessage(asset, afPath string, typeID int) (Message, error) {
	name, _ := SanitizeName(asset)
	link := omfLink{
		TypeID: "__Link",
		Values: []map[string]interface{}{{
			"Source": map[string]string{"typeid": staticTypeID(typeID, asset), "name": afPath},
			"Target": map[string]string{"typeid": staticTypeID(typeID, asset), "name": name},
		}},
	}
	body, err := json.Marshal([]omfLink{link})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeData, Action: ActionCreate, Body: body}, nil
}

type omfDataPoint struct {
	ContainerID string                   `json:"containerid"`
	Values      []map[string]interface{} `json:"values"`
}

// dataTimeFormat matches reading.isoMicro: a fixed 6-digit fractional
// second so round-trip fidelity holds to microsecond precision even
// when trailing digits are zero (§8 round-trip fidelity property).
const dataTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// buildDataMessage transforms each Reading into its own OMF Data object,
// per §4.8 step 3 ("transform each Reading to OMF Data"), concatenating
// every reading's Data object into one request (step 4).
func (e *Engine) buildDataMessage(groups []assetGroup) (Message, error) {
	var out []omfDataPoint
	for _, g := range groups {
		entry, _ := e.types.Get(g.asset)
		typeID := 1
		if entry != nil {
			typeID = entry.TypeID
		}
		containerID := MeasurementID(e.cfg.Scheme, e.cfg.Endpoint, g.asset, typeID)

		for _, r := range g.readings {
			v := map[string]interface{}{"Time": r.UserTS.UTC().Format(dataTimeFormat)}
			for _, dp := range r.Datapoints {
				if dp.Name == "OMFHint" {
					continue
				}
				val, ok := scalarValue(dp.Value)
				if !ok {
					continue
				}
				v[dp.Name] = val
			}
			out = append(out, omfDataPoint{ContainerID: containerID, Values: []map[string]interface{}{v}})
		}
	}

	body, err := json.Marshal(out)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeData, Action: ActionUpdate, Body: body}, nil
}
