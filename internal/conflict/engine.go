// Package conflict implements conflict detection and resolution for
// mutations whose assumptions about server state turned out stale. The
// engine is a stateless policy evaluator: all state it needs arrives as
// arguments, all policy lives in its configuration.
package conflict

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidesync/tidesync/internal/schema"
)

// Fields excluded from the structural comparison. They describe the
// record envelope, not its content.
var ignoredFields = map[string]bool{
	"version":   true,
	"updatedAt": true,
	"createdAt": true,
	"id":        true,
}

// Fields whose divergence always escalates severity. Money and stock
// quantities are never a low-stakes disagreement.
var criticalFields = map[string]bool{
	"amount":   true,
	"quantity": true,
	"status":   true,
	"type":     true,
}

var highPriorityFields = map[string]bool{
	"name":        true,
	"description": true,
	"category":    true,
}

// Config holds the engine's resolution policy.
type Config struct {
	// MergeRules maps field names to per-field merge policies used by
	// the field_merge strategy.
	MergeRules map[string]MergeRule

	// AdjustmentNamespaces lists mutation-kind prefixes that always
	// resolve by adjustment, regardless of severity. Money movements and
	// stock levels live here; plain catalog edits in those domains do
	// not.
	AdjustmentNamespaces []string
}

// DefaultConfig returns the stock policy: finance and inventory kinds
// resolve by adjustment, free-text fields concatenate, tag-like
// collections union.
func DefaultConfig() *Config {
	return &Config{
		MergeRules: map[string]MergeRule{
			"notes":   {Policy: MergeCombine, Combine: ConcatStrings(" | ")},
			"comment": {Policy: MergeCombine, Combine: ConcatStrings(" | ")},
			"tags":    {Policy: MergeCombine, Combine: UnionSets},
			"labels":  {Policy: MergeCombine, Combine: UnionSets},
		},
		AdjustmentNamespaces: []string{
			"finance.transaction.",
			"finance.invoice.",
			"finance.payment.",
			"inventory.stock.",
			"inventory.adjustment.",
		},
	}
}

// Engine detects and resolves conflicts. Safe for concurrent use; it
// never mutates its configuration after construction.
type Engine struct {
	config *Config
}

// NewEngine creates an engine with the given policy, or the default
// policy if config is nil.
func NewEngine(config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	return &Engine{config: config}
}

// Detection is the union of all conflict signals found for one
// mutation. A single mutation can trigger several signals at once; the
// severity is the maximum across them.
type Detection struct {
	Conflicting       bool
	Types             []schema.ConflictType
	Severity          schema.Severity
	ConflictingFields []string
	ServerVersion     int64
	ClientVersion     int64
}

// HasType reports whether the detection carries the given signal.
func (d *Detection) HasType(t schema.ConflictType) bool {
	for _, got := range d.Types {
		if got == t {
			return true
		}
	}
	return false
}

// Detect runs the three detectors in order and unions their results:
// version mismatch, field-level data conflict, server override.
func (e *Engine) Detect(m *schema.Mutation, serverData, clientData map[string]any) *Detection {
	d := &Detection{Severity: schema.SeverityLow}

	serverVersion := extractVersion(serverData)
	clientVersion := m.BaseVersion
	if clientVersion == 0 {
		clientVersion = extractVersion(clientData)
	}
	d.ServerVersion = serverVersion
	d.ClientVersion = clientVersion

	if serverVersion > clientVersion {
		d.Conflicting = true
		d.Types = append(d.Types, schema.ConflictVersionMismatch)
		d.Severity = d.Severity.Max(versionGapSeverity(serverVersion - clientVersion))
	}

	if fields := conflictingFields(serverData, clientData); len(fields) > 0 {
		d.Conflicting = true
		d.Types = append(d.Types, schema.ConflictData)
		d.ConflictingFields = fields
		d.Severity = d.Severity.Max(fieldSeverity(fields))
	}

	if serverMovedOn(serverData, m.CreatedAt) {
		d.Conflicting = true
		d.Types = append(d.Types, schema.ConflictServerOverride)
		d.Severity = d.Severity.Max(schema.SeverityMedium)
	}

	return d
}

// Resolve selects a resolution for a detected conflict via a fixed
// priority cascade, first match wins:
//
//  1. critical severity: adjustment
//  2. mutation kind in an adjustment namespace: adjustment
//  3. high severity: manual
//  4. any conflicting field has a merge rule: field_merge
//  5. otherwise: server_wins
//
// client_override is never selected here; see ApplyClientOverride.
func (e *Engine) Resolve(d *Detection, m *schema.Mutation, serverData, clientData map[string]any) *schema.Conflict {
	c := e.newConflict(d, m, serverData, clientData)

	switch {
	case d.Severity == schema.SeverityCritical:
		c.Resolution = schema.ResolutionAdjustment
	case e.inAdjustmentNamespace(m.Kind):
		c.Resolution = schema.ResolutionAdjustment
	case d.Severity == schema.SeverityHigh:
		c.Resolution = schema.ResolutionManual
	case e.hasMergeRule(d.ConflictingFields):
		c.Resolution = schema.ResolutionFieldMerge
		c.MergedData = e.mergeFields(serverData, clientData, d.ConflictingFields)
	default:
		c.Resolution = schema.ResolutionServerWins
	}

	if c.Resolution != schema.ResolutionManual {
		now := time.Now().UTC()
		c.ResolvedAt = &now
		c.ResolvedBy = "engine"
	}
	return c
}

// ApplyClientOverride records an explicit operator decision to keep the
// client's data. The override is never auto-committed: it is recorded
// as pending approval, and the mutation stays in conflict until an
// approver signs off.
func (e *Engine) ApplyClientOverride(d *Detection, m *schema.Mutation, serverData, clientData map[string]any, requestedBy string) *schema.Conflict {
	c := e.newConflict(d, m, serverData, clientData)
	c.Resolution = schema.ResolutionClientOverride
	c.PendingApproval = true
	c.ResolvedBy = requestedBy
	return c
}

// StatusFor maps a resolution outcome to the mutation's final queue
// status. Manual and pending-approval outcomes park the mutation in
// conflict; everything else completes it.
func StatusFor(c *schema.Conflict) schema.MutationStatus {
	if c.Resolution == schema.ResolutionManual || c.PendingApproval {
		return schema.StatusConflict
	}
	return schema.StatusCompleted
}

func (e *Engine) newConflict(d *Detection, m *schema.Mutation, serverData, clientData map[string]any) *schema.Conflict {
	return &schema.Conflict{
		ID:                "conf-" + uuid.NewString(),
		MutationID:        m.ID,
		Type:              primaryType(d),
		Severity:          d.Severity,
		ServerData:        serverData,
		ClientData:        clientData,
		ConflictingFields: d.ConflictingFields,
		CreatedAt:         time.Now().UTC(),
	}
}

// primaryType picks the headline signal for the conflict record when
// several fired: version mismatch outranks data conflict outranks
// server override.
func primaryType(d *Detection) schema.ConflictType {
	for _, t := range []schema.ConflictType{
		schema.ConflictVersionMismatch,
		schema.ConflictData,
		schema.ConflictServerOverride,
	} {
		if d.HasType(t) {
			return t
		}
	}
	return schema.ConflictData
}

func (e *Engine) inAdjustmentNamespace(kind string) bool {
	for _, ns := range e.config.AdjustmentNamespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}

func (e *Engine) hasMergeRule(fields []string) bool {
	for _, f := range fields {
		if _, ok := e.config.MergeRules[f]; ok {
			return true
		}
	}
	return false
}

// mergeFields builds merged data starting from the server's view, then
// applies each conflicting field's rule. Fields without a rule keep the
// server value.
func (e *Engine) mergeFields(serverData, clientData map[string]any, fields []string) map[string]any {
	merged := make(map[string]any, len(serverData))
	for k, v := range serverData {
		merged[k] = v
	}

	for _, f := range fields {
		rule, ok := e.config.MergeRules[f]
		if !ok {
			continue
		}
		merged[f] = rule.Apply(serverData[f], clientData[f])
	}
	return merged
}

func versionGapSeverity(gap int64) schema.Severity {
	switch {
	case gap > 10:
		return schema.SeverityCritical
	case gap > 5:
		return schema.SeverityHigh
	case gap > 2:
		return schema.SeverityMedium
	default:
		return schema.SeverityLow
	}
}

// conflictingFields compares server and client data field by field,
// skipping envelope fields, and returns the names whose values differ.
// A field present on one side only also counts.
func conflictingFields(serverData, clientData map[string]any) []string {
	var fields []string
	seen := make(map[string]bool)

	for k, sv := range serverData {
		if ignoredFields[k] {
			continue
		}
		seen[k] = true
		cv, ok := clientData[k]
		if !ok || !reflect.DeepEqual(normalize(sv), normalize(cv)) {
			fields = append(fields, k)
		}
	}
	for k := range clientData {
		if ignoredFields[k] || seen[k] {
			continue
		}
		fields = append(fields, k)
	}
	return fields
}

func fieldSeverity(fields []string) schema.Severity {
	severity := schema.SeverityLow
	for _, f := range fields {
		if criticalFields[f] {
			return schema.SeverityCritical
		}
		if highPriorityFields[f] {
			severity = severity.Max(schema.SeverityHigh)
		}
	}
	if severity == schema.SeverityLow && len(fields) > 5 {
		severity = schema.SeverityMedium
	}
	return severity
}

// serverMovedOn reports whether the server record changed after the
// client formed its intent.
func serverMovedOn(serverData map[string]any, clientCreatedAt time.Time) bool {
	if clientCreatedAt.IsZero() {
		return false
	}
	raw, ok := serverData["updatedAt"]
	if !ok {
		return false
	}

	var serverUpdated time.Time
	switch v := raw.(type) {
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			t, err = time.Parse(time.RFC3339, v)
			if err != nil {
				return false
			}
		}
		serverUpdated = t
	case time.Time:
		serverUpdated = v
	default:
		return false
	}
	return serverUpdated.After(clientCreatedAt)
}

// extractVersion pulls a numeric version out of record data. JSON
// decoding yields float64; stores and tests may hand us ints or digit
// strings.
func extractVersion(data map[string]any) int64 {
	raw, ok := data["version"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// normalize flattens numeric types so 3 and 3.0 compare equal across
// decode paths.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
