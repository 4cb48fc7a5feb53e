package conflict

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy selects how a detected conflict is resolved. The set is
// closed: Resolve switches over every strategy and rejects anything
// else, so adding one is a compile-visible change.
type Strategy string

const (
	SourceWins     Strategy = "SOURCE_WINS"
	TargetWins     Strategy = "TARGET_WINS"
	TimestampBased Strategy = "TIMESTAMP_BASED"
	VersionBased   Strategy = "VERSION_BASED"
	MergeValues    Strategy = "MERGE_VALUES"
	FieldLevel     Strategy = "FIELD_LEVEL_RESOLUTION"
	Manual         Strategy = "MANUAL_RESOLUTION"
)

// Type classifies what kind of divergence was detected.
type Type string

const (
	TypeDeletion  Type = "DELETION"
	TypeTimestamp Type = "TIMESTAMP"
	TypeVersion   Type = "VERSION"
	TypeValue     Type = "VALUE"
)

// ErrManualRequired is returned when a conflict configured for manual
// resolution reaches Resolve without an externally supplied result.
var ErrManualRequired = errors.New("conflict requires manual resolution")

// Conflict describes one detected divergence between the source and
// target versions of the same record. Scoped to a single sync pass.
type Conflict struct {
	Table      string                 `json:"table"`
	PrimaryKey map[string]interface{} `json:"primary_key,omitempty"`
	Fields     []string               `json:"fields"`
	Type       Type                   `json:"type"`
	Source     map[string]interface{} `json:"source"`
	Target     map[string]interface{} `json:"target"`
}

// Resolution is the outcome of resolving one conflict. StrategyUsed
// reports the strategy that actually produced Resolved, which may
// differ from the requested one when a fallback applied.
type Resolution struct {
	Resolved     map[string]interface{} `json:"resolved"`
	StrategyUsed Strategy               `json:"strategy_used"`
	Conflict     *Conflict              `json:"conflict"`
}

// FieldResolver picks a winning value for a single field.
type FieldResolver func(field string, source, target interface{}) interface{}

// Resolver detects and resolves conflicts between record versions.
type Resolver struct {
	logger          *logrus.Logger
	defaultStrategy Strategy
	timestampField  string
	versionField    string
	fieldResolvers  map[string]FieldResolver
}

// NewResolver creates a resolver. The tracked timestamp and version
// fields default to "updated_at" and "version".
func NewResolver(defaultStrategy Strategy, logger *logrus.Logger) *Resolver {
	if defaultStrategy == "" {
		defaultStrategy = SourceWins
	}
	return &Resolver{
		logger:          logger,
		defaultStrategy: defaultStrategy,
		timestampField:  "updated_at",
		versionField:    "version",
		fieldResolvers:  make(map[string]FieldResolver),
	}
}

// SetTrackedFields overrides the field names consulted by
// TimestampBased and VersionBased resolution.
func (r *Resolver) SetTrackedFields(timestampField, versionField string) {
	if timestampField != "" {
		r.timestampField = timestampField
	}
	if versionField != "" {
		r.versionField = versionField
	}
}

// RegisterFieldResolver installs a per-field resolver used by the
// FieldLevel strategy.
func (r *Resolver) RegisterFieldResolver(field string, fn FieldResolver) {
	r.fieldResolvers[field] = fn
}

// DefaultStrategy returns the strategy applied when a caller passes an
// empty one.
func (r *Resolver) DefaultStrategy() Strategy {
	return r.defaultStrategy
}

// Detect compares the source and target versions of one record and
// returns the conflict between them, or nil when they agree. The
// conflicting-field set is the same regardless of argument order.
func (r *Resolver) Detect(table string, primaryKey, source, target map[string]interface{}) *Conflict {
	if reflect.DeepEqual(source, target) {
		return nil
	}

	fields := make([]string, 0)
	seen := make(map[string]bool)
	for key, sv := range source {
		tv, ok := target[key]
		if !ok || !reflect.DeepEqual(sv, tv) {
			fields = append(fields, key)
			seen[key] = true
		}
	}
	for key := range target {
		if _, ok := source[key]; !ok && !seen[key] {
			fields = append(fields, key)
		}
	}
	sort.Strings(fields)

	c := &Conflict{
		Table:      table,
		PrimaryKey: primaryKey,
		Fields:     fields,
		Source:     source,
		Target:     target,
	}
	c.Type = r.classify(c)

	if r.logger != nil {
		r.logger.Debugf("Detected %s conflict on %s (%d fields)", c.Type, table, len(fields))
	}
	return c
}

func (r *Resolver) classify(c *Conflict) Type {
	if len(c.Source) == 0 || len(c.Target) == 0 {
		return TypeDeletion
	}
	for _, f := range c.Fields {
		if f == r.timestampField {
			return TypeTimestamp
		}
	}
	for _, f := range c.Fields {
		if f == r.versionField {
			return TypeVersion
		}
	}
	return TypeValue
}

// Resolve picks a winning record for the conflict using the given
// strategy, falling back to the resolver's default when strategy is
// empty. The returned resolution always names the strategy that
// actually applied.
func (r *Resolver) Resolve(c *Conflict, strategy Strategy) (*Resolution, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot resolve nil conflict")
	}
	if strategy == "" {
		strategy = r.defaultStrategy
	}

	switch strategy {
	case SourceWins:
		return r.pickSide(c, c.Source, SourceWins), nil
	case TargetWins:
		return r.pickSide(c, c.Target, TargetWins), nil
	case TimestampBased:
		return r.resolveByField(c, r.timestampField, TimestampBased), nil
	case VersionBased:
		return r.resolveByField(c, r.versionField, VersionBased), nil
	case MergeValues:
		return r.mergeValues(c), nil
	case FieldLevel:
		return r.resolveFieldLevel(c), nil
	case Manual:
		return nil, ErrManualRequired
	default:
		return nil, fmt.Errorf("unknown conflict resolution strategy %q", strategy)
	}
}

// ResolveManual records an externally supplied resolution.
func (r *Resolver) ResolveManual(c *Conflict, resolved map[string]interface{}) (*Resolution, error) {
	if c == nil {
		return nil, fmt.Errorf("cannot resolve nil conflict")
	}
	if resolved == nil {
		return nil, fmt.Errorf("manual resolution requires a resolved record")
	}
	return &Resolution{
		Resolved:     copyRecord(resolved),
		StrategyUsed: Manual,
		Conflict:     c,
	}, nil
}

func (r *Resolver) pickSide(c *Conflict, side map[string]interface{}, used Strategy) *Resolution {
	return &Resolution{
		Resolved:     copyRecord(side),
		StrategyUsed: used,
		Conflict:     c,
	}
}

// resolveByField picks the side with the larger tracked field value.
// If either side lacks the field or it cannot be ordered, resolution
// falls back to SourceWins rather than failing.
func (r *Resolver) resolveByField(c *Conflict, field string, used Strategy) *Resolution {
	sv, sok := orderable(c.Source[field])
	tv, tok := orderable(c.Target[field])
	if !sok || !tok {
		if r.logger != nil {
			r.logger.Debugf("Field %q not comparable on both sides, falling back to source wins", field)
		}
		return r.pickSide(c, c.Source, SourceWins)
	}
	if tv > sv {
		return r.pickSide(c, c.Target, used)
	}
	return r.pickSide(c, c.Source, used)
}

func (r *Resolver) mergeValues(c *Conflict) *Resolution {
	merged := make(map[string]interface{}, len(c.Source)+len(c.Target))
	for key, sv := range c.Source {
		tv, ok := c.Target[key]
		if !ok {
			merged[key] = sv
			continue
		}
		merged[key] = mergeField(sv, tv)
	}
	for key, tv := range c.Target {
		if _, ok := c.Source[key]; !ok {
			merged[key] = tv
		}
	}
	return &Resolution{
		Resolved:     merged,
		StrategyUsed: MergeValues,
		Conflict:     c,
	}
}

func (r *Resolver) resolveFieldLevel(c *Conflict) *Resolution {
	resolved := copyRecord(c.Source)
	for key, tv := range c.Target {
		if _, ok := resolved[key]; !ok {
			resolved[key] = tv
		}
	}
	for _, field := range c.Fields {
		if fn, ok := r.fieldResolvers[field]; ok {
			resolved[field] = fn(field, c.Source[field], c.Target[field])
		}
	}
	return &Resolution{
		Resolved:     resolved,
		StrategyUsed: FieldLevel,
		Conflict:     c,
	}
}

// mergeField combines one field: larger number, longer string,
// otherwise the source value.
func mergeField(sv, tv interface{}) interface{} {
	if sn, ok := asFloat(sv); ok {
		if tn, ok := asFloat(tv); ok {
			if tn > sn {
				return tv
			}
			return sv
		}
	}
	if ss, ok := sv.(string); ok {
		if ts, ok := tv.(string); ok {
			if len(ts) > len(ss) {
				return tv
			}
			return sv
		}
	}
	return sv
}

// orderable maps a tracked field value onto a totally ordered float.
// Times compare by epoch nanoseconds, RFC3339 strings are parsed,
// numbers compare directly.
func orderable(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case time.Time:
		return float64(t.UnixNano()), true
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return float64(ts.UnixNano()), true
		}
		return 0, false
	default:
		return asFloat(v)
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func copyRecord(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
