package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"golang.org/x/sync/errgroup"

	"github.com/c360/cloudkit/errors"
	"github.com/c360/cloudkit/natsclient"
)

// Op is a filter operator
type Op string

// Filter operators
const (
	OpEqual            Op = "=="
	OpNotEqual         Op = "!="
	OpLess             Op = "<"
	OpLessEqual        Op = "<="
	OpGreater          Op = ">"
	OpGreaterEqual     Op = ">="
	OpIn               Op = "in"
	OpNotIn            Op = "not-in"
	OpArrayContains    Op = "array-contains"
	OpArrayContainsAny Op = "array-contains-any"
)

// IDField addresses the document id in Where and OrderBy
const IDField = "__id__"

// Direction orders query results
type Direction int

// Sort directions
const (
	Asc Direction = iota
	Desc
)

type constraintKind int

const (
	kindWhere constraintKind = iota
	kindOrder
	kindLimit
)

// Constraint is one query clause built by Where, OrderBy or Limit
type Constraint struct {
	kind  constraintKind
	field string
	op    Op
	value any
	dir   Direction
	limit int
}

// Where filters on field (a dotted path) compared to value with op
func Where(field string, op Op, value any) Constraint {
	return Constraint{kind: kindWhere, field: field, op: op, value: value}
}

// OrderBy sorts by field. Documents lacking the field are excluded.
func OrderBy(field string, dir Direction) Constraint {
	return Constraint{kind: kindOrder, field: field, dir: dir}
}

// Limit caps the number of results
func Limit(n int) Constraint {
	return Constraint{kind: kindLimit, limit: n}
}

// String renders the constraint for logs
func (c Constraint) String() string {
	switch c.kind {
	case kindWhere:
		return fmt.Sprintf("where %s %s %v", c.field, c.op, c.value)
	case kindOrder:
		dir := "asc"
		if c.dir == Desc {
			dir = "desc"
		}
		return fmt.Sprintf("order by %s %s", c.field, dir)
	default:
		return fmt.Sprintf("limit %d", c.limit)
	}
}

// RawRecord is a stored document with its id and revision
type RawRecord struct {
	ID       string
	Data     json.RawMessage
	Revision uint64

	decoded any
}

type plan struct {
	filter  cel.Program
	vars    map[string]any
	orders  []Constraint
	limit   int
	filters int
}

// compile turns the constraints into a CEL program over the variables doc, id and v0..vN
func compile(constraints []Constraint) (*plan, error) {
	p := &plan{vars: map[string]any{}}
	var clauses []string
	opts := []cel.EnvOption{
		cel.Variable("doc", cel.DynType),
		cel.Variable("id", cel.StringType),
	}

	for _, c := range constraints {
		switch c.kind {
		case kindOrder:
			if _, err := splitPath(c.field); err != nil && c.field != IDField {
				return nil, err
			}
			p.orders = append(p.orders, c)
		case kindLimit:
			if c.limit <= 0 {
				return nil, fmt.Errorf("limit must be positive, got %d", c.limit)
			}
			p.limit = c.limit
		case kindWhere:
			name := "v" + strconv.Itoa(p.filters)
			p.filters++

			value, err := normalize(c.value)
			if err != nil {
				return nil, fmt.Errorf("where %s: %w", c.field, err)
			}
			clause, err := clauseFor(c.field, c.op, name, value)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, clause)
			p.vars[name] = value
			opts = append(opts, cel.Variable(name, cel.DynType))
		}
	}

	if len(clauses) == 0 {
		return p, nil
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(strings.Join(clauses, " && "))
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	p.filter = prog
	return p, nil
}

// fieldExpr builds a CEL selector for a dotted path using index syntax so any key is allowed
func fieldExpr(field string) (string, error) {
	if field == IDField {
		return "id", nil
	}
	parts, err := splitPath(field)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("doc")
	for _, part := range parts {
		b.WriteString("[")
		b.WriteString(strconv.Quote(part))
		b.WriteString("]")
	}
	return b.String(), nil
}

func clauseFor(field string, op Op, name string, value any) (string, error) {
	sel, err := fieldExpr(field)
	if err != nil {
		return "", err
	}

	switch op {
	case OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		return fmt.Sprintf("(%s %s %s)", sel, op, name), nil
	case OpArrayContains:
		return fmt.Sprintf("(%s in %s)", name, sel), nil
	case OpIn, OpNotIn, OpArrayContainsAny:
		if _, ok := value.([]any); !ok {
			return "", fmt.Errorf("operator %s on %s requires a list value", op, field)
		}
		switch op {
		case OpIn:
			return fmt.Sprintf("(%s in %s)", sel, name), nil
		case OpNotIn:
			return fmt.Sprintf("!(%s in %s)", sel, name), nil
		default:
			return fmt.Sprintf("%s.exists(x, x in %s)", sel, name), nil
		}
	default:
		return "", fmt.Errorf("unsupported operator %q", op)
	}
}

// match evaluates the filter; evaluation errors (a missing field, mismatched types) do not match
func (p *plan) match(rec *RawRecord) bool {
	if p.filter == nil {
		return true
	}
	activation := make(map[string]any, len(p.vars)+2)
	for k, v := range p.vars {
		activation[k] = v
	}
	activation["doc"] = rec.decoded
	activation["id"] = rec.ID

	out, _, err := p.filter.Eval(activation)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (p *plan) orderValue(rec *RawRecord, field string) (any, bool) {
	if field == IDField {
		return rec.ID, true
	}
	return getField(rec.decoded, field)
}

// apply sorts and truncates the matched records
func (p *plan) apply(records []*RawRecord) []*RawRecord {
	orders := p.orders
	if len(orders) > 0 {
		kept := records[:0]
		for _, rec := range records {
			missing := false
			for _, o := range orders {
				if _, ok := p.orderValue(rec, o.field); !ok {
					missing = true
					break
				}
			}
			if !missing {
				kept = append(kept, rec)
			}
		}
		records = kept
	}

	sort.SliceStable(records, func(i, j int) bool {
		for _, o := range orders {
			a, _ := p.orderValue(records[i], o.field)
			b, _ := p.orderValue(records[j], o.field)
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if o.dir == Desc {
				return c > 0
			}
			return c < 0
		}
		return records[i].ID < records[j].ID
	})

	if p.limit > 0 && len(records) > p.limit {
		records = records[:p.limit]
	}
	return records
}

// typeRank orders values of different JSON types: null, bool, number, string, array, object
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case string:
		return strings.Compare(x, b.(string))
	case []any:
		y := b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := compareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return len(x) - len(y)
	default:
		return 0
	}
}

// QueryRaw returns the documents of collection matching constraints. The documents are read
// in parallel; one removed between listing and reading is skipped.
func (f *Facade) QueryRaw(ctx context.Context, collection string, constraints ...Constraint) (out []RawRecord, err error) {
	o := f.begin("query", collection)
	defer func() { err = o.end(err) }()

	if err := validateCollection("query", collection); err != nil {
		return nil, err
	}

	p, err := compile(constraints)
	if err != nil {
		return nil, errors.NewDocumentError(errors.CodeInvalidArgument, "query", collection,
			fmt.Sprintf("invalid query on %s: %v", collection, err), err)
	}

	b, err := f.bucket(ctx, collection)
	if err != nil {
		return nil, wrapError("query", collection, err)
	}

	keys, err := b.Keys(ctx)
	if err != nil {
		return nil, wrapError("query", collection, err)
	}

	var (
		mu      sync.Mutex
		matched = make([]*RawRecord, 0, len(keys))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for _, key := range keys {
		g.Go(func() error {
			entry, err := b.Get(gctx, key)
			if err != nil {
				if errors.Is(err, natsclient.ErrKVKeyNotFound) {
					return nil
				}
				return err
			}

			rec := &RawRecord{ID: key, Data: entry.Value, Revision: entry.Revision}
			if err := json.Unmarshal(entry.Value, &rec.decoded); err != nil {
				f.logger.Warn("Skipping undecodable document", "path", Path(collection, key), "error", err)
				return nil
			}
			if !p.match(rec) {
				return nil
			}

			mu.Lock()
			matched = append(matched, rec)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, wrapError("query", collection, err)
	}

	results := p.apply(matched)
	out = make([]RawRecord, 0, len(results))
	for _, rec := range results {
		out = append(out, *rec)
	}
	return out, nil
}
