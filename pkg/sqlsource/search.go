package sqlsource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eunmann/s3-inv-pivot/internal/logctx"
	"github.com/eunmann/s3-inv-pivot/pkg/checkpoint"
	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
	"github.com/eunmann/s3-inv-pivot/pkg/rule"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// Source runs grouping queries against the objects table. It implements
// indexer.Searcher; SearchRequest.Source is a bucket glob ("" or "*" for
// every bucket).
type Source struct {
	store      *Store
	filter     string
	filterArgs []any
}

var _ indexer.Searcher = (*Source)(nil)

// NewSource returns a searcher over store. filter may be nil; when set, only
// objects the rule keeps take part in grouping.
func NewSource(store *Store, filter *rule.Rule, lists rule.Lists) (*Source, error) {
	s := &Source{store: store}
	if filter != nil {
		if err := filter.Validate(lists); err != nil {
			return nil, &group.ConfigurationError{Field: "filter", Reason: err.Error()}
		}
		where, args, err := compileFilter(filter, lists)
		if err != nil {
			return nil, err
		}
		s.filter, s.filterArgs = where, args
	}
	return s, nil
}

// Search returns up to req.Size groups sorting after req.After.
func (s *Source) Search(ctx context.Context, req indexer.SearchRequest) (group.Page, error) {
	start := time.Now()
	p, err := compile(req.Spec, req.Source, s.filter, s.filterArgs)
	if err != nil {
		return group.Page{}, err
	}
	size := req.Size
	if size <= 0 {
		size = group.DefaultPageSize
	}

	q, args, err := p.pageQuery(req.After, size)
	if err != nil {
		return group.Page{}, err
	}
	groups, err := s.queryGroups(ctx, p, q, args)
	if err != nil {
		return group.Page{}, err
	}

	if p.rows != nil && len(groups) > 0 {
		if err := s.attachTerms(ctx, p, groups); err != nil {
			return group.Page{}, err
		}
	}

	log := logctx.FromContext(ctx)
	log.Debug().
		Str("phase", "search").
		Str("after", req.After.String()).
		Int("groups", len(groups)).
		Dur("elapsed", time.Since(start)).
		Msg("grouping query")
	return group.NewPage(groups), nil
}

func (s *Source) queryGroups(ctx context.Context, p *plan, q string, args []any) ([]group.Group, error) {
	rows, err := s.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	ncols := len(p.keys)
	for _, a := range p.aggs {
		ncols += len(a.exprs)
	}
	raw := make([]any, ncols)
	ptrs := make([]any, ncols)
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	var groups []group.Group
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		key, err := p.scanKey(raw)
		if err != nil {
			return nil, err
		}
		values := make(map[string]value.Value, len(p.aggs)+1)
		col := len(p.keys)
		for _, a := range p.aggs {
			if a.entries == nil {
				values[a.agg.Name] = fromSQL(raw[col], a.kinds[0])
				col++
				continue
			}
			m := make(map[string]value.Value, len(a.entries))
			for j, entry := range a.entries {
				m[entry] = fromSQL(raw[col+j], a.kinds[j])
			}
			values[a.agg.Name] = value.Map(m)
			col += len(a.entries)
		}
		groups = append(groups, group.Group{Key: key, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

func (p *plan) scanKey(raw []any) (checkpoint.Checkpoint, error) {
	parts := make([]checkpoint.Part, len(p.keys))
	for i, k := range p.keys {
		parts[i] = checkpoint.Part{Name: k.name, Value: fromSQL(raw[i], k.kind)}
	}
	return checkpoint.New(parts...)
}

// attachTerms runs the top-terms query for the page's key range and sets the
// rows aggregation on each group. Groups without terms get an empty list.
func (s *Source) attachTerms(ctx context.Context, p *plan, groups []group.Group) error {
	q, args, err := p.termsQuery(groups[0].Key, groups[len(groups)-1].Key)
	if err != nil {
		return err
	}

	index := make(map[string]int, len(groups))
	for i, g := range groups {
		index[keyID(g.Key.Values())] = i
	}
	terms := make([][]value.Value, len(groups))

	rows, err := s.store.db.QueryContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("query top terms: %w", err)
	}
	defer rows.Close()

	termKind, err := FieldKind(p.rows.Field)
	if err != nil {
		return err
	}
	n := len(p.keys)
	raw := make([]any, n+2)
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	keyVals := make([]value.Value, n)
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan top term: %w", err)
		}
		for i, k := range p.keys {
			keyVals[i] = fromSQL(raw[i], k.kind)
		}
		gi, ok := index[keyID(keyVals)]
		if !ok {
			continue
		}
		terms[gi] = append(terms[gi], value.Map(map[string]value.Value{
			group.TermField:      fromSQL(raw[n], termKind),
			group.TermCountField: fromSQL(raw[n+1], value.KindInt),
		}))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate top terms: %w", err)
	}

	for i := range groups {
		groups[i].Values[p.rows.Name] = value.List(terms[i]...)
	}
	return nil
}

func keyID(vals []value.Value) string {
	var b strings.Builder
	for _, v := range vals {
		s, _ := value.EncodeScalar(v)
		b.WriteString(s)
		b.WriteByte(0)
	}
	return b.String()
}

// Count returns the number of objects in buckets matching bucketGlob that
// pass the source filter.
func (s *Source) Count(ctx context.Context, bucketGlob string) (int64, error) {
	where := []string{"1"}
	var args []any
	if bucketGlob != "" && bucketGlob != "*" {
		where = append(where, "bucket GLOB ?")
		args = append(args, bucketGlob)
	}
	if s.filter != "" {
		where = append(where, s.filter)
		args = append(args, s.filterArgs...)
	}
	var n int64
	err := s.store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM objects WHERE "+strings.Join(where, " AND "), args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count objects: %w", err)
	}
	return n, nil
}
