/*
view.go - Unified ledger view over every payment source

PURPOSE:
  Answers "show me the payments" across gateway transactions, registration
  fees, course fees and manual entries as if they were one table.

HOW IT WORKS:
  1. ParseFilter validates the raw filter before any query runs
  2. Inside one read transaction (View), every SourceAdapter applies the
     same Filter to its own table, so rows and aggregates share a snapshot
  3. Each adapter returns its first page*size rows in (created_at desc, id asc)
  4. The rows are merged by (createdAt desc, sourceType asc, id asc) and the
     requested window is cut out of the merge
  5. Aggregates come from each adapter's Summarize over the whole filtered
     set and are added together, so Total always equals the sum of the
     per-source counts

  Taking page*size rows from each source is enough: any row in the window
  is within the first page*size rows of its own source.

SEE ALSO:
  - store.go: SourceAdapter
  - store/sqlite/sources.go: the four adapters
*/
package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
	MaxPage         = 10_000
	DateLayout      = "2006-01-02"
)

// =============================================================================
// FILTER
// =============================================================================

// FilterParams is the raw, unvalidated filter as it arrives from a caller.
type FilterParams struct {
	Status        string
	PaymentMethod string
	ProgramType   string
	SourceType    string
	DateFrom      string
	DateTo        string
	Search        string
}

// Filter is a validated filter. Zero values mean "any".
type Filter struct {
	Status        PaymentStatus
	PaymentMethod string
	ProgramType   string
	SourceType    SourceType

	// From is inclusive, Until exclusive (the day after DateTo).
	From  *time.Time
	Until *time.Time

	Search string
}

// ParseFilter rejects malformed values before any adapter is queried.
func ParseFilter(p FilterParams) (Filter, error) {
	f := Filter{
		PaymentMethod: strings.TrimSpace(p.PaymentMethod),
		ProgramType:   strings.TrimSpace(p.ProgramType),
		Search:        strings.TrimSpace(p.Search),
	}

	if v := strings.TrimSpace(p.Status); v != "" {
		f.Status = PaymentStatus(v)
		if !f.Status.Valid() {
			return Filter{}, invalid("status", "unknown status %q", v)
		}
	}
	if v := strings.TrimSpace(p.SourceType); v != "" {
		f.SourceType = SourceType(v)
		if !f.SourceType.Valid() {
			return Filter{}, invalid("source_type", "unknown source type %q", v)
		}
	}
	if v := strings.TrimSpace(p.DateFrom); v != "" {
		t, err := time.Parse(DateLayout, v)
		if err != nil {
			return Filter{}, invalid("date_from", "expected YYYY-MM-DD, got %q", v)
		}
		f.From = &t
	}
	if v := strings.TrimSpace(p.DateTo); v != "" {
		t, err := time.Parse(DateLayout, v)
		if err != nil {
			return Filter{}, invalid("date_to", "expected YYYY-MM-DD, got %q", v)
		}
		until := t.AddDate(0, 0, 1)
		f.Until = &until
	}
	if f.From != nil && f.Until != nil && !f.From.Before(*f.Until) {
		return Filter{}, invalid("date_from", "must not be after date_to")
	}
	return f, nil
}

// Includes reports whether the filter admits a source at all.
func (f Filter) Includes(s SourceType) bool {
	return f.SourceType == "" || f.SourceType == s
}

// =============================================================================
// AGGREGATES
// =============================================================================

type Bucket struct {
	Count int64           `json:"count"`
	Sum   decimal.Decimal `json:"sum"`
}

func (b Bucket) Add(o Bucket) Bucket {
	return Bucket{Count: b.Count + o.Count, Sum: b.Sum.Add(o.Sum)}
}

// Aggregates are counts and exact sums over a filtered set.
type Aggregates struct {
	Total    Bucket                   `json:"total"`
	ByStatus map[PaymentStatus]Bucket `json:"by_status"`
	ByMethod map[string]Bucket        `json:"by_method"`
	BySource map[SourceType]Bucket    `json:"by_source"`
}

func NewAggregates() Aggregates {
	return Aggregates{
		ByStatus: make(map[PaymentStatus]Bucket),
		ByMethod: make(map[string]Bucket),
		BySource: make(map[SourceType]Bucket),
	}
}

// Merge adds o into a.
func (a *Aggregates) Merge(o Aggregates) {
	if a.ByStatus == nil {
		*a = NewAggregates()
	}
	a.Total = a.Total.Add(o.Total)
	for k, v := range o.ByStatus {
		a.ByStatus[k] = a.ByStatus[k].Add(v)
	}
	for k, v := range o.ByMethod {
		a.ByMethod[k] = a.ByMethod[k].Add(v)
	}
	for k, v := range o.BySource {
		a.BySource[k] = a.BySource[k].Add(v)
	}
}

// =============================================================================
// QUERY
// =============================================================================

type PageRequest struct {
	Page     int
	PageSize int
}

// Normalize applies defaults and caps the page number and size.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

type LedgerPage struct {
	Rows       []PaymentRecord
	Total      int64
	Page       int
	PageSize   int
	Aggregates Aggregates
}

// Query returns one page of the unified ledger plus aggregates over the
// whole filtered set.
func (s *Service) Query(ctx context.Context, rc RequestContext, f Filter, p PageRequest) (*LedgerPage, error) {
	if err := s.authorizeRead(rc); err != nil {
		return nil, err
	}
	p = p.Normalize()
	limit := p.Page * p.PageSize

	page := &LedgerPage{Page: p.Page, PageSize: p.PageSize, Aggregates: NewAggregates()}
	var (
		merged  []PaymentRecord
		queried int
	)
	err := s.Store.View(ctx, func(st Store) error {
		for _, src := range s.Sources {
			if !f.Includes(src.Source()) {
				continue
			}
			if bound, ok := st.Source(src.Source()); ok {
				src = bound
			}
			r, err := src.List(ctx, f, limit)
			if err != nil {
				return Persist("list "+string(src.Source()), err)
			}
			a, err := src.Summarize(ctx, f)
			if err != nil {
				return Persist("summarize "+string(src.Source()), err)
			}
			merged = append(merged, r...)
			page.Aggregates.Merge(a)
			queried++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	page.Total = page.Aggregates.Total.Count

	SortRecords(merged)
	page.Rows = window(merged, p)

	s.log().Debug("ledger query",
		zap.Int("sources", queried),
		zap.Int64("total", page.Total),
		zap.Int("page", p.Page),
		zap.Int("rows", len(page.Rows)))
	return page, nil
}

// SortRecords orders by createdAt desc, then (sourceType, id) ascending.
func SortRecords(rs []PaymentRecord) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if a.SourceType != b.SourceType {
			return a.SourceType < b.SourceType
		}
		return a.ID < b.ID
	})
}

func window(rs []PaymentRecord, p PageRequest) []PaymentRecord {
	start := (p.Page - 1) * p.PageSize
	if start >= len(rs) {
		return []PaymentRecord{}
	}
	end := min(start+p.PageSize, len(rs))
	return rs[start:end]
}
