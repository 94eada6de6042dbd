/*
query.go - Filter, sort and paginate record lists

PURPOSE:
  Every list screen (loans, reservations, users, books) runs the same three
  steps over an in-memory slice: keep the records matching a free-text search
  and a status filter, sort them by one field, then cut out one page. This
  file implements those steps once, generically.

PAGE RULES (ListView):
  - Changing the filter or the sort always goes back to page 1.
  - Setting the same filter or sort again changes nothing.
  - Changing the page size keeps the current page when it still exists,
    otherwise moves to the last page.

SORTING:
  Sorting is stable: records that compare equal keep their input order, in
  both ascending and descending order.

EXAMPLE:
  view := circulation.NewListView(circulation.ListConfig[Loan]{
      SearchFields: func(l Loan) []string { return []string{string(l.ID), l.Notes} },
      StatusOf:     func(l Loan) string { return string(l.Status(now)) },
      Sorts: map[string]circulation.Comparator[Loan]{
          "due_date": circulation.ByTime("due_date", func(l Loan) time.Time { return l.DueDate }, false),
      },
  })
  view.SetFilter(circulation.Filter{Status: "OVERDUE"})
  page := view.Result(loans)
*/
package circulation

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// Predicate selects records.
type Predicate[T any] func(T) bool

// All matches every record.
func All[T any]() Predicate[T] { return func(T) bool { return true } }

// And matches records accepted by every predicate.
func And[T any](preds ...Predicate[T]) Predicate[T] {
	return func(v T) bool {
		for _, p := range preds {
			if p != nil && !p(v) {
				return false
			}
		}
		return true
	}
}

// Match builds the standard list predicate: a case-insensitive substring
// search over the fields returned by fields, AND an optional status equality.
// An empty search or status (or status "all") does not filter.
func Match[T any](search string, fields func(T) []string, status string, statusOf func(T) string) Predicate[T] {
	needle := strings.ToLower(strings.TrimSpace(search))
	status = strings.TrimSpace(status)
	filterStatus := status != "" && !strings.EqualFold(status, "all") && statusOf != nil

	return func(v T) bool {
		if filterStatus && !strings.EqualFold(statusOf(v), status) {
			return false
		}
		if needle == "" || fields == nil {
			return true
		}
		for _, f := range fields(v) {
			if strings.Contains(strings.ToLower(f), needle) {
				return true
			}
		}
		return false
	}
}

// Comparator orders records by one field.
type Comparator[T any] struct {
	Name       string
	Compare    func(a, b T) int
	Descending bool
}

// By compares records by an ordered key.
func By[T any, K cmp.Ordered](name string, key func(T) K, desc bool) Comparator[T] {
	return Comparator[T]{
		Name:       name,
		Compare:    func(a, b T) int { return cmp.Compare(key(a), key(b)) },
		Descending: desc,
	}
}

// ByTime compares records by a timestamp.
func ByTime[T any](name string, key func(T) time.Time, desc bool) Comparator[T] {
	return Comparator[T]{
		Name:       name,
		Compare:    func(a, b T) int { return key(a).Compare(key(b)) },
		Descending: desc,
	}
}

// Direction returns a copy of c sorting in the given direction.
func (c Comparator[T]) Direction(desc bool) Comparator[T] {
	c.Descending = desc
	return c
}

func (c Comparator[T]) sort(records []T) {
	if c.Compare == nil {
		return
	}
	compare := c.Compare
	if c.Descending {
		compare = func(a, b T) int { return c.Compare(b, a) }
	}
	slices.SortStableFunc(records, compare)
}

// Page is one page of a query result.
type Page[T any] struct {
	Items      []T
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// Query filters records with pred, sorts them with c and returns the requested
// page. The input slice is not modified. Pages are 1-based; a page past the
// end is clamped to the last page.
func Query[T any](records []T, pred Predicate[T], c Comparator[T], page, pageSize int) Page[T] {
	if pred == nil {
		pred = All[T]()
	}
	pageSize = normalizePageSize(pageSize)

	matched := make([]T, 0, len(records))
	for _, r := range records {
		if pred(r) {
			matched = append(matched, r)
		}
	}
	c.sort(matched)

	total := len(matched)
	pages := totalPages(total, pageSize)
	page = clampPage(page, pages)

	start := (page - 1) * pageSize
	end := min(start+pageSize, total)
	items := []T{}
	if start < end {
		items = matched[start:end]
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: pages,
	}
}

func normalizePageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	}
	return n
}

func totalPages(total, pageSize int) int {
	return (total + pageSize - 1) / pageSize
}

func clampPage(page, pages int) int {
	if page < 1 {
		return 1
	}
	if pages > 0 && page > pages {
		return pages
	}
	if pages == 0 {
		return 1
	}
	return page
}

// =============================================================================
// LIST VIEW - Filter/sort/page state of one list screen
// =============================================================================

type Filter struct {
	Search string
	Status string
}

type Sort struct {
	Field string
	Desc  bool
}

// ListConfig describes how a record type is searched, filtered and sorted.
type ListConfig[T any] struct {
	SearchFields func(T) []string
	StatusOf     func(T) string
	Sorts        map[string]Comparator[T]
	DefaultSort  Sort
	PageSize     int
}

// ListView holds the state of one list screen. It is not safe for concurrent use.
type ListView[T any] struct {
	cfg      ListConfig[T]
	filter   Filter
	sort     Sort
	page     int
	pageSize int
	total    int
}

func NewListView[T any](cfg ListConfig[T]) *ListView[T] {
	return &ListView[T]{
		cfg:      cfg,
		sort:     cfg.DefaultSort,
		page:     1,
		pageSize: normalizePageSize(cfg.PageSize),
	}
}

func (v *ListView[T]) Filter() Filter { return v.filter }
func (v *ListView[T]) Sort() Sort     { return v.sort }
func (v *ListView[T]) Page() int      { return v.page }
func (v *ListView[T]) PageSize() int  { return v.pageSize }

// SetFilter replaces the filter. A different filter resets to page 1.
func (v *ListView[T]) SetFilter(f Filter) {
	if f == v.filter {
		return
	}
	v.filter = f
	v.page = 1
}

// SetSort replaces the sort. A different sort resets to page 1.
func (v *ListView[T]) SetSort(s Sort) error {
	if s.Field != "" {
		if _, ok := v.cfg.Sorts[s.Field]; !ok {
			return &UnknownSortError{Field: s.Field}
		}
	}
	if s == v.sort {
		return nil
	}
	v.sort = s
	v.page = 1
	return nil
}

// SetPageSize changes the page size, keeping the current page if it still
// exists for the last seen result size.
func (v *ListView[T]) SetPageSize(n int) {
	v.pageSize = normalizePageSize(n)
	v.page = clampPage(v.page, totalPages(v.total, v.pageSize))
}

func (v *ListView[T]) SetPage(p int) {
	v.page = clampPage(p, totalPages(v.total, v.pageSize))
	if v.total == 0 && p > 1 {
		// Nothing seen yet; keep the request and let Result clamp it.
		v.page = p
	}
}

// Predicate returns the predicate for the current filter.
func (v *ListView[T]) Predicate() Predicate[T] {
	return Match(v.filter.Search, v.cfg.SearchFields, v.filter.Status, v.cfg.StatusOf)
}

// Comparator returns the comparator for the current sort.
func (v *ListView[T]) Comparator() Comparator[T] {
	c, ok := v.cfg.Sorts[v.sort.Field]
	if !ok {
		return Comparator[T]{}
	}
	return c.Direction(v.sort.Desc)
}

// Result runs the query for the current state and remembers the result size.
func (v *ListView[T]) Result(records []T) Page[T] {
	page := Query(records, v.Predicate(), v.Comparator(), v.page, v.pageSize)
	v.total = page.Total
	v.page = page.Page
	return page
}
