package circulation_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

type row struct {
	Name   string
	Status string
	Rank   int
}

func rows(n int) []row {
	out := make([]row, n)
	for i := range out {
		status := "ACTIVE"
		if i%3 == 0 {
			status = "OVERDUE"
		}
		out[i] = row{Name: fmt.Sprintf("Book %02d", i), Status: status, Rank: i % 4}
	}
	return out
}

func rowConfig() circulation.ListConfig[row] {
	return circulation.ListConfig[row]{
		SearchFields: func(r row) []string { return []string{r.Name} },
		StatusOf:     func(r row) string { return r.Status },
		Sorts: map[string]circulation.Comparator[row]{
			"name": circulation.By("name", func(r row) string { return r.Name }, false),
			"rank": circulation.By("rank", func(r row) int { return r.Rank }, false),
		},
		DefaultSort: circulation.Sort{Field: "name"},
		PageSize:    5,
	}
}

// =============================================================================
// QUERY
// =============================================================================

func TestQuery_FilterSortPage(t *testing.T) {
	records := rows(12)
	pred := circulation.Match("book", func(r row) []string { return []string{r.Name} }, "overdue", func(r row) string { return r.Status })
	byName := circulation.By("name", func(r row) string { return r.Name }, true)

	page := circulation.Query(records, pred, byName, 1, 2)

	assert.Equal(t, 4, page.Total, "0, 3, 6, 9 are overdue")
	assert.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Book 09", page.Items[0].Name)
	assert.Equal(t, "Book 06", page.Items[1].Name)
}

func TestQuery_StatusAllAndEmptySearch(t *testing.T) {
	records := rows(7)
	pred := circulation.Match("", func(r row) []string { return []string{r.Name} }, "all", func(r row) string { return r.Status })

	page := circulation.Query(records, pred, circulation.Comparator[row]{}, 1, 100)

	assert.Equal(t, 7, page.Total)
	assert.Equal(t, records, page.Items, "no comparator keeps input order")
}

func TestQuery_StableSort(t *testing.T) {
	records := rows(8)
	byRank := circulation.By("rank", func(r row) int { return r.Rank }, false)

	page := circulation.Query(records, nil, byRank, 1, 100)

	// Equal ranks keep their input order.
	var rank0 []string
	for _, r := range page.Items {
		if r.Rank == 0 {
			rank0 = append(rank0, r.Name)
		}
	}
	assert.Equal(t, []string{"Book 00", "Book 04"}, rank0)
}

func TestQuery_PageClamping(t *testing.T) {
	records := rows(12)

	past := circulation.Query(records, nil, circulation.Comparator[row]{}, 9, 5)
	assert.Equal(t, 3, past.Page)
	assert.Len(t, past.Items, 2)

	before := circulation.Query(records, nil, circulation.Comparator[row]{}, -1, 5)
	assert.Equal(t, 1, before.Page)

	empty := circulation.Query([]row{}, nil, circulation.Comparator[row]{}, 4, 5)
	assert.Equal(t, 1, empty.Page)
	assert.Equal(t, 0, empty.TotalPages)
	assert.NotNil(t, empty.Items)

	capped := circulation.Query(records, nil, circulation.Comparator[row]{}, 1, 1000)
	assert.Equal(t, circulation.MaxPageSize, capped.PageSize)
}

func TestQuery_DoesNotModifyInput(t *testing.T) {
	records := rows(5)
	orig := append([]row(nil), records...)

	circulation.Query(records, nil, circulation.By("name", func(r row) string { return r.Name }, true), 1, 10)

	assert.Equal(t, orig, records)
}

// =============================================================================
// LIST VIEW
// =============================================================================

func TestListView_FilterChangeResetsPage(t *testing.T) {
	// GIVEN: A view on page 3
	view := circulation.NewListView(rowConfig())
	records := rows(20)
	view.Result(records)
	view.SetPage(3)
	require.Equal(t, 3, view.Result(records).Page)

	// WHEN: Setting the same filter again
	view.SetFilter(circulation.Filter{})

	// THEN: Page and output are unchanged
	assert.Equal(t, 3, view.Page())
	first := view.Result(records)
	assert.Equal(t, first, view.Result(records))

	// WHEN: The filter changes
	view.SetFilter(circulation.Filter{Status: "ACTIVE"})

	// THEN: Back to page 1
	assert.Equal(t, 1, view.Page())
}

func TestListView_SortChangeResetsPage(t *testing.T) {
	view := circulation.NewListView(rowConfig())
	records := rows(20)
	view.Result(records)
	view.SetPage(2)

	require.NoError(t, view.SetSort(circulation.Sort{Field: "name"}))
	assert.Equal(t, 2, view.Page(), "same sort is a no-op")

	require.NoError(t, view.SetSort(circulation.Sort{Field: "name", Desc: true}))
	assert.Equal(t, 1, view.Page())

	page := view.Result(records)
	assert.Equal(t, "Book 19", page.Items[0].Name)
}

func TestListView_UnknownSortRejected(t *testing.T) {
	view := circulation.NewListView(rowConfig())

	err := view.SetSort(circulation.Sort{Field: "colour"})

	var sortErr *circulation.UnknownSortError
	require.ErrorAs(t, err, &sortErr)
	assert.Equal(t, "colour", sortErr.Field)
	assert.Equal(t, circulation.Sort{Field: "name"}, view.Sort(), "sort unchanged")
	assert.True(t, circulation.IsClientError(err))
}

func TestListView_PageSizeKeepsPageInRange(t *testing.T) {
	view := circulation.NewListView(rowConfig())
	records := rows(20)
	view.Result(records)
	view.SetPage(4)
	require.Equal(t, 4, view.Page())

	// 20 records at 10 per page: page 4 no longer exists.
	view.SetPageSize(10)
	assert.Equal(t, 2, view.Page())

	view.SetPageSize(2)
	assert.Equal(t, 2, view.Page(), "page still in range is kept")
}

func TestListView_ResultClampsAfterShrink(t *testing.T) {
	view := circulation.NewListView(rowConfig())
	view.Result(rows(20))
	view.SetPage(4)

	page := view.Result(rows(6))

	assert.Equal(t, 2, page.Page)
	assert.Equal(t, 2, view.Page())
}
