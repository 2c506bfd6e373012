// Package pagination windows an ordered collection into pages.
//
// A Paginator never holds the collection itself, only its length, so the
// same value can follow a view whose contents change underneath it: every
// change to the item count or page size recomputes the derived values and
// pulls the current page back into range.
package pagination

import "anoa.com/communityforum/pkg/dto"

const DefaultItemsPerPage = 10

type Paginator struct {
	totalItems   int
	itemsPerPage int
	currentPage  int
}

// New returns a paginator positioned on page 1. A non-positive page size
// falls back to DefaultItemsPerPage.
func New(totalItems, itemsPerPage int) *Paginator {
	p := &Paginator{currentPage: 1}
	p.itemsPerPage = normalizePageSize(itemsPerPage)
	p.totalItems = max(totalItems, 0)
	return p
}

func normalizePageSize(n int) int {
	if n <= 0 {
		return DefaultItemsPerPage
	}
	return n
}

func (p *Paginator) TotalItems() int   { return p.totalItems }
func (p *Paginator) ItemsPerPage() int { return p.itemsPerPage }
func (p *Paginator) CurrentPage() int  { return p.currentPage }

// TotalPages is ceil(totalItems / itemsPerPage), and 0 for an empty collection.
func (p *Paginator) TotalPages() int {
	if p.totalItems == 0 {
		return 0
	}
	return (p.totalItems + p.itemsPerPage - 1) / p.itemsPerPage
}

// StartIndex and EndIndex bound the current page as a half-open window.
// EndIndex may run past TotalItems on the last page; Slice clips it.
func (p *Paginator) StartIndex() int {
	return (p.currentPage - 1) * p.itemsPerPage
}

func (p *Paginator) EndIndex() int {
	return p.StartIndex() + p.itemsPerPage
}

func (p *Paginator) CanGoNext() bool {
	return p.currentPage < p.TotalPages()
}

func (p *Paginator) CanGoPrevious() bool {
	return p.currentPage > 1
}

func (p *Paginator) GoToNext() {
	if p.CanGoNext() {
		p.currentPage++
	}
}

func (p *Paginator) GoToPrevious() {
	if p.CanGoPrevious() {
		p.currentPage--
	}
}

// GoToPage moves to page n when 1 <= n <= TotalPages and reports whether it moved.
// Out-of-range requests leave the paginator untouched.
func (p *Paginator) GoToPage(n int) bool {
	if n < 1 || n > p.TotalPages() {
		return false
	}
	p.currentPage = n
	return true
}

func (p *Paginator) Reset() {
	p.currentPage = 1
}

func (p *Paginator) SetTotalItems(n int) {
	p.totalItems = max(n, 0)
	p.clamp()
}

func (p *Paginator) SetItemsPerPage(n int) {
	p.itemsPerPage = normalizePageSize(n)
	p.clamp()
}

func (p *Paginator) clamp() {
	total := p.TotalPages()
	switch {
	case total == 0:
		p.currentPage = 1
	case p.currentPage > total:
		p.currentPage = total
	case p.currentPage < 1:
		p.currentPage = 1
	}
}

// Meta renders the paginator as the response metadata used by list endpoints.
func (p *Paginator) Meta() dto.PaginationMeta {
	return dto.PaginationMeta{
		CurrentPage: p.currentPage,
		TotalPages:  p.TotalPages(),
		TotalItems:  int64(p.totalItems),
		Limit:       p.itemsPerPage,
		HasNext:     p.CanGoNext(),
		HasPrevious: p.CanGoPrevious(),
	}
}

// Slice returns the current page of items. The paginator's item count is
// synced to len(items) first.
func Slice[T any](items []T, p *Paginator) []T {
	p.SetTotalItems(len(items))
	if len(items) == 0 {
		return []T{}
	}
	start := p.StartIndex()
	end := min(p.EndIndex(), len(items))
	return items[start:end]
}
