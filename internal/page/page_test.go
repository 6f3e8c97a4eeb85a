package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPagination_Defaults(t *testing.T) {
	pagination := NewPagination(0, 0)
	assert.Equal(t, 1, pagination.Number)
	assert.Equal(t, 25, pagination.Size)

	pagination = NewPagination(3, 5000)
	assert.Equal(t, 3, pagination.Number)
	assert.Equal(t, 25, pagination.Size)
}

func TestPagination_Offset(t *testing.T) {
	pagination := NewPagination(3, 10)
	assert.Equal(t, 20, pagination.Offset())
	assert.Equal(t, 10, pagination.Limit())
}

func TestNew_RoundsPartialPagesUp(t *testing.T) {
	page := New([]int{1, 2, 3}, NewPagination(1, 2), 3)
	assert.Equal(t, 3, page.TotalRecords)
	assert.Equal(t, 2, page.TotalPages)
}

func TestPaginate(t *testing.T) {
	records := []int{1, 2, 3, 4, 5}

	page := Paginate(records, NewPagination(2, 2))
	assert.Equal(t, []int{3, 4}, page.Records)
	assert.Equal(t, 5, page.TotalRecords)
	assert.Equal(t, 3, page.TotalPages)

	page = Paginate(records, NewPagination(4, 2))
	assert.Empty(t, page.Records)
}
