package page

type Page[T any] struct {
	// Records are the records found for the page requested.
	Records []T
	// TotalRecords is the total number of records available.
	TotalRecords int
	// TotalPages is the total number of pages based on Size and TotalRecords.
	TotalPages int
	Pagination
}

type Pagination struct {
	// Number is the page number requested.
	Number int
	// Size is the page size requested.
	Size int
}

// Offset converts the one-based page number into a zero-based record offset.
func (p Pagination) Offset() int {
	return (p.Number - 1) * p.Size
}

func (p Pagination) Limit() int {
	return p.Size
}

func NewPagination(pageNumber, pageSize int) Pagination {
	pagination := Pagination{
		Number: 1,
		Size:   25,
	}

	if pageNumber > 0 {
		pagination.Number = pageNumber
	}

	if pageSize > 0 && pageSize <= 1000 {
		pagination.Size = pageSize
	}

	return pagination
}

// New builds a page out of records already sliced by the storage layer.
func New[T any](records []T, pagination Pagination, total int) Page[T] {
	return Page[T]{
		Records:      records,
		TotalRecords: total,
		// Adding (Size - 1) rounds partial pages up.
		TotalPages: (total + pagination.Size - 1) / pagination.Size,
		Pagination: pagination,
	}
}

// Paginate slices an in-memory list of records into the page requested.
func Paginate[T any](records []T, pagination Pagination) Page[T] {
	page := New[T](nil, pagination, len(records))

	start := pagination.Offset()
	if start >= len(records) {
		return page
	}

	end := min(start+pagination.Size, len(records))
	page.Records = records[start:end]
	return page
}
