package model

// SortOrder controls the timestamp ordering of data point queries.
type SortOrder string

const (
	// SortAsc orders points oldest first.
	SortAsc SortOrder = "asc"
	// SortDesc orders points newest first.
	SortDesc SortOrder = "desc"
)

// QueryOptions narrows a data point query. All fields are optional; nil
// means unconstrained. Time bounds are half-open: Start inclusive, End
// exclusive, in milliseconds since epoch.
type QueryOptions struct {
	Start *int64
	End   *int64

	// ExistsInRemote filters on the remote-presence flag when set.
	ExistsInRemote *bool

	// Limit caps the result count. Nil is unbounded; negative is invalid.
	Limit *int

	// Sort orders the results; empty defaults to ascending.
	Sort SortOrder

	// Interval is an optional server-side aggregation hint, passed
	// through to the remote API verbatim.
	Interval string
}

// MergeQueries composes query options left to right: non-nil (or non-empty)
// fields from later arguments override earlier ones.
func MergeQueries(opts ...QueryOptions) QueryOptions {
	var out QueryOptions
	for _, o := range opts {
		if o.Start != nil {
			out.Start = o.Start
		}
		if o.End != nil {
			out.End = o.End
		}
		if o.ExistsInRemote != nil {
			out.ExistsInRemote = o.ExistsInRemote
		}
		if o.Limit != nil {
			out.Limit = o.Limit
		}
		if o.Sort != "" {
			out.Sort = o.Sort
		}
		if o.Interval != "" {
			out.Interval = o.Interval
		}
	}
	return out
}

// Int64 returns a pointer to v, for building query literals.
func Int64(v int64) *int64 { return &v }

// Int returns a pointer to v, for building query literals.
func Int(v int) *int { return &v }
