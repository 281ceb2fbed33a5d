package composite

import "github.com/unixpickle/blinkplus/status"

// A Range is the part of a collective's elements assigned
// to one group.
type Range struct {
	Group  int
	Offset int
	Length int
}

// End returns the offset just past the range.
func (r Range) End() int {
	return r.Offset + r.Length
}

// A Plan assigns every element of a collective to exactly
// one group. Ranges are ordered by group and are
// contiguous.
type Plan []Range

// Partition splits count elements among groups.
//
// Every group gets count/groups elements and the last one
// also takes the remainder. When there are fewer elements
// than groups, the first count groups get one element each
// and the others get none.
func Partition(count, groups int) (Plan, error) {
	if count < 0 {
		return nil, status.Errorf(status.InvalidArgument, "negative count %d", count)
	}
	if groups < 1 {
		return nil, status.Errorf(status.InvalidArgument, "cannot partition among %d groups", groups)
	}
	plan := make(Plan, groups)
	if count < groups {
		for g := range plan {
			plan[g] = Range{Group: g, Offset: min(g, count)}
			if g < count {
				plan[g].Length = 1
			}
		}
		return plan, nil
	}
	chunk := count / groups
	for g := range plan {
		plan[g] = Range{Group: g, Offset: g * chunk, Length: chunk}
	}
	plan[groups-1].Length += count % groups
	return plan, nil
}

// Count returns the number of elements covered.
func (p Plan) Count() int {
	var res int
	for _, r := range p {
		res += r.Length
	}
	return res
}

// Active returns the ranges with at least one element.
func (p Plan) Active() Plan {
	var res Plan
	for _, r := range p {
		if r.Length > 0 {
			res = append(res, r)
		}
	}
	return res
}

// Validate checks that the plan covers [0, count) exactly
// once, in group order.
func (p Plan) Validate(count int) error {
	offset := 0
	for g, r := range p {
		if r.Group != g {
			return status.Errorf(status.InternalError, "range %d belongs to group %d", g, r.Group)
		}
		if r.Length < 0 || (r.Length > 0 && r.Offset != offset) {
			return status.Errorf(status.InternalError, "range %d is [%d, %d) but %d is next",
				g, r.Offset, r.End(), offset)
		}
		offset += r.Length
	}
	if offset != count {
		return status.Errorf(status.InternalError, "plan covers %d of %d elements", offset, count)
	}
	return nil
}
