package unlearn

import (
	"fmt"

	"github.com/dreamware/amnesia/internal/dataset"
)

// Selector splits a shard's members into the records to forget and the
// records to retain. Both returned lists are parent dataset indices in
// member order.
type Selector interface {
	Split(ds dataset.Dataset, members []int) (forget, retain []int, err error)
	fmt.Stringer
}

// ByIndices forgets the given dataset indices. Indices that are not
// members are ignored.
type ByIndices []int

// Split implements Selector.
func (s ByIndices) Split(_ dataset.Dataset, members []int) (forget, retain []int, err error) {
	drop := make(map[int]struct{}, len(s))
	for _, i := range s {
		drop[i] = struct{}{}
	}
	for _, m := range members {
		if _, ok := drop[m]; ok {
			forget = append(forget, m)
		} else {
			retain = append(retain, m)
		}
	}
	return forget, retain, nil
}

func (s ByIndices) String() string { return fmt.Sprintf("indices(%d)", len(s)) }

// ByClass forgets every member whose label is Class.
type ByClass struct {
	Class int
}

// Split implements Selector.
func (s ByClass) Split(ds dataset.Dataset, members []int) (forget, retain []int, err error) {
	for _, m := range members {
		sample, err := ds.Sample(m)
		if err != nil {
			return nil, nil, err
		}
		if sample.Label == s.Class {
			forget = append(forget, m)
		} else {
			retain = append(retain, m)
		}
	}
	return forget, retain, nil
}

func (s ByClass) String() string { return fmt.Sprintf("class(%d)", s.Class) }
