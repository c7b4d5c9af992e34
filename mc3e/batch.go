package mc3e

import "sort"

// Protocol limits per batch-read command.
const (
	MaxWordsPerRead = 480
	MaxBitsPerRead  = 256
)

// Run is a sequence of devices covered by one batch-read command. Plain
// addresses coalesce into multi-point runs; extension and bit addresses are
// always singleton runs.
type Run struct {
	Family string
	Start  uint32
	Count  int
	Addrs  []*ParsedAddress
}

func runLimit(family string) int {
	if IsBitFamily(family) {
		return MaxBitsPerRead
	}
	return MaxWordsPerRead
}

// GroupContinuousAddresses partitions parsed addresses into batch-read runs.
// Plain addresses are sorted by family then number and grouped while
// strictly consecutive and under the per-command point limit. Addresses
// with an extension character or bit suffix never coalesce with neighbors.
func GroupContinuousAddresses(addrs []*ParsedAddress) []Run {
	if len(addrs) == 0 {
		return nil
	}

	plain := make([]*ParsedAddress, 0, len(addrs))
	var singles []*ParsedAddress
	for _, a := range addrs {
		if a.Plain() {
			plain = append(plain, a)
		} else {
			singles = append(singles, a)
		}
	}

	sort.SliceStable(plain, func(i, j int) bool {
		if plain[i].Family != plain[j].Family {
			return plain[i].Family < plain[j].Family
		}
		return plain[i].Number < plain[j].Number
	})

	var runs []Run
	for _, a := range plain {
		if n := len(runs); n > 0 {
			cur := &runs[n-1]
			if cur.Family == a.Family &&
				a.Number == cur.Start+uint32(cur.Count) &&
				cur.Count < runLimit(a.Family) {
				cur.Count++
				cur.Addrs = append(cur.Addrs, a)
				continue
			}
		}
		runs = append(runs, Run{
			Family: a.Family,
			Start:  a.Number,
			Count:  1,
			Addrs:  []*ParsedAddress{a},
		})
	}

	for _, a := range singles {
		runs = append(runs, Run{
			Family: a.Family,
			Start:  a.Number,
			Count:  1,
			Addrs:  []*ParsedAddress{a},
		})
	}
	return runs
}
