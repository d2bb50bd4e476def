package vinyl

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestSchedulerInvariants uses property-based testing to verify invariants
// that must hold for any sequence of inputs, not just the hand-picked cases
// in the table tests above.
func TestSchedulerInvariants(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping property-based test in short mode")
	}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40

	properties := gopter.NewProperties(parameters)

	// Property 1: a memtable always reports the newest-LSN value for any
	// key that was written more than once, regardless of write order.
	properties.Property("memtable keeps the newest write per key", prop.ForAll(
		func(key string, lsns []int64) bool {
			if key == "" || len(lsns) == 0 {
				return true
			}
			mt := NewMemtable(0)
			var maxLSN int64
			var wantValue []byte
			for i, lsn := range lsns {
				val := []byte{byte(i)}
				if err := mt.Put(&Statement{Key: []byte(key), Value: val, LSN: lsn}); err != nil {
					return false
				}
				if lsn >= maxLSN {
					maxLSN = lsn
					wantValue = val
				}
			}
			stmts := mt.Iterator()
			if len(stmts) != 1 {
				return false
			}
			return stmts[0].LSN == maxLSN && string(stmts[0].Value) == string(wantValue)
		},
		gen.AlphaString(),
		gen.SliceOfN(10, gen.Int64Range(0, 1000)),
	))

	// Property 2: a memtable's Iterator always returns keys in sorted order,
	// regardless of insertion order.
	properties.Property("memtable iterator is always sorted by key", prop.ForAll(
		func(keys []string) bool {
			mt := NewMemtable(0)
			seen := make(map[string]bool)
			for _, k := range keys {
				if k == "" || seen[k] {
					continue
				}
				seen[k] = true
				if err := mt.Put(&Statement{Key: []byte(k), Value: []byte("v")}); err != nil {
					return false
				}
			}
			stmts := mt.Iterator()
			for i := 1; i < len(stmts); i++ {
				if string(stmts[i-1].Key) > string(stmts[i].Key) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(15, gen.AlphaString()),
	))

	// Property 3: a range's compact priority never exceeds the number of
	// distinct runs referenced by its slices, divided by maxRunsPerLevel —
	// the ratio the heap orders by.
	properties.Property("compact priority tracks distinct run count", prop.ForAll(
		func(n int) bool {
			if n <= 0 || n > 20 {
				return true
			}
			r := NewRange(1, []byte("a"), []byte("z"))
			for i := 0; i < n; i++ {
				run := NewRun(uint64(i), "/tmp/x.run")
				r.InsertSlice(NewSlice(uint64(i), run, []byte("a"), []byte("z"), 0))
			}
			s := NewCompactScheduler()
			s.Add(r, 4)
			want := float64(n) / 4.0
			return r.CompactPriority() == want
		},
		gen.IntRange(1, 20),
	))

	// Property 4: the dump scheduler never peeks a dumping tree while a
	// non-dumping tree is registered.
	properties.Property("dump scheduler prefers any non-dumping tree", prop.ForAll(
		func(dumpingFlags []bool) bool {
			if len(dumpingFlags) == 0 {
				return true
			}
			s := NewDumpScheduler()
			anyNonDumping := false
			for i, dumping := range dumpingFlags {
				tree := newTestTree(uint64(i+1), "t")
				tree.SetDumping(dumping)
				if !dumping {
					anyNonDumping = true
				}
				s.Add(tree)
			}
			top := s.Peek()
			if !anyNonDumping {
				return true
			}
			return !top.IsDumping()
		},
		gen.SliceOfN(10, gen.Bool()),
	))

	properties.TestingRun(t)
}
