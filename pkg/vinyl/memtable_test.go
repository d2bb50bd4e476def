package vinyl

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
)

func TestMemtable_PutAndIterate(t *testing.T) {
	mt := NewMemtable(3)

	if err := mt.Put(&Statement{Key: []byte("b"), Value: []byte("2"), LSN: 10}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := mt.Put(&Statement{Key: []byte("a"), Value: []byte("1"), LSN: 11}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	stmts := mt.Iterator()
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	if !bytes.Equal(stmts[0].Key, []byte("a")) || !bytes.Equal(stmts[1].Key, []byte("b")) {
		t.Errorf("expected sorted key order a,b, got %s,%s", stmts[0].Key, stmts[1].Key)
	}
	if mt.Generation() != 3 {
		t.Errorf("expected generation 3, got %d", mt.Generation())
	}
}

func TestMemtable_PutOverwritesSameKey(t *testing.T) {
	mt := NewMemtable(0)

	mt.Put(&Statement{Key: []byte("k"), Value: []byte("old"), LSN: 1})
	mt.Put(&Statement{Key: []byte("k"), Value: []byte("new"), LSN: 2})

	if mt.Count() != 1 {
		t.Fatalf("expected 1 distinct key, got %d", mt.Count())
	}
	stmts := mt.Iterator()
	if !bytes.Equal(stmts[0].Value, []byte("new")) {
		t.Errorf("expected newest value to survive, got %s", stmts[0].Value)
	}
}

func TestMemtable_PutRejectedAfterSeal(t *testing.T) {
	mt := NewMemtable(0)
	mt.Seal()

	if err := mt.Put(&Statement{Key: []byte("k"), Value: []byte("v")}); err == nil {
		t.Error("expected Put on a sealed memtable to fail")
	}
}

func TestMemtable_WaitPinnedBlocksUntilUnpin(t *testing.T) {
	mt := NewMemtable(0)
	mt.Pin()

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		mt.WaitPinned()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitPinned returned before Unpin")
	default:
	}

	mt.Unpin()
	wg.Wait()

	select {
	case <-done:
	default:
		t.Fatal("WaitPinned did not return after Unpin")
	}
}

func TestMemtable_DestroyClearsData(t *testing.T) {
	mt := NewMemtable(0)
	mt.Put(&Statement{Key: []byte("k"), Value: []byte("v")})
	mt.Seal()
	mt.Destroy()

	if mt.State() != MemtableDestroyed {
		t.Errorf("expected Destroyed state, got %v", mt.State())
	}
	if mt.Count() != 0 {
		t.Errorf("expected destroyed memtable to report 0 statements, got %d", mt.Count())
	}
}

func TestMemtable_MaxLSN(t *testing.T) {
	mt := NewMemtable(0)
	for i := 0; i < 10; i++ {
		mt.Put(&Statement{Key: []byte(fmt.Sprintf("k%d", i)), LSN: int64(i)})
	}
	if got := mt.MaxLSN(); got != 9 {
		t.Errorf("expected max LSN 9, got %d", got)
	}
}

func TestMemtable_EmptyReportsNoStatements(t *testing.T) {
	mt := NewMemtable(0)
	if !mt.Empty() {
		t.Error("expected fresh memtable to be empty")
	}
	mt.Put(&Statement{Key: []byte("k")})
	if mt.Empty() {
		t.Error("expected memtable with one put to be non-empty")
	}
}
