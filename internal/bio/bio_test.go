package bio

import "testing"

type fakeDisk struct {
	reads, writes int
	data          map[uint32][BSIZE]byte
}

func newFakeDisk() *fakeDisk {
	return &fakeDisk{data: make(map[uint32][BSIZE]byte)}
}

func (d *fakeDisk) Rw(b *Buf_t, write bool) {
	if write {
		d.writes++
		d.data[b.Blockno] = b.Data
		return
	}
	d.reads++
	b.Data = d.data[b.Blockno]
}

func TestBlockCacheIdentity(t *testing.T) {
	c := NewCache(newFakeDisk())
	b1 := c.Read(1, 5)
	c.Release(b1)
	b2 := c.Read(1, 5)
	if b1 != b2 {
		t.Fatalf("expected same buffer for repeated read, got %p vs %p", b1, b2)
	}
	c.Release(b2)
}

func TestLRUDiscipline(t *testing.T) {
	c := NewCache(newFakeDisk())
	var first *Buf_t
	for i := uint32(1); i <= NBUF; i++ {
		b := c.Read(1, i)
		if i == 1 {
			first = b
		}
		c.Release(b)
	}
	// Reading block NBUF+1 should recycle the buffer that held block 1.
	victim := c.Read(1, NBUF+1)
	if victim != first {
		t.Fatalf("expected LRU victim to be block 1's buffer")
	}
	c.Release(victim)
}

func TestGetPanicsWhenAllPinned(t *testing.T) {
	c := NewCache(newFakeDisk())
	for i := uint32(1); i <= NBUF; i++ {
		c.Get(1, i) // never released — stays pinned
	}
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when cache is exhausted")
		}
	}()
	c.Get(1, NBUF+1)
}

func TestPinKeepsBufferOutOfLRU(t *testing.T) {
	c := NewCache(newFakeDisk())
	b := c.Read(1, 1)
	c.Pin(b)
	c.Release(b) // ref drops from 2 to 1, still pinned

	for i := uint32(2); i <= NBUF; i++ {
		bb := c.Read(1, i)
		c.Release(bb)
	}
	// Pinned block 1 must not have been recycled.
	again := c.Read(1, 1)
	if again != b {
		t.Fatalf("pinned buffer was recycled")
	}
	c.Unpin(again)
	c.Release(again)
}
