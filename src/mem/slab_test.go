package mem

import "testing"

func TestKmallocSelectsSmallestFittingRung(t *testing.T) {
	Init(1 << 10)
	tests := []struct {
		name string
		size int
		want int
	}{
		{"exact rung", 64, 64},
		{"between rungs rounds up", 100, 128},
		{"smallest rung", 1, 32},
		{"largest rung", 4096, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := Kmalloc(tt.size)
			if obj == nil {
				t.Fatalf("Kmalloc(%d) returned nil", tt.size)
			}
			if len(obj) != tt.size {
				t.Errorf("len(Kmalloc(%d)) = %d, want %d", tt.size, len(obj), tt.size)
			}
			if got := Ksize(obj); got != tt.want {
				t.Errorf("Ksize() = %d, want %d", got, tt.want)
			}
			Kfree(obj)
		})
	}
}

func TestKmallocLargeFallsBackToPages(t *testing.T) {
	Init(1 << 10)
	obj := Kmalloc(9000)
	if obj == nil {
		t.Fatal("Kmalloc(9000) returned nil")
	}
	if Ksize(obj) != 9000 {
		t.Errorf("Ksize() = %d, want 9000", Ksize(obj))
	}
	Kfree(obj)
}

func TestCacheReusesFreedObject(t *testing.T) {
	Init(1 << 10)
	cacheInit.Do(initCaches)
	c := caches[0]

	a := c.Alloc()
	addr := sliceAddr(a)
	c.Free(a)
	b := c.Alloc()
	if sliceAddr(b) != addr {
		t.Error("Alloc() did not reuse the just-freed object")
	}
	c.Free(b)
}

func TestShrinkReleasesEmptyFrames(t *testing.T) {
	Init(1 << 10)
	cacheInit.Do(initCaches)
	c := caches[0]
	before := Physmem.FreePages()

	objs := make([][]byte, 0)
	for i := 0; i < 200; i++ {
		o := c.Alloc()
		if o == nil {
			t.Fatal("Alloc() failed while filling a frame")
		}
		objs = append(objs, o)
	}
	for _, o := range objs {
		c.Free(o)
	}
	c.Shrink()
	after := Physmem.FreePages()
	if after != before {
		t.Errorf("FreePages() = %d after Shrink, want %d (all frames released)", after, before)
	}
}
