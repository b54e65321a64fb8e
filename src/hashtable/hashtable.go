// Package hashtable provides the sharded hash table backing the block
// cache and the inode cache: fixed bucket count, per-bucket locks,
// fnv-hashed string or Ustr keys.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"

	"ustr"
)

type elem_t struct {
	key     interface{}
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

func (b *bucket_t) len() int {
	b.RLock()
	defer b.RUnlock()
	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

func (b *bucket_t) elems() []Pair_t {
	b.RLock()
	defer b.RUnlock()
	var p []Pair_t
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t{Key: e.key, Value: e.value})
	}
	return p
}

/// Hashtable_t maps keys to values under per-bucket locks. The bucket
/// array never resizes; callers size it for their expected load.
type Hashtable_t struct {
	table    []*bucket_t
	capacity int
}

/// MkHash allocates a table with size buckets.
func MkHash(size int) *Hashtable_t {
	ht := &Hashtable_t{capacity: size}
	ht.table = make([]*bucket_t, size)
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

/// String renders the bucket chains, for debugging.
func (ht *Hashtable_t) String() string {
	s := ""
	for i, b := range ht.table {
		b.RLock()
		if b.first != nil {
			s += fmt.Sprintf("b %d:\n", i)
			for e := b.first; e != nil; e = e.next {
				s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
			}
			s += "\n"
		}
		b.RUnlock()
	}
	return s
}

/// Size returns the total number of stored elements.
func (ht *Hashtable_t) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

/// Pair_t is one key/value tuple returned by Elems.
type Pair_t struct {
	Key   interface{}
	Value interface{}
}

/// Elems snapshots all key/value pairs.
func (ht *Hashtable_t) Elems() []Pair_t {
	var p []Pair_t
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

/// Get looks key up, returning its value and whether it was present.
func (ht *Hashtable_t) Get(key interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.RLock()
	defer b.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, true
		}
	}
	return nil, false
}

/// Set inserts (key, value). If key was already present its existing
/// value is returned with false; otherwise (value, true).
func (ht *Hashtable_t) Set(key interface{}, value interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, false
		}
	}
	b.first = &elem_t{key: key, value: value, keyHash: kh, next: b.first}
	return value, true
}

/// Del removes key; missing keys panic, since every caller deletes only
/// entries it knows are present.
func (ht *Hashtable_t) Del(key interface{}) {
	kh := khash(key)
	b := ht.table[ht.hash(kh)]
	b.Lock()
	defer b.Unlock()
	var prev *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return
		}
		prev = e
	}
	panic("del of absent key")
}

/// Iter calls f on each (key, value) until f returns true; reports
/// whether f ever did.
func (ht *Hashtable_t) Iter(f func(interface{}, interface{}) bool) bool {
	for _, b := range ht.table {
		b.RLock()
		for e := b.first; e != nil; e = e.next {
			if f(e.key, e.value) {
				b.RUnlock()
				return true
			}
		}
		b.RUnlock()
	}
	return false
}

func (ht *Hashtable_t) hash(keyHash uint32) int {
	return int(keyHash % uint32(ht.capacity))
}

func hashUstr(s ustr.Ustr) uint32 {
	h := fnv.New32a()
	h.Write(s)
	return h.Sum32()
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func khash(key interface{}) uint32 {
	switch k := key.(type) {
	case ustr.Ustr:
		return hashUstr(k)
	case string:
		return hashString(k)
	case int:
		return uint32(k)
	}
	panic("unsupported key type")
}

func equal(key1, key2 interface{}) bool {
	switch k1 := key1.(type) {
	case ustr.Ustr:
		return k1.Eq(key2.(ustr.Ustr))
	default:
		return key1 == key2
	}
}
