package rangelist

import (
	"reflect"
	"testing"

	"goraknet/pkg/bitstream"
)

func TestInsertSortedUnique(t *testing.T) {
	l := New()
	for _, v := range []uint32{5, 1, 5, 3, 1, 2} {
		l.Insert(v)
	}
	got := l.Values()
	want := []uint32{1, 2, 3, 5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if l.Len() != 2 {
		t.Fatalf("expected {1,2,3} and {5} as 2 ranges, got %d", l.Len())
	}
	for _, v := range got {
		if !l.Contains(v) {
			t.Errorf("Contains(%d) should be true", v)
		}
	}
	for _, v := range l.Holes() {
		if l.Contains(v) {
			t.Errorf("hole %d should not be contained", v)
		}
	}
}

func TestExampleFromSpec(t *testing.T) {
	l := New()
	for _, v := range []uint32{1, 2, 4, 5, 8, 9, 15, 19} {
		l.Insert(v)
	}
	if l.Len() != 5 {
		t.Fatalf("expected 5 ranges ({1,2},{4,5},{8,9},{15,15},{19,19}), got %d", l.Len())
	}
	if l.NumHoles() != 11 {
		t.Fatalf("expected 11 holes, got %d", l.NumHoles())
	}
	want := []uint32{3, 6, 7, 10, 11, 12, 13, 14, 16, 17, 18}
	got := l.Holes()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got holes %v want %v", got, want)
	}
}

func TestSerializeDeserializeIdentity(t *testing.T) {
	l := New()
	for _, v := range []uint32{1, 2, 4, 5, 8, 9, 15, 19, 1000} {
		l.Insert(v)
	}
	w := bitstream.NewWriter()
	if err := l.Serialize(w); err != nil {
		t.Fatal(err)
	}
	r := bitstream.NewReader(w.Bytes())
	got, err := Deserialize(r)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Values(), l.Values()) {
		t.Fatalf("got %v want %v", got.Values(), l.Values())
	}
}

func TestMergeAdjacentRanges(t *testing.T) {
	l := New()
	l.Insert(1)
	l.Insert(3)
	if l.Len() != 2 {
		t.Fatalf("expected 2 ranges before merge, got %d", l.Len())
	}
	l.Insert(2)
	if l.Len() != 1 {
		t.Fatalf("expected merge into 1 range, got %d", l.Len())
	}
	if !reflect.DeepEqual(l.Values(), []uint32{1, 2, 3}) {
		t.Fatalf("got %v", l.Values())
	}
}
