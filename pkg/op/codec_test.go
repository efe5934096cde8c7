package op

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMap_JSONRoundTrip(t *testing.T) {
	m := Map{
		"title":   Set{Value: "hello"},
		"gone":    Unset{},
		"score":   Increment{Amount: 2},
		"tags":    AddUnique{Objects: []any{"go", "sync"}},
		"owner":   Set{Value: Pointer{ClassName: "User", ObjectID: "u1"}},
		"members": NewRelation("User", []string{"u1"}, []string{"u2"}),
	}

	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got Map
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	for _, k := range m.Keys() {
		if !Equal(m[k], got[k]) {
			t.Errorf("attribute %s: got %#v, want %#v", k, got[k], m[k])
		}
	}
	if diff := cmp.Diff(Pointer{ClassName: "User", ObjectID: "u1"}, got["owner"].(Set).Value); diff != "" {
		t.Errorf("pointer mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_WireForm(t *testing.T) {
	data, err := json.Marshal(Encode(Increment{Amount: 1}))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"__op":"Increment","amount":1}` {
		t.Errorf("unexpected increment encoding %s", data)
	}

	data, err = json.Marshal(Encode(NewRelation("Item", []string{"a"}, nil)))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"__op":"AddRelation","objects":[{"__type":"Pointer","className":"Item","objectId":"a"}]}`
	if string(data) != want {
		t.Errorf("relation encoding = %s, want %s", data, want)
	}
}

func TestDecode_UnknownOp(t *testing.T) {
	_, err := Decode(map[string]any{"__op": "Explode"})
	if !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("expected ErrInvalidEncoding, got %v", err)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(Set{Value: 1}, Set{Value: 1.0}) {
		t.Error("numeric sets with equal values should be equal")
	}
	if Equal(Set{Value: map[string]any{"__op": "Delete"}}, Unset{}) {
		t.Error("set of an op-shaped map must not equal unset")
	}
	if Equal(Increment{Amount: 1}, nil) {
		t.Error("op must not equal nil")
	}
	if !Equal(nil, nil) {
		t.Error("nil should equal nil")
	}
}
