// ABOUTME: Tests for the metadata store
// ABOUTME: Verifies scalar/array CRUD, dedup, ordered JSON and bulk JSON mapping

package metadata

import (
	"errors"
	"reflect"
	"testing"

	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/crdt"
	"github.com/taeuk-works/appflowy-editor-sync-plugin/pkg/docerr"
)

func setupTestMetadataStore(t *testing.T) (*Store, *crdt.Doc) {
	t.Helper()
	doc := crdt.NewDoc(1)
	return NewStore(doc), doc
}

func commit(t *testing.T, txn *crdt.Txn) {
	t.Helper()
	if err := txn.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
}

func TestSetScalarAndGet(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	for key, v := range map[string]Value{
		"title":  String("Note"),
		"color":  Int(4294924083),
		"ratio":  Float(0.5),
		"pinned": Bool(true),
	} {
		if err := ms.SetScalar(txn, key, v); err != nil {
			t.Fatalf("Failed to set %s: %v", key, err)
		}
	}
	commit(t, txn)

	got, ok := ms.Get(doc.Read(), "color")
	if !ok {
		t.Fatal("color not found")
	}
	if i, ok := got.Int(); !ok || i != 4294924083 {
		t.Errorf("Expected color 4294924083, got %s", got)
	}
	if v, _ := ms.Get(doc.Read(), "ratio"); v.Kind() != KindFloat {
		t.Errorf("Expected float ratio, got %s", v)
	}

	txn = doc.Begin()
	if err := ms.SetScalar(txn, "bad", StringArray([]string{"x"})); !errors.Is(err, docerr.ErrInvalidOperation) {
		t.Errorf("Expected invalid operation for array scalar, got %v", err)
	}
	txn.Abort()
}

func TestRemoveKey(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	ms.SetScalar(txn, "title", String("Note"))
	if !ms.RemoveKey(txn, "title") {
		t.Error("Expected title to be removed")
	}
	if ms.RemoveKey(txn, "missing") {
		t.Error("Removing a missing key should report false")
	}
	commit(t, txn)

	if _, ok := ms.Get(doc.Read(), "title"); ok {
		t.Error("title still present after removal")
	}
}

func TestSetArrayKeepsDuplicates(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	ms.SetScalar(txn, "labels", String("scalar first"))
	ms.SetArray(txn, "labels", []string{"a", "b", "a"})
	commit(t, txn)

	v, _ := ms.Get(doc.Read(), "labels")
	items, ok := v.Strings()
	if !ok || !reflect.DeepEqual(items, []string{"a", "b", "a"}) {
		t.Errorf("Expected [a b a], got %s", v)
	}
}

func TestPushArrayItemDedup(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	for _, item := range []string{"x", "y", "x"} {
		if _, err := ms.PushArrayItem(txn, "labelIds", item); err != nil {
			t.Fatalf("Failed to push %s: %v", item, err)
		}
	}
	commit(t, txn)

	txn = doc.Begin()
	added, err := ms.PushArrayItem(txn, "labelIds", "y")
	if err != nil || added {
		t.Errorf("Expected duplicate push to be skipped, added=%v err=%v", added, err)
	}
	commit(t, txn)

	v, _ := ms.Get(doc.Read(), "labelIds")
	items, _ := v.Strings()
	if !reflect.DeepEqual(items, []string{"x", "y"}) {
		t.Errorf("Expected [x y], got %v", items)
	}
}

func TestRemoveArrayItem(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	ms.SetArray(txn, "labels", []string{"a", "b", "c"})
	ms.SetScalar(txn, "title", String("b"))
	commit(t, txn)

	txn = doc.Begin()
	cases := []struct {
		key, value string
		removed    bool
	}{
		{"labels", "b", true},
		{"labels", "zzz", false},
		{"title", "b", false},
		{"missing", "b", false},
	}
	for _, tc := range cases {
		removed, err := ms.RemoveArrayItem(txn, tc.key, tc.value)
		if err != nil {
			t.Fatalf("RemoveArrayItem(%s, %s): %v", tc.key, tc.value, err)
		}
		if removed != tc.removed {
			t.Errorf("RemoveArrayItem(%s, %s) = %v, want %v", tc.key, tc.value, removed, tc.removed)
		}
	}
	commit(t, txn)

	v, _ := ms.Get(doc.Read(), "labels")
	items, _ := v.Strings()
	if !reflect.DeepEqual(items, []string{"a", "c"}) {
		t.Errorf("Expected [a c], got %v", items)
	}
}

func TestGetAllOrderAndJSON(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	ms.SetScalar(txn, "z", Int(1))
	ms.SetArray(txn, "a", []string{"p", "q"})
	ms.SetScalar(txn, "m", Bool(false))
	// A nested map is not a metadata shape and renders as null.
	doc.Map(ContainerName).SetMap(txn, "foreign")
	commit(t, txn)

	all := ms.GetAll(doc.Read())
	if !reflect.DeepEqual(all.Keys(), []string{"z", "a", "m", "foreign"}) {
		t.Errorf("Unexpected key order %v", all.Keys())
	}

	data, err := all.MarshalJSON()
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	want := `{"z":1,"a":["p","q"],"m":false,"foreign":null}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}
}

func TestSetFromJSONSample(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	input := `{"title":"Note","color":4294924083,"status":"pinned","labelIds":["a","b"]}`
	if err := ms.SetFromJSON(txn, []byte(input)); err != nil {
		t.Fatalf("SetFromJSON failed: %v", err)
	}
	commit(t, txn)

	all := ms.GetAll(doc.Read())
	want := map[string]any{
		"title":    "Note",
		"color":    int64(4294924083),
		"status":   "pinned",
		"labelIds": []string{"a", "b"},
	}
	if !reflect.DeepEqual(all.Map(), want) {
		t.Errorf("Expected %v, got %v", want, all.Map())
	}

	data, _ := all.MarshalJSON()
	if string(data) != input {
		t.Errorf("Expected JSON %s, got %s", input, data)
	}
}

func TestSetFromJSONMapping(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	ms.SetScalar(txn, "gone", String("x"))
	input := `{
		"gone": null,
		"whole": 3.0,
		"exp": 1e3,
		"frac": 2.25,
		"huge": 1e30,
		"flag": true,
		"mixed": ["a", 1, null, "b", {"x": 1}],
		"nested": { "k": [1, 2], "s": "v" }
	}`
	if err := ms.SetFromJSON(txn, []byte(input)); err != nil {
		t.Fatalf("SetFromJSON failed: %v", err)
	}
	commit(t, txn)

	r := doc.Read()
	if _, ok := ms.Get(r, "gone"); ok {
		t.Error("null should remove the key")
	}
	checks := map[string]any{
		"whole":  int64(3),
		"exp":    int64(1000),
		"frac":   2.25,
		"huge":   1e30,
		"flag":   true,
		"mixed":  []string{"a", "b"},
		"nested": `{"k":[1,2],"s":"v"}`,
	}
	for key, want := range checks {
		v, ok := ms.Get(r, key)
		if !ok {
			t.Errorf("%s missing", key)
			continue
		}
		if !reflect.DeepEqual(v.Native(), want) {
			t.Errorf("%s: expected %#v, got %#v", key, want, v.Native())
		}
	}
}

func TestSetFromJSONErrors(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	cases := map[string]error{
		`{"a":`:    docerr.ErrEncoding,
		`not json`: docerr.ErrEncoding,
		`[1,2]`:    docerr.ErrInvalidOperation,
		`"text"`:   docerr.ErrInvalidOperation,
		`{} {}`:    docerr.ErrEncoding,
	}
	for input, want := range cases {
		txn := doc.Begin()
		err := ms.SetFromJSON(txn, []byte(input))
		txn.Abort()
		if !errors.Is(err, want) {
			t.Errorf("SetFromJSON(%q): expected %v, got %v", input, want, err)
		}
	}
}

func TestSetFromJSONRejectsOutOfRangeNumber(t *testing.T) {
	ms, doc := setupTestMetadataStore(t)

	txn := doc.Begin()
	ms.SetScalar(txn, "title", String("before"))
	commit(t, txn)

	for _, input := range []string{
		`{"title":"after","big":1e400}`,
		`{"title":null,"small":-1e400}`,
	} {
		txn := doc.Begin()
		err := ms.SetFromJSON(txn, []byte(input))
		if !errors.Is(err, docerr.ErrInvalidOperation) {
			t.Errorf("SetFromJSON(%q): expected invalid operation, got %v", input, err)
		}
		if txn.Changed() {
			t.Errorf("SetFromJSON(%q) wrote before rejecting", input)
		}
		txn.Abort()
	}

	v, ok := ms.Get(doc.Read(), "title")
	if !ok || v.Native() != "before" {
		t.Errorf("Expected title to stay \"before\", got %v", v)
	}
}
