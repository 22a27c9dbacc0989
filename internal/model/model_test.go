package model

import "testing"

func TestIndexByID(t *testing.T) {
	items := []Attachment{
		{Meta: Meta{ID: 1}, Name: "a.png"},
		{Meta: Meta{ID: 2}, Name: "b.png"},
		{Meta: Meta{ID: 1}, Name: "a-renamed.png"},
	}
	got := IndexByID(items)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[1].Name != "a-renamed.png" {
		t.Errorf("duplicate id kept %q, want the later entry", got[1].Name)
	}
	if got[2].Name != "b.png" {
		t.Errorf("id 2 = %q", got[2].Name)
	}
	if len(IndexByID[Attachment](nil)) != 0 {
		t.Error("nil input should give an empty map")
	}
}
