package index

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestEntry(t *testing.T) {
	if got := Entry("data", "2025_01_06_00h25.csv"); got != "data/2025_01_06_00h25.csv" {
		t.Errorf("Entry = %q", got)
	}
	if got := Entry("", "a.csv"); got != "a.csv" {
		t.Errorf("Entry without folder = %q", got)
	}
}

func TestAppend(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		entry       string
		want        string
		wantChanged bool
	}{
		{"empty", "", "data/a.csv", "data/a.csv\n", true},
		{"appends", "data/a.csv\n", "data/b.csv", "data/a.csv\ndata/b.csv\n", true},
		{"missing newline", "data/a.csv", "data/b.csv", "data/a.csv\ndata/b.csv\n", true},
		{"duplicate", "data/a.csv\ndata/b.csv\n", "data/a.csv", "data/a.csv\ndata/b.csv\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Append([]byte(tt.data), tt.entry)
			if string(got) != tt.want || changed != tt.wantChanged {
				t.Errorf("Append = %q, %v; want %q, %v", got, changed, tt.want, tt.wantChanged)
			}
		})
	}
}

func TestFile_AppendIsIdempotentAndAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.txt")
	if err := os.WriteFile(path, []byte("data/old.csv"), 0o644); err != nil {
		t.Fatal(err)
	}
	f := NewFile(path)

	for i := 0; i < 3; i++ {
		changed, err := f.Append("data/new.csv")
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		if changed != (i == 0) {
			t.Errorf("Append #%d changed = %v", i, changed)
		}
	}

	entries, err := f.Read()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"data/old.csv", "data/new.csv"}; !reflect.DeepEqual(entries, want) {
		t.Errorf("entries = %v, want %v", entries, want)
	}
}

func TestFile_ReadMissing(t *testing.T) {
	entries, err := NewFile(filepath.Join(t.TempDir(), "index.txt")).Read()
	if err != nil || len(entries) != 0 {
		t.Fatalf("Read = %v, %v; want empty", entries, err)
	}
}
