package download

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/mmcdole/pixmirror/internal/domain"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain", "Summer Sky", "Summer Sky"},
		{"separators", `a/b\c:d`, "a_b_c_d"},
		{"runs collapse", `what?!*"<>|`, "what_!_"},
		{"dots and spaces trimmed", "  ..hidden.  ", "hidden"},
		{"empty", "", "untitled"},
		{"only unsafe", "///", "_"},
		{"only dots", "...", "untitled"},
		{"unicode kept", "夏の空", "夏の空"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.title); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}

func TestSlugifyLimitsLength(t *testing.T) {
	long := strings.Repeat("あ", 100)
	got := Slugify(long)
	if n := len([]rune(got)); n != slugLimit {
		t.Errorf("length = %d runes, want %d", n, slugLimit)
	}

	// a cut landing on separators does not leave them dangling
	title := strings.Repeat("a", slugLimit-2) + "  / tail"
	got = Slugify(title)
	if strings.HasSuffix(got, " ") || strings.HasSuffix(got, "_") {
		t.Errorf("Slugify left a trailing separator: %q", got)
	}
}

func TestRelativePath(t *testing.T) {
	d := domain.ItemDescriptor{ID: 123, Title: "A/B"}
	tests := []struct {
		part domain.PartRef
		want string
	}{
		{domain.PartRef{ItemID: 123, Index: 0, Ext: ".png"}, filepath.Join("123_A_B", "123_p0.png")},
		{domain.PartRef{ItemID: 123, Index: 12}, filepath.Join("123_A_B", "123_p12.jpg")},
	}
	for _, tt := range tests {
		if got := RelativePath(d, tt.part); got != tt.want {
			t.Errorf("RelativePath = %q, want %q", got, tt.want)
		}
	}
}

func TestParsePartFile(t *testing.T) {
	tests := []struct {
		name string
		key  domain.PartKey
		ok   bool
	}{
		{"123_p0.png", domain.PartKey{ItemID: 123, Part: 0}, true},
		{"9_p15.jpeg", domain.PartKey{ItemID: 9, Part: 15}, true},
		{"123_p0", domain.PartKey{}, false},
		{"abc_p0.png", domain.PartKey{}, false},
		{"0_p0.png", domain.PartKey{}, false},
		{".123_p0.png.1234.part", domain.PartKey{}, false},
		{"notes.txt", domain.PartKey{}, false},
	}
	for _, tt := range tests {
		key, ok := ParsePartFile(tt.name)
		if ok != tt.ok || key != tt.key {
			t.Errorf("ParsePartFile(%q) = %v, %v; want %v, %v", tt.name, key, ok, tt.key, tt.ok)
		}
	}
}

func TestScanParts(t *testing.T) {
	root := t.TempDir()
	files := []string{
		"1_first/1_p0.jpg",
		"1_first/1_p1.png",
		"2_second/2_p0.gif",
		"2_second/.2_p1.gif.123.part",
		"2_second/readme.txt",
		".cache/3_p0.jpg",
		"loose_p0.jpg",
	}
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	var got []string
	err := ScanParts(root, func(key domain.PartKey, rel string) error {
		got = append(got, key.String()+"="+filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(got)
	want := []string{"1_p0=1_first/1_p0.jpg", "1_p1=1_first/1_p1.png", "2_p0=2_second/2_p0.gif"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}

	if err := ScanParts(filepath.Join(root, "absent"), func(domain.PartKey, string) error { return nil }); err != nil {
		t.Errorf("missing root: %v", err)
	}
}
