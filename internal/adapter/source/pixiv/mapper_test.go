package pixiv

import (
	"testing"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

func strPtr(s string) *string { return &s }

func TestMapIllustSinglePage(t *testing.T) {
	il := Illust{
		ID:             5,
		Title:          "  Sunset ",
		User:           User{ID: 3, Name: "painter"},
		Tags:           []Tag{{Name: "sky"}, {Name: "R-18"}},
		CreateDate:     "2024-03-01T10:00:00+09:00",
		Width:          800,
		Height:         600,
		IllustAIType:   2,
		ImageURLs:      ImageURLs{Large: "https://i.example/large/5.jpg"},
		MetaSinglePage: MetaSinglePage{OriginalImageURL: "https://i.example/orig/5_p0.PNG"},
		TotalBookmarks: 10,
		TotalView:      99,
		BookmarkData:   &BookmarkData{Timestamp: "2024-04-01T00:00:00Z"},
	}

	d, ok := MapIllust(il, domain.ScopePublic)
	if !ok {
		t.Fatal("expected illust to map")
	}
	if d.Title != "Sunset" || d.Author != "painter" || d.AuthorID != 3 {
		t.Errorf("descriptor = %+v", d)
	}
	if !d.Restricted {
		t.Error("R-18 tag should mark the item restricted")
	}
	if !d.AIGenerated {
		t.Error("illust_ai_type 2 should mark the item AI generated")
	}
	if want := time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC); !d.CreatedAt.Equal(want) {
		t.Errorf("created = %v, want %v", d.CreatedAt, want)
	}
	if d.BookmarkedAt.IsZero() {
		t.Error("expected bookmark time")
	}
	if len(d.Parts) != 1 {
		t.Fatalf("parts = %d, want 1", len(d.Parts))
	}
	p := d.Parts[0]
	if p.URL != "https://i.example/orig/5_p0.PNG" || p.Ext != ".png" || p.Index != 0 || p.Width != 800 {
		t.Errorf("part = %+v", p)
	}
}

func TestMapIllustMultiPage(t *testing.T) {
	il := Illust{
		ID: 9,
		// the single-page field is ignored for multi-page works
		MetaSinglePage: MetaSinglePage{OriginalImageURL: "https://i.example/9.jpg"},
		MetaPages: []MetaPage{
			{ImageURLs: ImageURLs{Original: "https://i.example/9_p0.jpg"}},
			{ImageURLs: ImageURLs{Large: "https://i.example/9_p1_master.webp"}},
			{ImageURLs: ImageURLs{Original: "https://i.example/9_p2.gif"}},
		},
	}
	d, ok := MapIllust(il, domain.ScopePrivate)
	if !ok {
		t.Fatal("expected illust to map")
	}
	if len(d.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(d.Parts))
	}
	wantExt := []string{".jpg", ".webp", ".gif"}
	for i, p := range d.Parts {
		if p.Index != i || p.ItemID != 9 || p.Ext != wantExt[i] {
			t.Errorf("part %d = %+v", i, p)
		}
	}
	if d.Title != "" {
		t.Errorf("title = %q", d.Title)
	}
}

func TestMapIllustsDropsInvalid(t *testing.T) {
	items := MapIllusts([]Illust{{ID: 1}, {ID: 0}, {ID: -2}, {ID: 3}}, domain.ScopePublic)
	if len(items) != 2 || items[0].ID != 1 || items[1].ID != 3 {
		t.Errorf("items = %+v", items)
	}
}

func TestExtensionOf(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://i.example/a/b_p0.png", ".png"},
		{"https://i.example/a/b_p0.JPEG?x=1", ".jpeg"},
		{"https://i.example/a/b_p0", ".jpg"},
		{"::not a url", ".jpg"},
	}
	for _, tt := range tests {
		if got := ExtensionOf(tt.url); got != tt.want {
			t.Errorf("ExtensionOf(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestParseNextURL(t *testing.T) {
	tests := []struct {
		name string
		next *string
		want *domain.PageRequest
	}{
		{"nil", nil, nil},
		{"empty", strPtr(""), nil},
		{"max bookmark id", strPtr("https://x/v1/user/bookmarks/illust?restrict=public&max_bookmark_id=555"), &domain.PageRequest{MaxBookmarkID: "555"}},
		{"alternate key", strPtr("https://x/v1?last_id=77"), &domain.PageRequest{MaxBookmarkID: "77"}},
		{"offset", strPtr("https://x/v1?offset=30"), &domain.PageRequest{Offset: "30"}},
		{"no markers", strPtr("https://x/v1?restrict=public"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseNextURL(tt.next)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %+v, want nil", got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
