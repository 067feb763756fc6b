package pixiv

import (
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/mmcdole/pixmirror/internal/domain"
)

const defaultExt = ".jpg"

// nextPageKeys are the query keys the service has used for its bookmark marker.
var nextPageKeys = []string{"max_bookmark_id", "bookmark_id", "bookmarked_id", "min_bookmark_id", "last_id", "cursor"}

// MapIllusts converts a page of illustrations, dropping entries without an id.
func MapIllusts(illusts []Illust, scope domain.Scope) []domain.ItemDescriptor {
	items := make([]domain.ItemDescriptor, 0, len(illusts))
	for _, il := range illusts {
		if d, ok := MapIllust(il, scope); ok {
			items = append(items, d)
		}
	}
	return items
}

// MapIllust converts an API illustration into a domain descriptor.
func MapIllust(il Illust, scope domain.Scope) (domain.ItemDescriptor, bool) {
	if il.ID <= 0 {
		return domain.ItemDescriptor{}, false
	}

	title := strings.TrimSpace(il.Title)
	d := domain.ItemDescriptor{
		ID:            il.ID,
		Title:         title,
		Author:        strings.TrimSpace(il.User.Name),
		AuthorID:      il.User.ID,
		BookmarkCount: il.TotalBookmarks,
		ViewCount:     il.TotalView,
		Restricted:    il.XRestrict > 0,
		AIGenerated:   il.IllustAIType == 2 || il.IsAI,
		CreatedAt:     parseTime(il.CreateDate),
		Scope:         scope,
	}

	d.Tags = make([]string, 0, len(il.Tags))
	for _, t := range il.Tags {
		if t.Name == "R-18" || t.Name == "R-18G" {
			d.Restricted = true
		}
		d.Tags = append(d.Tags, t.Name)
	}

	if il.BookmarkData != nil {
		d.BookmarkedAt = parseTime(il.BookmarkData.Timestamp)
	}

	d.Parts = mapParts(il)
	return d, true
}

// mapParts expands an illustration into its downloadable parts. Multi-page
// works use meta_pages exclusively; single-page works use the single-image field.
func mapParts(il Illust) []domain.PartRef {
	if len(il.MetaPages) > 0 {
		parts := make([]domain.PartRef, 0, len(il.MetaPages))
		for i, mp := range il.MetaPages {
			u := mp.ImageURLs.Original
			if u == "" {
				u = mp.ImageURLs.Large
			}
			if u == "" {
				continue
			}
			parts = append(parts, domain.PartRef{
				ItemID: il.ID,
				Index:  i,
				URL:    u,
				Ext:    ExtensionOf(u),
				Width:  mp.Width,
				Height: mp.Height,
			})
		}
		return parts
	}

	u := il.MetaSinglePage.OriginalImageURL
	if u == "" {
		u = il.ImageURLs.Large
	}
	if u == "" {
		return nil
	}
	return []domain.PartRef{{
		ItemID: il.ID,
		Index:  0,
		URL:    u,
		Ext:    ExtensionOf(u),
		Width:  il.Width,
		Height: il.Height,
	}}
}

// ExtensionOf infers a file extension from the URL path.
func ExtensionOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultExt
	}
	ext := path.Ext(u.Path)
	if ext == "" || ext == "." {
		return defaultExt
	}
	return strings.ToLower(ext)
}

// parseNextURL extracts the pagination markers from a next_url value.
func parseNextURL(next *string) *domain.PageRequest {
	if next == nil || *next == "" {
		return nil
	}
	u, err := url.Parse(*next)
	if err != nil {
		return nil
	}
	q := u.Query()
	req := &domain.PageRequest{Offset: q.Get("offset")}
	for _, key := range nextPageKeys {
		if v := q.Get(key); v != "" {
			req.MaxBookmarkID = v
			break
		}
	}
	if req.IsFirst() {
		// A next URL without markers would restart the listing.
		return nil
	}
	return req
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
