package pixiv

// AuthResponse represents the response from the OAuth token endpoint
type AuthResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	TokenType    string   `json:"token_type"`
	User         AuthUser `json:"user"`
}

// AuthUser is the account embedded in the token response
type AuthUser struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Account string `json:"account"`
}

// ErrorEnvelope is returned by the app API in place of a payload
type ErrorEnvelope struct {
	Error *APIError `json:"error"`
}

// APIError describes a failed API call
type APIError struct {
	UserMessage string `json:"user_message"`
	Message     string `json:"message"`
	Reason      string `json:"reason"`
}

// BookmarksResponse represents one page of a bookmark listing
type BookmarksResponse struct {
	Illusts []Illust `json:"illusts"`
	NextURL *string  `json:"next_url"`
}

// IllustDetailResponse wraps a single illustration
type IllustDetailResponse struct {
	Illust *Illust `json:"illust"`
}

// Illust represents an illustration as returned by the app API
type Illust struct {
	ID             int64          `json:"id"`
	Title          string         `json:"title"`
	Type           string         `json:"type"`
	ImageURLs      ImageURLs      `json:"image_urls"`
	User           User           `json:"user"`
	Tags           []Tag          `json:"tags"`
	CreateDate     string         `json:"create_date"`
	PageCount      int            `json:"page_count"`
	Width          int            `json:"width"`
	Height         int            `json:"height"`
	XRestrict      int            `json:"x_restrict"`
	IllustAIType   int            `json:"illust_ai_type"` // 2 = AI generated
	IsAI           bool           `json:"is_ai,omitempty"`
	MetaSinglePage MetaSinglePage `json:"meta_single_page"`
	MetaPages      []MetaPage     `json:"meta_pages"`
	TotalView      int            `json:"total_view"`
	TotalBookmarks int            `json:"total_bookmarks"`
	Visible        *bool          `json:"visible,omitempty"`
	BookmarkData   *BookmarkData  `json:"bookmark_data,omitempty"`
}

// ImageURLs holds the resized renditions of an image
type ImageURLs struct {
	SquareMedium string `json:"square_medium"`
	Medium       string `json:"medium"`
	Large        string `json:"large"`
	Original     string `json:"original,omitempty"`
}

// MetaSinglePage holds the original of a single-image work
type MetaSinglePage struct {
	OriginalImageURL string `json:"original_image_url,omitempty"`
}

// MetaPage is one page of a multi-image work
type MetaPage struct {
	ImageURLs ImageURLs `json:"image_urls"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
}

// User is the author of a work
type User struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Account string `json:"account"`
}

// Tag is a work tag
type Tag struct {
	Name           string `json:"name"`
	TranslatedName string `json:"translated_name,omitempty"`
}

// BookmarkData is present on listing entries when the service reports it
type BookmarkData struct {
	Timestamp string `json:"timestamp,omitempty"`
	Restrict  string `json:"restrict,omitempty"`
}
