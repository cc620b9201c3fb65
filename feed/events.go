package feed

import "github.com/rookery-im/rookery-go/core"

// ManifestData is the content_manifest_received event payload.
type ManifestData struct {
	Channel   core.Channel `json:"channel"`
	Page      int          `json:"page"`
	PostCount int          `json:"post_count"`
	HasMore   bool         `json:"has_more"`
}

// PostsData is the wall_posts_received event payload.
type PostsData struct {
	Channel core.Channel `json:"channel"`
	Count   int          `json:"count"`
}

// PostData is the wall_post_synced event payload.
type PostData struct {
	Channel core.Channel `json:"channel"`
	ID      string       `json:"id"`
	Author  core.PeerID  `json:"author"`
	Deleted bool         `json:"deleted,omitempty"`
}

// FetchedData is the content_fetched event payload: one full sync round for
// a peer's channel finished.
type FetchedData struct {
	Channel core.Channel `json:"channel"`
	Applied int          `json:"applied"`
}

// SyncErrorData is the content_sync_error event payload.
type SyncErrorData struct {
	Channel core.Channel `json:"channel"`
	Code    string       `json:"code,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// RelayDeleteData is the wall_post_deleted_on_relay event payload.
type RelayDeleteData struct {
	Channel core.Channel `json:"channel"`
	ID      string       `json:"id"`
}
