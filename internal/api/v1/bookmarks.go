package v1

import (
	"net/http"

	"github.com/stacklok/chanstate/internal/api/common"
	"github.com/stacklok/chanstate/internal/bookmarks"
	"github.com/stacklok/chanstate/internal/descriptor"
)

// BookmarkStats summarizes the bookmarks.
type BookmarkStats struct {
	Count            int  `json:"count"`
	Active           int  `json:"active"`
	UnseenPosts      int  `json:"unseenPosts"`
	HasUnreadReplies bool `json:"hasUnreadReplies"`
}

// KeysResponse lists the keys affected by a mutation.
type KeysResponse struct {
	Keys []string `json:"keys"`
}

// PostViewedRequest reports the scroll position in a thread.
type PostViewedRequest struct {
	PostNo int64 `json:"postNo"`
	Unseen int   `json:"unseen"`
}

// ReadRequest marks a thread read, optionally up to a post.
type ReadRequest struct {
	LastPostNo int64 `json:"lastPostNo,omitempty"`
}

func keyStrings[K interface{ String() string }](keys []K) KeysResponse {
	out := KeysResponse{Keys: make([]string, 0, len(keys))}
	for _, k := range keys {
		out.Keys = append(out.Keys, k.String())
	}
	return out
}

// listBookmarks handles GET /api/v1/bookmarks
//
// Query parameters: active=true keeps active bookmarks only; q ranks by title.
func (rr *Routes) listBookmarks(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := common.BoolQuery(r, "active")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := rr.managers.Bookmarks
	var list []bookmarks.Bookmark
	if q := r.URL.Query().Get("q"); q != "" {
		list = m.Search(q)
	} else {
		list = m.All()
	}
	if activeOnly {
		filtered := list[:0]
		for _, b := range list {
			if b.IsActive() {
				filtered = append(filtered, b)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []bookmarks.Bookmark{}
	}
	common.WriteJSONResponse(w, list, http.StatusOK)
}

// createBookmarks handles POST /api/v1/bookmarks with a JSON array of bookmarks.
func (rr *Routes) createBookmarks(w http.ResponseWriter, r *http.Request) {
	var req []bookmarks.SimpleBookmark
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req) == 0 {
		common.WriteErrorResponse(w, "at least one bookmark is required", http.StatusBadRequest)
		return
	}

	created, err := rr.managers.Bookmarks.CreateBookmarks(r.Context(), req)
	if err != nil {
		common.WriteManagerError(w, r, "create bookmarks", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(created), http.StatusCreated)
}

// bookmarkStats handles GET /api/v1/bookmarks/stats
func (rr *Routes) bookmarkStats(w http.ResponseWriter, _ *http.Request) {
	m := rr.managers.Bookmarks
	common.WriteJSONResponse(w, BookmarkStats{
		Count:            m.Len(),
		Active:           m.ActiveCount(),
		UnseenPosts:      m.TotalUnseenPostsCount(),
		HasUnreadReplies: m.HasUnreadReplies(),
	}, http.StatusOK)
}

// readAllBookmarks handles POST /api/v1/bookmarks/read-all
func (rr *Routes) readAllBookmarks(w http.ResponseWriter, r *http.Request) {
	changed, err := rr.managers.Bookmarks.ReadAllPostsAndNotifications(r.Context())
	if err != nil {
		common.WriteManagerError(w, r, "read all bookmarks", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(changed), http.StatusOK)
}

// pruneBookmarks handles POST /api/v1/bookmarks/prune
func (rr *Routes) pruneBookmarks(w http.ResponseWriter, r *http.Request) {
	deleted, err := rr.managers.Bookmarks.PruneNonActive(r.Context())
	if err != nil {
		common.WriteManagerError(w, r, "prune bookmarks", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(deleted), http.StatusOK)
}

func (*Routes) threadOrBadRequest(w http.ResponseWriter, r *http.Request) (descriptor.ThreadDescriptor, bool) {
	thread, err := common.ThreadParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return thread, false
	}
	return thread, true
}

// getBookmark handles GET /api/v1/bookmarks/{site}/{board}/{thread}
func (rr *Routes) getBookmark(w http.ResponseWriter, r *http.Request) {
	thread, ok := rr.threadOrBadRequest(w, r)
	if !ok {
		return
	}
	b, found := rr.managers.Bookmarks.Get(thread)
	if !found {
		common.WriteErrorResponse(w, "bookmark not found", http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, b, http.StatusOK)
}

// deleteBookmark handles DELETE /api/v1/bookmarks/{site}/{board}/{thread}
func (rr *Routes) deleteBookmark(w http.ResponseWriter, r *http.Request) {
	thread, ok := rr.threadOrBadRequest(w, r)
	if !ok {
		return
	}
	deleted, err := rr.managers.Bookmarks.DeleteBookmark(r.Context(), thread)
	if err != nil {
		common.WriteManagerError(w, r, "delete bookmark", err)
		return
	}
	if !deleted {
		common.WriteErrorResponse(w, "bookmark not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// postViewed handles POST /api/v1/bookmarks/{site}/{board}/{thread}/viewed.
// The change is persisted after the debounce window, so it answers 202.
func (rr *Routes) postViewed(w http.ResponseWriter, r *http.Request) {
	thread, ok := rr.threadOrBadRequest(w, r)
	if !ok {
		return
	}
	var req PostViewedRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PostNo <= 0 || req.Unseen < 0 {
		common.WriteErrorResponse(w, "postNo must be positive and unseen must not be negative", http.StatusBadRequest)
		return
	}

	rr.managers.Bookmarks.OnPostViewed(thread, req.PostNo, req.Unseen)
	w.WriteHeader(http.StatusAccepted)
}

// readBookmark handles POST /api/v1/bookmarks/{site}/{board}/{thread}/read
func (rr *Routes) readBookmark(w http.ResponseWriter, r *http.Request) {
	thread, ok := rr.threadOrBadRequest(w, r)
	if !ok {
		return
	}
	var req ReadRequest
	if r.ContentLength != 0 {
		if err := common.DecodeJSONBody(r, &req); err != nil {
			common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	found, err := rr.managers.Bookmarks.ReadPostsAndNotificationsForThread(r.Context(), thread, req.LastPostNo)
	if err != nil {
		common.WriteManagerError(w, r, "read bookmark", err)
		return
	}
	if !found {
		common.WriteErrorResponse(w, "bookmark not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toggleBookmark handles POST /api/v1/bookmarks/{site}/{board}/{thread}/toggle
func (rr *Routes) toggleBookmark(w http.ResponseWriter, r *http.Request) {
	thread, ok := rr.threadOrBadRequest(w, r)
	if !ok {
		return
	}
	found, err := rr.managers.Bookmarks.ToggleWatching(r.Context(), thread)
	if err != nil {
		common.WriteManagerError(w, r, "toggle bookmark", err)
		return
	}
	if !found {
		common.WriteErrorResponse(w, "bookmark not found", http.StatusNotFound)
		return
	}
	b, _ := rr.managers.Bookmarks.Get(thread)
	common.WriteJSONResponse(w, b, http.StatusOK)
}
