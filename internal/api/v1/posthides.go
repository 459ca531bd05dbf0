package v1

import (
	"net/http"

	"github.com/stacklok/chanstate/internal/api/common"
	"github.com/stacklok/chanstate/internal/descriptor"
	"github.com/stacklok/chanstate/internal/posthides"
)

// RemovePostHidesRequest lists posts to unhide.
type RemovePostHidesRequest struct {
	Posts []descriptor.PostDescriptor `json:"posts"`
}

// createPostHides handles POST /api/v1/posthides with a JSON array of hides.
func (rr *Routes) createPostHides(w http.ResponseWriter, r *http.Request) {
	var req []posthides.PostHide
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req) == 0 {
		common.WriteErrorResponse(w, "at least one post hide is required", http.StatusBadRequest)
		return
	}

	created, err := rr.managers.PostHides.CreateMany(r.Context(), req)
	if err != nil {
		common.WriteManagerError(w, r, "create post hides", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(created), http.StatusCreated)
}

// removePostHides handles POST /api/v1/posthides/remove
func (rr *Routes) removePostHides(w http.ResponseWriter, r *http.Request) {
	var req RemovePostHidesRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	removed, err := rr.managers.PostHides.RemoveMany(r.Context(), req.Posts)
	if err != nil {
		common.WriteManagerError(w, r, "remove post hides", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(removed), http.StatusOK)
}

// deleteAllPostHides handles DELETE /api/v1/posthides
func (rr *Routes) deleteAllPostHides(w http.ResponseWriter, r *http.Request) {
	n, err := rr.managers.PostHides.DeleteAll(r.Context())
	if err != nil {
		common.WriteManagerError(w, r, "delete post hides", err)
		return
	}
	common.WriteJSONResponse(w, map[string]int{"deleted": n}, http.StatusOK)
}

// threadPostHides handles GET /api/v1/posthides/{site}/{board}/{thread}
func (rr *Routes) threadPostHides(w http.ResponseWriter, r *http.Request) {
	thread, ok := rr.threadOrBadRequest(w, r)
	if !ok {
		return
	}
	hides := rr.managers.PostHides.HiddenInThread(thread)
	if hides == nil {
		hides = []posthides.PostHide{}
	}
	common.WriteJSONResponse(w, hides, http.StatusOK)
}
