package v1

import (
	"fmt"
	"net/http"

	"github.com/stacklok/chanstate/internal/api/common"
	"github.com/stacklok/chanstate/internal/boards"
)

// ActivateRequest activates or deactivates boards of a site.
type ActivateRequest struct {
	Codes  []string `json:"codes"`
	Active bool     `json:"active"`
}

// MoveRequest moves a board within the site's active sequence.
type MoveRequest struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// listBoards handles GET /api/v1/boards/{site}
//
// Query parameters: active=true keeps active boards only; q searches code and name.
func (rr *Routes) listBoards(w http.ResponseWriter, r *http.Request) {
	site, err := common.SiteParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	activeOnly, err := common.BoolQuery(r, "active")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := rr.managers.Boards
	var list []boards.Board
	if q := r.URL.Query().Get("q"); q != "" {
		for _, b := range m.Search(site, q) {
			if !activeOnly || b.Active {
				list = append(list, b)
			}
		}
	} else {
		list = m.Boards(site, activeOnly)
	}
	if list == nil {
		list = []boards.Board{}
	}
	common.WriteJSONResponse(w, list, http.StatusOK)
}

// putBoards handles PUT /api/v1/boards/{site} with a JSON array of boards as
// reported by the site. User state (active, order) is kept.
func (rr *Routes) putBoards(w http.ResponseWriter, r *http.Request) {
	site, err := common.SiteParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req []boards.Board
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	for i := range req {
		if req[i].Descriptor.Code == "" {
			common.WriteErrorResponse(w, fmt.Sprintf("board %d has no code", i), http.StatusBadRequest)
			return
		}
		req[i].Descriptor.Site = site
	}

	changed, err := rr.managers.Boards.CreateOrUpdate(r.Context(), req...)
	if err != nil {
		common.WriteManagerError(w, r, "update boards", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(changed), http.StatusOK)
}

// activateBoards handles POST /api/v1/boards/{site}/activate
func (rr *Routes) activateBoards(w http.ResponseWriter, r *http.Request) {
	site, err := common.SiteParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req ActivateRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	changed, err := rr.managers.Boards.Activate(r.Context(), site, req.Codes, req.Active)
	if err != nil {
		common.WriteManagerError(w, r, "activate boards", err)
		return
	}
	common.WriteJSONResponse(w, keyStrings(changed), http.StatusOK)
}

// moveBoard handles POST /api/v1/boards/{site}/move. The new order is persisted
// after the debounce window, so it answers 202.
func (rr *Routes) moveBoard(w http.ResponseWriter, r *http.Request) {
	site, err := common.SiteParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req MoveRequest
	if err := common.DecodeJSONBody(r, &req); err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !rr.managers.Boards.Move(r.Context(), site, req.From, req.To) {
		common.WriteErrorResponse(w, "position out of range of the active boards", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// getBoard handles GET /api/v1/boards/{site}/{board}
func (rr *Routes) getBoard(w http.ResponseWriter, r *http.Request) {
	bd, err := common.BoardParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	b, ok := rr.managers.Boards.Get(bd)
	if !ok {
		common.WriteErrorResponse(w, "board not found", http.StatusNotFound)
		return
	}
	common.WriteJSONResponse(w, b, http.StatusOK)
}

// deleteBoard handles DELETE /api/v1/boards/{site}/{board}
func (rr *Routes) deleteBoard(w http.ResponseWriter, r *http.Request) {
	bd, err := common.BoardParam(r)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	removed, err := rr.managers.Boards.Remove(r.Context(), bd)
	if err != nil {
		common.WriteManagerError(w, r, "delete board", err)
		return
	}
	if !removed {
		common.WriteErrorResponse(w, "board not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
