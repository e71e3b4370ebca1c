package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/soulseekd/soulseekd/pkg/transfers"
)

type transfersHandler struct {
	store   *transfers.Store
	uploads UploadController
}

// List returns upload records, newest first. Supported query parameters:
// username, include_removed, limit.
func (h *transfersHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := transfers.ListFilter{
		Username: r.URL.Query().Get("username"),
	}
	if v := r.URL.Query().Get("include_removed"); v != "" {
		include, err := strconv.ParseBool(v)
		if err != nil {
			JSON(w, http.StatusBadRequest, ErrorResponse("include_removed must be a boolean"))
			return
		}
		filter.IncludeRemoved = include
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			JSON(w, http.StatusBadRequest, ErrorResponse("limit must be a non-negative integer"))
			return
		}
		filter.Limit = limit
	}

	records, err := h.store.List(r.Context(), transfers.DirectionUpload, filter)
	if err != nil {
		JSON(w, http.StatusInternalServerError, ErrorResponse(err.Error()))
		return
	}
	JSON(w, http.StatusOK, OKResponse(records))
}

func (h *transfersHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, transfers.ErrTransferNotFound) {
			JSON(w, http.StatusNotFound, ErrorResponse("transfer not found"))
			return
		}
		JSON(w, http.StatusInternalServerError, ErrorResponse(err.Error()))
		return
	}
	JSON(w, http.StatusOK, OKResponse(record))
}

// Cancel requests cancellation of a live upload. Cancelling an upload that
// has already reached a terminal state is a no-op and reported as 404.
func (h *transfersHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.uploads == nil || !h.uploads.TryCancel(id) {
		JSON(w, http.StatusNotFound, ErrorResponse("no active upload with that id"))
		return
	}
	JSON(w, http.StatusAccepted, OKResponse(nil))
}
