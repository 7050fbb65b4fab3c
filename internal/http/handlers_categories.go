package http

import (
	"net/http"

	"kas/internal/core"
	"kas/internal/services"
)

type createCategoryRequest struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Color string `json:"color"`
	Icon  string `json:"icon"`
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	kind, err := queryKind(r.URL.Query())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	cats, err := s.svc.Categories.List(r.Context(), profileID(r), kind)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	out := make([]categoryResponse, 0, len(cats))
	for _, c := range cats {
		out = append(out, newCategoryResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateCategory(w http.ResponseWriter, r *http.Request) {
	var req createCategoryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, r, err)
		return
	}
	kind, err := core.ParseKind(req.Kind)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	c, err := s.svc.Categories.Create(r.Context(), services.NewCategory{
		ProfileID: profileID(r),
		Name:      req.Name,
		Kind:      kind,
		Color:     req.Color,
		Icon:      req.Icon,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newCategoryResponse(c))
}
