package handlers

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/gorilla/handlers"

	"github.com/stevedore-project/stevedore/registry/api/errcode"
)

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagsHandler := &tagsHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(tagsHandler.GetTags),
	}
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// GetTags returns a json list of tags for a specific image name.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := parsePageSize(q.Get("n"))
	if err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": q.Get("n")}))
		return
	}

	res, err := th.resolvePull()
	if err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeNameUnknown.WithDetail(map[string]string{"name": th.Name}))
		return
	}

	tags := res.version.TagNames()

	start := 0
	if last := q.Get("last"); last != "" {
		start = sort.SearchStrings(tags, last)
		if start < len(tags) && tags[start] == last {
			start++
		}
	}
	end := start + entries
	moreEntries := end < len(tags)
	if end > len(tags) {
		end = len(tags)
	}
	page := tags[start:end]

	w.Header().Set("Content-Type", "application/json")

	if moreEntries && len(page) > 0 {
		urlStr, err := createLinkEntry(r.URL.String(), entries, page[len(page)-1])
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(tagsAPIResponse{
		Name: th.Name,
		Tags: page,
	}); err != nil {
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}
