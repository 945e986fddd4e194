package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/stevedore-project/stevedore/namespace"
	"github.com/stevedore-project/stevedore/registry/api/errcode"
)

// defaultReturnedEntries is the default page size for list endpoints.
const defaultReturnedEntries = 100

// maximumReturnedEntries caps page sizes for list endpoints.
const maximumReturnedEntries = 1000

func catalogDispatcher(ctx *Context, r *http.Request) http.Handler {
	catalogHandler := &catalogHandler{Context: ctx}
	return handlers.MethodHandler{
		http.MethodGet: http.HandlerFunc(catalogHandler.GetCatalog),
	}
}

type catalogHandler struct {
	*Context
}

type catalogAPIResponse struct {
	Repositories []string `json:"repositories"`
}

// GetCatalog lists the base paths the requesting account may see: public
// distributions plus those in namespaces the account holds a role in.
func (ch *catalogHandler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := parsePageSize(q.Get("n"))
	if err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(map[string]string{"n": q.Get("n")}))
		return
	}
	lastEntry := q.Get("last")

	user := authUserName(ch.Context)
	var visible []string
	for _, basePath := range ch.App.namespaces.BasePaths() {
		d, err := ch.App.namespaces.Distribution(basePath)
		if err != nil {
			continue
		}
		if !d.Private {
			visible = append(visible, basePath)
			continue
		}
		ns, err := ch.App.namespaces.Namespace(namespace.NamespaceOf(basePath))
		if err != nil {
			continue
		}
		if role, ok := ns.RoleOf(user); ok && role.CanPull() {
			visible = append(visible, basePath)
		}
	}
	sort.Strings(visible)

	start := 0
	if lastEntry != "" {
		start = sort.SearchStrings(visible, lastEntry)
		if start < len(visible) && visible[start] == lastEntry {
			start++
		}
	}

	end := start + entries
	moreEntries := end < len(visible)
	if end > len(visible) {
		end = len(visible)
	}
	page := visible[start:end]

	w.Header().Set("Content-Type", "application/json")

	// Add a link header if there are more entries to retrieve
	if moreEntries && len(page) > 0 {
		urlStr, err := createLinkEntry(r.URL.String(), entries, page[len(page)-1])
		if err != nil {
			ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
			return
		}
		w.Header().Set("Link", urlStr)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(catalogAPIResponse{Repositories: page}); err != nil {
		ch.Errors = append(ch.Errors, errcode.ErrorCodeUnknown.WithDetail(err))
	}
}

// parsePageSize parses and bounds the "n" pagination parameter.
func parsePageSize(raw string) (int, error) {
	if raw == "" {
		return defaultReturnedEntries, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid page size %q", raw)
	}
	if n > maximumReturnedEntries {
		n = maximumReturnedEntries
	}
	return n, nil
}

// createLinkEntry builds an RFC5988 Link header value for the next page.
func createLinkEntry(origURL string, maxEntries int, lastEntry string) (string, error) {
	calledURL, err := url.Parse(origURL)
	if err != nil {
		return "", err
	}

	v := url.Values{}
	v.Add("n", strconv.Itoa(maxEntries))
	v.Add("last", lastEntry)

	calledURL.RawQuery = v.Encode()

	calledURL.Fragment = ""
	urlStr := fmt.Sprintf("<%s>; rel=\"next\"", calledURL.String())

	return urlStr, nil
}
