package handlers

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
)

// Flatpak index protocol types, compatible with flatpak's container remote
// support. The static endpoint is meant to sit behind a long-lived cache;
// the dynamic one recomputes per request.

type flatpakImage struct {
	Tags         []string          `json:"Tags"`
	Digest       string            `json:"Digest"`
	MediaType    string            `json:"MediaType"`
	OS           string            `json:"OS,omitempty"`
	Architecture string            `json:"Architecture,omitempty"`
	Labels       map[string]string `json:"Labels"`
}

type flatpakResult struct {
	Name   string         `json:"Name"`
	Images []flatpakImage `json:"Images"`
}

type flatpakIndexResponse struct {
	Registry string          `json:"Registry"`
	Results  []flatpakResult `json:"Results"`
}

// flatpakIndexHandler serves /index/static and /index/dynamic: a listing of
// flatpak-flagged images across visible distributions, filterable by tag and
// by config labels.
func (app *App) flatpakIndexHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tagFilter := q.Get("tag")

	labelEquals := map[string]string{}
	labelExists := map[string]bool{}
	for key, values := range q {
		if !strings.HasPrefix(key, "label:") || len(values) == 0 {
			continue
		}
		rest := strings.TrimPrefix(key, "label:")
		if name, ok := strings.CutSuffix(rest, ":exists"); ok {
			labelExists[name] = true
			continue
		}
		labelEquals[rest] = values[0]
	}

	response := flatpakIndexResponse{
		Registry: registryBaseURL(r, app.Config.HTTP.RelativeURLs),
		Results:  []flatpakResult{},
	}

	basePaths := app.namespaces.BasePaths()
	sort.Strings(basePaths)
	for _, basePath := range basePaths {
		d, err := app.namespaces.Distribution(basePath)
		if err != nil || d.Private {
			continue
		}
		repo, err := app.engine.Get(d.RepositoryName)
		if err != nil {
			continue
		}
		version := repo.Latest()

		byDigest := map[string]*flatpakImage{}
		for _, tag := range version.Tags() {
			if tagFilter != "" && tag.Name != tagFilter {
				continue
			}
			m, err := version.LookupManifest(tag.Manifest)
			if err != nil || !m.IsFlatpak || !matchLabels(m.Labels, labelEquals, labelExists) {
				continue
			}
			img, ok := byDigest[m.Digest.String()]
			if !ok {
				img = &flatpakImage{
					Digest:    m.Digest.String(),
					MediaType: m.MediaType,
					Labels:    m.Labels,
				}
				byDigest[m.Digest.String()] = img
			}
			img.Tags = append(img.Tags, tag.Name)
		}

		if len(byDigest) == 0 {
			continue
		}
		result := flatpakResult{Name: basePath}
		for _, img := range byDigest {
			sort.Strings(img.Tags)
			result.Images = append(result.Images, *img)
		}
		sort.Slice(result.Images, func(i, j int) bool {
			return result.Images[i].Digest < result.Images[j].Digest
		})
		response.Results = append(response.Results, result)
	}

	w.Header().Set("Content-Type", "application/json")
	if strings.HasSuffix(r.URL.Path, "/static") {
		w.Header().Set("Cache-Control", "max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "no-store")
	}
	json.NewEncoder(w).Encode(response)
}

func matchLabels(labels map[string]string, equals map[string]string, exists map[string]bool) bool {
	for name := range exists {
		if _, ok := labels[name]; !ok {
			return false
		}
	}
	for name, want := range equals {
		if labels[name] != want {
			return false
		}
	}
	return true
}

// registryBaseURL reconstructs the externally visible registry URL for the
// index response.
func registryBaseURL(r *http.Request, relative bool) string {
	if relative {
		return "/"
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
