// Package v2 defines the routes and URL construction for the distribution
// HTTP API.
package v2

import (
	"github.com/gorilla/mux"
)

// The following are definitions of the name under which all v2 routes are
// registered. These symbols can be used to look up a route based on the name.
const (
	RouteNameBase            = "base"
	RouteNameManifest        = "manifest"
	RouteNameTags            = "tags"
	RouteNameBlob            = "blob"
	RouteNameBlobUpload      = "blob-upload"
	RouteNameBlobUploadChunk = "blob-upload-chunk"
	RouteNameCatalog         = "catalog"
	RouteNameSignatures      = "signatures"
)

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix
// on all routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	router.Path("/v2/").Name(RouteNameBase)
	router.Path("/v2/_catalog").Name(RouteNameCatalog)
	router.Path("/v2/{name:" + nameGrammar + "}/tags/list").Name(RouteNameTags)
	router.Path("/v2/{name:" + nameGrammar + "}/manifests/{reference:" + referenceGrammar + "}").Name(RouteNameManifest)
	router.Path("/v2/{name:" + nameGrammar + "}/blobs/uploads/").Name(RouteNameBlobUpload)
	router.Path("/v2/{name:" + nameGrammar + "}/blobs/uploads/{uuid:[a-zA-Z0-9-_.=]+}").Name(RouteNameBlobUploadChunk)
	router.Path("/v2/{name:" + nameGrammar + "}/blobs/{digest:" + digestGrammar + "}").Name(RouteNameBlob)
	router.Path("/extensions/v2/{name:" + nameGrammar + "}/signatures/{digest:" + digestGrammar + "}").Name(RouteNameSignatures)

	return rootRouter
}
