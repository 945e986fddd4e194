package v2

import (
	"regexp"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// Route variable grammars, shared between route registration and request
// validation.
var (
	// The name grammar is the domain-less repository path: NameRegexp
	// would admit an uppercase leading component as a registry domain.
	nameGrammar      = `[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*)*`
	tagGrammar       = reference.TagRegexp.String()
	digestGrammar    = digest.DigestRegexp.String()
	referenceGrammar = tagGrammar + "|" + digestGrammar
)

var (
	anchoredName      = regexp.MustCompile(`^` + nameGrammar + `$`)
	anchoredTag       = regexp.MustCompile(`^` + tagGrammar + `$`)
	anchoredReference = regexp.MustCompile(`^(?:` + referenceGrammar + `)$`)
)

// ValidName reports whether name matches the repository name grammar.
func ValidName(name string) bool {
	return anchoredName.MatchString(name)
}

// ValidTag reports whether tag matches the tag grammar.
func ValidTag(tag string) bool {
	return anchoredTag.MatchString(tag)
}

// ValidReference reports whether ref is a well-formed tag or digest.
func ValidReference(ref string) bool {
	return anchoredReference.MatchString(ref)
}
