package registry

import (
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// PathKind is the registry API resource addressed by a /v2/ request.
type PathKind int8

const (
	KindBase PathKind = iota // the /v2/ version probe
	KindManifests
	KindBlobs
	KindTags
)

// ParsedPath is the result of classifying a /v2/... request, request scoped.
type ParsedPath struct {
	RegistryHost string // empty means Docker Hub
	ImageName    string // possibly multi-segment, "library/" prepended for unscoped hub images
	Kind         PathKind
	Reference    string // tag or digest, empty for tags list and the base probe
}

// FullImage is the image reference as seen by the proxy, including any
// leading registry host. Used as the access control subject.
func (p ParsedPath) FullImage() string {
	if p.RegistryHost == "" {
		return p.ImageName
	}
	return p.RegistryHost + "/" + p.ImageName
}

// IsDigest reports whether the reference is a content digest rather than a tag.
func (p ParsedPath) IsDigest() bool {
	_, err := digest.Parse(p.Reference)
	return err == nil
}

// ParsePath classifies the path of a /v2/... request. The image part may
// begin with a known registry host which is stripped and recorded, an
// unscoped Docker Hub image gets the "library/" namespace.
func (r *Registry) ParsePath(urlPath string) (ParsedPath, error) {
	trimmed := strings.TrimPrefix(urlPath, "/v2")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return ParsedPath{Kind: KindBase}, nil
	}

	segments := strings.Split(trimmed, "/")

	res := ParsedPath{}
	if _, ok := r.descriptors[segments[0]]; ok {
		res.RegistryHost = segments[0]
		segments = segments[1:]
	}

	// <image>/manifests/<ref> | <image>/blobs/<ref> | <image>/tags/list
	switch {
	case len(segments) >= 3 && segments[len(segments)-2] == "manifests":
		res.Kind = KindManifests
		res.Reference = segments[len(segments)-1]
		segments = segments[:len(segments)-2]
	case len(segments) >= 3 && segments[len(segments)-2] == "blobs":
		res.Kind = KindBlobs
		res.Reference = segments[len(segments)-1]
		segments = segments[:len(segments)-2]
	case len(segments) >= 3 && segments[len(segments)-2] == "tags" && segments[len(segments)-1] == "list":
		res.Kind = KindTags
		segments = segments[:len(segments)-2]
	default:
		return ParsedPath{}, errors.Errorf("unrecognized registry path %q", urlPath)
	}

	if len(segments) == 0 {
		return ParsedPath{}, errors.Errorf("empty image name in registry path %q", urlPath)
	}

	res.ImageName = strings.Join(segments, "/")
	if res.RegistryHost == "" && !strings.Contains(res.ImageName, "/") {
		res.ImageName = "library/" + res.ImageName
	}
	return res, nil
}
