package worker

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/baserock/distbuild/artifact"
)

// cacheSuffixes derives the set of artifact-cache fetch suffixes for art,
// branching on its Source.Kind.
func cacheSuffixes(art artifact.Artifact) []string {
	switch art.Source.Kind {
	case artifact.KindChunk:
		suffixes := make([]string, 0, len(art.Source.Artifacts)+1)
		for _, name := range art.Source.Artifacts {
			suffixes = append(suffixes, fmt.Sprintf("%s.%s", art.Source.Kind, name))
		}
		suffixes = append(suffixes, "build-log")
		return suffixes
	case artifact.KindStratum:
		base := fmt.Sprintf("stratum.%s", art.Name)
		return []string{base, base + ".meta"}
	default:
		return []string{fmt.Sprintf("%s.%s", art.Source.Kind, art.Name)}
	}
}

// cacheURL builds the GET URL sent to the writeable cache server to
// request post-build artifact caching.
func cacheURL(writeableCacheServer, workerHost string, workerCachePort int, cacheKey string, art artifact.Artifact) string {
	encoded := make([]string, 0, len(art.Source.Artifacts)+2)
	for _, s := range cacheSuffixes(art) {
		encoded = append(encoded, url.QueryEscape(s))
	}

	query := fmt.Sprintf("host=%s&cacheid=%s&artifacts=%s",
		url.QueryEscape(fmt.Sprintf("%s:%d", workerHost, workerCachePort)),
		url.QueryEscape(cacheKey),
		strings.Join(encoded, ","),
	)

	return fmt.Sprintf("%s/1.0/fetch?%s", strings.TrimRight(writeableCacheServer, "/"), query)
}
