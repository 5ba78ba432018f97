// Package version holds build-time version metadata for cmd/sdsnode.
package version

// Version and GitCommit are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/fieldmesh/sds/pkg/sds/version.Version=v1.0.0 \
//	  -X github.com/fieldmesh/sds/pkg/sds/version.GitCommit=abc1234"
var (
	Version   = "dev"
	GitCommit = "unknown"
)
