package main

// Version is the fallback version string reported when the binary build
// info carries no module version (a GOPATH or local `go build` build).
const Version = "unknown (built from source tree)"
