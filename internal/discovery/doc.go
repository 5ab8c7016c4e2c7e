// Package discovery talks to the vendor web service that lists apartment
// complexes, resolves the session server address of a complex and checks
// resident credentials.
//
// It is a one-shot collaborator used at startup and by the CLI: there is
// no retry and no caching. The TCP session itself lives in package daelim.
package discovery
