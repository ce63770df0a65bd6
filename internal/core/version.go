package core

// Version is the build version of the service, set with
// -ldflags "-X github.com/vrsandeep/updatekit/internal/core.Version=...".
var Version = "dev"
