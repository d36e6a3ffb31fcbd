package common

// Version is overridden at build time with -ldflags "-X github.com/ruteri/device-agent/common.Version=..."
var Version = "dev"

const PackageName = "github.com/ruteri/device-agent"
