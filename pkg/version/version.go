package version

// Version is the current release of cockpitwsd.
const Version = "0.1.0"

// BuildVersion returns the version string for display on the CLI.
func BuildVersion() string {
	return "cockpitwsd version " + Version
}

// ProtocolVersion is the control-frame "init" version this daemon speaks.
const ProtocolVersion = 0
