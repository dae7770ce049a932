package version

var (
	// Version is the semantic version (injected at build time).
	Version = "dev"
	// Commit is the git commit SHA (injected at build time).
	Commit = "unknown"
	// BuildDate is the build timestamp (injected at build time).
	BuildDate = "unknown"
)

// Name is the program name printed by the version command.
const Name = "dbthook"

// Info returns formatted version information, e.g. "dev (unknown, built unknown)".
func Info() string {
	return Version + " (" + Commit + ", built " + BuildDate + ")"
}

// String returns the program name followed by Info.
func String() string {
	return Name + " " + Info()
}
