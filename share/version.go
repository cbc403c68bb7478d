package chshare

// Version is the proxy's release identifier, reported via --version (§6.5).
// It is unrelated to registrationVersion, the fixed directory-protocol
// version string the EchoLink registration POST requires (§4.8).
const Version = "1.0.0"
