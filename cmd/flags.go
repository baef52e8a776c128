package cmd

// CLI flag names. Values are read back through viper with these keys.
const (
	// Root flags
	logLevelFlag = "log-level"
	logJSONFlag  = "log-json"
	dataDirFlag  = "data-dir"
	envFileFlag  = "env-file"
	userFlag     = "user"
	discoverFlag = "discover"
	timeoutFlag  = "timeout"

	// Account flags
	passwordFlag = "password"

	// Send flags
	attachFlag  = "attach"
	pictureFlag = "picture"
	nameFlag    = "name"

	// History flags
	limitFlag    = "limit"
	offsetFlag   = "offset"
	severityFlag = "severity"

	// Relay flags
	listenFlag         = "listen"
	httpListenFlag     = "http-listen"
	identityListenFlag = "identity-listen"
	publicURLFlag      = "public-url"
	domainFlag         = "domain"
	certFlag           = "cert"
	keyFlag            = "key"
	caOutFlag          = "ca-out"
	announceFlag       = "announce"
	instanceFlag       = "instance"
	verifyKeysFlag     = "verify-keys"

	// Discover flags
	watchFlag = "watch"
)
