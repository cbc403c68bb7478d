package chshare

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/logger"
	"github.com/spf13/viper"
)

// NotsetPassword is the sentinel value that means "no password configured"
// (§6.4: "Password = notset is rejected")
const NotsetPassword = "notset"

// DefaultConfigPath is used when no config path is given on the command line (§6.5)
const DefaultConfigPath = "ELProxy.conf"

// DefaultPort is used when the config omits port entirely (spec.md: "port
// (u16), default 8100")
const DefaultPort = 8100

// ProxyConfig is the §3 data model's configuration value set (§6.4),
// loaded from a `key = value` properties file. Grounded on
// jmylchreest-tvarr's internal/config/config.go: a mapstructure-tagged
// struct decoded out of a viper.Viper, plus a Validate() method -- the
// same shape, narrowed to EchoLink's flat (non-nested) key set.
type ProxyConfig struct {
	Port                            int    `mapstructure:"port"`
	Password                        string `mapstructure:"password"`
	BindAddress                     string `mapstructure:"bindaddress"`
	ExternalBindAddress             string `mapstructure:"externalbindaddress"`
	AdditionalExternalBindAddresses string `mapstructure:"additionalexternalbindaddresses"`
	CallsignsAllowed                string `mapstructure:"callsignsallowed"`
	CallsignsDenied                 string `mapstructure:"callsignsdenied"`
	RegistrationName                string `mapstructure:"registrationname"`
	RegistrationComment             string `mapstructure:"registrationcomment"`

	// BindAddrExt is the resolved IP corresponding to ExternalBindAddress,
	// used as the primary slot's source_addr
	BindAddrExt net.IP `mapstructure:"-"`
	// BindAddrExtAdd is the resolved IPs corresponding to
	// AdditionalExternalBindAddresses, one slot each, in order
	BindAddrExtAdd []net.IP `mapstructure:"-"`
	// CallsAllowedRx and CallsDeniedRx are the compiled forms of
	// CallsignsAllowed/CallsignsDenied, or nil if unset
	CallsAllowedRx *regexp.Regexp `mapstructure:"-"`
	CallsDeniedRx  *regexp.Regexp `mapstructure:"-"`
}

// LoadConfig reads path (the "properties" format of §6.4: `key = value`,
// `#` comments, blank lines ignored, whitespace around `=` ignored) into
// a ProxyConfig, compiles its regexes, and resolves its address list.
// log is used only to warn about concurrent file modification (§2.3);
// viper's own keys are matched case-insensitively, a superset of §6.4's
// case-sensitive contract -- harmless since the documented key names are
// themselves unambiguous under folding.
func LoadConfig(path string, log logger.Logger) (*ProxyConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")

	if err := v.ReadInConfig(); err != nil {
		return nil, NewKindedError(ErrKindInvalidConfig, fmt.Errorf("reading config %q: %w", path, err))
	}

	var cfg ProxyConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, NewKindedError(ErrKindInvalidConfig, fmt.Errorf("parsing config %q: %w", path, err))
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err := watcher.Add(path); err == nil {
			go watchConfigFile(watcher, path, log)
		} else {
			watcher.Close()
		}
	}

	return &cfg, nil
}

// watchConfigFile logs a warning if the config file changes on disk
// while the proxy is running. No hot-reload is attempted: live slot
// state and an in-flight registration suffix would have to be torn down
// and recomputed for a reload to mean anything, and spec.md's Non-goals
// rule out persistent cross-restart state of that kind.
func watchConfigFile(watcher *fsnotify.Watcher, path string, log logger.Logger) {
	defer watcher.Close()
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				log.WLogf("config file %q changed on disk; restart the proxy to pick up changes", path)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.WLogf("config watcher error: %s", err)
		}
	}
}

// resolve validates required fields, compiles regexes, and resolves
// address strings to net.IP (§4.7's open(): "validate password presence;
// compile calls_allowed and calls_denied patterns")
func (c *ProxyConfig) resolve() error {
	if c.Password == "" || c.Password == NotsetPassword {
		return NewKindedError(ErrKindInvalidConfig, fmt.Errorf("password is required and must not be %q", NotsetPassword))
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}

	if c.BindAddress != "" {
		if ip := net.ParseIP(c.BindAddress); ip == nil {
			return NewKindedError(ErrKindInvalidConfig, fmt.Errorf("bindaddress %q is not a valid IPv4 address", c.BindAddress))
		}
	}

	if c.ExternalBindAddress != "" {
		ip := net.ParseIP(c.ExternalBindAddress)
		if ip == nil {
			return NewKindedError(ErrKindInvalidConfig, fmt.Errorf("externalbindaddress %q is not a valid IPv4 address", c.ExternalBindAddress))
		}
		c.BindAddrExt = ip
	}

	if c.AdditionalExternalBindAddresses != "" {
		for _, s := range strings.Split(c.AdditionalExternalBindAddresses, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			ip := net.ParseIP(s)
			if ip == nil {
				return NewKindedError(ErrKindInvalidConfig, fmt.Errorf("additionalexternalbindaddresses entry %q is not a valid IPv4 address", s))
			}
			c.BindAddrExtAdd = append(c.BindAddrExtAdd, ip)
		}
	}

	if c.CallsignsAllowed != "" {
		rx, err := regexp.Compile(c.CallsignsAllowed)
		if err != nil {
			return NewKindedError(ErrKindInvalidConfig, fmt.Errorf("callsignsallowed: %w", err))
		}
		c.CallsAllowedRx = rx
	}
	if c.CallsignsDenied != "" {
		rx, err := regexp.Compile(c.CallsignsDenied)
		if err != nil {
			return NewKindedError(ErrKindInvalidConfig, fmt.Errorf("callsignsdenied: %w", err))
		}
		c.CallsDeniedRx = rx
	}

	return nil
}

// NumSlots is 1 + len(bind_addr_ext_add) (§4.7: "allocate 1 +
// len(bind_addr_ext_add) slots")
func (c *ProxyConfig) NumSlots() int {
	return 1 + len(c.BindAddrExtAdd)
}

// SlotSourceAddr returns the source_addr to bind slot index i (0-based)
// to: index 0 uses BindAddrExt, subsequent indices use
// BindAddrExtAdd[i-1] in order (§4.7).
func (c *ProxyConfig) SlotSourceAddr(i int) net.IP {
	if i == 0 {
		return c.BindAddrExt
	}
	return c.BindAddrExtAdd[i-1]
}

// IsCallsignAuthorized applies the unanchored substring-match contract
// documented in SPEC_FULL.md (Open Question 1): calls_denied matching
// rejects, calls_allowed (if set) must match to accept (§4.5 step 7).
func (c *ProxyConfig) IsCallsignAuthorized(callsign string) bool {
	if c.CallsDeniedRx != nil && c.CallsDeniedRx.MatchString(callsign) {
		return false
	}
	if c.CallsAllowedRx != nil && !c.CallsAllowedRx.MatchString(callsign) {
		return false
	}
	return true
}
